package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search queries the listings table using plainto_tsquery and ts_rank,
// with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('simple', $1)"
	args := []any{q.Text}

	where := "l.status = 'published' AND l.fts @@ " + tsQuery
	if q.Municipality != "" {
		where += " AND l.municipality = $2"
		args = append(args, q.Municipality)
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM listings l WHERE %s", where)

	dataSQL := fmt.Sprintf(`
		SELECT l.id, l.title,
			ts_headline('simple', coalesce(l.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
			l.municipality, l.address, l.status
		FROM listings l
		WHERE %s
		ORDER BY ts_rank(l.fts, %s) DESC, l.created_at DESC
		LIMIT %d OFFSET %d`, tsQuery, where, tsQuery, limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.Snippet, &r.Municipality, &r.Address, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all published listings for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ListingRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, title, description, address, municipality, status
		FROM listings
		WHERE status = 'published'
	`)
	if err != nil {
		return nil, fmt.Errorf("load listings: %w", err)
	}
	defer rows.Close()

	listings := make([]ListingRecord, 0)
	for rows.Next() {
		var l ListingRecord
		if err := rows.Scan(&l.ID, &l.Title, &l.Description, &l.Address, &l.Municipality, &l.Status); err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		listings = append(listings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate listings: %w", err)
	}

	return listings, nil
}
