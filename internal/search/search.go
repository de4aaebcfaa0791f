package search

// Result is a single listing hit returned to the caller.
type Result struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Snippet      string `json:"snippet"`
	Municipality string `json:"municipality"`
	Address      string `json:"address"`
	Status       string `json:"status"`
}

// Query describes a listing search request.
type Query struct {
	Text         string
	Municipality string // empty = all municipalities
	Limit        int
	Offset       int
}

// Response is the envelope returned by the listing search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over listings.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push listings into a search index.
type Indexer interface {
	IndexListing(l ListingRecord) error
	DeleteListing(id string) error
}

// ListingRecord is the data we index for a listing.
type ListingRecord struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Address      string `json:"address"`
	Municipality string `json:"municipality"`
	Status       string `json:"status"`
}
