package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ── Users ──

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role, is_email_verified, verification_token)
		VALUES ($1, $2, LOWER($3), $4, $5, $6, $7)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.Role, user.IsEmailVerified, user.VerificationToken)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, role, is_email_verified
		FROM users WHERE id = $1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.IsEmailVerified)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, role, is_email_verified
		FROM users WHERE email = LOWER($1)
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.IsEmailVerified)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token = $2, verification_expires_at = $3, updated_at = NOW()
		WHERE id = $1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("set verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified = TRUE, verification_token = NULL, verification_expires_at = NULL, updated_at = NOW()
		WHERE verification_token = $1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email result: %w", err)
	}
	if affected == 0 {
		return errors.New("invalid or expired verification token")
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1
	`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at) VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token = $1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at = NOW() WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

// ── Listings ──

func (s *PostgresStore) InsertListing(ctx context.Context, item Listing) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO listings (id, owner_id, title, description, address, municipality, status)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.OwnerID, item.Title, item.Description, item.Address, item.Municipality, item.Status)
	if err != nil {
		return fmt.Errorf("insert listing: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetListing(ctx context.Context, listingID string) (Listing, error) {
	var item Listing
	var ownerID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, description, address, municipality, status, created_at
		FROM listings WHERE id = $1
	`, listingID).Scan(&item.ID, &ownerID, &item.Title, &item.Description, &item.Address, &item.Municipality, &item.Status, &item.CreatedAt)
	if err != nil {
		return Listing{}, err
	}
	item.OwnerID = ownerID.String
	return item, nil
}

func (s *PostgresStore) ListListings(ctx context.Context) ([]Listing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(owner_id, ''), title, description, address, municipality, status, created_at
		FROM listings
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list listings: %w", err)
	}
	defer rows.Close()

	items := make([]Listing, 0)
	for rows.Next() {
		var item Listing
		if err := rows.Scan(&item.ID, &item.OwnerID, &item.Title, &item.Description, &item.Address, &item.Municipality, &item.Status, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate listings: %w", err)
	}
	return items, nil
}

// ── Conversations ──

func (s *PostgresStore) InsertConversation(ctx context.Context, item Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, listing_id, landlord_id, tenant_id, created_at, last_message_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, item.ID, item.ListingID, item.LandlordID, item.TenantID, item.CreatedAt, item.LastMessageAt)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	var item Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, listing_id, landlord_id, tenant_id, created_at, last_message_at
		FROM conversations WHERE id = $1
	`, conversationID).Scan(&item.ID, &item.ListingID, &item.LandlordID, &item.TenantID, &item.CreatedAt, &item.LastMessageAt)
	if err != nil {
		return Conversation{}, err
	}
	return item, nil
}

// FindConversation looks up the single conversation for a
// (listing, tenant) pair. sql.ErrNoRows means none exists yet.
func (s *PostgresStore) FindConversation(ctx context.Context, listingID, tenantID string) (Conversation, error) {
	var item Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, listing_id, landlord_id, tenant_id, created_at, last_message_at
		FROM conversations WHERE listing_id = $1 AND tenant_id = $2
	`, listingID, tenantID).Scan(&item.ID, &item.ListingID, &item.LandlordID, &item.TenantID, &item.CreatedAt, &item.LastMessageAt)
	if err != nil {
		return Conversation{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListConversationsForUser(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, listing_id, landlord_id, tenant_id, created_at, last_message_at
		FROM conversations
		WHERE landlord_id = $1 OR tenant_id = $1
		ORDER BY last_message_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	items := make([]Conversation, 0)
	for rows.Next() {
		var item Conversation
		if err := rows.Scan(&item.ID, &item.ListingID, &item.LandlordID, &item.TenantID, &item.CreatedAt, &item.LastMessageAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return items, nil
}

// ── Messages ──

// AppendMessage persists the message and bumps the parent
// conversation's last_message_at in one transaction, so a failed append
// never leaves the conversation resorted without its message.
func (s *PostgresStore) AppendMessage(ctx context.Context, item Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, body, read, created_at)
		VALUES ($1, $2, $3, $4, FALSE, $5)
	`, item.ID, item.ConversationID, item.SenderID, item.Text, item.CreatedAt); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET last_message_at = $2 WHERE id = $1
	`, item.ConversationID, item.CreatedAt); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("bump last_message_at: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, body, read, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		var item Message
		if err := rows.Scan(&item.ID, &item.ConversationID, &item.SenderID, &item.Text, &item.Read, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

// LatestMessage returns the newest message of a conversation, or nil
// when the conversation has no messages yet.
func (s *PostgresStore) LatestMessage(ctx context.Context, conversationID string) (*Message, error) {
	var item Message
	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_id, body, read, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, conversationID).Scan(&item.ID, &item.ConversationID, &item.SenderID, &item.Text, &item.Read, &item.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest message: %w", err)
	}
	return &item, nil
}

// MarkConversationRead flips read on every counterpart message in the
// conversation. The sender filter makes the operation idempotent and
// race-safe against concurrent appends by the reader.
func (s *PostgresStore) MarkConversationRead(ctx context.Context, conversationID, readerID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET read = TRUE
		WHERE conversation_id = $1 AND sender_id <> $2 AND read = FALSE
	`, conversationID, readerID)
	if err != nil {
		return fmt.Errorf("mark conversation read: %w", err)
	}
	return nil
}

func (s *PostgresStore) UnreadCountForUser(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE (c.landlord_id = $1 OR c.tenant_id = $1)
			AND m.sender_id <> $1
			AND m.read = FALSE
	`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) UnreadCountForConversation(ctx context.Context, conversationID, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM messages
		WHERE conversation_id = $1 AND sender_id <> $2 AND read = FALSE
	`, conversationID, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("conversation unread count: %w", err)
	}
	return count, nil
}

// ── Sessions ──

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.email, u.role, u.is_email_verified
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role, &user.IsEmailVerified)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}
