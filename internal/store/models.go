package store

import "time"

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	Role                  string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type Listing struct {
	ID           string
	OwnerID      string
	Title        string
	Description  string
	Address      string
	Municipality string
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Conversation is the unique thread between a listing's landlord side
// and the tenant who made contact. LandlordID is resolved from the
// listing at creation time and never changes afterwards.
type Conversation struct {
	ID            string
	ListingID     string
	LandlordID    string
	TenantID      string
	CreatedAt     time.Time
	LastMessageAt time.Time
}

// Message is an append-only entry in a conversation's log. Read is the
// only mutable field and only ever flips false to true.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Text           string
	Read           bool
	CreatedAt      time.Time
}
