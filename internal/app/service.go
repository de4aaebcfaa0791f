package app

import (
	"context"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"lokal/api/internal/auth"
	"lokal/api/internal/authpw"
	"lokal/api/internal/config"
	"lokal/api/internal/ratelimit"
	"lokal/api/internal/search"
	"lokal/api/internal/store"
	"lokal/api/internal/util"
)

// Client polling cadence. Consumers re-fetch an open conversation every
// MessagePollInterval and the inbox every InboxPollInterval; delivery
// latency is bounded by one interval.
const (
	MessagePollInterval = 2 * time.Second
	InboxPollInterval   = 5 * time.Second
)

// MaxMessageLength caps message text after trimming.
const MaxMessageLength = 2000

// systemLandlordID is the sentinel owner for listings without one.
const systemLandlordID = "system"

// Placeholder strings for inbox rows whose listing or counterpart
// record has been deleted.
const (
	placeholderListingTitle = "Listing removed"
	placeholderUserName     = "Deleted user"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	CreateUser(context.Context, store.User) error

	InsertListing(context.Context, store.Listing) error
	GetListing(context.Context, string) (store.Listing, error)
	ListListings(context.Context) ([]store.Listing, error)

	InsertConversation(context.Context, store.Conversation) error
	GetConversation(context.Context, string) (store.Conversation, error)
	FindConversation(context.Context, string, string) (store.Conversation, error)
	ListConversationsForUser(context.Context, string) ([]store.Conversation, error)

	AppendMessage(context.Context, store.Message) error
	ListMessages(context.Context, string) ([]store.Message, error)
	LatestMessage(context.Context, string) (*store.Message, error)
	MarkConversationRead(context.Context, string, string) error
	UnreadCountForUser(context.Context, string) (int, error)
	UnreadCountForConversation(context.Context, string, string) (int, error)

	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)

	Ping(ctx context.Context) error
}

// sessionStore holds refresh sessions. Backed by Redis when available,
// otherwise the Postgres store satisfies the same interface.
type sessionStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
}

// listingSearch is the slice of the search facade the service needs.
type listingSearch interface {
	Search(q search.Query) search.Response
	IndexListing(l search.ListingRecord)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	authPW   *authpw.Service
	limiter  ratelimit.Limiter
	search   listingSearch
}

func New(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, authPW *authpw.Service, limiter ratelimit.Limiter, searcher *search.Service) *Service {
	svc := &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		authPW:   authPW,
		limiter:  limiter,
		search:   searcher,
	}
	if svc.sessions == nil {
		svc.sessions = dataStore
	}
	if svc.limiter == nil {
		svc.limiter = ratelimit.Unlimited{}
	}
	return svc
}

// AuthPasswordService exposes email/password auth to the HTTP layer.
func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authPW
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Bootstrap seeds demo accounts, listings, and one conversation when
// the database is empty, and pushes listings into the search index.
func (s *Service) Bootstrap(ctx context.Context) error {
	listings, err := s.store.ListListings(ctx)
	if err != nil {
		return err
	}
	if len(listings) > 0 {
		return nil
	}

	landlord := store.User{
		ID:              "usr_annika",
		DisplayName:     "Annika Lund",
		Email:           "annika@lokal.example",
		Role:            "landlord",
		IsEmailVerified: true,
	}
	tenant := store.User{
		ID:              "usr_jonas",
		DisplayName:     "Jonas Berg",
		Email:           "jonas@lokal.example",
		Role:            "tenant",
		IsEmailVerified: true,
	}
	for _, user := range []store.User{landlord, tenant} {
		if err := s.store.CreateUser(ctx, user); err != nil {
			return err
		}
	}

	seeds := []store.Listing{
		{
			ID:           "lst_sodermalm",
			OwnerID:      landlord.ID,
			Title:        "Butikslokal på Södermalm",
			Description:  "Ljus butikslokal om 85 kvm med skyltfönster mot Götgatan.",
			Address:      "Götgatan 24",
			Municipality: "Stockholm",
			Status:       "published",
		},
		{
			ID:           "lst_vasastan",
			OwnerID:      landlord.ID,
			Title:        "Kontor i Vasastan",
			Description:  "Nyrenoverat kontor om 120 kvm, fyra rum och gemensamt kök.",
			Address:      "Upplandsgatan 7",
			Municipality: "Stockholm",
			Status:       "published",
		},
		{
			ID:           "lst_malmo",
			Title:        "Lagerlokal i Malmö",
			Description:  "Lager om 300 kvm med lastkaj, nära Inre Ringvägen.",
			Address:      "Agnesfridsvägen 113",
			Municipality: "Malmö",
			Status:       "published",
		},
	}
	for _, seed := range seeds {
		if err := s.store.InsertListing(ctx, seed); err != nil {
			return err
		}
		if s.search != nil {
			s.search.IndexListing(search.ListingRecord{
				ID:           seed.ID,
				Title:        seed.Title,
				Description:  seed.Description,
				Address:      seed.Address,
				Municipality: seed.Municipality,
				Status:       seed.Status,
			})
		}
	}

	now := time.Now()
	conversation := store.Conversation{
		ID:            util.NewID("conv"),
		ListingID:     "lst_sodermalm",
		LandlordID:    landlord.ID,
		TenantID:      tenant.ID,
		CreatedAt:     now,
		LastMessageAt: now,
	}
	if err := s.store.InsertConversation(ctx, conversation); err != nil {
		return err
	}
	messageSeeds := []store.Message{
		{SenderID: tenant.ID, Text: "Hej! Är lokalen fortfarande ledig?"},
		{SenderID: landlord.ID, Text: "Hej Jonas, ja den är ledig från första oktober."},
	}
	for i, seed := range messageSeeds {
		if err := s.store.AppendMessage(ctx, store.Message{
			ID:             util.NewID("msg"),
			ConversationID: conversation.ID,
			SenderID:       seed.SenderID,
			Text:           seed.Text,
			CreatedAt:      now.Add(time.Duration(i) * time.Second),
		}); err != nil {
			return err
		}
	}
	return nil
}

// CreateSession issues an access/refresh token pair for a user who just
// completed password sign-in.
func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// SearchListings runs a full-text query over the listing directory.
func (s *Service) SearchListings(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

func (s *Service) GetListing(ctx context.Context, listingID string) (map[string]any, error) {
	listing, err := s.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	return listingPayload(listing), nil
}

func (s *Service) ListListings(ctx context.Context) ([]map[string]any, error) {
	listings, err := s.store.ListListings(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(listings))
	for _, listing := range listings {
		items = append(items, listingPayload(listing))
	}
	return items, nil
}

// StartConversation finds or creates the conversation between the
// caller and a listing. The bool reports whether a new conversation was
// created; a repeat contact returns the existing one untouched.
func (s *Service) StartConversation(ctx context.Context, session Session, listingID string) (store.Conversation, bool, error) {
	listingID = strings.TrimSpace(listingID)
	if listingID == "" {
		return store.Conversation{}, false, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "listingId is required", nil)
	}

	listing, err := s.store.GetListing(ctx, listingID)
	if err != nil {
		return store.Conversation{}, false, err
	}

	existing, err := s.store.FindConversation(ctx, listingID, session.UserID)
	if err == nil {
		return existing, false, nil
	}
	if !store.IsNotFound(err) {
		return store.Conversation{}, false, err
	}

	landlordID := listing.OwnerID
	if landlordID == "" {
		landlordID = systemLandlordID
	}

	now := time.Now()
	conversation := store.Conversation{
		ID:            util.NewID("conv"),
		ListingID:     listingID,
		LandlordID:    landlordID,
		TenantID:      session.UserID,
		CreatedAt:     now,
		LastMessageAt: now,
	}
	if err := s.store.InsertConversation(ctx, conversation); err != nil {
		// Unique index backstop: a concurrent create for the same
		// (listing, tenant) pair won; return that one instead.
		if store.IsUniqueViolation(err) {
			winner, findErr := s.store.FindConversation(ctx, listingID, session.UserID)
			if findErr == nil {
				return winner, false, nil
			}
		}
		return store.Conversation{}, false, err
	}
	return conversation, true, nil
}

// Inbox returns the caller's conversations newest-activity-first, each
// enriched with listing title, counterpart identity, unread count, and
// a preview of the latest message.
func (s *Service) Inbox(ctx context.Context, userID string) ([]map[string]any, error) {
	conversations, err := s.store.ListConversationsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(conversations, func(i, j int) bool {
		return conversations[i].LastMessageAt.After(conversations[j].LastMessageAt)
	})

	items := make([]map[string]any, 0, len(conversations))
	for _, conversation := range conversations {
		listingTitle := placeholderListingTitle
		if listing, err := s.store.GetListing(ctx, conversation.ListingID); err == nil {
			listingTitle = listing.Title
		} else if !store.IsNotFound(err) {
			return nil, err
		}

		otherID := conversation.LandlordID
		if userID == conversation.LandlordID {
			otherID = conversation.TenantID
		}
		otherName := placeholderUserName
		otherRole := ""
		if other, err := s.store.GetUserByID(ctx, otherID); err == nil {
			otherName = other.DisplayName
			otherRole = other.Role
		} else if !store.IsNotFound(err) {
			return nil, err
		}

		unread, err := s.store.UnreadCountForConversation(ctx, conversation.ID, userID)
		if err != nil {
			return nil, err
		}

		var preview any
		latest, err := s.store.LatestMessage(ctx, conversation.ID)
		if err != nil {
			return nil, err
		}
		if latest != nil {
			preview = map[string]any{
				"text":      latest.Text,
				"senderId":  latest.SenderID,
				"createdAt": latest.CreatedAt,
			}
		}

		items = append(items, map[string]any{
			"id":           conversation.ID,
			"listingId":    conversation.ListingID,
			"listingTitle": listingTitle,
			"counterpart": map[string]any{
				"id":   otherID,
				"name": otherName,
				"role": otherRole,
			},
			"unreadCount":   unread,
			"lastMessage":   preview,
			"lastMessageAt": conversation.LastMessageAt,
			"createdAt":     conversation.CreatedAt,
		})
	}
	return items, nil
}

// UnreadCount reports the caller's total unread messages across all
// conversations. Always computed fresh; the badge is polled, not pushed.
func (s *Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	return s.store.UnreadCountForUser(ctx, userID)
}

// ConversationMessages returns the full message log oldest-first and,
// as a side effect, marks the counterpart's messages read. Opening a
// thread is what counts as reading it.
func (s *Service) ConversationMessages(ctx context.Context, session Session, conversationID string) ([]map[string]any, error) {
	conversation, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !authorizeParticipant(conversation, session.UserID) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Not a participant of this conversation", nil)
	}

	messages, err := s.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if err := s.store.MarkConversationRead(ctx, conversationID, session.UserID); err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(messages))
	for _, message := range messages {
		items = append(items, messagePayload(message))
	}
	return items, nil
}

// SendMessage validates and appends a message, bumping the parent
// conversation's activity timestamp in the same transaction.
func (s *Service) SendMessage(ctx context.Context, session Session, conversationID, text string) (map[string]any, error) {
	conversation, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !authorizeParticipant(conversation, session.UserID) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Not a participant of this conversation", nil)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Message text is required", nil)
	}
	if len([]rune(text)) > MaxMessageLength {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Message text exceeds 2000 characters", nil)
	}

	allowed, err := s.limiter.Allow(ctx, "msg:"+session.UserID)
	if err != nil {
		// Rate limiting is advisory; fail open if Redis is unreachable.
		log.Printf("app: rate limiter unavailable: %v", err)
	} else if !allowed {
		return nil, domainError(http.StatusTooManyRequests, "RATE_LIMITED", "Too many messages, slow down", nil)
	}

	message := store.Message{
		ID:             util.NewID("msg"),
		ConversationID: conversation.ID,
		SenderID:       session.UserID,
		Text:           text,
		CreatedAt:      time.Now(),
	}
	if err := s.store.AppendMessage(ctx, message); err != nil {
		return nil, err
	}
	return messagePayload(message), nil
}

// authorizeParticipant is the authorization boundary for everything
// conversation-scoped: only the two attached identities may act.
func authorizeParticipant(conversation store.Conversation, userID string) bool {
	if userID == "" {
		return false
	}
	return userID == conversation.LandlordID || userID == conversation.TenantID
}

func conversationPayload(conversation store.Conversation) map[string]any {
	return map[string]any{
		"id":            conversation.ID,
		"listingId":     conversation.ListingID,
		"landlordId":    conversation.LandlordID,
		"tenantId":      conversation.TenantID,
		"createdAt":     conversation.CreatedAt,
		"lastMessageAt": conversation.LastMessageAt,
	}
}

func messagePayload(message store.Message) map[string]any {
	return map[string]any{
		"id":             message.ID,
		"conversationId": message.ConversationID,
		"senderId":       message.SenderID,
		"text":           message.Text,
		"read":           message.Read,
		"createdAt":      message.CreatedAt,
	}
}

func listingPayload(listing store.Listing) map[string]any {
	return map[string]any{
		"id":           listing.ID,
		"ownerId":      listing.OwnerID,
		"title":        listing.Title,
		"description":  listing.Description,
		"address":      listing.Address,
		"municipality": listing.Municipality,
		"status":       listing.Status,
		"createdAt":    listing.CreatedAt,
	}
}
