package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"lokal/api/internal/store"
)

func bearerFor(t *testing.T, svc *Service, user store.User) string {
	t.Helper()
	session, err := svc.CreateSession(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("create session for %s: %v", user.ID, err)
	}
	return "Bearer " + session.Token
}

func doJSON(t *testing.T, server *HTTPServer, method, path, bearer, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body == "" {
		reader = bytes.NewBufferString("{}")
	} else {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", bearer)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func parseBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response %s: %v", rr.Body.String(), err)
	}
	return payload
}

func TestCreateConversationReturns201Then200(t *testing.T) {
	fs := newFakeStore()
	_, tenant, listing := seedMarketplace(fs)
	svc := newTestService(fs)
	server := NewHTTPServer(svc, "*")
	bearer := bearerFor(t, svc, tenant)

	first := doJSON(t, server, http.MethodPost, "/api/conversations", bearer, `{"listingId":"`+listing.ID+`"}`)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201 on create, got %d body=%s", first.Code, first.Body.String())
	}
	firstPayload := parseBody(t, first)
	if firstPayload["landlordId"] != "usr_olle" || firstPayload["tenantId"] != tenant.ID {
		t.Fatalf("unexpected participants: %v", firstPayload)
	}

	second := doJSON(t, server, http.MethodPost, "/api/conversations", bearer, `{"listingId":"`+listing.ID+`"}`)
	if second.Code != http.StatusOK {
		t.Fatalf("expected 200 on repeat contact, got %d", second.Code)
	}
	if parseBody(t, second)["id"] != firstPayload["id"] {
		t.Fatalf("expected the same conversation on repeat contact")
	}
}

func TestCreateConversationErrors(t *testing.T) {
	fs := newFakeStore()
	_, tenant, _ := seedMarketplace(fs)
	svc := newTestService(fs)
	server := NewHTTPServer(svc, "*")
	bearer := bearerFor(t, svc, tenant)

	missing := doJSON(t, server, http.MethodPost, "/api/conversations", bearer, `{}`)
	if missing.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing listingId, got %d", missing.Code)
	}
	if parseBody(t, missing)["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", missing.Body.String())
	}

	unknown := doJSON(t, server, http.MethodPost, "/api/conversations", bearer, `{"listingId":"lst_nope"}`)
	if unknown.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown listing, got %d", unknown.Code)
	}
	if parseBody(t, unknown)["code"] != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %s", unknown.Body.String())
	}
}

func TestInboxEndpointContract(t *testing.T) {
	fs := newFakeStore()
	landlord, tenant, listing := seedMarketplace(fs)
	svc := newTestService(fs)
	server := NewHTTPServer(svc, "*")
	tenantBearer := bearerFor(t, svc, tenant)

	created := doJSON(t, server, http.MethodPost, "/api/conversations", tenantBearer, `{"listingId":"`+listing.ID+`"}`)
	conversationID := parseBody(t, created)["id"].(string)
	sent := doJSON(t, server, http.MethodPost, "/api/conversations/"+conversationID+"/messages", tenantBearer, `{"text":"Hej, är lokalen ledig?"}`)
	if sent.Code != http.StatusCreated {
		t.Fatalf("expected 201 on send, got %d body=%s", sent.Code, sent.Body.String())
	}

	landlordBearer := bearerFor(t, svc, landlord)
	inbox := doJSON(t, server, http.MethodGet, "/api/conversations", landlordBearer, "")
	if inbox.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", inbox.Code)
	}
	payload := parseBody(t, inbox)
	if payload["pollIntervalSeconds"] != float64(5) {
		t.Fatalf("expected inbox poll interval 5, got %v", payload["pollIntervalSeconds"])
	}
	rows := payload["conversations"].([]any)
	if len(rows) != 1 {
		t.Fatalf("expected 1 inbox row, got %d", len(rows))
	}
	row := rows[0].(map[string]any)
	if row["listingTitle"] != listing.Title {
		t.Fatalf("expected listing title %q, got %v", listing.Title, row["listingTitle"])
	}
	if row["unreadCount"] != float64(1) {
		t.Fatalf("expected unreadCount 1, got %v", row["unreadCount"])
	}
}

func TestUnreadBadgeEndpoint(t *testing.T) {
	fs := newFakeStore()
	landlord, tenant, listing := seedMarketplace(fs)
	svc := newTestService(fs)
	server := NewHTTPServer(svc, "*")
	tenantBearer := bearerFor(t, svc, tenant)

	created := doJSON(t, server, http.MethodPost, "/api/conversations", tenantBearer, `{"listingId":"`+listing.ID+`"}`)
	conversationID := parseBody(t, created)["id"].(string)
	doJSON(t, server, http.MethodPost, "/api/conversations/"+conversationID+"/messages", tenantBearer, `{"text":"Hej!"}`)

	landlordBearer := bearerFor(t, svc, landlord)
	badge := doJSON(t, server, http.MethodGet, "/api/conversations?unreadOnly=true", landlordBearer, "")
	if badge.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", badge.Code)
	}
	if parseBody(t, badge)["unreadCount"] != float64(1) {
		t.Fatalf("expected unreadCount 1, got %s", badge.Body.String())
	}
}

func TestMessagesEndpointListsAndMarksRead(t *testing.T) {
	fs := newFakeStore()
	landlord, tenant, listing := seedMarketplace(fs)
	svc := newTestService(fs)
	server := NewHTTPServer(svc, "*")
	tenantBearer := bearerFor(t, svc, tenant)

	created := doJSON(t, server, http.MethodPost, "/api/conversations", tenantBearer, `{"listingId":"`+listing.ID+`"}`)
	conversationID := parseBody(t, created)["id"].(string)
	doJSON(t, server, http.MethodPost, "/api/conversations/"+conversationID+"/messages", tenantBearer, `{"text":"Hej, är lokalen ledig?"}`)

	landlordBearer := bearerFor(t, svc, landlord)
	fetched := doJSON(t, server, http.MethodGet, "/api/conversations/"+conversationID+"/messages", landlordBearer, "")
	if fetched.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", fetched.Code)
	}
	payload := parseBody(t, fetched)
	if payload["pollIntervalSeconds"] != float64(2) {
		t.Fatalf("expected message poll interval 2, got %v", payload["pollIntervalSeconds"])
	}
	messages := payload["messages"].([]any)
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	message := messages[0].(map[string]any)
	if message["text"] != "Hej, är lokalen ledig?" {
		t.Fatalf("unexpected message text %v", message["text"])
	}

	badge := doJSON(t, server, http.MethodGet, "/api/conversations?unreadOnly=true", landlordBearer, "")
	if parseBody(t, badge)["unreadCount"] != float64(0) {
		t.Fatalf("expected fetching the thread to clear the badge, got %s", badge.Body.String())
	}
}

func TestMessagesEndpointErrors(t *testing.T) {
	fs := newFakeStore()
	_, tenant, listing := seedMarketplace(fs)
	outsider := store.User{ID: "usr_sven", DisplayName: "Sven Åberg", Email: "sven@lokal.example", Role: "tenant"}
	fs.users[outsider.ID] = outsider
	svc := newTestService(fs)
	server := NewHTTPServer(svc, "*")
	tenantBearer := bearerFor(t, svc, tenant)

	created := doJSON(t, server, http.MethodPost, "/api/conversations", tenantBearer, `{"listingId":"`+listing.ID+`"}`)
	conversationID := parseBody(t, created)["id"].(string)

	missing := doJSON(t, server, http.MethodGet, "/api/conversations/conv_nope/messages", tenantBearer, "")
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown conversation, got %d", missing.Code)
	}

	outsiderBearer := bearerFor(t, svc, outsider)
	forbidden := doJSON(t, server, http.MethodGet, "/api/conversations/"+conversationID+"/messages", outsiderBearer, "")
	if forbidden.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-participant, got %d", forbidden.Code)
	}
	if parseBody(t, forbidden)["code"] != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %s", forbidden.Body.String())
	}

	empty := doJSON(t, server, http.MethodPost, "/api/conversations/"+conversationID+"/messages", tenantBearer, `{"text":"   "}`)
	if empty.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank text, got %d", empty.Code)
	}
	if parseBody(t, empty)["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", empty.Body.String())
	}
}

func TestSendMessageEndpointRateLimited(t *testing.T) {
	fs := newFakeStore()
	_, tenant, listing := seedMarketplace(fs)
	svc := newTestService(fs)
	server := NewHTTPServer(svc, "*")
	bearer := bearerFor(t, svc, tenant)

	created := doJSON(t, server, http.MethodPost, "/api/conversations", bearer, `{"listingId":"`+listing.ID+`"}`)
	conversationID := parseBody(t, created)["id"].(string)

	svc.limiter = &fakeLimiter{allowFn: func(context.Context, string) (bool, error) {
		return false, nil
	}}

	throttled := doJSON(t, server, http.MethodPost, "/api/conversations/"+conversationID+"/messages", bearer, `{"text":"Hej!"}`)
	if throttled.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", throttled.Code)
	}
	if parseBody(t, throttled)["code"] != "RATE_LIMITED" {
		t.Fatalf("expected RATE_LIMITED, got %s", throttled.Body.String())
	}
}
