package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/Sternrassler/crm-contact-relay/internal/testutil"
	"github.com/Sternrassler/crm-contact-relay/pkg/ratelimit"
	"github.com/rs/zerolog"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()

	cfg := DefaultConfig("TestApp/1.0.0")
	cfg.BaseURL = baseURL
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return c
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		expectError bool
		errorMsg    string
	}{
		{
			name:   "valid config",
			config: DefaultConfig("TestApp/1.0.0"),
		},
		{
			name:   "empty base url falls back to default",
			config: Config{UserAgent: "TestApp/1.0.0"},
		},
		{
			name:        "empty user agent",
			config:      Config{BaseURL: DefaultBaseURL},
			expectError: true,
			errorMsg:    "user-agent is required",
		},
		{
			name:        "unsupported scheme",
			config:      Config{BaseURL: "ftp://example.com/contacts", UserAgent: "TestApp/1.0.0"},
			expectError: true,
			errorMsg:    `base url must be http or https (got "ftp://example.com/contacts")`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.config)

			if tt.expectError {
				if err == nil {
					t.Fatal("Expected error but got nil")
				}
				if tt.errorMsg != "" && err.Error() != tt.errorMsg {
					t.Errorf("Error message = %q, want %q", err.Error(), tt.errorMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if c.config.Timeout != 30*time.Second {
				t.Errorf("Timeout = %v, want 30s", c.config.Timeout)
			}
		})
	}
}

func TestFetchPage_RequestShape(t *testing.T) {
	mock := testutil.NewMockCRM()
	defer mock.Close()
	mock.SetContacts(150)

	c := newTestClient(t, mock.URL())

	page, err := c.FetchPage(context.Background(), "  secret-key ", 2, 100)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}

	if got := mock.LastAuthorization(); got != "Bearer secret-key" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer secret-key")
	}

	q, _ := url.ParseQuery(mock.LastQuery())
	if q.Get("limit") != "100" || q.Get("page") != "2" {
		t.Errorf("query = %q, want limit=100 page=2", mock.LastQuery())
	}

	if page.Number != 2 {
		t.Errorf("Number = %d, want 2", page.Number)
	}
	if len(page.Contacts) != 50 {
		t.Errorf("len(Contacts) = %d, want 50", len(page.Contacts))
	}
	if total, ok := page.Total(); !ok || total != 150 {
		t.Errorf("Total() = %d, %v, want 150, true", total, ok)
	}
	if page.HasNextPage() {
		t.Error("last page should not report a next page")
	}
}

func TestFetchPage_PreservesBaseQuery(t *testing.T) {
	var gotQuery url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Write([]byte(`{"contacts":[]}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL+"/contacts?locationId=loc1")
	if _, err := c.FetchPage(context.Background(), "k", 1, 100); err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}

	if gotQuery.Get("locationId") != "loc1" {
		t.Errorf("locationId = %q, want loc1", gotQuery.Get("locationId"))
	}
}

func TestFetchPage_UserAgentSet(t *testing.T) {
	userAgentReceived := ""
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgentReceived = r.Header.Get("User-Agent")
		w.Write([]byte(`{"contacts":[]}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	if _, err := c.FetchPage(context.Background(), "k", 1, 100); err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}

	if userAgentReceived != "TestApp/1.0.0" {
		t.Errorf("User-Agent = %q, want TestApp/1.0.0", userAgentReceived)
	}
}

func TestFetchPage_MissingAPIKey(t *testing.T) {
	mock := testutil.NewMockCRM()
	defer mock.Close()

	c := newTestClient(t, mock.URL())

	for _, key := range []string{"", "   ", "\t\n"} {
		_, err := c.FetchPage(context.Background(), key, 1, 100)
		if !errors.Is(err, ErrMissingAPIKey) {
			t.Errorf("FetchPage(%q) error = %v, want ErrMissingAPIKey", key, err)
		}
	}

	if mock.GetRequestCount() != 0 {
		t.Errorf("requests = %d, want 0", mock.GetRequestCount())
	}
}

func TestFetchPage_ErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		resp       testutil.MockCRMResponse
		wantStatus int
		wantClass  ErrorClass
	}{
		{"unauthorized", testutil.NewUnauthorizedResponse(), 401, ErrorClassClient},
		{"rate limited", testutil.NewRateLimitResponse(), 429, ErrorClassRateLimit},
		{"server error", testutil.NewServerErrorResponse(), 500, ErrorClassServer},
		{"malformed body", testutil.NewMalformedResponse(), 200, ErrorClassParse},
		{
			name:       "contacts not an array",
			resp:       testutil.MockCRMResponse{StatusCode: 200, Body: `{"contacts":{"id":"x"}}`},
			wantStatus: 200,
			wantClass:  ErrorClassParse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockCRM()
			defer mock.Close()
			mock.SetPageResponse(1, tt.resp)

			c := newTestClient(t, mock.URL())
			_, err := c.FetchPage(context.Background(), "k", 1, 100)

			var upErr *UpstreamError
			if !errors.As(err, &upErr) {
				t.Fatalf("error = %v, want *UpstreamError", err)
			}
			if upErr.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", upErr.StatusCode, tt.wantStatus)
			}
			if upErr.Class != tt.wantClass {
				t.Errorf("Class = %q, want %q", upErr.Class, tt.wantClass)
			}
			if string(upErr.Body) != tt.resp.Body {
				t.Errorf("Body = %q, want %q", upErr.Body, tt.resp.Body)
			}
			if upErr.Page != 1 {
				t.Errorf("Page = %d, want 1", upErr.Page)
			}
		})
	}
}

func TestFetchPage_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	baseURL := server.URL
	server.Close()

	c := newTestClient(t, baseURL)
	_, err := c.FetchPage(context.Background(), "k", 3, 100)

	var upErr *UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("error = %v, want *UpstreamError", err)
	}
	if upErr.Class != ErrorClassNetwork {
		t.Errorf("Class = %q, want network", upErr.Class)
	}
	if upErr.HasStatus() {
		t.Errorf("StatusCode = %d, want none", upErr.StatusCode)
	}
	if upErr.Page != 3 {
		t.Errorf("Page = %d, want 3", upErr.Page)
	}
}

func TestFetchPage_ContextCancelled(t *testing.T) {
	mock := testutil.NewMockCRM()
	defer mock.Close()
	mock.SetContacts(10)
	mock.SetDelay(500 * time.Millisecond)

	c := newTestClient(t, mock.URL())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.FetchPage(ctx, "k", 1, 100)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want context.DeadlineExceeded in chain", err)
	}
}

func TestFetchPage_RecordsRateLimit(t *testing.T) {
	mock := testutil.NewMockCRM()
	defer mock.Close()
	mock.SetContacts(5)

	tracker := ratelimit.NewTracker(nil, zerolog.Nop())
	cfg := DefaultConfig("TestApp/1.0.0")
	cfg.BaseURL = mock.URL()
	cfg.RateLimit = tracker

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := c.FetchPage(context.Background(), "my-key", 1, 100); err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}

	state, err := tracker.GetState(context.Background(), ratelimit.KeyID("my-key"))
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if !state.Known || state.Remaining != 99 || state.Max != 100 {
		t.Errorf("state = %+v, want remaining 99 of 100", state)
	}
}

func TestFetchPage_BadRateLimitHeaderIsNotFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(ratelimit.HeaderRemaining, "unknown")
		w.Write([]byte(`{"contacts":[{"id":"a"}]}`))
	}))
	defer server.Close()

	cfg := DefaultConfig("TestApp/1.0.0")
	cfg.BaseURL = server.URL
	cfg.RateLimit = ratelimit.NewTracker(nil, zerolog.Nop())
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	page, err := c.FetchPage(context.Background(), "k", 1, 100)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	if len(page.Contacts) != 1 {
		t.Errorf("len(Contacts) = %d, want 1", len(page.Contacts))
	}
}

func TestSetHTTPClient(t *testing.T) {
	c := newTestClient(t, DefaultBaseURL)
	custom := &http.Client{Timeout: time.Second}
	c.SetHTTPClient(custom)
	if c.httpClient != custom {
		t.Error("SetHTTPClient did not replace the client")
	}
}

func TestFetchPage_AcceptsJSON(t *testing.T) {
	mock := testutil.NewMockCRM()
	defer mock.Close()

	var accept string
	mock.SetHandler(func(w http.ResponseWriter, r *http.Request) {
		accept = r.Header.Get("Accept")
		w.Write(testutil.PageBody(3, 1, 100, testutil.MetaFull))
	})

	c := newTestClient(t, mock.URL())
	page, err := c.FetchPage(context.Background(), "k", 1, 100)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}

	if accept != "application/json" {
		t.Errorf("Accept = %q, want application/json", accept)
	}
	if len(page.Contacts) != 3 {
		t.Errorf("len(Contacts) = %d, want 3", len(page.Contacts))
	}
	if mock.GetRequestCount() != 1 {
		t.Errorf("requests = %d, want 1", mock.GetRequestCount())
	}
}

func TestFetchPage_ClientTimeout(t *testing.T) {
	mock := testutil.NewMockCRM()
	defer mock.Close()
	mock.SetPageResponse(1, testutil.MockCRMResponse{
		StatusCode: http.StatusOK,
		Body:       `{"contacts":[]}`,
		Delay:      500 * time.Millisecond,
	})

	cfg := DefaultConfig("TestApp/1.0.0")
	cfg.BaseURL = mock.URL()
	cfg.Timeout = 50 * time.Millisecond
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = c.FetchPage(context.Background(), "k", 1, 100)

	var upErr *UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("error = %v, want *UpstreamError", err)
	}
	if upErr.Class != ErrorClassNetwork || upErr.HasStatus() {
		t.Errorf("got class %q status %d, want network without status", upErr.Class, upErr.StatusCode)
	}
}
