// Package testutil provides a mock paginated CRM for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// MetaMode selects which pagination hints the mock puts in meta.
type MetaMode int

const (
	// MetaFull sends meta.total and meta.nextPage.
	MetaFull MetaMode = iota
	// MetaTotalOnly sends meta.total only.
	MetaTotalOnly
	// MetaNextOnly sends meta.nextPage only.
	MetaNextOnly
	// MetaNone omits meta entirely.
	MetaNone
)

// MockCRMResponse is a canned response for one page.
type MockCRMResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockCRM serves a contact listing paginated by the limit and page query parameters.
type MockCRM struct {
	server *httptest.Server

	mu        sync.Mutex
	contacts  int
	metaMode  MetaMode
	delay     time.Duration
	overrides map[int]MockCRMResponse
	handler   http.HandlerFunc

	requestedPages []int
	lastAuth       string
	lastQuery      string
	inFlight       int
	maxInFlight    int
}

// NewMockCRM starts a mock CRM with no contacts.
func NewMockCRM() *MockCRM {
	m := &MockCRM{overrides: make(map[int]MockCRMResponse)}
	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

// URL returns the contact listing URL.
func (m *MockCRM) URL() string {
	return m.server.URL + "/v1/contacts/"
}

// Close shuts down the mock server.
func (m *MockCRM) Close() {
	m.server.Close()
}

// SetContacts sets how many contacts the listing holds. Contact i has id "contact-i" (1-based).
func (m *MockCRM) SetContacts(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts = n
}

// SetMetaMode selects which pagination hints are sent.
func (m *MockCRM) SetMetaMode(mode MetaMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metaMode = mode
}

// SetDelay adds latency to every generated page.
func (m *MockCRM) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// SetPageResponse replaces the generated response for one page number.
func (m *MockCRM) SetPageResponse(page int, resp MockCRMResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[page] = resp
}

// SetHandler replaces all behaviour. Request tracking still applies.
func (m *MockCRM) SetHandler(h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// GetRequestCount returns the number of requests served.
func (m *MockCRM) GetRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requestedPages)
}

// RequestedPages returns page numbers in arrival order.
func (m *MockCRM) RequestedPages() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.requestedPages...)
}

// LastAuthorization returns the Authorization header of the latest request.
func (m *MockCRM) LastAuthorization() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAuth
}

// LastQuery returns the raw query string of the latest request.
func (m *MockCRM) LastQuery() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastQuery
}

// MaxInFlight returns the highest number of concurrent requests observed.
func (m *MockCRM) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}

// ContactID returns the id the mock assigns to the i-th contact (1-based).
func ContactID(i int) string {
	return "contact-" + strconv.Itoa(i)
}

func (m *MockCRM) serve(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	m.mu.Lock()
	m.requestedPages = append(m.requestedPages, page)
	m.lastAuth = r.Header.Get("Authorization")
	m.lastQuery = r.URL.RawQuery
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	handler := m.handler
	override, hasOverride := m.overrides[page]
	contacts, mode, delay := m.contacts, m.metaMode, m.delay
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	switch {
	case handler != nil:
		handler(w, r)
	case hasOverride:
		writeResponse(w, override)
	default:
		if delay > 0 {
			time.Sleep(delay)
		}
		writeResponse(w, MockCRMResponse{
			StatusCode: http.StatusOK,
			Body:       string(PageBody(contacts, page, limit, mode)),
			Headers:    defaultHeaders(),
		})
	}
}

func writeResponse(w http.ResponseWriter, resp MockCRMResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

func defaultHeaders() map[string]string {
	return map[string]string{
		"Content-Type":                      "application/json; charset=utf-8",
		"X-RateLimit-Max":                   "100",
		"X-RateLimit-Remaining":             "99",
		"X-RateLimit-Interval-Milliseconds": "10000",
	}
}

// PageBody renders page number page of a listing of total contacts.
func PageBody(total, page, limit int, mode MetaMode) []byte {
	if limit <= 0 {
		limit = 20
	}
	if page <= 0 {
		page = 1
	}

	contacts := []map[string]any{}
	for i := (page-1)*limit + 1; i <= page*limit && i <= total; i++ {
		contacts = append(contacts, map[string]any{"id": ContactID(i), "email": fmt.Sprintf("c%d@example.com", i)})
	}

	var next any
	if page*limit < total {
		next = page + 1
	}

	body := map[string]any{"contacts": contacts}
	switch mode {
	case MetaFull:
		body["meta"] = map[string]any{"total": total, "nextPage": next, "currentPage": page}
	case MetaTotalOnly:
		body["meta"] = map[string]any{"total": total, "currentPage": page}
	case MetaNextOnly:
		body["meta"] = map[string]any{"nextPage": next, "currentPage": page}
	}

	out, _ := json.Marshal(body)
	return out
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockCRMResponse {
	return MockCRMResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"msg":"Internal server error"}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewUnauthorizedResponse creates the CRM's 401 for a bad API key.
func NewUnauthorizedResponse() MockCRMResponse {
	return MockCRMResponse{
		StatusCode: http.StatusUnauthorized,
		Body:       `{"msg":"Api key is invalid."}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockCRMResponse {
	return MockCRMResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"msg":"Too many requests"}`,
		Headers: map[string]string{
			"Content-Type":                      "application/json",
			"X-RateLimit-Max":                   "100",
			"X-RateLimit-Remaining":             "0",
			"X-RateLimit-Interval-Milliseconds": "10000",
		},
	}
}

// NewMalformedResponse creates a 200 whose body is not JSON.
func NewMalformedResponse() MockCRMResponse {
	return MockCRMResponse{
		StatusCode: http.StatusOK,
		Body:       `<html>maintenance</html>`,
		Headers:    map[string]string{"Content-Type": "text/html"},
	}
}
