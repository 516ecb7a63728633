package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Sternrassler/crm-contact-relay/pkg/client"
	"github.com/Sternrassler/crm-contact-relay/pkg/metrics"
	"github.com/Sternrassler/crm-contact-relay/pkg/pagination"
	"github.com/Sternrassler/crm-contact-relay/pkg/ratelimit"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

const (
	// corsHeader is the header field for Cross Origin Resource Sharing
	corsHeader = "Access-Control-Allow-Origin"

	// maxRequestBody caps the inbound {"apiKey": "..."} document.
	maxRequestBody = 64 << 10
)

// Response messages shown to the browser front end.
const (
	msgMissingAPIKey   = "Missing API key."
	msgUpstreamFailed  = "Failed to fetch contacts from CRM"
	msgInvalidUpstream = "Invalid response from CRM"
	msgServerError     = "Server error fetching contacts"
)

// ContactFetcher aggregates a complete contact listing. *pagination.Fetcher implements it.
type ContactFetcher interface {
	FetchAll(ctx context.Context, apiKey string) (*pagination.Collection, error)
}

// server wires the relay routes to their dependencies.
type server struct {
	fetcher    ContactFetcher
	tracker    *ratelimit.Tracker
	staticDir  string
	corsOrigin string
	logger     zerolog.Logger
}

type contactsRequest struct {
	APIKey string `json:"apiKey"`
}

type contactsMeta struct {
	Count         int   `json:"count"`
	Pages         int   `json:"pages"`
	DegradedPages []int `json:"degradedPages"`
}

type contactsResponse struct {
	Contacts []client.Contact `json:"contacts"`
	Meta     contactsMeta     `json:"meta"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Status  int    `json:"status,omitempty"`
	Details any    `json:"details,omitempty"`
}

// routes builds the relay router.
func (s *server) routes() http.Handler {
	router := mux.NewRouter()
	router.Use(s.corsMiddleware, s.metricsMiddleware)

	router.HandleFunc("/contacts", s.contactsHandler).Methods(http.MethodPost)
	router.HandleFunc("/contacts", preflightHandler).Methods(http.MethodOptions)
	router.HandleFunc("/health", healthHandler).Methods(http.MethodGet)
	router.HandleFunc("/ready", s.readyHandler).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/ratelimit", s.rateLimitHandler).Methods(http.MethodGet)

	router.PathPrefix("/").Handler(http.FileServer(http.Dir(s.staticDir))).Methods(http.MethodGet, http.MethodHead)

	return router
}

func (s *server) contactsHandler(w http.ResponseWriter, r *http.Request) {
	var req contactsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil ||
		strings.TrimSpace(req.APIKey) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msgMissingAPIKey})
		return
	}

	keyID := ratelimit.KeyID(strings.TrimSpace(req.APIKey))
	start := time.Now()

	collection, err := s.fetcher.FetchAll(r.Context(), req.APIKey)
	if err != nil {
		s.writeFetchError(w, keyID, err)
		return
	}

	s.logger.Info().
		Str("key_id", keyID).
		Int("contacts", len(collection.Contacts)).
		Int("pages", collection.PagesFetched).
		Dur("duration", time.Since(start)).
		Msg("Contacts relayed")

	writeJSON(w, http.StatusOK, contactsResponse{
		Contacts: collection.Contacts,
		Meta: contactsMeta{
			Count:         len(collection.Contacts),
			Pages:         collection.PagesFetched,
			DegradedPages: collection.DegradedPages,
		},
	})
}

// writeFetchError maps a fetch failure to the caller-facing response. An
// upstream 4xx/5xx is passed through with its status and body.
func (s *server) writeFetchError(w http.ResponseWriter, keyID string, err error) {
	if errors.Is(err, client.ErrMissingAPIKey) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msgMissingAPIKey})
		return
	}

	var upErr *client.UpstreamError
	if !errors.As(err, &upErr) {
		s.logger.Error().Err(err).Str("key_id", keyID).Msg("Contact fetch failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: msgServerError})
		return
	}

	s.logger.Warn().
		Err(err).
		Str("key_id", keyID).
		Int("page", upErr.Page).
		Int("status", upErr.StatusCode).
		Str("error_class", string(upErr.Class)).
		Msg("Contact fetch failed")

	switch {
	case upErr.Class == client.ErrorClassParse:
		writeJSON(w, http.StatusBadGateway, errorResponse{
			Error:   msgInvalidUpstream,
			Status:  upErr.StatusCode,
			Details: details(upErr.Body),
		})
	case upErr.StatusCode >= 400:
		writeJSON(w, upErr.StatusCode, errorResponse{
			Error:   msgUpstreamFailed,
			Status:  upErr.StatusCode,
			Details: details(upErr.Body),
		})
	default:
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: msgServerError})
	}
}

// details returns the upstream body as raw JSON when it is JSON, else as a string.
func details(body []byte) any {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	return string(body)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.tracker.Ping(r.Context()); err != nil {
		s.logger.Warn().Err(err).Msg("Readiness check failed")
		http.Error(w, "Redis unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *server) rateLimitHandler(w http.ResponseWriter, r *http.Request) {
	keyID := strings.TrimSpace(r.URL.Query().Get("apiKeyId"))
	if keyID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Missing apiKeyId."})
		return
	}

	state, err := s.tracker.GetState(r.Context(), keyID)
	if err != nil {
		s.logger.Error().Err(err).Str("key_id", keyID).Msg("Failed to read rate limit state")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to read rate limit state"})
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func preflightHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(corsHeader, s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		next.ServeHTTP(w, r)
	})
}

func (s *server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "static"
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil && tpl != "/" {
				route = tpl
			}
		}
		metrics.ObserveHTTPRequest(route, rec.status)
	})
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
