// Package client fetches single pages of the CRM contact listing with
// bearer authentication, error classification and request metrics.
package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/crm-contact-relay/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for upstream requests.
var (
	crmRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crm_requests_total",
		Help: "Total upstream CRM page requests by HTTP status",
	}, []string{"status"})

	crmRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crm_request_duration_seconds",
		Help:    "Upstream CRM page request duration in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	crmErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crm_errors_total",
		Help: "Total upstream CRM errors by class",
	}, []string{"class"})
)

// DefaultBaseURL is the GoHighLevel v1 contact listing.
const DefaultBaseURL = "https://rest.gohighlevel.com/v1/contacts/"

// maxBodyBytes caps a single page body.
const maxBodyBytes = 32 << 20

// Config holds the client configuration.
type Config struct {
	// BaseURL of the contact listing; limit and page are added as query parameters.
	BaseURL string

	// UserAgent is sent on every upstream request.
	UserAgent string

	// Timeout per page request. Zero uses 30s.
	Timeout time.Duration

	// RateLimit receives the headers of every upstream response. Optional.
	RateLimit *ratelimit.Tracker
}

// DefaultConfig returns a configuration for the GoHighLevel API.
func DefaultConfig(userAgent string) Config {
	return Config{
		BaseURL:   DefaultBaseURL,
		UserAgent: userAgent,
		Timeout:   30 * time.Second,
	}
}

// Client performs authenticated page requests against the CRM.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	config     Config
	logger     zerolog.Logger
}

// New creates a new CRM client.
func New(cfg Config) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https (got %q)", cfg.BaseURL)
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    base,
		config:     cfg,
		logger:     log.With().Str("component", "crm-client").Logger(),
	}, nil
}

// FetchPage requests one page of contacts using apiKey as the bearer token.
// Every failure is returned as *UpstreamError, except a blank key which
// returns ErrMissingAPIKey without touching the network.
func (c *Client) FetchPage(ctx context.Context, apiKey string, page, limit int) (*ContactPage, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.pageURL(page, limit), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)

	keyID := ratelimit.KeyID(apiKey)
	start := time.Now()

	c.logger.Debug().Str("key_id", keyID).Int("page", page).Msg("Requesting contact page")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		crmRequestDuration.Observe(time.Since(start).Seconds())
		crmRequestsTotal.WithLabelValues("network_error").Inc()
		return nil, c.fail(&UpstreamError{Class: ErrorClassNetwork, Page: page, Err: err})
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	crmRequestDuration.Observe(time.Since(start).Seconds())
	crmRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	if err != nil {
		return nil, c.fail(&UpstreamError{Class: ErrorClassNetwork, Page: page, Err: fmt.Errorf("read body: %w", err)})
	}

	if c.config.RateLimit != nil {
		if err := c.config.RateLimit.UpdateFromHeaders(ctx, keyID, resp.Header); err != nil {
			c.logger.Warn().Err(err).Str("key_id", keyID).Msg("Failed to record rate limit headers")
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.fail(&UpstreamError{
			StatusCode: resp.StatusCode,
			Class:      classifyStatus(resp.StatusCode),
			Page:       page,
			Body:       body,
		})
	}

	contactPage, err := DecodePage(page, body)
	if err != nil {
		return nil, c.fail(&UpstreamError{
			StatusCode: resp.StatusCode,
			Class:      ErrorClassParse,
			Page:       page,
			Body:       body,
			Err:        err,
		})
	}

	c.logger.Debug().
		Str("key_id", keyID).
		Int("page", page).
		Int("contacts", len(contactPage.Contacts)).
		Dur("duration", time.Since(start)).
		Msg("Contact page received")

	return contactPage, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

func (c *Client) pageURL(page, limit int) string {
	u := *c.baseURL
	q := u.Query()
	q.Set("limit", strconv.Itoa(limit))
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) fail(err *UpstreamError) error {
	crmErrorsTotal.WithLabelValues(string(err.Class)).Inc()
	c.logger.Warn().
		Int("page", err.Page).
		Int("status", err.StatusCode).
		Str("error_class", string(err.Class)).
		Msg("Upstream page request failed")
	return err
}
