package pagination

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/crm-contact-relay/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	pagesFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crm_pages_fetched_total",
		Help: "Contact pages fetched successfully by strategy",
	}, []string{"strategy"})

	pagesDegradedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crm_pages_degraded_total",
		Help: "Pages replaced by an empty result after a failed fetch in the parallel strategy",
	})

	fetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crm_fetch_duration_seconds",
		Help:    "Duration of a complete FetchAll by strategy",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"strategy"})

	fetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crm_fetches_total",
		Help: "Complete FetchAll calls by strategy and result",
	}, []string{"strategy", "result"})
)

// Strategy selects how FetchAll walks the pages.
type Strategy string

const (
	// StrategySequential follows meta.nextPage one page at a time and fails fast.
	StrategySequential Strategy = "sequential"

	// StrategyParallel sizes the fetch from meta.total on page 1, then fetches
	// the rest in fixed-width concurrent batches and degrades failed pages to empty.
	StrategyParallel Strategy = "parallel"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategySequential:
		return StrategySequential, nil
	case StrategyParallel:
		return StrategyParallel, nil
	default:
		return "", fmt.Errorf("unknown fetch strategy %q (want %q or %q)", s, StrategySequential, StrategyParallel)
	}
}

// Config holds fetcher configuration.
type Config struct {
	Strategy Strategy

	// PageSize is sent as the limit query parameter.
	PageSize int

	// BatchSize is the number of concurrent requests per batch (parallel only).
	BatchSize int

	// MaxPages bounds a single listing. A listing that claims more pages
	// fails with a parse-class UpstreamError instead of being truncated.
	MaxPages int
}

// Defaults used when a Config field is zero.
const (
	DefaultPageSize  = 100
	DefaultBatchSize = 5
	DefaultMaxPages  = 10000
)

// DefaultConfig returns the sequential strategy with 100-record pages.
func DefaultConfig() Config {
	return Config{
		Strategy:  StrategySequential,
		PageSize:  DefaultPageSize,
		BatchSize: DefaultBatchSize,
		MaxPages:  DefaultMaxPages,
	}
}

// PageFetcher fetches a single page. *client.Client implements it.
type PageFetcher interface {
	FetchPage(ctx context.Context, apiKey string, page, limit int) (*client.ContactPage, error)
}

// Collection is every contact of a listing in ascending page order.
type Collection struct {
	Contacts []client.Contact

	// PagesFetched counts pages that returned successfully.
	PagesFetched int

	// TotalPages is the page count computed from meta.total. Zero for the
	// sequential strategy, which never knows it up front.
	TotalPages int

	// DegradedPages lists pages whose fetch failed and which contributed no
	// contacts. Always empty for the sequential strategy.
	DegradedPages []int
}

// Fetcher aggregates all pages of the contact listing for one API key.
type Fetcher struct {
	fetcher PageFetcher
	config  Config
	logger  zerolog.Logger
}

// NewFetcher creates a fetcher. Zero config fields fall back to defaults.
func NewFetcher(fetcher PageFetcher, config Config) *Fetcher {
	if config.Strategy == "" {
		config.Strategy = StrategySequential
	}
	if config.PageSize <= 0 {
		config.PageSize = DefaultPageSize
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.MaxPages <= 0 {
		config.MaxPages = DefaultMaxPages
	}

	return &Fetcher{
		fetcher: fetcher,
		config:  config,
		logger:  log.With().Str("component", "pagination").Str("strategy", string(config.Strategy)).Logger(),
	}
}

// Config returns the effective configuration.
func (f *Fetcher) Config() Config {
	return f.config
}

// FetchAll returns every contact visible to apiKey.
func (f *Fetcher) FetchAll(ctx context.Context, apiKey string) (*Collection, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, client.ErrMissingAPIKey
	}

	start := time.Now()
	strategy := string(f.config.Strategy)

	var (
		result *Collection
		err    error
	)
	switch f.config.Strategy {
	case StrategyParallel:
		result, err = f.fetchParallel(ctx, apiKey)
	default:
		result, err = f.fetchSequential(ctx, apiKey)
	}

	fetchDuration.WithLabelValues(strategy).Observe(time.Since(start).Seconds())
	if err != nil {
		fetchesTotal.WithLabelValues(strategy, "error").Inc()
		return nil, err
	}

	outcome := "ok"
	if len(result.DegradedPages) > 0 {
		outcome = "degraded"
	}
	fetchesTotal.WithLabelValues(strategy, outcome).Inc()

	f.logger.Info().
		Int("pages", result.PagesFetched).
		Int("total_pages", result.TotalPages).
		Int("contacts", len(result.Contacts)).
		Ints("degraded_pages", result.DegradedPages).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")

	return result, nil
}

// fetchSequential walks pages until meta.nextPage is absent. Any failure
// aborts the fetch and discards what was collected. A numeric nextPage that
// does not advance, or a walk past MaxPages, is a malformed listing.
func (f *Fetcher) fetchSequential(ctx context.Context, apiKey string) (*Collection, error) {
	result := &Collection{Contacts: []client.Contact{}, DegradedPages: []int{}}

	for page := 1; ; page++ {
		p, err := f.fetcher.FetchPage(ctx, apiKey, page, f.config.PageSize)
		if err != nil {
			return nil, fmt.Errorf("fetch page %d: %w", page, err)
		}

		result.Contacts = append(result.Contacts, p.Contacts...)
		result.PagesFetched++
		pagesFetchedTotal.WithLabelValues(string(StrategySequential)).Inc()

		if !p.HasNextPage() {
			return result, nil
		}
		if next, ok := p.NextPage(); ok && next <= page {
			return nil, malformedListing(page, fmt.Errorf("meta.nextPage %d does not advance past page %d", next, page))
		}
		if page >= f.config.MaxPages {
			return nil, malformedListing(page, fmt.Errorf("listing continues past %d pages", f.config.MaxPages))
		}
	}
}

// fetchParallel reads the total from page 1, then fetches pages 2..N in
// consecutive batches of BatchSize. A batch starts only after the previous
// one has fully settled. Failed pages in a batch contribute nothing and are
// reported in DegradedPages. A batch in which every page succeeded empty ends
// the fetch early, so an inflated meta.total costs at most one extra batch.
func (f *Fetcher) fetchParallel(ctx context.Context, apiKey string) (*Collection, error) {
	size := f.config.PageSize

	first, err := f.fetcher.FetchPage(ctx, apiKey, 1, size)
	if err != nil {
		return nil, fmt.Errorf("fetch first page: %w", err)
	}
	pagesFetchedTotal.WithLabelValues(string(StrategyParallel)).Inc()

	total, ok := first.Total()
	if !ok {
		total = len(first.Contacts)
	}
	totalPages := (total + size - 1) / size
	if totalPages > f.config.MaxPages {
		return nil, malformedListing(1, fmt.Errorf("meta.total %d implies %d pages, limit is %d", total, totalPages, f.config.MaxPages))
	}

	result := &Collection{
		Contacts:      append([]client.Contact{}, first.Contacts...),
		PagesFetched:  1,
		TotalPages:    totalPages,
		DegradedPages: []int{},
	}

	f.logger.Debug().
		Int("total", total).
		Int("total_pages", totalPages).
		Int("batch_size", f.config.BatchSize).
		Msg("Starting parallel page fetch")

	for batchStart := 2; batchStart <= totalPages; batchStart += f.config.BatchSize {
		batchEnd := min(batchStart+f.config.BatchSize-1, totalPages)

		pages := make([][]client.Contact, batchEnd-batchStart+1)
		errs := make([]error, len(pages))

		var g errgroup.Group
		g.SetLimit(f.config.BatchSize)
		for pageNum := batchStart; pageNum <= batchEnd; pageNum++ {
			pageNum := pageNum
			g.Go(func() error {
				p, err := f.fetcher.FetchPage(ctx, apiKey, pageNum, size)
				if err != nil {
					errs[pageNum-batchStart] = err
					return nil
				}
				pages[pageNum-batchStart] = p.Contacts
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return nil, &client.UpstreamError{Class: client.ErrorClassNetwork, Page: batchStart, Err: err}
		}

		exhausted := true
		for i, contacts := range pages {
			pageNum := batchStart + i
			if errs[i] != nil {
				exhausted = false
				result.DegradedPages = append(result.DegradedPages, pageNum)
				pagesDegradedTotal.Inc()
				f.logger.Warn().
					Err(errs[i]).
					Int("page", pageNum).
					Msg("Page fetch failed, continuing without it")
				continue
			}
			if len(contacts) > 0 {
				exhausted = false
			}
			result.Contacts = append(result.Contacts, contacts...)
			result.PagesFetched++
			pagesFetchedTotal.WithLabelValues(string(StrategyParallel)).Inc()
		}

		f.logger.Debug().
			Int("batch_start", batchStart).
			Int("batch_end", batchEnd).
			Int("fetched", result.PagesFetched).
			Msg("Batch settled")

		if exhausted && batchEnd < totalPages {
			f.logger.Warn().
				Int("page", batchEnd).
				Int("total_pages", totalPages).
				Msg("Listing ended before meta.total, skipping remaining pages")
			break
		}
	}

	return result, nil
}

func malformedListing(page int, err error) error {
	return &client.UpstreamError{Class: client.ErrorClassParse, Page: page, Err: err}
}
