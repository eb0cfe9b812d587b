package fetch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"orders2sheet/internal/classify"
	"orders2sheet/internal/progress"
	"orders2sheet/internal/source"

	"go.uber.org/zap"
)

// Config contains fetcher configuration
type Config struct {
	PageSize int
	// MaxRecords caps the total records fetched; 0 means unlimited
	MaxRecords int
	// EmptyPageRun is the number of consecutive empty pages that ends
	// pagination
	EmptyPageRun int
	// LastPageFraction is the small-page heuristic: a page at or below
	// this fraction of the requested size signals the last page. The
	// threshold is a heuristic, not a correctness boundary; sources with
	// legitimately variable page sizes should raise it or rely on the
	// confirmation fetch.
	LastPageFraction float64
	// ConfirmLastPage fetches one further page after a small page and only
	// stops if it is empty, for sources that pad the final page
	ConfirmLastPage bool
	// MaxPageFailures aborts pagination after this many consecutive
	// page-level errors
	MaxPageFailures int
	// KeyField identifies records for deduplication
	KeyField string
	// TimestampField drives the newest-timestamp-wins dedup policy
	TimestampField string
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.EmptyPageRun <= 0 {
		c.EmptyPageRun = 2
	}
	if c.LastPageFraction <= 0 {
		c.LastPageFraction = 0.5
	}
	if c.MaxPageFailures <= 0 {
		c.MaxPageFailures = 3
	}
	if c.KeyField == "" {
		c.KeyField = "id"
	}
	return c
}

// Stats summarizes one fetch run
type Stats struct {
	Pages        int
	Fetched      int
	Duplicates   int
	SkippedPages int
	// FailedPages counts pages that exhausted their retries but did not
	// trip the consecutive-failure abort; their records are absent from
	// the result
	FailedPages int
	Duration    time.Duration
}

// Fetcher pulls all pages from the source API, deduplicating records by key
// under an explicit newest-timestamp-wins policy
type Fetcher struct {
	cfg      Config
	client   source.Client
	retrier  *classify.Retrier
	breaker  *classify.Breaker
	observer progress.Observer
	logger   *zap.Logger
}

// New creates a fetcher
func New(cfg Config, client source.Client, retrier *classify.Retrier, breaker *classify.Breaker, observer progress.Observer, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		cfg:      cfg.withDefaults(),
		client:   client,
		retrier:  retrier,
		breaker:  breaker,
		observer: observer,
		logger:   logger,
	}
}

// FetchAll consumes pages until a stop condition fires and returns the
// deduplicated record sequence
func (f *Fetcher) FetchAll(ctx context.Context, filters source.Filters) ([]source.Record, Stats, error) {
	start := time.Now()

	var (
		out      []source.Record
		byKey    = make(map[string]int)
		stats    Stats
		emptyRun int
		failures int
	)

	for page := 1; ; page++ {
		records, err := f.fetchPage(ctx, page, filters)
		if err != nil {
			if isUpstreamDataAnomaly(err) {
				stats.SkippedPages++
				f.logger.Warn("Skipping page with upstream data anomaly",
					zap.Int("page", page),
					zap.Error(err),
				)
				f.observer.WarningRaised(fmt.Sprintf("page %d skipped: %v", page, err))
				continue
			}

			failures++
			if failures >= f.cfg.MaxPageFailures {
				stats.Duration = time.Since(start)
				return nil, stats, fmt.Errorf("aborting after %d consecutive page failures: %w", failures, err)
			}
			stats.FailedPages++
			f.logger.Warn("Page fetch failed, continuing",
				zap.Int("page", page),
				zap.Int("consecutive_failures", failures),
				zap.Error(err),
			)
			f.observer.WarningRaised(fmt.Sprintf("page %d lost after retries: %v", page, err))
			continue
		}
		failures = 0
		stats.Pages++

		dups := f.merge(&out, byKey, records)
		stats.Duplicates += dups

		f.observer.PageFetched(page, len(out))
		f.logger.Debug("Fetched page",
			zap.Int("page", page),
			zap.Int("page_records", len(records)),
			zap.Int("records_so_far", len(out)),
		)

		// Stop conditions, evaluated per page in order
		if f.cfg.MaxRecords > 0 && len(out) >= f.cfg.MaxRecords {
			out = out[:f.cfg.MaxRecords]
			break
		}

		if len(records) == 0 {
			emptyRun++
			if emptyRun >= f.cfg.EmptyPageRun {
				break
			}
			continue
		}
		emptyRun = 0

		if float64(len(records)) <= f.cfg.LastPageFraction*float64(f.cfg.PageSize) {
			if !f.cfg.ConfirmLastPage {
				break
			}
			confirm, err := f.fetchPage(ctx, page+1, filters)
			if err == nil && len(confirm) == 0 {
				break
			}
			if err == nil {
				// The source pads small pages; keep going with what the
				// confirmation fetch returned
				stats.Pages++
				stats.Duplicates += f.merge(&out, byKey, confirm)
				f.observer.PageFetched(page+1, len(out))
				page++
			}
		}
	}

	stats.Fetched = len(out)
	stats.Duration = time.Since(start)

	f.logger.Info("Fetch finished",
		zap.Int("pages", stats.Pages),
		zap.Int("records", stats.Fetched),
		zap.Int("duplicates", stats.Duplicates),
		zap.Int("skipped_pages", stats.SkippedPages),
		zap.Int("failed_pages", stats.FailedPages),
	)

	return out, stats, nil
}

// EstimateCount passes through to the source; the estimate feeds progress
// display only
func (f *Fetcher) EstimateCount(ctx context.Context, filters source.Filters) (int, error) {
	var count int
	_, err := f.retrier.Do(ctx, "estimate count", func(ctx context.Context) error {
		return f.breaker.Execute(func() error {
			var err error
			count, err = f.client.EstimateCount(ctx, filters)
			return err
		})
	})
	return count, err
}

func (f *Fetcher) fetchPage(ctx context.Context, page int, filters source.Filters) ([]source.Record, error) {
	var records []source.Record
	_, err := f.retrier.Do(ctx, fmt.Sprintf("fetch page %d", page), func(ctx context.Context) error {
		return f.breaker.Execute(func() error {
			var err error
			records, err = f.client.FetchPage(ctx, page, f.cfg.PageSize, filters)
			return err
		})
	})
	return records, err
}

// merge appends records, replacing earlier duplicates in place when the new
// record carries a newer timestamp (or when timestamps are absent). Returns
// the number of duplicates seen.
func (f *Fetcher) merge(out *[]source.Record, byKey map[string]int, records []source.Record) int {
	dups := 0
	for _, rec := range records {
		key := rec.Key(f.cfg.KeyField)
		if key == "" {
			*out = append(*out, rec)
			continue
		}

		idx, seen := byKey[key]
		if !seen {
			byKey[key] = len(*out)
			*out = append(*out, rec)
			continue
		}

		dups++
		if f.newerWins((*out)[idx], rec) {
			(*out)[idx] = rec
		}
	}
	return dups
}

// newerWins implements the dedup policy: the newer timestamp wins, falling
// back to last-seen-wins when either timestamp is absent or unparseable
func (f *Fetcher) newerWins(existing, candidate source.Record) bool {
	if f.cfg.TimestampField == "" {
		return true
	}
	oldTS, okOld := existing.Timestamp(f.cfg.TimestampField)
	newTS, okNew := candidate.Timestamp(f.cfg.TimestampField)
	if !okOld || !okNew {
		return true
	}
	return !newTS.Before(oldTS)
}

// isUpstreamDataAnomaly matches page-level errors caused by bad upstream
// data (rather than transport failures), which should skip the page instead
// of counting toward the abort threshold
func isUpstreamDataAnomaly(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "parse error") ||
		strings.Contains(msg, "invalid date") ||
		strings.Contains(msg, "date out of range") ||
		strings.Contains(msg, "unparseable record")
}
