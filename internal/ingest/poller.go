// Package ingest runs the per-city polling pipeline: page through the
// upstream's open requests, classify what hasn't been seen, persist, then
// evict whatever the upstream stopped reporting.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/civiclens/backend/internal/classify"
	"github.com/civiclens/backend/internal/metrics"
	"github.com/civiclens/backend/internal/open311"
	"github.com/civiclens/backend/internal/store"
)

// Fetcher pages through a city's open requests.
type Fetcher interface {
	FetchOpenPage(ctx context.Context, city string, start, end time.Time, page, pageSize int) ([]open311.RawRequest, error)
}

// Classifier attaches verdicts to a batch of raw requests.
type Classifier interface {
	ClassifyBatchInChunks(ctx context.Context, requests []open311.RawRequest, chunkSize int) ([]classify.Verdict, error)
}

// Cache is the slice of the state store the poller writes through.
type Cache interface {
	IsCached(ctx context.Context, city, id string) (bool, error)
	CacheRequest(ctx context.Context, city, id string, payload store.Record) error
	GetCachedIDs(ctx context.Context, city string) (map[string]struct{}, error)
	EvictRequest(ctx context.Context, city, id string) error
}

// Poller is one long-running ingest loop for one city.
type Poller struct {
	city         string
	fetcher      Fetcher
	classifier   Classifier
	cache        Cache
	metrics      *metrics.Metrics
	pollInterval time.Duration
	pageSize     int
	chunkSize    int

	now func() time.Time // test seam
}

// NewPoller wires one city's loop. pageSize and chunkSize fall back to the
// upstream defaults (100 and 5) when non-positive.
func NewPoller(city string, fetcher Fetcher, classifier Classifier, cache Cache, m *metrics.Metrics, pollInterval time.Duration, pageSize int) *Poller {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Poller{
		city:         city,
		fetcher:      fetcher,
		classifier:   classifier,
		cache:        cache,
		metrics:      m,
		pollInterval: pollInterval,
		pageSize:     pageSize,
		chunkSize:    5,
		now:          time.Now,
	}
}

// Run executes poll cycles until ctx is cancelled. A failed cycle is logged
// and retried on the next tick; the loop never dies silently.
func (p *Poller) Run(ctx context.Context) {
	slog.Info("poller started", "city", p.city, "interval", p.pollInterval)
	for {
		cycle := uuid.NewString()[:8]
		if err := p.runCycle(ctx, cycle); err != nil {
			if ctx.Err() != nil {
				break
			}
			slog.Error("poll cycle failed", "city", p.city, "cycle", cycle, "error", err)
		}
		if err := sleepCtx(ctx, p.pollInterval); err != nil {
			break
		}
	}
	slog.Info("poller stopped", "city", p.city)
}

// runCycle rescans the last 24 hours for the city: page through open
// requests, classify and cache the new ones, then evict every id the
// upstream no longer reports. A store error aborts the whole cycle; a
// classifier error skips only that page's insert step, and the page's ids
// still count as seen so they are not spuriously evicted.
func (p *Poller) runCycle(ctx context.Context, cycle string) error {
	end := p.now().UTC()
	start := end.Add(-24 * time.Hour)

	seen := make(map[string]struct{})
	totalFound, totalProcessed := 0, 0

	for page := 1; ; page++ {
		requests, err := p.fetcher.FetchOpenPage(ctx, p.city, start, end, page, p.pageSize)
		if err != nil {
			p.metrics.CycleErrors.WithLabelValues(p.city, "fetch").Inc()
			return err
		}
		if len(requests) == 0 {
			break
		}
		p.metrics.PagesFetched.WithLabelValues(p.city).Inc()
		p.metrics.RequestsSeen.WithLabelValues(p.city).Add(float64(len(requests)))

		var newRequests []open311.RawRequest
		for _, req := range requests {
			id := req.ID()
			seen[id] = struct{}{}

			cached, err := p.cache.IsCached(ctx, p.city, id)
			if err != nil {
				p.metrics.CycleErrors.WithLabelValues(p.city, "store").Inc()
				return err
			}
			if !cached {
				newRequests = append(newRequests, req)
			}
		}

		if len(newRequests) > 0 {
			if err := p.classifyAndCache(ctx, newRequests); err != nil {
				if ctx.Err() != nil || isStoreErr(err) {
					return err
				}
				// Classifier failure: drop this page's inserts, keep paging.
				// The ids stay in seen so the eviction pass leaves them alone.
				p.metrics.CycleErrors.WithLabelValues(p.city, "classify").Inc()
				slog.Error("classifier failed, skipping page inserts",
					"city", p.city, "cycle", cycle, "page", page, "error", err)
			} else {
				totalProcessed += len(newRequests)
			}
		}

		slog.Info("page processed", "city", p.city, "cycle", cycle, "page", page,
			"fetched", len(requests), "new", len(newRequests))
		totalFound += len(requests)

		if err := sleepCtx(ctx, p.pollInterval); err != nil {
			return err
		}
	}

	evicted, err := p.evictClosed(ctx, seen)
	if err != nil {
		p.metrics.CycleErrors.WithLabelValues(p.city, "store").Inc()
		return err
	}

	slog.Info("cycle complete", "city", p.city, "cycle", cycle,
		"window_start", start, "window_end", end,
		"fetched", totalFound, "processed", totalProcessed, "evicted", evicted)
	return nil
}

func (p *Poller) classifyAndCache(ctx context.Context, requests []open311.RawRequest) error {
	started := time.Now()
	verdicts, err := p.classifier.ClassifyBatchInChunks(ctx, requests, p.chunkSize)
	p.metrics.ClassifyDuration.WithLabelValues(p.city).Observe(time.Since(started).Seconds())
	if err != nil {
		p.metrics.ClassifyCalls.WithLabelValues(p.city, "error").Inc()
		return err
	}
	p.metrics.ClassifyCalls.WithLabelValues(p.city, "ok").Inc()

	for i, req := range requests {
		payload := mergePayload(req, verdicts[i], p.city)
		if err := p.cache.CacheRequest(ctx, p.city, req.ID(), payload); err != nil {
			return &storeError{err}
		}
		p.metrics.RequestsClassified.WithLabelValues(p.city).Inc()
	}
	return nil
}

// evictClosed removes every locally-open id the upstream did not report in
// this cycle's full scan.
func (p *Poller) evictClosed(ctx context.Context, seen map[string]struct{}) (int, error) {
	cached, err := p.cache.GetCachedIDs(ctx, p.city)
	if err != nil {
		return 0, err
	}

	evicted := 0
	for id := range cached {
		if _, ok := seen[id]; ok {
			continue
		}
		if err := p.cache.EvictRequest(ctx, p.city, id); err != nil {
			return evicted, err
		}
		p.metrics.Evictions.WithLabelValues(p.city).Inc()
		evicted++
	}
	return evicted, nil
}

// mergePayload joins the raw upstream fields with the verdict and the city
// tag. Verdict fields win on name collision; unknown raw fields are
// preserved verbatim.
func mergePayload(raw open311.RawRequest, v classify.Verdict, city string) store.Record {
	payload := make(store.Record, len(raw)+6)
	for k, val := range raw {
		payload[k] = val
	}
	payload["priority"] = v.Priority
	payload["flag"] = v.Flag
	payload["priority_explanation"] = v.PriorityExplanation
	payload["flag_explanation"] = v.FlagExplanation
	payload["incident_label"] = v.IncidentLabel
	payload["city"] = city
	return payload
}

// storeError marks a failure from the state store so the cycle aborts
// instead of paging on with half-written aggregates.
type storeError struct{ err error }

func (e *storeError) Error() string { return e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

func isStoreErr(err error) bool {
	var se *storeError
	return errors.As(err, &se)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
