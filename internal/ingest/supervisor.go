package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/civiclens/backend/internal/metrics"
)

// Supervisor owns one poller per configured city. Pollers run concurrently
// and independently; a panic in one is contained and that poller restarted.
type Supervisor struct {
	pollers []*Poller
	wg      sync.WaitGroup
}

// NewSupervisor builds one poller per city in cities.
func NewSupervisor(cities map[string]string, fetcher Fetcher, classifier Classifier, cache Cache, m *metrics.Metrics, pollInterval time.Duration, pageSize int) *Supervisor {
	s := &Supervisor{}
	for city := range cities {
		s.pollers = append(s.pollers, NewPoller(city, fetcher, classifier, cache, m, pollInterval, pageSize))
	}
	return s
}

// Start launches every poller. Shutdown is cooperative: cancel ctx and each
// poller returns at its next suspension point.
func (s *Supervisor) Start(ctx context.Context) {
	slog.Info("starting pollers", "count", len(s.pollers))
	for _, p := range s.pollers {
		s.wg.Add(1)
		go func(p *Poller) {
			defer s.wg.Done()
			s.runGuarded(ctx, p)
		}(p)
	}
}

// runGuarded keeps one poller alive across panics until ctx is cancelled.
func (s *Supervisor) runGuarded(ctx context.Context, p *Poller) {
	for ctx.Err() == nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("poller panicked, restarting", "city", p.city, "panic", r)
				}
			}()
			p.Run(ctx)
		}()
		if ctx.Err() == nil {
			// only reachable after a panic; back off one interval
			if err := sleepCtx(ctx, p.pollInterval); err != nil {
				return
			}
		}
	}
}

// Wait blocks until every poller has returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}
