// Package sweeper implements the retention sweeper: the background
// repair loop that turns abandoned publishes into failed rows and
// eventually removes failed debris, including the blobs and the
// formation shells a crashed publish leaves behind.
package sweeper

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/openreef/tide/internal/blob"
	"github.com/openreef/tide/pkg/catalog"
)

// Default retention windows. A publish that has not finalized within
// the grace window is considered abandoned; failed debris is kept for
// the retention window so operators can inspect it before it is reaped.
const (
	DefaultPublishingGrace = 10 * time.Minute
	DefaultFailedRetention = time.Hour
	DefaultInterval        = 5 * time.Minute
)

// Stats summarizes one sweep pass.
type Stats struct {
	Scanned  int // version rows examined
	Promoted int // publishing rows promoted to failed
	Reaped   int // failed rows removed
	Errors   int // per-row errors, logged and skipped
}

// Sweeper periodically scans the version keyspace and applies the
// retention policy. Every transition it performs is the same atomic
// catalog operation a concurrent publisher would race against, so a
// sweep can always run while the registry serves traffic.
type Sweeper struct {
	catalog *catalog.Client
	store   *blob.Store
	log     *logrus.Entry

	interval        time.Duration
	publishingGrace time.Duration
	failedRetention time.Duration

	promotedTotal prometheus.Counter
	reapedTotal   prometheus.Counter
}

// Option adjusts sweeper timing.
type Option func(*Sweeper)

// WithInterval sets the period between sweep passes.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) { s.interval = d }
}

// WithPublishingGrace sets how long a publishing row may exist before
// it is considered abandoned.
func WithPublishingGrace(d time.Duration) Option {
	return func(s *Sweeper) { s.publishingGrace = d }
}

// WithFailedRetention sets how long failed debris is kept before reap.
func WithFailedRetention(d time.Duration) Option {
	return func(s *Sweeper) { s.failedRetention = d }
}

// New creates a Sweeper with the default windows, adjusted by opts.
func New(c *catalog.Client, store *blob.Store, log *logrus.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{
		catalog:         c,
		store:           store,
		log:             log.WithField("component", "sweeper"),
		interval:        DefaultInterval,
		publishingGrace: DefaultPublishingGrace,
		failedRetention: DefaultFailedRetention,
		promotedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tide_sweeper_promoted_total",
			Help: "Publishing versions promoted to failed by the sweeper.",
		}),
		reapedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tide_sweeper_reaped_total",
			Help: "Failed versions reaped by the sweeper.",
		}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Describe implements prometheus.Collector.
func (s *Sweeper) Describe(ch chan<- *prometheus.Desc) {
	s.promotedTotal.Describe(ch)
	s.reapedTotal.Describe(ch)
}

// Collect implements prometheus.Collector.
func (s *Sweeper) Collect(ch chan<- prometheus.Metric) {
	s.promotedTotal.Collect(ch)
	s.reapedTotal.Collect(ch)
}

// Run sweeps on the configured interval and blocks until the context
// is cancelled. Individual sweep failures are logged, never fatal.
func (s *Sweeper) Run(ctx context.Context) error {
	s.log.WithField("interval", s.interval).Info("retention sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("retention sweeper stopping")
			return nil
		case <-ticker.C:
			stats, err := s.Sweep(ctx)
			if err != nil {
				s.log.WithError(err).Error("sweep pass failed")
				continue
			}
			if stats.Promoted > 0 || stats.Reaped > 0 || stats.Errors > 0 {
				s.log.WithFields(logrus.Fields{
					"scanned":  stats.Scanned,
					"promoted": stats.Promoted,
					"reaped":   stats.Reaped,
					"errors":   stats.Errors,
				}).Info("sweep pass complete")
			}
		}
	}
}

// Sweep performs a single pass over every version row. Rows stuck in
// publishing past the grace window are promoted to failed; failed rows
// past the retention window are removed together with their blobs.
// Per-row failures are counted and skipped so one bad row cannot stall
// the rest of the pass.
func (s *Sweeper) Sweep(ctx context.Context) (*Stats, error) {
	refs, err := s.catalog.ScanVersions(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{Scanned: len(refs)}
	now := time.Now()

	for _, ref := range refs {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		promoted, err := s.catalog.PromoteStale(ctx, ref.FormationID, ref.Version, now.Add(-s.publishingGrace))
		if err != nil {
			stats.Errors++
			s.log.WithError(err).WithFields(logrus.Fields{
				"formation_id": ref.FormationID,
				"version":      ref.Version,
			}).Warn("could not promote stale version")
			continue
		}
		if promoted {
			stats.Promoted++
			s.promotedTotal.Inc()
			// Freshly failed rows wait out the retention window.
			continue
		}

		path, reaped, err := s.catalog.ReapFailed(ctx, ref.FormationID, ref.Version, now.Add(-s.failedRetention))
		if err != nil {
			stats.Errors++
			s.log.WithError(err).WithFields(logrus.Fields{
				"formation_id": ref.FormationID,
				"version":      ref.Version,
			}).Warn("could not reap failed version")
			continue
		}
		if !reaped {
			continue
		}

		stats.Reaped++
		s.reapedTotal.Inc()
		if path != "" {
			if err := s.store.Delete(path); err != nil {
				stats.Errors++
				s.log.WithError(err).WithField("path", path).Warn("could not delete reaped tarball")
			}
		}
	}
	return stats, nil
}
