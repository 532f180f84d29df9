// Package sweeper runs the periodic expiry pass: per-offer timeouts and the
// overall request ceiling. Every remediation goes through the same
// conditional guards as the manual transitions, so a sweep racing a rider's
// accept cannot corrupt state; exactly one side wins.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/booth-dispatch/internal/observability"
	"github.com/example/booth-dispatch/internal/storage"
)

// Remediator is the slice of the match service the sweeper drives.
type Remediator interface {
	Expire(ctx context.Context, requestID, riderID string) error
	CancelTimedOut(ctx context.Context, requestID string) error
}

type Sweeper struct {
	Requests storage.RequestStore
	Match    Remediator
	Logger   *slog.Logger

	Interval       time.Duration
	OverallTimeout time.Duration
}

func New(requests storage.RequestStore, match Remediator, logger *slog.Logger,
	interval, overallTimeout time.Duration) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		Requests:       requests,
		Match:          match,
		Logger:         logger,
		Interval:       interval,
		OverallTimeout: overallTimeout,
	}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.Logger.Info("expiry sweeper started", "interval", s.Interval, "overall_timeout", s.OverallTimeout)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass of both checks. Per-item failures are logged and
// skipped; one bad record must not halt the sweep.
func (s *Sweeper) Sweep(ctx context.Context) {
	start := time.Now()
	defer func() {
		observability.SweepDuration.Observe(time.Since(start).Seconds())
	}()
	now := time.Now()

	expired, err := s.Requests.ExpiredOffers(ctx, now)
	if err != nil {
		s.Logger.Error("expired offer listing failed", "error", err)
	}
	for _, req := range expired {
		if err := s.Match.Expire(ctx, req.RequestID, req.CurrentOfferRider); err != nil {
			s.Logger.Error("offer expiry remediation failed", "request_id", req.RequestID, "error", err)
		}
	}

	stale, err := s.Requests.StaleRequests(ctx, now.Add(-s.OverallTimeout))
	if err != nil {
		s.Logger.Error("stale request listing failed", "error", err)
		return
	}
	for _, req := range stale {
		if err := s.Match.CancelTimedOut(ctx, req.RequestID); err != nil {
			s.Logger.Error("ceiling cancellation failed", "request_id", req.RequestID, "error", err)
		}
	}
}
