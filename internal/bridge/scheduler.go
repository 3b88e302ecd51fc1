package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// Scheduler drives the syncer: one cycle at a time on a single control
// loop, so cycles can never overlap. An admin trigger is coalesced into
// the same loop.
type Scheduler struct {
	syncer     *Syncer
	interval   time.Duration
	startDelay time.Duration
	logger     *logrus.Logger
	trigger    chan struct{}
}

func NewScheduler(syncer *Syncer, interval time.Duration, logger *logrus.Logger) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Scheduler{
		syncer:     syncer,
		interval:   interval,
		startDelay: 3 * time.Second,
		logger:     logger,
		trigger:    make(chan struct{}, 1),
	}
}

// TriggerNow requests an immediate cycle. Returns false when a trigger is
// already pending or a cycle is running, so callers can report a conflict
// instead of queueing work.
func (s *Scheduler) TriggerNow() bool {
	if s.syncer.Running() {
		return false
	}
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Running reports whether a cycle is currently in flight.
func (s *Scheduler) Running() bool {
	return s.syncer.Running()
}

// Run blocks until ctx is cancelled or the store fails. Upstream errors
// never reach here; RunCycle only returns storage errors, which stop the
// loop because a store that cannot persist makes dedup unsafe.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := sleepContext(ctx, s.startDelay); err != nil {
		return nil
	}
	for {
		s.logger.Info("starting sync cycle")
		started := time.Now()
		err := s.syncer.RunCycle(ctx)
		switch {
		case err == nil:
			s.logger.WithField("took", time.Since(started).String()).Info("sync cycle finished")
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		case errors.Is(err, ErrCycleInProgress):
			// Cannot happen on this loop; log and keep going.
			s.logger.Warn("cycle skipped, another one is in flight")
		default:
			return err
		}

		timer := time.NewTimer(s.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-s.trigger:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
