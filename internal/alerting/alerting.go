// Package alerting runs the monitoring engine: it detects checks whose
// alert deadline expired, records status transitions as flips, re-alerts
// hourly for checks that stay down, and hands flips to the dispatcher.
package alerting

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vigil-run/vigil/internal/dispatch"
	"github.com/vigil-run/vigil/internal/schedule"
	"github.com/vigil-run/vigil/internal/status"
	"github.com/vigil-run/vigil/internal/store"
)

const (
	defaultTickInterval = 2 * time.Second

	// NagInterval is how often a check that stays down is re-alerted, and
	// also the minimum down time before the first repeat.
	NagInterval = time.Hour

	// backoff bounds for storage-transient errors.
	backoffMin = 100 * time.Millisecond
	backoffMax = 30 * time.Second

	// pruneEvery spaces the opportunistic flip pruning.
	pruneEvery = time.Hour
)

type Options struct {
	TickInterval time.Duration
	Dispatcher   *dispatch.Dispatcher
	Now          func() time.Time
}

// Service is the sendalerts daemon loop.
type Service struct {
	st        *store.Store
	opts      Options
	startOnce sync.Once
	stopOnce  sync.Once
	stopFn    context.CancelFunc
	doneCh    chan struct{}

	backoff   time.Duration
	lastPrune time.Time
}

func New(st *store.Store, opts Options) *Service {
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTickInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{st: st, opts: opts}
}

// Start begins the alerting loop in a background goroutine.
func (s *Service) Start(parent context.Context) {
	if s == nil {
		return
	}
	s.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(parent)
		s.stopFn = cancel
		s.doneCh = make(chan struct{})

		go func() {
			defer close(s.doneCh)
			ticker := time.NewTicker(s.opts.TickInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.Tick(ctx)
				}
			}
		}()
	})
}

// Stop cancels the loop and waits for the current tick to finish.
func (s *Service) Stop(ctx context.Context) {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		if s.stopFn != nil {
			s.stopFn()
		}
		if s.doneCh == nil {
			return
		}
		select {
		case <-s.doneCh:
		case <-ctx.Done():
		}
	})
}

// Tick runs one full cycle: create flips for checks going down, create nag
// flips for long-down checks, then drain unprocessed flips.
func (s *Service) Tick(ctx context.Context) {
	for s.processGoingDown(ctx) && ctx.Err() == nil {
	}
	s.processNags(ctx)
	if s.opts.Dispatcher != nil {
		s.opts.Dispatcher.Drain(ctx)
	}
	s.maybePrune(ctx)
}

// processGoingDown handles a single check whose alert deadline expired.
// Reports true when the loop should continue right away (work was found).
func (s *Service) processGoingDown(ctx context.Context) bool {
	now := s.opts.Now()
	check, err := s.st.NextCheckDue(ctx, now)
	if errors.Is(err, sql.ErrNoRows) {
		s.backoff = 0
		return false
	}
	if err != nil {
		s.storageError("scan due checks", err)
		return false
	}
	s.backoff = 0

	oldStatus := check.Status
	label, alertAfter, err := status.Resolve(&check, now)
	if err != nil {
		// A malformed schedule would trip the loop on every tick. Null the
		// deadline so the check behaves as paused until the operator fixes
		// the expression; the next ping recomputes it.
		if errors.Is(err, schedule.ErrBadDescriptor) {
			slog.Error("check schedule is invalid, muting alerts", "check", check.Code, "err", err)
			if updErr := s.st.UpdateAlertAfter(ctx, check.ID, oldStatus, nil); updErr != nil {
				s.storageError("mute invalid schedule", updErr)
			}
			return true
		}
		slog.Warn("status resolve failed", "check", check.Code, "err", err)
		return true
	}

	if label.Stored() != store.StatusDown {
		// Not down yet; push the deadline forward.
		if err := s.st.UpdateAlertAfter(ctx, check.ID, oldStatus, alertAfter); err != nil {
			s.storageError("update alert deadline", err)
		}
		return true
	}

	// The resolver reported down, so the deadline is computable: use it as
	// the flip instant rather than the scan time.
	flipTime := now
	if deadline, err := status.Deadline(&check); err == nil && deadline != nil {
		flipTime = *deadline
	}

	won, err := s.st.MarkCheckDown(ctx, check.ID, oldStatus)
	if err != nil {
		s.storageError("mark check down", err)
		return true
	}
	if !won {
		// A peer worker transitioned the check first.
		return true
	}

	if _, err := s.st.InsertFlip(ctx, store.FlipWrite{
		OwnerID:   check.ID,
		Created:   flipTime,
		OldStatus: oldStatus,
		NewStatus: store.StatusDown,
		Reason:    store.ReasonTimeout,
	}); err != nil {
		s.storageError("insert timeout flip", err)
	}
	return true
}

// processNags inserts a repeat flip for every check that has been down for
// at least NagInterval since its last down transition or nag. The predicate
// reads flips only; see store.LastDownEventTime.
func (s *Service) processNags(ctx context.Context) {
	now := s.opts.Now()
	checks, err := s.st.ListDownChecks(ctx)
	if err != nil {
		s.storageError("scan down checks", err)
		return
	}

	for _, check := range checks {
		last, err := s.st.LastDownEventTime(ctx, check.ID)
		if err != nil {
			s.storageError("find last down event", err)
			continue
		}
		if last == nil {
			// No surviving flip for the down spell: hand-edited data, since
			// flip retention far outlives the nag cadence. Do not re-alert.
			continue
		}
		if now.Sub(*last) < NagInterval {
			continue
		}
		if _, err := s.st.InsertFlip(ctx, store.FlipWrite{
			OwnerID:   check.ID,
			Created:   now,
			OldStatus: store.StatusDown,
			NewStatus: store.StatusDown,
			Reason:    store.ReasonNag,
		}); err != nil {
			s.storageError("insert nag flip", err)
			continue
		}
		slog.Info("nag scheduled", "check", check.Code, "down_since", last)
	}
}

func (s *Service) maybePrune(ctx context.Context) {
	now := s.opts.Now()
	if now.Sub(s.lastPrune) < pruneEvery {
		return
	}
	s.lastPrune = now
	pruned, err := s.st.PruneFlips(ctx, now)
	if err != nil {
		s.storageError("prune flips", err)
		return
	}
	if pruned > 0 {
		slog.Info("pruned expired flips", "count", pruned)
	}
}

// storageError logs and applies exponential backoff so a flapping database
// does not spin the loop.
func (s *Service) storageError(op string, err error) {
	slog.Warn("storage error, backing off", "op", op, "backoff", s.backoff, "err", err)
	if s.backoff < backoffMin {
		s.backoff = backoffMin
	} else if s.backoff *= 2; s.backoff > backoffMax {
		s.backoff = backoffMax
	}
	time.Sleep(s.backoff)
}
