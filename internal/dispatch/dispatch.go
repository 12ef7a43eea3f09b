// Package dispatch drains unprocessed flips and fans notification calls out
// to the channels attached to each flip's check.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vigil-run/vigil/internal/events"
	"github.com/vigil-run/vigil/internal/store"
	"github.com/vigil-run/vigil/internal/transport"
)

const (
	// claimLease bounds how long a flip stays invisible to peer workers
	// while one worker fans it out. A crashed worker's flips become
	// claimable again after the lease.
	claimLease = 60 * time.Second

	// callTimeout is the outer bound on one transport call; variants apply
	// tighter internal timeouts.
	callTimeout = 15 * time.Second

	defaultWorkers = 10
)

type Options struct {
	// Workers bounds the concurrent transport calls per flip.
	Workers int
	Env     transport.Env
	Hub     *events.Hub
	Now     func() time.Time
}

// Dispatcher consumes flips and delivers notifications with per-flip
// at-most-once semantics (relaxed to at-least-once across process crashes).
type Dispatcher struct {
	st   *store.Store
	opts Options
	sem  chan struct{}
}

func New(st *store.Store, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{
		st:   st,
		opts: opts,
		sem:  make(chan struct{}, opts.Workers),
	}
}

// ProcessOne claims the oldest unprocessed flip and dispatches it. Returns
// false when no flip was available, telling the caller's loop to sleep.
func (d *Dispatcher) ProcessOne(ctx context.Context) (bool, error) {
	now := d.opts.Now()
	flip, ok, err := d.st.ClaimNextFlip(ctx, now, claimLease)
	if err != nil {
		return false, fmt.Errorf("claim flip: %w", err)
	}
	if !ok {
		return false, nil
	}

	if err := d.dispatch(ctx, flip); err != nil {
		return true, err
	}
	return true, nil
}

// Drain processes flips until none remain or the context is cancelled.
func (d *Dispatcher) Drain(ctx context.Context) {
	for ctx.Err() == nil {
		ok, err := d.ProcessOne(ctx)
		if err != nil {
			slog.Warn("dispatch failed", "err", err)
			return
		}
		if !ok {
			return
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, flip store.Flip) error {
	check, err := d.st.GetCheck(ctx, flip.OwnerID)
	if err != nil {
		return fmt.Errorf("load check %d: %w", flip.OwnerID, err)
	}

	statusMsg := flip.NewStatus
	if flip.Repeat() {
		statusMsg += " (repeat notification)"
	}
	d.publish(events.TypeCheckFlipped, map[string]any{
		"check":  check.Code,
		"status": statusMsg,
		"reason": flip.Reason,
	})

	channels, err := d.st.ChannelsForCheck(ctx, flip.OwnerID)
	if err != nil {
		return fmt.Errorf("select channels: %w", err)
	}

	// Fan out concurrently; one transport's failure must not affect
	// another's. ChannelsForCheck already ordered by response speed.
	var wg sync.WaitGroup
	for _, ch := range channels {
		t, err := transport.New(ch, d.opts.Env)
		if err != nil {
			slog.Warn("channel skipped", "channel", ch.Code, "kind", ch.Kind, "err", err)
			continue
		}
		if t.IsNoop(flip.NewStatus) {
			continue
		}

		wg.Add(1)
		go func(ch store.Channel, t transport.Transport) {
			defer wg.Done()
			select {
			case d.sem <- struct{}{}:
				defer func() { <-d.sem }()
			case <-ctx.Done():
				return
			}
			d.notifyChannel(ctx, flip, ch, t)
		}(ch, t)
	}
	wg.Wait()

	if err := d.st.MarkFlipProcessed(ctx, flip.ID, d.opts.Now()); err != nil {
		return fmt.Errorf("mark flip %d processed: %w", flip.ID, err)
	}
	return nil
}

func (d *Dispatcher) notifyChannel(ctx context.Context, flip store.Flip, ch store.Channel, t transport.Transport) {
	start := d.opts.Now()

	// The notification row precedes the transport call so a crash mid-send
	// still leaves an audit trail.
	n, err := d.st.CreateNotification(ctx, store.NotificationWrite{
		OwnerID:     flip.OwnerID,
		ChannelID:   ch.ID,
		CheckStatus: flip.NewStatus,
		Created:     start,
	})
	if err != nil {
		slog.Warn("create notification failed", "channel", ch.Code, "err", err)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	notifyErr := t.Notify(callCtx, flip, &n)
	cancel()
	took := d.opts.Now().Sub(start)

	if notifyErr == nil {
		if err := d.st.ChannelNotified(ctx, ch.ID, start, took); err != nil {
			slog.Warn("record delivery failed", "channel", ch.Code, "err", err)
		}
		d.publish(events.TypeNotificationSent, map[string]any{
			"channel": ch.Code,
			"kind":    ch.Kind,
			"took":    took.Round(100 * time.Millisecond).Seconds(),
		})
		return
	}

	errText := notifyErr.Error()
	if err := d.st.SetNotificationError(ctx, n.ID, errText); err != nil {
		slog.Warn("record notification error failed", "channel", ch.Code, "err", err)
	}
	permanent := transport.IsPermanent(notifyErr)
	if err := d.st.ChannelFailed(ctx, ch.ID, errText, permanent); err != nil {
		slog.Warn("record channel error failed", "channel", ch.Code, "err", err)
	}
	d.publish(events.TypeNotificationSent, map[string]any{
		"channel": ch.Code,
		"kind":    ch.Kind,
		"took":    took.Round(100 * time.Millisecond).Seconds(),
		"error":   errText,
	})
	if permanent {
		slog.Info("channel disabled on permanent error", "channel", ch.Code, "kind", ch.Kind, "err", errText)
		d.publish(events.TypeChannelDisabled, map[string]any{
			"channel": ch.Code,
			"kind":    ch.Kind,
			"error":   errText,
		})
	}
}

func (d *Dispatcher) publish(eventType string, payload map[string]any) {
	if d.opts.Hub == nil {
		return
	}
	d.opts.Hub.Publish(events.NewEvent(eventType, payload))
}
