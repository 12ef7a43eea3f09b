package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRecordPingAdvancesCheck(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	c := newTestCheck(t, s, CheckWrite{Name: "cron-job"})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	alertAfter := now.Add(25 * time.Hour)

	p, err := s.RecordPing(ctx,
		PingWrite{OwnerID: c.ID, Kind: PingSuccess, Created: now, RemoteAddr: "10.0.0.1", Body: "done"},
		0,
		CheckMutation{Status: StatusUp, LastPing: &now, AlertAfter: &alertAfter},
		nil)
	if err != nil {
		t.Fatalf("RecordPing() error = %v", err)
	}
	if p.N != 1 || p.Kind != PingSuccess || p.Body != "done" {
		t.Fatalf("ping = %+v", p)
	}

	got, err := s.GetCheck(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCheck() error = %v", err)
	}
	if got.NPings != 1 || got.Status != StatusUp {
		t.Fatalf("check = %+v, want 1 ping and up", got)
	}
	if got.LastPing == nil || !got.LastPing.Equal(now) {
		t.Fatalf("last_ping = %v, want %v", got.LastPing, now)
	}
	if got.AlertAfter == nil || !got.AlertAfter.Equal(alertAfter) {
		t.Fatalf("alert_after = %v, want %v", got.AlertAfter, alertAfter)
	}
}

func TestRecordPingStaleCheck(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	c := newTestCheck(t, s, CheckWrite{Name: "racy"})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, err := s.RecordPing(ctx, PingWrite{OwnerID: c.ID, Kind: PingSuccess, Created: now},
		0, CheckMutation{Status: StatusUp, LastPing: &now}, nil); err != nil {
		t.Fatalf("RecordPing() error = %v", err)
	}

	// The writer read the check before the first ping landed.
	later := now.Add(time.Second)
	_, err := s.RecordPing(ctx, PingWrite{OwnerID: c.ID, Kind: PingSuccess, Created: later},
		0, CheckMutation{Status: StatusUp, LastPing: &later}, nil)
	if !errors.Is(err, ErrStaleCheck) {
		t.Fatalf("RecordPing() error = %v, want ErrStaleCheck", err)
	}
}

func TestRecordPingIdempotent(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	c := newTestCheck(t, s, CheckWrite{Name: "dup"})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := PingWrite{OwnerID: c.ID, Kind: PingSuccess, Created: now, RID: "run-1"}
	mut := CheckMutation{Status: StatusUp, LastPing: &now}

	first, err := s.RecordPing(ctx, w, 0, mut, nil)
	if err != nil {
		t.Fatalf("RecordPing() error = %v", err)
	}

	// The retried delivery matches the latest ping exactly and is dropped
	// without consuming a sequence number.
	second, err := s.RecordPing(ctx, w, 1, mut, nil)
	if err != nil {
		t.Fatalf("re-RecordPing() error = %v", err)
	}
	if second.ID != first.ID || second.N != first.N {
		t.Fatalf("re-ingest produced ping %+v, want stored %+v", second, first)
	}

	got, err := s.GetCheck(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCheck() error = %v", err)
	}
	if got.NPings != 1 {
		t.Fatalf("n_pings = %d, want 1", got.NPings)
	}
}

func TestRecordPingWithFailFlip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	c := newTestCheck(t, s, CheckWrite{Name: "failing"})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	exit := int64(1)

	_, err := s.RecordPing(ctx,
		PingWrite{OwnerID: c.ID, Kind: PingFail, Created: now, ExitStatus: &exit},
		0,
		CheckMutation{Status: StatusDown, LastPing: &now},
		&FlipWrite{OwnerID: c.ID, Created: now, OldStatus: StatusNew, NewStatus: StatusDown, Reason: ReasonFail})
	if err != nil {
		t.Fatalf("RecordPing() error = %v", err)
	}

	flips, err := s.ListFlips(ctx, c.ID, 0)
	if err != nil {
		t.Fatalf("ListFlips() error = %v", err)
	}
	if len(flips) != 1 || flips[0].Reason != ReasonFail || flips[0].NewStatus != StatusDown {
		t.Fatalf("flips = %+v, want one fail flip to down", flips)
	}

	p, err := s.LastPing(ctx, c.ID)
	if err != nil {
		t.Fatalf("LastPing() error = %v", err)
	}
	if p.ExitStatus == nil || *p.ExitStatus != 1 {
		t.Fatalf("exit_status = %v, want 1", p.ExitStatus)
	}
}

func TestPrunePings(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	c := newTestCheck(t, s, CheckWrite{Name: "history"})
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := int64(0); i < 10; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		w := PingWrite{OwnerID: c.ID, Kind: PingSuccess, Created: at}
		if i == 2 {
			// Simulates a body offloaded to object storage.
			w.ObjectSize = 4096
		}
		if _, err := s.RecordPing(ctx, w, i, CheckMutation{Status: StatusUp, LastPing: &at}, nil); err != nil {
			t.Fatalf("RecordPing(%d) error = %v", i, err)
		}
	}

	offloaded, err := s.PrunePings(ctx, c.ID, 5)
	if err != nil {
		t.Fatalf("PrunePings() error = %v", err)
	}
	// Pings n<=5 are removed; n=3 carried an object.
	if len(offloaded) != 1 || offloaded[0] != 3 {
		t.Fatalf("offloaded = %v, want [3]", offloaded)
	}

	pings, err := s.ListPings(ctx, c.ID, 0)
	if err != nil {
		t.Fatalf("ListPings() error = %v", err)
	}
	if len(pings) != 5 || pings[0].N != 10 || pings[len(pings)-1].N != 6 {
		t.Fatalf("surviving pings = %+v, want n 6..10", pings)
	}

	// Retention disabled keeps everything.
	if got, err := s.PrunePings(ctx, c.ID, 0); err != nil || got != nil {
		t.Fatalf("PrunePings(keep=0) = (%v, %v), want no-op", got, err)
	}
}
