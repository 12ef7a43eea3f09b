// Package ingest records pings: it applies the check's filter policy,
// advances the check's cached state per the ping kind, recomputes the alert
// deadline and files immediate failure flips.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vigil-run/vigil/internal/status"
	"github.com/vigil-run/vigil/internal/store"
)

const (
	// inlineBodyLimit is the largest ping body stored in the row itself;
	// larger bodies go to object storage.
	inlineBodyLimit = 100

	// defaultKeepPings is the per-check ping retention.
	defaultKeepPings = 100

	// staleRetries bounds re-reads when concurrent pings race on one check.
	staleRetries = 3
)

// BlobStore stores offloaded ping bodies. Nil disables offloading and large
// bodies are truncated inline.
type BlobStore interface {
	Put(ctx context.Context, checkCode string, n int64, data []byte) error
	Get(ctx context.Context, checkCode string, n int64) ([]byte, error)
	Remove(ctx context.Context, checkCode string, ns []int64) error
}

// Meta is the source metadata of one ping.
type Meta struct {
	Scheme     string
	RemoteAddr string
	Method     string
	UA         string
	Subject    string // email intake only
	ExitStatus *int64
	RID        string
}

type Recorder struct {
	st        *store.Store
	blobs     BlobStore
	keepPings int64
	now       func() time.Time
}

type Option func(*Recorder)

func WithBlobStore(b BlobStore) Option {
	return func(r *Recorder) { r.blobs = b }
}

func WithRetention(keep int64) Option {
	return func(r *Recorder) { r.keepPings = keep }
}

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

func NewRecorder(st *store.Store, opts ...Option) *Recorder {
	r := &Recorder{st: st, keepPings: defaultKeepPings, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RecordPing ingests one ping for the check. The returned ping carries the
// assigned sequence number; re-ingesting an identical ping returns the
// stored one.
func (r *Recorder) RecordPing(ctx context.Context, checkID int64, kind string, meta Meta, body []byte) (store.Ping, error) {
	if kind == "" {
		kind = store.PingSuccess
	}
	now := r.now().UTC()

	for attempt := 0; ; attempt++ {
		check, err := r.st.GetCheck(ctx, checkID)
		if err != nil {
			return store.Ping{}, fmt.Errorf("load check: %w", err)
		}

		effective := classify(&check, kind, meta, body)
		mut, failFlip := mutate(&check, effective, now)

		w := store.PingWrite{
			OwnerID:    check.ID,
			Kind:       effective,
			Created:    now,
			Scheme:     meta.Scheme,
			RemoteAddr: meta.RemoteAddr,
			Method:     meta.Method,
			UA:         meta.UA,
			ExitStatus: meta.ExitStatus,
			RID:        meta.RID,
		}
		seq := check.NPings + 1
		if len(body) <= inlineBodyLimit {
			w.Body = string(body)
		} else if r.blobs != nil {
			if err := r.blobs.Put(ctx, check.Code, seq, body); err != nil {
				return store.Ping{}, fmt.Errorf("offload ping body: %w", err)
			}
			w.ObjectSize = int64(len(body))
		} else {
			w.Body = string(body[:inlineBodyLimit])
			w.ObjectSize = int64(len(body))
		}

		ping, err := r.st.RecordPing(ctx, w, check.NPings, mut, failFlip)
		if errors.Is(err, store.ErrStaleCheck) && attempt < staleRetries {
			continue
		}
		if err != nil {
			return store.Ping{}, err
		}

		r.prune(ctx, &check)
		return ping, nil
	}
}

// PingBody returns a ping's body, fetching offloaded ones from object
// storage.
func (r *Recorder) PingBody(ctx context.Context, check *store.Check, p *store.Ping) ([]byte, error) {
	if p.ObjectSize == 0 || r.blobs == nil {
		return []byte(p.Body), nil
	}
	return r.blobs.Get(ctx, check.Code, p.N)
}

func (r *Recorder) prune(ctx context.Context, check *store.Check) {
	offloaded, err := r.st.PrunePings(ctx, check.ID, r.keepPings)
	if err != nil {
		slog.Warn("ping prune failed", "check", check.Code, "err", err)
		return
	}
	if len(offloaded) > 0 && r.blobs != nil {
		if err := r.blobs.Remove(ctx, check.Code, offloaded); err != nil {
			slog.Warn("object prune failed", "check", check.Code, "err", err)
		}
	}
}

// classify applies the check's filter policy. A ping that the policy
// rejects is recorded as kind ign; keyword filters can also promote a ping
// to start or fail.
func classify(check *store.Check, kind string, meta Meta, body []byte) string {
	if meta.Method != "" && !check.AllowsMethod(meta.Method) {
		return store.PingIgn
	}
	if kind != store.PingSuccess {
		return kind
	}
	if !check.FilterSubject && !check.FilterBody {
		return kind
	}

	var haystack string
	if check.FilterSubject {
		haystack = meta.Subject
	}
	if check.FilterBody {
		haystack += "\n" + string(body)
	}
	switch {
	case matchesKeywords(haystack, check.FailureKW):
		return store.PingFail
	case matchesKeywords(haystack, check.SuccessKW):
		return store.PingSuccess
	case matchesKeywords(haystack, check.StartKW):
		return store.PingStart
	default:
		return store.PingIgn
	}
}

func matchesKeywords(haystack, keywords string) bool {
	for _, kw := range strings.Split(keywords, ",") {
		kw = strings.TrimSpace(kw)
		if kw != "" && strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}

// mutate computes the check-state updates the ping causes, plus a flip when
// the ping itself changes the stored status.
func mutate(check *store.Check, kind string, now time.Time) (store.CheckMutation, *store.FlipWrite) {
	mut := store.CheckMutation{
		Status:       check.Status,
		LastPing:     check.LastPing,
		LastStart:    check.LastStart,
		LastDuration: check.LastDuration,
	}

	switch kind {
	case store.PingSuccess:
		if check.LastStart != nil {
			d := now.Sub(*check.LastStart)
			mut.LastDuration = &d
		}
		t := now
		mut.LastPing = &t
		mut.LastStart = nil
		if check.Status != store.StatusDown || !check.ManualResume {
			mut.Status = store.StatusUp
		}
	case store.PingStart:
		t := now
		mut.LastStart = &t
		// A new check becomes live on its first start ping; status "new"
		// only ever pairs with zero pings.
		if check.Status == store.StatusNew {
			mut.Status = store.StatusUp
		}
	case store.PingFail:
		t := now
		mut.LastPing = &t
		mut.LastStart = nil
		mut.Status = store.StatusDown
	case store.PingLog, store.PingIgn:
		// History only; no status or timing changes.
	}

	// Any ping recomputes the alert deadline through the resolver.
	cand := *check
	cand.Status = mut.Status
	cand.LastPing = mut.LastPing
	cand.LastStart = mut.LastStart
	cand.NPings = check.NPings + 1
	if _, alertAfter, err := status.Resolve(&cand, now); err == nil {
		mut.AlertAfter = alertAfter
	} else {
		slog.Warn("schedule is invalid, alert deadline cleared", "check", check.Code, "err", err)
	}

	var flip *store.FlipWrite
	if mut.Status != check.Status {
		reason := ""
		if kind == store.PingFail {
			reason = store.ReasonFail
		}
		flip = &store.FlipWrite{
			OwnerID:   check.ID,
			Created:   now,
			OldStatus: check.Status,
			NewStatus: mut.Status,
			Reason:    reason,
		}
	}
	return mut, flip
}
