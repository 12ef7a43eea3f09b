// Package transport delivers notifications for channels. Each channel kind
// maps to one variant through a registry; all variants are driven through
// the same interface by the dispatcher.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vigil-run/vigil/internal/store"
)

// Transport is implemented by every notifier variant.
type Transport interface {
	// Notify delivers the alert for flip f. The notification row n already
	// exists; the returned error (if any) is recorded on it.
	Notify(ctx context.Context, f store.Flip, n *store.Notification) error

	// IsNoop reports whether this channel ignores transitions to newStatus.
	// Deterministic, no side effects.
	IsNoop(newStatus string) bool
}

// Error is a typed transport failure. Permanent errors (revoked token,
// 410 Gone) disable the channel; everything else is transient.
type Error struct {
	Permanent bool
	Message   string
}

func (e *Error) Error() string { return e.Message }

func transientf(format string, args ...any) error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

func permanentf(format string, args ...any) error {
	return &Error{Permanent: true, Message: fmt.Sprintf(format, args...)}
}

// IsPermanent reports whether err carries the provider-signalled permanent
// flag.
func IsPermanent(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Permanent
}

// SMTPConfig is the mail submission endpoint shared by the email transport
// and summary reports.
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

// Env gives variants access to their collaborators. Store lookups are used
// by variants that enrich payloads with the triggering ping or with the
// other down checks.
type Env struct {
	Store    *store.Store
	SiteRoot string
	SMTP     SMTPConfig
}

// LastPing fetches the ping that triggered the flip, for transports that
// include ping content. Nil when the check has no pings.
func (e Env) LastPing(ctx context.Context, f store.Flip) (*store.Ping, error) {
	p, err := e.Store.LastPing(ctx, f.OwnerID)
	if err != nil {
		return nil, nil //nolint:nilerr // missing ping is not a delivery failure
	}
	return &p, nil
}

// DownChecks lists the other checks currently down, for summary-style
// payloads.
func (e Env) DownChecks(ctx context.Context, except int64) ([]store.Check, error) {
	all, err := e.Store.ListDownChecks(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, c := range all {
		if c.ID != except {
			out = append(out, c)
		}
	}
	return out, nil
}

// Factory builds a variant from a channel's opaque value blob.
type Factory func(ch store.Channel, env Env) (Transport, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register installs the factory for a channel kind. Later registrations of
// the same kind win, which tests use to stub variants.
func Register(kind string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = f
}

// Kinds returns the registered channel kinds, sorted.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New dispatches on the channel kind.
func New(ch store.Channel, env Env) (Transport, error) {
	registryMu.RLock()
	f, ok := registry[ch.Kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown channel kind %q", ch.Kind)
	}
	return f(ch, env)
}

func init() {
	Register("email", newEmail)
	Register("webhook", newWebhook)
	Register("slack", newSlack)
	Register("pagerduty", newPagerDuty)
	Register("shell", newShell)
}

// Per-call delivery timeouts.
const (
	httpTimeout  = 10 * time.Second
	smtpTimeout  = 15 * time.Second
	shellTimeout = 10 * time.Second
)
