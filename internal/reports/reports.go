// Package reports builds and emails periodic summaries of all checks.
package reports

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/vigil-run/vigil/internal/status"
	"github.com/vigil-run/vigil/internal/store"
	"github.com/vigil-run/vigil/internal/transport"
)

const defaultInterval = 24 * time.Hour

type Options struct {
	Interval time.Duration
	SiteRoot string
	SMTP     transport.SMTPConfig
	To       []string
	Now      func() time.Time
}

// Service is the sendreports daemon loop.
type Service struct {
	st        *store.Store
	opts      Options
	startOnce sync.Once
	stopOnce  sync.Once
	stopFn    context.CancelFunc
	doneCh    chan struct{}
}

func New(st *store.Store, opts Options) *Service {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{st: st, opts: opts}
}

// Start begins the reporting loop in a background goroutine.
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
			ticker := time.NewTicker(s.opts.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := s.SendOnce(ctx); err != nil {
						slog.Warn("report delivery failed", "err", err)
					}
				}
			}
		}()
	})
}

// Stop cancels the loop and waits for the in-flight report to finish.
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

// SendOnce builds the summary and emails it to the configured recipients.
func (s *Service) SendOnce(ctx context.Context) error {
	if len(s.opts.To) == 0 {
		return fmt.Errorf("no report recipients configured")
	}
	body, subject, err := s.Build(ctx)
	if err != nil {
		return err
	}
	if err := transport.SendMail(ctx, s.opts.SMTP, s.opts.To, subject, body); err != nil {
		return fmt.Errorf("send report: %w", err)
	}
	slog.Info("report sent", "to", strings.Join(s.opts.To, ","))
	return nil
}

// Build renders the report body and subject without sending anything.
func (s *Service) Build(ctx context.Context) (body, subject string, err error) {
	checks, err := s.st.ListChecks(ctx)
	if err != nil {
		return "", "", fmt.Errorf("list checks: %w", err)
	}
	now := s.opts.Now().UTC()

	type line struct {
		label status.Label
		text  string
	}
	lines := make([]line, 0, len(checks))
	nDown := 0
	for i := range checks {
		c := &checks[i]
		label, _, rerr := status.Resolve(c, now)
		if rerr != nil {
			slog.Warn("status resolve failed", "check", c.Code, "err", rerr)
		}
		if label == status.Down {
			nDown++
		}
		lastSeen := "never"
		if c.LastPing != nil {
			lastSeen = humanize.Time(*c.LastPing)
		}
		name := c.Name
		if name == "" {
			name = c.Code
		}
		lines = append(lines, line{
			label: label,
			text:  fmt.Sprintf("%-8s %s (last ping: %s)", strings.ToUpper(string(label)), name, lastSeen),
		})
	}

	// Down checks first, then alphabetical.
	sort.SliceStable(lines, func(i, j int) bool {
		di, dj := lines[i].label == status.Down, lines[j].label == status.Down
		if di != dj {
			return di
		}
		return lines[i].text < lines[j].text
	})

	var b strings.Builder
	fmt.Fprintf(&b, "Status summary for %d checks as of %s.\n\n", len(checks), now.Format(time.RFC1123))
	for _, l := range lines {
		b.WriteString(l.text)
		b.WriteByte('\n')
	}
	if s.opts.SiteRoot != "" {
		fmt.Fprintf(&b, "\n%s/checks/\n", strings.TrimRight(s.opts.SiteRoot, "/"))
	}

	if nDown > 0 {
		subject = fmt.Sprintf("Vigil report: %d of %d checks down", nDown, len(checks))
	} else {
		subject = fmt.Sprintf("Vigil report: all %d checks up", len(checks))
	}
	return b.String(), subject, nil
}
