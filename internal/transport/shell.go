package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"mvdan.cc/sh/v3/shell"

	"github.com/vigil-run/vigil/internal/store"
)

// shellValue is the config blob of a shell channel: one command line per
// direction, with $CODE/$NAME/$STATUS/$NOW expanded shell-style.
type shellValue struct {
	CmdDown string `json:"cmd_down"`
	CmdUp   string `json:"cmd_up"`
}

type shellTransport struct {
	ch  store.Channel
	env Env
	cfg shellValue
}

func newShell(ch store.Channel, env Env) (Transport, error) {
	var cfg shellValue
	if err := json.Unmarshal([]byte(ch.Value), &cfg); err != nil {
		return nil, fmt.Errorf("shell channel %s: %w", ch.Code, err)
	}
	if cfg.CmdDown == "" && cfg.CmdUp == "" {
		return nil, fmt.Errorf("shell channel %s has no commands", ch.Code)
	}
	return &shellTransport{ch: ch, env: env, cfg: cfg}, nil
}

func (t *shellTransport) cmdFor(status string) string {
	if status == store.StatusUp {
		return t.cfg.CmdUp
	}
	return t.cfg.CmdDown
}

func (t *shellTransport) IsNoop(newStatus string) bool {
	return t.cmdFor(newStatus) == ""
}

func (t *shellTransport) Notify(ctx context.Context, f store.Flip, n *store.Notification) error {
	check, err := t.env.Store.GetCheck(ctx, f.OwnerID)
	if err != nil {
		return transientf("load check: %v", err)
	}
	msg := buildMessage(check, f, t.env.SiteRoot)
	now := time.Now()

	fields, err := shell.Fields(t.cmdFor(f.NewStatus), func(name string) string {
		return placeholderValue(name, msg, now)
	})
	if err != nil {
		// A command that cannot be parsed will never succeed.
		return permanentf("shell: %v", err)
	}
	if len(fields) == 0 {
		return permanentf("shell: empty command")
	}

	runCtx, cancel := context.WithTimeout(ctx, shellTimeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, fields[0], fields[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		detail := strings.TrimSpace(string(out))
		if detail != "" {
			return transientf("shell: %v: %s", err, detail)
		}
		return transientf("shell: %v", err)
	}
	return nil
}
