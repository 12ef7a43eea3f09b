package main

import (
	"io"
	"os"
	"strings"

	isatty "github.com/mattn/go-isatty"

	"github.com/vigil-run/vigil/internal/events"
)

const (
	ansiReset = "\033[0m"
	ansiDim   = "\033[2m"
	ansiGreen = "\033[32m"
	ansiRed   = "\033[31m"
)

func shouldUsePrettyOutput(w io.Writer) bool {
	if strings.TrimSpace(os.Getenv("NO_COLOR")) != "" {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(os.Getenv("TERM")), "dumb") {
		return false
	}
	fd, ok := fileDescriptor(w)
	if !ok {
		return false
	}
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func fileDescriptor(w io.Writer) (uintptr, bool) {
	type fdWriter interface {
		Fd() uintptr
	}
	f, ok := w.(fdWriter)
	if !ok {
		return 0, false
	}
	return f.Fd(), true
}

// renderEvent prints one hub event as a human-readable progress line.
func renderEvent(w io.Writer, event events.Event) {
	pretty := shouldUsePrettyOutput(w)
	switch event.Type {
	case events.TypeCheckFlipped:
		code, _ := event.Payload["check"].(string)
		status, _ := event.Payload["status"].(string)
		writef(w, "%s goes %s\n", code, colorizeStatus(status, pretty))
	case events.TypeNotificationSent:
		channel, _ := event.Payload["channel"].(string)
		kind, _ := event.Payload["kind"].(string)
		took, _ := event.Payload["took"].(float64)
		if errText, ok := event.Payload["error"].(string); ok {
			writef(w, "  %s (%s) %s in %.1fs: %s\n", shortCode(channel), kind, maybeColor("ERROR", ansiRed, pretty), took, errText)
			return
		}
		writef(w, "  %s (%s) %s in %.1fs\n", shortCode(channel), kind, maybeColor("OK", ansiGreen, pretty), took)
	case events.TypeChannelDisabled:
		channel, _ := event.Payload["channel"].(string)
		kind, _ := event.Payload["kind"].(string)
		errText, _ := event.Payload["error"].(string)
		writef(w, "  %s (%s) %s: %s\n", shortCode(channel), kind, maybeColor("disabled", ansiRed, pretty), errText)
	}
}

func shortCode(code string) string {
	if len(code) > 8 {
		return code[:8]
	}
	return code
}

func colorizeStatus(status string, pretty bool) string {
	if !pretty {
		return status
	}
	switch {
	case strings.HasPrefix(status, "down"):
		return ansiRed + status + ansiReset
	case strings.HasPrefix(status, "up"):
		return ansiGreen + status + ansiReset
	default:
		return ansiDim + status + ansiReset
	}
}

func maybeColor(s, color string, pretty bool) string {
	if !pretty {
		return s
	}
	return color + s + ansiReset
}
