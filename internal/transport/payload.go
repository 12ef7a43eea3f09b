package transport

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/vigil-run/vigil/internal/store"
)

// Message is the transport-independent rendering of one flip.
type Message struct {
	CheckCode string
	CheckName string
	Status    string
	Repeat    bool
	Title     string
	Text      string
	CheckURL  string
}

// buildMessage renders the human-visible payload for a flip. Nag flips are
// marked as repeat notifications.
func buildMessage(c store.Check, f store.Flip, siteRoot string) Message {
	name := c.Name
	if name == "" {
		name = c.Code
	}

	title := fmt.Sprintf("%s is %s", name, strings.ToUpper(f.NewStatus))
	if f.Repeat() {
		title += " (repeat notification)"
	}

	var lines []string
	lines = append(lines, title+".")
	if c.LastPing != nil {
		lines = append(lines, fmt.Sprintf("Last ping was %s.", humanize.Time(*c.LastPing)))
	} else {
		lines = append(lines, "It has never received a ping.")
	}
	if f.NewStatus == store.StatusDown && f.Reason == store.ReasonFail {
		lines = append(lines, "The last ping reported a failure.")
	}

	msg := Message{
		CheckCode: c.Code,
		CheckName: name,
		Status:    f.NewStatus,
		Repeat:    f.Repeat(),
		Title:     title,
		Text:      strings.Join(lines, " "),
	}
	if siteRoot != "" {
		msg.CheckURL = strings.TrimRight(siteRoot, "/") + "/checks/" + c.Code
	}
	return msg
}

// expandPlaceholders substitutes the documented $VARIABLES in user-supplied
// webhook URLs, bodies and shell commands.
func expandPlaceholders(s string, m Message, now time.Time) string {
	r := strings.NewReplacer(
		"$CODE", m.CheckCode,
		"$NAME", m.CheckName,
		"$STATUS", m.Status,
		"$NOW", now.UTC().Format(time.RFC3339),
	)
	return r.Replace(s)
}

// placeholderValue resolves one variable name for shell-style expansion.
func placeholderValue(name string, m Message, now time.Time) string {
	switch name {
	case "CODE":
		return m.CheckCode
	case "NAME":
		return m.CheckName
	case "STATUS":
		return m.Status
	case "NOW":
		return now.UTC().Format(time.RFC3339)
	default:
		return ""
	}
}
