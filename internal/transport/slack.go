package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	fastshot "github.com/opus-domini/fast-shot"

	"github.com/vigil-run/vigil/internal/store"
)

type slackTransport struct {
	ch  store.Channel
	env Env
	url string
}

func newSlack(ch store.Channel, env Env) (Transport, error) {
	url := strings.TrimSpace(ch.Value)
	if url == "" {
		return nil, fmt.Errorf("slack channel %s has no webhook URL", ch.Code)
	}
	return &slackTransport{ch: ch, env: env, url: url}, nil
}

func (t *slackTransport) IsNoop(string) bool { return false }

type slackPayload struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Fields []slackField `json:"fields,omitempty"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func (t *slackTransport) Notify(ctx context.Context, f store.Flip, n *store.Notification) error {
	check, err := t.env.Store.GetCheck(ctx, f.OwnerID)
	if err != nil {
		return transientf("load check: %v", err)
	}
	msg := buildMessage(check, f, t.env.SiteRoot)

	color := "danger"
	if f.NewStatus == store.StatusUp {
		color = "good"
	}
	attachment := slackAttachment{Color: color}
	if msg.CheckURL != "" {
		attachment.Fields = append(attachment.Fields, slackField{
			Title: "Check", Value: msg.CheckURL, Short: false,
		})
	}
	// Down transitions carry the other currently-down checks so one glance
	// shows the blast radius.
	if f.NewStatus == store.StatusDown {
		if others, err := t.env.DownChecks(ctx, f.OwnerID); err == nil && len(others) > 0 {
			names := make([]string, 0, len(others))
			for _, c := range others {
				name := c.Name
				if name == "" {
					name = c.Code
				}
				names = append(names, name)
			}
			attachment.Fields = append(attachment.Fields, slackField{
				Title: "Also down", Value: strings.Join(names, ", "), Short: false,
			})
		}
	}

	payload := slackPayload{Text: msg.Title, Attachments: []slackAttachment{attachment}}

	client := fastshot.NewClient(t.url).
		Config().SetTimeout(httpTimeout).
		Build()
	resp, err := client.POST("").Body().AsJSON(payload).Send()
	if err != nil {
		return transientf("slack: %v", err)
	}

	code := resp.Status().Code()
	if code == http.StatusNotFound || code == http.StatusGone {
		// Slack signals a deleted or revoked webhook with 404/410.
		return permanentf("slack: received status %d", code)
	}
	if body, err := resp.Body().AsString(); err == nil {
		switch strings.TrimSpace(body) {
		case "no_service", "channel_is_archived", "invalid_token":
			return permanentf("slack: %s", strings.TrimSpace(body))
		}
	}
	return classifyHTTP("slack", code)
}
