package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	fastshot "github.com/opus-domini/fast-shot"
	headername "github.com/opus-domini/fast-shot/constant/header"

	"github.com/vigil-run/vigil/internal/store"
)

// webhookValue is the config blob of a webhook channel. Separate URLs and
// bodies per direction; an empty URL makes that direction a no-op.
type webhookValue struct {
	URLDown  string            `json:"url_down"`
	URLUp    string            `json:"url_up"`
	BodyDown string            `json:"body_down"`
	BodyUp   string            `json:"body_up"`
	Headers  map[string]string `json:"headers"`
}

type webhookTransport struct {
	ch  store.Channel
	env Env
	cfg webhookValue
}

func newWebhook(ch store.Channel, env Env) (Transport, error) {
	var cfg webhookValue
	if err := json.Unmarshal([]byte(ch.Value), &cfg); err != nil {
		return nil, fmt.Errorf("webhook channel %s: %w", ch.Code, err)
	}
	if cfg.URLDown == "" && cfg.URLUp == "" {
		return nil, fmt.Errorf("webhook channel %s has no URLs", ch.Code)
	}
	return &webhookTransport{ch: ch, env: env, cfg: cfg}, nil
}

func (t *webhookTransport) urlFor(status string) string {
	if status == store.StatusUp {
		return t.cfg.URLUp
	}
	return t.cfg.URLDown
}

func (t *webhookTransport) bodyFor(status string) string {
	if status == store.StatusUp {
		return t.cfg.BodyUp
	}
	return t.cfg.BodyDown
}

func (t *webhookTransport) IsNoop(newStatus string) bool {
	return t.urlFor(newStatus) == ""
}

func (t *webhookTransport) Notify(ctx context.Context, f store.Flip, n *store.Notification) error {
	check, err := t.env.Store.GetCheck(ctx, f.OwnerID)
	if err != nil {
		return transientf("load check: %v", err)
	}
	msg := buildMessage(check, f, t.env.SiteRoot)
	now := time.Now()

	url := expandPlaceholders(t.urlFor(f.NewStatus), msg, now)
	body := expandPlaceholders(t.bodyFor(f.NewStatus), msg, now)

	client := fastshot.NewClient(url).
		Config().SetTimeout(httpTimeout).
		Build()

	req := client.GET("")
	if body != "" {
		req = client.POST("").Body().AsString(body)
	}
	header := req.Header()
	for k, v := range t.cfg.Headers {
		header.Set(headername.Type(k), expandPlaceholders(v, msg, now))
	}

	resp, err := req.Send()
	if err != nil {
		return transientf("webhook: %v", err)
	}
	return classifyHTTP("webhook", resp.Status().Code())
}

// classifyHTTP maps a provider status code onto the transport error
// taxonomy: 2xx ok, 410 permanent, anything else transient.
func classifyHTTP(kind string, code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusGone:
		return permanentf("%s: received status %d", kind, code)
	default:
		return transientf("%s: received status %d", kind, code)
	}
}
