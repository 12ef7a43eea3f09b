package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	fastshot "github.com/opus-domini/fast-shot"

	"github.com/vigil-run/vigil/internal/store"
)

const pagerDutyEndpoint = "https://events.pagerduty.com/generic/2010-04-15/create_event.json"

type pagerDutyValue struct {
	ServiceKey string `json:"service_key"`
}

type pagerDutyTransport struct {
	ch  store.Channel
	env Env
	cfg pagerDutyValue
	// endpoint is overridable in tests.
	endpoint string
}

func newPagerDuty(ch store.Channel, env Env) (Transport, error) {
	var cfg pagerDutyValue
	if err := json.Unmarshal([]byte(ch.Value), &cfg); err != nil {
		// Early channels stored the bare service key.
		cfg = pagerDutyValue{ServiceKey: ch.Value}
	}
	if cfg.ServiceKey == "" {
		return nil, fmt.Errorf("pagerduty channel %s has no service key", ch.Code)
	}
	return &pagerDutyTransport{ch: ch, env: env, cfg: cfg, endpoint: pagerDutyEndpoint}, nil
}

// Up transitions resolve the incident opened by the down transition, so
// neither direction is a no-op.
func (t *pagerDutyTransport) IsNoop(string) bool { return false }

type pagerDutyEvent struct {
	ServiceKey  string `json:"service_key"`
	IncidentKey string `json:"incident_key"`
	EventType   string `json:"event_type"`
	Description string `json:"description"`
	Client      string `json:"client,omitempty"`
	ClientURL   string `json:"client_url,omitempty"`
}

func (t *pagerDutyTransport) Notify(ctx context.Context, f store.Flip, n *store.Notification) error {
	check, err := t.env.Store.GetCheck(ctx, f.OwnerID)
	if err != nil {
		return transientf("load check: %v", err)
	}
	msg := buildMessage(check, f, t.env.SiteRoot)

	eventType := "trigger"
	if f.NewStatus == store.StatusUp {
		eventType = "resolve"
	}
	event := pagerDutyEvent{
		ServiceKey:  t.cfg.ServiceKey,
		IncidentKey: check.Code,
		EventType:   eventType,
		Description: msg.Title,
		Client:      "vigil",
		ClientURL:   msg.CheckURL,
	}

	client := fastshot.NewClient(t.endpoint).
		Config().SetTimeout(httpTimeout).
		Build()
	resp, err := client.POST("").Body().AsJSON(event).Send()
	if err != nil {
		return transientf("pagerduty: %v", err)
	}

	// PagerDuty answers 400 for an invalid or revoked service key.
	if code := resp.Status().Code(); code == http.StatusBadRequest {
		return permanentf("pagerduty: received status %d", code)
	} else if code == http.StatusForbidden {
		return transientf("pagerduty: rate limited")
	}
	return classifyHTTP("pagerduty", resp.Status().Code())
}
