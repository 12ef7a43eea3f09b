package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vigil-run/vigil/internal/store"
)

// newTestEnv returns an Env plus a check with one unprocessed down flip.
func newTestEnv(t *testing.T) (Env, store.Check, store.Flip) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "vigil.db"), store.Options{})
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	c, err := s.CreateCheck(ctx, store.CheckWrite{Name: "backup"})
	if err != nil {
		t.Fatalf("CreateCheck() error = %v", err)
	}
	f, err := s.InsertFlip(ctx, store.FlipWrite{
		OwnerID: c.ID, Created: time.Now().UTC(),
		OldStatus: store.StatusUp, NewStatus: store.StatusDown, Reason: store.ReasonTimeout,
	})
	if err != nil {
		t.Fatalf("InsertFlip() error = %v", err)
	}
	return Env{Store: s, SiteRoot: "https://vigil.example.org"}, c, f
}

func TestErrorTaxonomy(t *testing.T) {
	t.Parallel()

	if IsPermanent(transientf("nope")) {
		t.Fatal("transient error classified as permanent")
	}
	if !IsPermanent(permanentf("gone")) {
		t.Fatal("permanent error classified as transient")
	}
	if IsPermanent(errors.New("plain")) {
		t.Fatal("plain error classified as permanent")
	}
	// The flag survives wrapping.
	if !IsPermanent(fmt.Errorf("outer: %w", permanentf("inner"))) {
		t.Fatal("wrapped permanent error lost its flag")
	}
}

func TestClassifyHTTP(t *testing.T) {
	t.Parallel()

	if err := classifyHTTP("webhook", 204); err != nil {
		t.Fatalf("classifyHTTP(204) = %v, want nil", err)
	}
	if err := classifyHTTP("webhook", 410); !IsPermanent(err) {
		t.Fatalf("classifyHTTP(410) = %v, want permanent", err)
	}
	if err := classifyHTTP("webhook", 500); err == nil || IsPermanent(err) {
		t.Fatalf("classifyHTTP(500) = %v, want transient", err)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	for _, kind := range []string{"email", "webhook", "slack", "pagerduty", "shell"} {
		found := false
		for _, k := range Kinds() {
			if k == kind {
				found = true
			}
		}
		if !found {
			t.Errorf("kind %q not registered", kind)
		}
	}

	if _, err := New(store.Channel{Kind: "carrier-pigeon"}, Env{}); err == nil {
		t.Fatal("New() with unknown kind succeeded, want error")
	}
}

func TestEmailIsNoop(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		value    string
		verified bool
		status   string
		want     bool
	}{
		{"unverified address", `{"value":"a@b.c","up":true,"down":true}`, false, store.StatusDown, true},
		{"down wanted", `{"value":"a@b.c","up":false,"down":true}`, true, store.StatusDown, false},
		{"up unwanted", `{"value":"a@b.c","up":false,"down":true}`, true, store.StatusUp, true},
		{"bare address wants both", "ops@example.org", true, store.StatusUp, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tr, err := newEmail(store.Channel{Kind: "email", Value: tt.value, EmailVerified: tt.verified}, Env{})
			if err != nil {
				t.Fatalf("newEmail() error = %v", err)
			}
			if got := tr.IsNoop(tt.status); got != tt.want {
				t.Fatalf("IsNoop(%s) = %t, want %t", tt.status, got, tt.want)
			}
		})
	}
}

func TestEmailRequiresRecipient(t *testing.T) {
	t.Parallel()

	if _, err := newEmail(store.Channel{Kind: "email", Value: ""}, Env{}); err == nil {
		t.Fatal("newEmail() without recipient succeeded, want error")
	}
}

func TestSendMailUnconfigured(t *testing.T) {
	t.Parallel()

	err := SendMail(context.Background(), SMTPConfig{}, []string{"a@b.c"}, "s", "b")
	if err == nil || IsPermanent(err) {
		t.Fatalf("SendMail() without host = %v, want transient error", err)
	}
}

func TestWebhookIsNoop(t *testing.T) {
	t.Parallel()

	tr, err := newWebhook(store.Channel{Kind: "webhook", Value: `{"url_down":"https://x.test/down"}`}, Env{})
	if err != nil {
		t.Fatalf("newWebhook() error = %v", err)
	}
	if tr.IsNoop(store.StatusDown) {
		t.Fatal("IsNoop(down) = true with a down URL")
	}
	if !tr.IsNoop(store.StatusUp) {
		t.Fatal("IsNoop(up) = false without an up URL")
	}

	if _, err := newWebhook(store.Channel{Kind: "webhook", Value: `{}`}, Env{}); err == nil {
		t.Fatal("newWebhook() with no URLs succeeded, want error")
	}
	if _, err := newWebhook(store.Channel{Kind: "webhook", Value: `not json`}, Env{}); err == nil {
		t.Fatal("newWebhook() with a bad blob succeeded, want error")
	}
}

func TestWebhookNotify(t *testing.T) {
	t.Parallel()

	env, c, f := newTestEnv(t)

	var gotPath, gotMethod, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		gotHeader = r.Header.Get("X-Check")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	value := fmt.Sprintf(`{"url_down":%q,"headers":{"X-Check":"$CODE"}}`, srv.URL+"/hook/$CODE")
	tr, err := newWebhook(store.Channel{Kind: "webhook", Value: value}, env)
	if err != nil {
		t.Fatalf("newWebhook() error = %v", err)
	}
	if err := tr.Notify(context.Background(), f, nil); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if gotMethod != http.MethodGet {
		t.Fatalf("method = %s, want GET without a body", gotMethod)
	}
	if gotPath != "/hook/"+c.Code {
		t.Fatalf("path = %q, want the code expanded", gotPath)
	}
	if gotHeader != c.Code {
		t.Fatalf("header = %q, want %q", gotHeader, c.Code)
	}
}

func TestWebhookNotifyPostsBody(t *testing.T) {
	t.Parallel()

	env, c, f := newTestEnv(t)

	var gotMethod, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		gotMethod = r.Method
		gotBody = string(raw)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	value := fmt.Sprintf(`{"url_down":%q,"body_down":"$NAME is $STATUS"}`, srv.URL)
	tr, err := newWebhook(store.Channel{Kind: "webhook", Value: value}, env)
	if err != nil {
		t.Fatalf("newWebhook() error = %v", err)
	}
	if err := tr.Notify(context.Background(), f, nil); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if gotMethod != http.MethodPost {
		t.Fatalf("method = %s, want POST with a body", gotMethod)
	}
	if want := c.Name + " is down"; gotBody != want {
		t.Fatalf("body = %q, want %q", gotBody, want)
	}
}

func TestWebhookNotifyGone(t *testing.T) {
	t.Parallel()

	env, _, f := newTestEnv(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	tr, err := newWebhook(store.Channel{Kind: "webhook", Value: fmt.Sprintf(`{"url_down":%q}`, srv.URL)}, env)
	if err != nil {
		t.Fatalf("newWebhook() error = %v", err)
	}
	if err := tr.Notify(context.Background(), f, nil); !IsPermanent(err) {
		t.Fatalf("Notify() on 410 = %v, want permanent", err)
	}
}

func TestSlackNotifyArchivedChannel(t *testing.T) {
	t.Parallel()

	env, _, f := newTestEnv(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("channel_is_archived"))
	}))
	defer srv.Close()

	tr, err := newSlack(store.Channel{Kind: "slack", Value: srv.URL}, env)
	if err != nil {
		t.Fatalf("newSlack() error = %v", err)
	}
	if err := tr.Notify(context.Background(), f, nil); !IsPermanent(err) {
		t.Fatalf("Notify() = %v, want permanent for an archived channel", err)
	}
}

func TestPagerDutyNotify(t *testing.T) {
	t.Parallel()

	env, c, f := newTestEnv(t)

	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	base, err := newPagerDuty(store.Channel{Kind: "pagerduty", Value: `{"service_key":"k123"}`}, env)
	if err != nil {
		t.Fatalf("newPagerDuty() error = %v", err)
	}
	tr := base.(*pagerDutyTransport)
	tr.endpoint = srv.URL

	if err := tr.Notify(context.Background(), f, nil); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	body := string(gotBody)
	for _, want := range []string{`"event_type":"trigger"`, `"service_key":"k123"`, fmt.Sprintf(`"incident_key":%q`, c.Code)} {
		if !strings.Contains(body, want) {
			t.Errorf("event body %q missing %q", body, want)
		}
	}
}

func TestPagerDutyBadKeyIsPermanent(t *testing.T) {
	t.Parallel()

	env, _, f := newTestEnv(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	base, err := newPagerDuty(store.Channel{Kind: "pagerduty", Value: "bare-key"}, env)
	if err != nil {
		t.Fatalf("newPagerDuty() error = %v", err)
	}
	tr := base.(*pagerDutyTransport)
	tr.endpoint = srv.URL

	if err := tr.Notify(context.Background(), f, nil); !IsPermanent(err) {
		t.Fatalf("Notify() on 400 = %v, want permanent", err)
	}
}

func TestShellNotify(t *testing.T) {
	t.Parallel()

	env, _, f := newTestEnv(t)

	tr, err := newShell(store.Channel{Kind: "shell", Value: `{"cmd_down":"true $STATUS"}`}, env)
	if err != nil {
		t.Fatalf("newShell() error = %v", err)
	}
	if err := tr.Notify(context.Background(), f, nil); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	if !tr.IsNoop(store.StatusUp) {
		t.Fatal("IsNoop(up) = false without an up command")
	}
}

func TestShellNotifyFailures(t *testing.T) {
	t.Parallel()

	env, _, f := newTestEnv(t)

	// Unparseable command lines are permanent.
	tr, err := newShell(store.Channel{Kind: "shell", Value: `{"cmd_down":"echo 'unterminated"}`}, env)
	if err != nil {
		t.Fatalf("newShell() error = %v", err)
	}
	if err := tr.Notify(context.Background(), f, nil); !IsPermanent(err) {
		t.Fatalf("Notify() with a bad command = %v, want permanent", err)
	}

	// Nonzero exits are transient; the operator may be fixing the script.
	tr, err = newShell(store.Channel{Kind: "shell", Value: `{"cmd_down":"false"}`}, env)
	if err != nil {
		t.Fatalf("newShell() error = %v", err)
	}
	if err := tr.Notify(context.Background(), f, nil); err == nil || IsPermanent(err) {
		t.Fatalf("Notify() with a failing command = %v, want transient", err)
	}
}
