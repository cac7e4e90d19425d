package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"airguard/internal/config"
	"airguard/internal/model"
)

func testAlert() model.Alert {
	return model.Alert{
		ID:        "alert-1",
		RuleID:    "pm25-high",
		StationID: "st-1",
		Snapshot: model.Snapshot{
			RuleID:    "pm25-high",
			RuleName:  "PM2.5 high",
			Kind:      model.KindThreshold,
			Pollutant: model.PM25,
			Value:     80.5,
			Threshold: 55,
			Operator:  model.OpGreaterThan,
		},
		Severity:    model.SeverityHigh,
		Message:     "PM2.5 at Harbor is 80.5",
		Status:      model.AlertActive,
		TriggeredAt: base,
	}
}

func TestRenderEmail(t *testing.T) {
	r, err := NewRenderer()
	if err != nil {
		t.Fatalf("renderer: %v", err)
	}
	c, err := r.Render(model.ChannelEmail, testAlert(), model.Station{ID: "st-1", Name: "Harbor", Region: "north"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if c.Subject != "[HIGH] PM2.5 high at Harbor" {
		t.Fatalf("unexpected subject %q", c.Subject)
	}
	for _, want := range []string{"Harbor (north)", "Pollutant: pm25", "Value: 80.5", "Threshold: > 55"} {
		if !strings.Contains(c.Body, want) {
			t.Fatalf("body missing %q:\n%s", want, c.Body)
		}
	}
}

func TestRenderSMSIsShort(t *testing.T) {
	r, _ := NewRenderer()
	alert := testAlert()
	alert.Message = strings.Repeat("x", 400)
	c, err := r.Render(model.ChannelSMS, alert, model.Station{ID: "st-1"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if n := len([]rune(c.Body)); n > smsLimit {
		t.Fatalf("sms body has %d runes", n)
	}
	if !strings.HasPrefix(c.Body, "HIGH st-1:") {
		t.Fatalf("station id should stand in for a missing name: %q", c.Body)
	}
}

func TestRenderLivenessUsesDurations(t *testing.T) {
	r, _ := NewRenderer()
	alert := testAlert()
	alert.Snapshot = model.Snapshot{
		RuleName:  "station offline",
		Kind:      model.KindLiveness,
		Value:     930,
		Threshold: 600,
		Operator:  model.OpGreaterThan,
	}
	c, err := r.Render(model.ChannelPush, alert, model.Station{ID: "st-1", Name: "Harbor"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if c.Body != "Harbor: 15m30s (> 10m0s)" {
		t.Fatalf("unexpected push body %q", c.Body)
	}
}

func TestRenderWebhookJSON(t *testing.T) {
	r, _ := NewRenderer()
	c, err := r.Render(model.ChannelWebhook, testAlert(), model.Station{ID: "st-1", Name: "Harbor"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	var body webhookBody
	if err := json.Unmarshal([]byte(c.Body), &body); err != nil {
		t.Fatalf("webhook body is not json: %v", err)
	}
	if body.AlertID != "alert-1" || body.Snapshot.Value != 80.5 || body.Station != "Harbor" {
		t.Fatalf("unexpected webhook body %+v", body)
	}
}

func TestRenderUnknownChannel(t *testing.T) {
	r, _ := NewRenderer()
	if _, err := r.Render(model.Channel("pager"), testAlert(), model.Station{}); err == nil {
		t.Fatalf("expected error for unknown channel")
	}
}

func TestGatewaySender(t *testing.T) {
	var got gatewayRequest
	status := http.StatusOK
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &got)
		w.WriteHeader(status)
	}))
	defer server.Close()

	g := NewGatewaySender(server.URL, time.Second)
	err := g.Send(context.Background(), model.ChannelEmail, "ops@example.org", Content{Subject: "s", Body: "b"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.Channel != model.ChannelEmail || got.Target != "ops@example.org" || got.Body != "b" {
		t.Fatalf("unexpected gateway request %+v", got)
	}

	status = http.StatusBadRequest
	err = g.Send(context.Background(), model.ChannelEmail, "x", Content{Body: "b"})
	if err == nil || !IsPermanent(err) {
		t.Fatalf("expected permanent error for 400, got %v", err)
	}

	status = http.StatusServiceUnavailable
	err = g.Send(context.Background(), model.ChannelEmail, "x", Content{Body: "b"})
	if err == nil || IsPermanent(err) {
		t.Fatalf("expected retryable error for 503, got %v", err)
	}
}

func TestRouter(t *testing.T) {
	email := &fakeSender{}
	r := NewRouter(nil)
	r.Handle(model.ChannelEmail, email)
	if err := r.Send(context.Background(), model.ChannelEmail, "a", Content{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	err := r.Send(context.Background(), model.ChannelSMS, "b", Content{})
	if !errors.Is(err, ErrNoRoute) || !IsPermanent(err) {
		t.Fatalf("expected permanent no-route error, got %v", err)
	}
	if email.count("a") != 1 {
		t.Fatalf("expected email sender to be used")
	}
}

func TestRouterFromConfigLogOnly(t *testing.T) {
	cfg := config.DefaultConfig().Notify
	cfg.LogOnly = true
	r := NewRouterFromConfig(cfg, nil)
	if err := r.Send(context.Background(), model.ChannelSMS, "+1", Content{Body: "hi"}); err != nil {
		t.Fatalf("log sender should accept every channel: %v", err)
	}
}
