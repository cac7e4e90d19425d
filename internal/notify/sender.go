package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"airguard/internal/config"
	"airguard/internal/model"
)

var ErrNoRoute = errors.New("no sender for channel")

// Sender delivers rendered content to one target over one channel.
type Sender interface {
	Send(ctx context.Context, channel model.Channel, target string, content Content) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, channel model.Channel, target string, content Content) error

func (f SenderFunc) Send(ctx context.Context, channel model.Channel, target string, content Content) error {
	return f(ctx, channel, target, content)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The dispatcher fails the job on
// the first attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Router picks the sender registered for a job's channel.
type Router struct {
	senders  map[model.Channel]Sender
	fallback Sender
}

func NewRouter(fallback Sender) *Router {
	return &Router{senders: make(map[model.Channel]Sender), fallback: fallback}
}

func (r *Router) Handle(channel model.Channel, s Sender) {
	r.senders[channel] = s
}

func (r *Router) Send(ctx context.Context, channel model.Channel, target string, content Content) error {
	if s, ok := r.senders[channel]; ok {
		return s.Send(ctx, channel, target, content)
	}
	if r.fallback != nil {
		return r.fallback.Send(ctx, channel, target, content)
	}
	return Permanent(fmt.Errorf("%w %q", ErrNoRoute, channel))
}

// NewRouterFromConfig registers a gateway sender for every configured
// channel. With log_only set every channel is logged instead of delivered.
func NewRouterFromConfig(cfg config.NotifyConfig, logger *slog.Logger) *Router {
	if cfg.LogOnly {
		return NewRouter(NewLogSender(logger))
	}
	r := NewRouter(nil)
	for ch, url := range cfg.Gateways {
		if strings.TrimSpace(url) == "" {
			continue
		}
		r.Handle(model.Channel(ch), NewGatewaySender(url, cfg.SendTimeout))
	}
	return r
}

type gatewayRequest struct {
	Channel model.Channel `json:"channel"`
	Target  string        `json:"target"`
	Subject string        `json:"subject,omitempty"`
	Body    string        `json:"body"`
}

// GatewaySender posts to the HTTP gateway of an email, sms, push or webhook
// provider. Retries are left to the dispatcher.
type GatewaySender struct {
	url    string
	client *resty.Client
}

func NewGatewaySender(url string, timeout time.Duration) *GatewaySender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &GatewaySender{url: url, client: client}
}

func (g *GatewaySender) Send(ctx context.Context, channel model.Channel, target string, content Content) error {
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(gatewayRequest{Channel: channel, Target: target, Subject: content.Subject, Body: content.Body}).
		Post(g.url)
	if err != nil {
		return fmt.Errorf("gateway %s: %w", channel, err)
	}
	if !resp.IsError() {
		return nil
	}
	err = fmt.Errorf("gateway %s: status %d: %s", channel, resp.StatusCode(), strings.TrimSpace(resp.String()))
	switch code := resp.StatusCode(); {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return err
	}
	return Permanent(err)
}

// LogSender writes notifications to the log. Used in development and when
// no gateway is configured.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (l *LogSender) Send(_ context.Context, channel model.Channel, target string, content Content) error {
	if l.logger != nil {
		l.logger.Info("notification", "channel", channel, "target", target, "subject", content.Subject, "body", content.Body)
	}
	return nil
}
