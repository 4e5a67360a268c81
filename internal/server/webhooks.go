package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"epicflow/internal/config"
	"epicflow/internal/events"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	webhookMaxElapsed     = 30 * time.Second
	webhookBuffer         = 256

	SignatureHeader = "X-Epicflow-Signature"
	EventHeader     = "X-Epicflow-Event"
	DeliveryHeader  = "X-Epicflow-Delivery"
)

// WebhookDispatcher posts bus notifications to configured hooks.
type WebhookDispatcher struct {
	Hooks  []config.Webhook
	Client *http.Client
	Logger *slog.Logger
	// MaxElapsed bounds retries for one delivery.
	MaxElapsed time.Duration
	// InitialInterval seeds the retry backoff; zero uses the library default.
	InitialInterval time.Duration
}

func NewWebhookDispatcher(hooks []config.Webhook, logger *slog.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	var active []config.Webhook
	for _, h := range hooks {
		if h.Active() && strings.TrimSpace(h.URL) != "" {
			active = append(active, h)
		}
	}
	return &WebhookDispatcher{
		Hooks:      active,
		Client:     &http.Client{Timeout: defaultWebhookTimeout},
		Logger:     logger,
		MaxElapsed: webhookMaxElapsed,
	}
}

// Start subscribes to bus and delivers until ctx is cancelled. It returns a
// channel closed when the dispatcher has stopped.
func (d *WebhookDispatcher) Start(ctx context.Context, bus *events.Bus) <-chan struct{} {
	done := make(chan struct{})
	if len(d.Hooks) == 0 {
		close(done)
		return done
	}
	ch, cancel := bus.Subscribe(webhookBuffer)
	go func() {
		defer close(done)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-ch:
				if !ok {
					return
				}
				d.Dispatch(ctx, n)
			}
		}
	}()
	return done
}

// Dispatch delivers n to every hook subscribed to its kind. Failures are
// logged and do not stop other hooks.
func (d *WebhookDispatcher) Dispatch(ctx context.Context, n events.Notification) {
	for _, hook := range d.Hooks {
		if !hook.Wants(n.Kind) {
			continue
		}
		if err := d.deliver(ctx, hook, n); err != nil {
			d.Logger.Warn("webhook delivery failed", "url", hook.URL, "event", n.Kind, "audit_id", n.AuditID, "err", err)
		}
	}
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (d *WebhookDispatcher) newBackoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	if d.InitialInterval > 0 {
		bo.InitialInterval = d.InitialInterval
	}
	bo.MaxElapsedTime = d.MaxElapsed
	return backoff.WithContext(bo, ctx)
}

func (d *WebhookDispatcher) deliver(ctx context.Context, hook config.Webhook, n events.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	client := d.Client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(EventHeader, n.Kind)
		req.Header.Set(DeliveryHeader, n.AuditID)
		if strings.TrimSpace(hook.Secret) != "" {
			req.Header.Set(SignatureHeader, Sign(hook.Secret, data))
		}
		res, err := client.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		if res.StatusCode >= 200 && res.StatusCode < 300 {
			return nil
		}
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		err = fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
		if res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, d.newBackoff(ctx))
}
