package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"flowline/internal/config"
	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/events"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	defaultWebhookBatch   = 100
	webhookMaxRetries     = 4
)

// WebhookDispatcher forwards appended events to the configured webhooks.
// Each hook follows the log from the watermark at start; an event that still
// fails after retries is logged and skipped so one bad endpoint cannot stall
// the others.
type WebhookDispatcher struct {
	engine   engine.Engine
	notifier *events.Notifier
	hooks    []config.WebhookConfig
	client   *http.Client
	log      *zap.Logger
}

func NewWebhookDispatcher(e engine.Engine, n *events.Notifier, hooks []config.WebhookConfig, log *zap.Logger) *WebhookDispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	var active []config.WebhookConfig
	for _, h := range hooks {
		if h.Active() {
			active = append(active, h)
		}
	}
	return &WebhookDispatcher{
		engine:   e,
		notifier: n,
		hooks:    active,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		log:      log,
	}
}

// Run delivers until ctx is done.
func (d *WebhookDispatcher) Run(ctx context.Context) error {
	if len(d.hooks) == 0 {
		return nil
	}
	if d.notifier == nil {
		return errors.New("webhooks need an event notifier")
	}
	start, err := d.engine.Events.Watermark(ctx, nil, events.Filter{})
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, hook := range d.hooks {
		g.Go(func() error {
			return d.follow(ctx, hook, start)
		})
	}
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *WebhookDispatcher) follow(ctx context.Context, hook config.WebhookConfig, after int64) error {
	f := events.Filter{AfterSeq: after, Limit: defaultWebhookBatch}
	for _, k := range hook.Kinds {
		if k = strings.TrimSpace(k); k != "" {
			f.Kinds = append(f.Kinds, domain.Kind(k))
		}
	}
	log := d.log.With(zap.String("url", hook.URL))
	return d.engine.Events.Follow(ctx, d.notifier, f, func(ev domain.Event) error {
		err := backoff.Retry(func() error {
			return d.post(ctx, hook, ev)
		}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), webhookMaxRetries), ctx))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("webhook delivery failed", zap.Int64("seq", ev.Seq), zap.String("kind", string(ev.Kind)), zap.Error(err))
			return nil
		}
		log.Debug("webhook delivered", zap.Int64("seq", ev.Seq), zap.String("kind", string(ev.Kind)))
		return nil
	})
}

func (d *WebhookDispatcher) post(ctx context.Context, hook config.WebhookConfig, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return backoff.Permanent(err)
	}
	client := d.client
	if hook.Timeout > 0 && hook.Timeout != d.client.Timeout {
		client = &http.Client{Timeout: hook.Timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Flowline-Event", string(ev.Kind))
	req.Header.Set("X-Flowline-Delivery", fmt.Sprintf("%d", ev.Seq))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Flowline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		err := fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
		if res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}
	return nil
}
