package webhook

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
	"sync"
	"time"

	"voicebridge/internal/store"
)

const maxAttempts = 3

// defaultBackoff spaces retries at 1 s, 5 s and 15 s after the failing
// attempt. Only the gaps before attempts 2 and 3 are ever used.
var defaultBackoff = []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}

// payload is the wire body: {event, timestamp, data}.
type payload struct {
	Event     string         `json:"event"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

type task struct {
	config store.WebhookConfig
	event  string
	body   []byte
}

// Dispatcher delivers lifecycle events to configured endpoints: signed,
// retried, and logged per attempt. Delivery is FIFO per webhook and parallel
// across webhooks.
type Dispatcher struct {
	gw      store.Gateway
	client  *http.Client
	log     *slog.Logger
	backoff []time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	queues map[int64]chan task
}

func NewDispatcher(gw store.Gateway, log *slog.Logger) (*Dispatcher, error) {
	if gw == nil {
		return nil, fmt.Errorf("webhook: gateway is required")
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		gw:      gw,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log,
		backoff: defaultBackoff,
		ctx:     ctx,
		cancel:  cancel,
		queues:  map[int64]chan task{},
	}, nil
}

// Notify fans an event out to every matching active webhook. It satisfies
// session.Notifier and returns without blocking on delivery.
func (d *Dispatcher) Notify(event string, data map[string]any) {
	body, err := json.Marshal(payload{
		Event:     event,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	})
	if err != nil {
		d.log.Error("webhook payload marshal failed", "event", event, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(d.ctx, 3*time.Second)
	defer cancel()
	configs, err := d.gw.ActiveWebhooksForEvent(ctx, event)
	if err != nil {
		d.log.Error("webhook config lookup failed", "event", event, "err", err)
		return
	}

	for _, cfg := range configs {
		d.enqueue(task{config: cfg, event: event, body: body})
	}
}

func (d *Dispatcher) enqueue(t task) {
	d.mu.Lock()
	q, ok := d.queues[t.config.ID]
	if !ok {
		q = make(chan task, 256)
		d.queues[t.config.ID] = q
		d.wg.Add(1)
		go d.worker(q)
	}
	d.mu.Unlock()

	select {
	case q <- t:
	default:
		d.log.Warn("webhook queue full, dropping event", "webhook_id", t.config.ID, "event", t.event)
	}
}

// worker drains one webhook's queue in order.
func (d *Dispatcher) worker(q chan task) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case t := <-q:
			d.deliver(t)
		}
	}
}

// deliver runs the retry schedule for one task. Network errors and 5xx are
// retried, 4xx is terminal, every attempt is logged.
func (d *Dispatcher) deliver(t task) {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		status, respBody, err := d.post(t)

		entry := store.WebhookDelivery{
			ConfigID:     t.config.ID,
			EventType:    t.event,
			Payload:      string(t.body),
			StatusCode:   status,
			ResponseBody: respBody,
			Attempt:      attempt,
			Success:      err == nil && status >= 200 && status < 300,
		}
		if err != nil {
			entry.ErrorMessage = err.Error()
		}
		d.logAttempt(entry)

		switch {
		case entry.Success:
			d.log.Info("webhook delivered", "webhook_id", t.config.ID, "event", t.event, "attempt", attempt)
			return
		case err == nil && status >= 400 && status < 500:
			// Client error is terminal.
			d.log.Warn("webhook rejected", "webhook_id", t.config.ID, "status", status)
			return
		}

		if attempt == maxAttempts {
			d.log.Warn("webhook gave up", "webhook_id", t.config.ID, "event", t.event)
			return
		}
		select {
		case <-time.After(d.backoff[attempt-1]):
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) post(t task) (int, string, error) {
	req, err := http.NewRequestWithContext(d.ctx, http.MethodPost, t.config.URL, bytes.NewReader(t.body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", t.event)
	if t.config.Secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(t.config.Secret, t.body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1000))
	return resp.StatusCode, string(body), nil
}

func (d *Dispatcher) logAttempt(entry store.WebhookDelivery) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := d.gw.LogWebhookDelivery(ctx, entry); err != nil {
		d.log.Warn("webhook attempt log failed", "err", err)
	}
}

// SendTest posts a single signed test event without retries and reports the
// result to the operator.
func (d *Dispatcher) SendTest(ctx context.Context, webhookID int64) (int, error) {
	cfg, err := d.gw.GetWebhook(ctx, webhookID)
	if err != nil {
		return 0, err
	}
	body, _ := json.Marshal(payload{
		Event:     "test",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      map[string]any{"webhook_id": webhookID, "message": "test delivery"},
	})

	status, respBody, err := d.post(task{config: cfg, event: "test", body: body})
	d.logAttempt(store.WebhookDelivery{
		ConfigID:     cfg.ID,
		EventType:    "test",
		Payload:      string(body),
		StatusCode:   status,
		ResponseBody: respBody,
		Attempt:      1,
		Success:      err == nil && status >= 200 && status < 300,
	})
	return status, err
}

// Close stops the workers; queued tasks are abandoned.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

// Sign computes the delivery signature header value:
// sha256=<hex(HMAC-SHA256(secret, body))>.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature against the raw body.
func Verify(secret string, body []byte, header string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(header))
}
