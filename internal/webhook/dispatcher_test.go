package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"voicebridge/internal/store"
)

type receiver struct {
	mu       sync.Mutex
	requests []receivedRequest
	status   int
}

type receivedRequest struct {
	at        time.Time
	body      []byte
	event     string
	signature string
}

func newReceiver(status int) (*receiver, *httptest.Server) {
	r := &receiver{status: status}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.requests = append(r.requests, receivedRequest{
			at:        time.Now(),
			body:      body,
			event:     req.Header.Get("X-Webhook-Event"),
			signature: req.Header.Get("X-Webhook-Signature"),
		})
		r.mu.Unlock()
		w.WriteHeader(r.status)
	}))
	return r, srv
}

func (r *receiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func (r *receiver) all() []receivedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]receivedRequest(nil), r.requests...)
}

func newTestDispatcher(t *testing.T, gw store.Gateway) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(gw, nil)
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	// Compressed retry schedule; the shape (two gaps, second larger) is what
	// matters.
	d.backoff = []time.Duration{30 * time.Millisecond, 150 * time.Millisecond}
	t.Cleanup(d.Close)
	return d
}

func waitCount(t *testing.T, r *receiver, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r.count() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("receiver saw %d requests, want %d", r.count(), n)
}

func TestDeliverySignedAndLogged(t *testing.T) {
	gw := store.NewMemory()
	rec, srv := newReceiver(http.StatusOK)
	defer srv.Close()

	cfg, _ := gw.CreateWebhook(context.Background(), store.WebhookConfig{
		URL: srv.URL, Events: []string{"call.ended"}, IsActive: true, Secret: "s3cret",
	})

	d := newTestDispatcher(t, gw)
	d.Notify("call.ended", map[string]any{"call_id": "c1"})
	waitCount(t, rec, 1, 2*time.Second)

	got := rec.all()[0]
	if got.event != "call.ended" {
		t.Fatalf("event header %q", got.event)
	}
	if want := Sign("s3cret", got.body); got.signature != want {
		t.Fatalf("signature %q want %q", got.signature, want)
	}
	if !Verify("s3cret", got.body, got.signature) {
		t.Fatalf("verify failed on honest body")
	}
	// Tampering one byte must break verification.
	tampered := append([]byte(nil), got.body...)
	tampered[0] ^= 0x01
	if Verify("s3cret", tampered, got.signature) {
		t.Fatalf("verify accepted a tampered body")
	}

	logs, _ := gw.ListWebhookDeliveries(context.Background(), cfg.ID, 10)
	if len(logs) != 1 || !logs[0].Success || logs[0].Attempt != 1 {
		t.Fatalf("delivery log: %+v", logs)
	}
}

func TestRetrySchedule5xx(t *testing.T) {
	gw := store.NewMemory()
	rec, srv := newReceiver(http.StatusInternalServerError)
	defer srv.Close()

	cfg, _ := gw.CreateWebhook(context.Background(), store.WebhookConfig{
		URL: srv.URL, Events: []string{"call.failed"}, IsActive: true,
	})

	d := newTestDispatcher(t, gw)
	d.Notify("call.failed", map[string]any{"call_id": "c1"})

	waitCount(t, rec, 3, 3*time.Second)
	time.Sleep(300 * time.Millisecond)
	if rec.count() != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", rec.count())
	}

	reqs := rec.all()
	gap1 := reqs[1].at.Sub(reqs[0].at)
	gap2 := reqs[2].at.Sub(reqs[1].at)
	if gap1 < d.backoff[0] {
		t.Fatalf("second attempt too early: %v", gap1)
	}
	if gap2 < d.backoff[1] {
		t.Fatalf("third attempt too early: %v", gap2)
	}

	logs, _ := gw.ListWebhookDeliveries(context.Background(), cfg.ID, 10)
	if len(logs) != 3 {
		t.Fatalf("expected 3 logged attempts, got %d", len(logs))
	}
	for _, l := range logs {
		if l.Success {
			t.Fatalf("no attempt should succeed: %+v", l)
		}
	}
}

func TestNoRetryOn4xx(t *testing.T) {
	gw := store.NewMemory()
	rec, srv := newReceiver(http.StatusBadRequest)
	defer srv.Close()

	cfg, _ := gw.CreateWebhook(context.Background(), store.WebhookConfig{
		URL: srv.URL, IsActive: true,
	})

	d := newTestDispatcher(t, gw)
	d.Notify("call.started", map[string]any{"call_id": "c1"})

	waitCount(t, rec, 1, 2*time.Second)
	time.Sleep(300 * time.Millisecond)
	if rec.count() != 1 {
		t.Fatalf("4xx must be terminal, got %d attempts", rec.count())
	}
	logs, _ := gw.ListWebhookDeliveries(context.Background(), cfg.ID, 10)
	if len(logs) != 1 {
		t.Fatalf("expected 1 logged attempt, got %d", len(logs))
	}
}

func TestEventFiltering(t *testing.T) {
	gw := store.NewMemory()
	rec, srv := newReceiver(http.StatusOK)
	defer srv.Close()

	_, _ = gw.CreateWebhook(context.Background(), store.WebhookConfig{
		URL: srv.URL, Events: []string{"call.ended"}, IsActive: true,
	})

	d := newTestDispatcher(t, gw)
	d.Notify("call.started", map[string]any{"call_id": "c1"})
	time.Sleep(100 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("unsubscribed event was delivered")
	}
	d.Notify("call.ended", map[string]any{"call_id": "c1"})
	waitCount(t, rec, 1, 2*time.Second)
}

func TestInactiveWebhookSkipped(t *testing.T) {
	gw := store.NewMemory()
	rec, srv := newReceiver(http.StatusOK)
	defer srv.Close()

	_, _ = gw.CreateWebhook(context.Background(), store.WebhookConfig{
		URL: srv.URL, IsActive: false,
	})
	d := newTestDispatcher(t, gw)
	d.Notify("call.ended", nil)
	time.Sleep(100 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("inactive webhook was delivered")
	}
}

func TestSendTest(t *testing.T) {
	gw := store.NewMemory()
	rec, srv := newReceiver(http.StatusOK)
	defer srv.Close()

	cfg, _ := gw.CreateWebhook(context.Background(), store.WebhookConfig{
		URL: srv.URL, IsActive: true, Secret: "k",
	})
	d := newTestDispatcher(t, gw)

	status, err := d.SendTest(context.Background(), cfg.ID)
	if err != nil || status != http.StatusOK {
		t.Fatalf("test delivery: status %d err %v", status, err)
	}
	if rec.all()[0].event != "test" {
		t.Fatalf("event %q", rec.all()[0].event)
	}
}

func TestDefaultBackoffSchedule(t *testing.T) {
	want := []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}
	for i, b := range defaultBackoff {
		if b != want[i] {
			t.Fatalf("backoff[%d] = %v, want %v", i, b, want[i])
		}
	}
}
