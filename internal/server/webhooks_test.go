package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epicflow/internal/config"
	"epicflow/internal/events"
)

type recordedDelivery struct {
	header http.Header
	body   []byte
}

type hookRecorder struct {
	mu         sync.Mutex
	deliveries []recordedDelivery
}

func (r *hookRecorder) record(req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, recordedDelivery{header: req.Header.Clone(), body: body})
}

func (r *hookRecorder) all() []recordedDelivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedDelivery(nil), r.deliveries...)
}

func fastDispatcher(hooks ...config.Webhook) *WebhookDispatcher {
	d := NewWebhookDispatcher(hooks, nil)
	d.InitialInterval = time.Millisecond
	d.MaxElapsed = time.Second
	return d
}

func TestDispatchSignsPayload(t *testing.T) {
	rec := &hookRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := fastDispatcher(config.Webhook{URL: srv.URL, Secret: "s3cret"})
	d.Dispatch(t.Context(), events.Notification{Kind: "TASK_STATE_CHANGED", TaskID: "t1", AuditID: "a1", Details: "PLANNED → RUNNING"})

	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, "TASK_STATE_CHANGED", got[0].header.Get(EventHeader))
	assert.Equal(t, "a1", got[0].header.Get(DeliveryHeader))
	assert.Equal(t, Sign("s3cret", got[0].body), got[0].header.Get(SignatureHeader))
	assert.Contains(t, string(got[0].body), `"task_id":"t1"`)
}

func TestDispatchFiltersByEvent(t *testing.T) {
	rec := &hookRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
	}))
	defer srv.Close()

	disabled := false
	d := fastDispatcher(
		config.Webhook{URL: srv.URL, Events: []string{"EPIC_CREATED"}},
		config.Webhook{URL: srv.URL, Enabled: &disabled},
	)
	require.Len(t, d.Hooks, 1)
	d.Dispatch(t.Context(), events.Notification{Kind: "TASK_CREATED"})
	d.Dispatch(t.Context(), events.Notification{Kind: "EPIC_CREATED"})

	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, "EPIC_CREATED", got[0].header.Get(EventHeader))
	assert.Empty(t, got[0].header.Get(SignatureHeader))
}

func TestDispatchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fastDispatcher(config.Webhook{URL: srv.URL}).Dispatch(t.Context(), events.Notification{Kind: "EPIC_CREATED"})
	assert.Equal(t, int32(3), calls.Load())
}

func TestDispatchGivesUpOnClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	fastDispatcher(config.Webhook{URL: srv.URL}).Dispatch(t.Context(), events.Notification{Kind: "EPIC_CREATED"})
	assert.Equal(t, int32(1), calls.Load())
}

func TestStartDeliversBusNotifications(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.Header.Get(EventHeader)
	}))
	defer srv.Close()

	bus := events.NewBus()
	ctx, cancel := context.WithCancel(t.Context())
	done := fastDispatcher(config.Webhook{URL: srv.URL}).Start(ctx, bus)
	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	bus.Publish(events.Notification{Kind: "VALIDATION_STARTED"})
	select {
	case kind := <-received:
		assert.Equal(t, "VALIDATION_STARTED", kind)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not delivered")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
	assert.Equal(t, 0, bus.Subscribers())
}

func TestStartWithoutHooksIsNoop(t *testing.T) {
	bus := events.NewBus()
	done := NewWebhookDispatcher(nil, nil).Start(t.Context(), bus)
	<-done
	assert.Equal(t, 0, bus.Subscribers())
}
