package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visatrack/internal/config"
	"visatrack/internal/domain"
	"visatrack/internal/events"
)

type fakeFeed struct {
	mu     sync.Mutex
	events []domain.Event
}

func (f *fakeFeed) add(typ, owner string, seq int) {
	f.mu.Lock()
	id := f.latest() + 1
	f.mu.Unlock()
	f.addID(id, typ, owner, seq)
}

// addID inserts an event with a fixed id, so tests can make ids appear out
// of order the way concurrent writers do.
func (f *fakeFeed) addID(id int64, typ, owner string, seq int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, domain.Event{
		ID:         id,
		TS:         "2024-03-01T09:30:00Z",
		Type:       typ,
		OwnerID:    owner,
		WorkflowID: "wf-" + owner,
		Sequence:   seq,
	})
	sort.Slice(f.events, func(i, j int) bool { return f.events[i].ID < f.events[j].ID })
}

func (f *fakeFeed) latest() int64 {
	var top int64
	for _, evt := range f.events {
		if evt.ID > top {
			top = evt.ID
		}
	}
	return top
}

func (f *fakeFeed) EventsAfter(_ context.Context, afterID int64, limit int) ([]domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Event
	for _, evt := range f.events {
		if evt.ID > afterID && len(out) < limit {
			out = append(out, evt)
		}
	}
	return out, nil
}

func (f *fakeFeed) LatestEventID(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest(), nil
}

type hookRecorder struct {
	mu      sync.Mutex
	bodies  []webhookEvent
	headers []http.Header
	status  int
}

func (h *hookRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	var evt webhookEvent
	_ = json.Unmarshal(data, &evt)
	h.mu.Lock()
	status := h.status
	if status == 0 || status < 300 {
		h.bodies = append(h.bodies, evt)
		h.headers = append(h.headers, r.Header.Clone())
	}
	h.mu.Unlock()
	if status == 0 {
		status = http.StatusNoContent
	}
	w.WriteHeader(status)
}

func (h *hookRecorder) ids() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []int64
	for _, b := range h.bodies {
		out = append(out, b.ID)
	}
	return out
}

func (h *hookRecorder) types() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, b := range h.bodies {
		out = append(out, b.Type)
	}
	return out
}

func TestWebhookDeliversNewEventsOnly(t *testing.T) {
	ctx := context.Background()
	feed := &fakeFeed{}
	feed.add(events.WorkflowCreated, "old", 0)

	rec := &hookRecorder{}
	hook := httptest.NewServer(rec)
	defer hook.Close()

	d := NewWebhookDispatcher(feed, []config.WebhookConfig{{URL: hook.URL, Secret: "s3cret"}}, nil)
	d.DispatchOnce(ctx)
	assert.Empty(t, rec.types(), "events before startup are not replayed")

	feed.add(events.StepCompleted, "c1", 1)
	feed.add(events.StepStarted, "c1", 2)
	d.DispatchOnce(ctx)
	d.DispatchOnce(ctx)

	require.Equal(t, []string{events.StepCompleted, events.StepStarted}, rec.types())
	assert.Equal(t, "c1", rec.bodies[0].OwnerID)
	assert.Equal(t, 1, rec.bodies[0].Sequence)
	assert.Equal(t, events.StepCompleted, rec.headers[0].Get("X-Visatrack-Event"))
	assert.Equal(t, "2", rec.headers[0].Get("X-Visatrack-Delivery"))
	assert.Equal(t, "s3cret", rec.headers[0].Get("X-Visatrack-Secret"))
}

func TestWebhookFiltersAndRetries(t *testing.T) {
	ctx := context.Background()
	feed := &fakeFeed{}
	rec := &hookRecorder{status: http.StatusInternalServerError}
	hook := httptest.NewServer(rec)
	defer hook.Close()

	disabled := false
	d := NewWebhookDispatcher(feed, []config.WebhookConfig{
		{URL: hook.URL, Events: []string{events.WorkflowCompleted}},
		{URL: hook.URL, Enabled: &disabled},
	}, nil)
	d.DispatchOnce(ctx)

	feed.add(events.StepCompleted, "c1", 6)
	feed.add(events.WorkflowCompleted, "c1", 0)
	d.DispatchOnce(ctx)
	assert.Empty(t, rec.types())

	rec.mu.Lock()
	rec.status = http.StatusOK
	rec.mu.Unlock()
	d.DispatchOnce(ctx)
	assert.Equal(t, []string{events.WorkflowCompleted}, rec.types())
}

func TestWebhookWaitsForLateEvents(t *testing.T) {
	ctx := context.Background()
	feed := &fakeFeed{}
	feed.add(events.WorkflowCreated, "old", 0)

	rec := &hookRecorder{}
	hook := httptest.NewServer(rec)
	defer hook.Close()

	d := NewWebhookDispatcher(feed, []config.WebhookConfig{{URL: hook.URL}}, nil)
	d.DispatchOnce(ctx)

	// ids 2-3 are reserved by one writer while another inserts 4-5 first
	feed.addID(4, events.StepCompleted, "b", 1)
	feed.addID(5, events.StepStarted, "b", 2)
	d.DispatchOnce(ctx)
	assert.Empty(t, rec.ids())

	feed.addID(2, events.StepCompleted, "a", 1)
	feed.addID(3, events.StepStarted, "a", 2)
	d.DispatchOnce(ctx)
	assert.Equal(t, []int64{2, 3, 4, 5}, rec.ids())
}

func TestWebhookSkipsGapAfterWait(t *testing.T) {
	ctx := context.Background()
	feed := &fakeFeed{}
	rec := &hookRecorder{}
	hook := httptest.NewServer(rec)
	defer hook.Close()

	var logs bytes.Buffer
	now := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	d := NewWebhookDispatcher(feed, []config.WebhookConfig{{URL: hook.URL}}, log.New(&logs, "", 0))
	d.GapWait = time.Minute
	d.now = func() time.Time { return now }
	d.DispatchOnce(ctx)

	feed.addID(1, events.WorkflowCreated, "a", 0)
	feed.addID(3, events.WorkflowCreated, "b", 0)
	d.DispatchOnce(ctx)
	assert.Equal(t, []int64{1}, rec.ids())

	now = now.Add(30 * time.Second)
	d.DispatchOnce(ctx)
	assert.Equal(t, []int64{1}, rec.ids())

	now = now.Add(31 * time.Second)
	d.DispatchOnce(ctx)
	assert.Equal(t, []int64{1, 3}, rec.ids())
	assert.Contains(t, logs.String(), "skipping event ids 2-2")
}

func TestWebhookRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := NewWebhookDispatcher(&fakeFeed{}, []config.WebhookConfig{{URL: "http://127.0.0.1:1"}}, nil)
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	cancel()
	<-done
}
