package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"visatrack/internal/config"
	"visatrack/internal/domain"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
	defaultWebhookGapWait  = 30 * time.Second
)

// EventFeed is the global, id-ordered event log the dispatcher reads from.
type EventFeed interface {
	EventsAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// WebhookDispatcher posts workflow events to configured endpoints. Each
// hook keeps its own cursor, starting at the newest event seen at startup,
// and only moves past an event once it was delivered or filtered out.
//
// Event ids may become visible out of order when a writer reserved ids it
// has not inserted yet. The cursor stops in front of such a gap and skips
// it only after GapWait has passed.
type WebhookDispatcher struct {
	Feed     EventFeed
	Webhooks []config.WebhookConfig
	Interval time.Duration
	GapWait  time.Duration
	Logger   *log.Logger

	client  *http.Client
	now     func() time.Time
	mu      sync.Mutex
	cursors map[int]int64
	gaps    map[int]pendingGap
}

type pendingGap struct {
	after int64
	since time.Time
}

func NewWebhookDispatcher(feed EventFeed, hooks []config.WebhookConfig, logger *log.Logger) *WebhookDispatcher {
	return &WebhookDispatcher{
		Feed:     feed,
		Webhooks: hooks,
		Interval: defaultWebhookInterval,
		GapWait:  defaultWebhookGapWait,
		Logger:   logger,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  make(map[int]int64),
	}
}

// Run dispatches until ctx is cancelled.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	if len(d.Webhooks) == 0 {
		return
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers one batch of pending events to every enabled hook.
func (d *WebhookDispatcher) DispatchOnce(ctx context.Context) {
	for i, hook := range d.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) logf(format string, args ...any) {
	if d.Logger != nil {
		d.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	events, err := d.Feed.EventsAfter(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		d.logf("webhook: fetch events failed: %v", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if evt.ID != cursor+1 {
			if !d.gapExpired(idx, cursor) {
				return
			}
			d.logf("webhook: skipping event ids %d-%d for %s", cursor+1, evt.ID-1, hook.URL)
		}
		if filter.match(evt.Type) {
			if err := d.postEvent(ctx, hook, evt); err != nil {
				d.logf("webhook: deliver to %s failed: %v", hook.URL, err)
				return
			}
		}
		d.setCursor(idx, evt.ID)
		cursor = evt.ID
	}
}

// gapExpired reports whether the gap after cursor has been pending for
// longer than GapWait, starting the clock on first sight.
func (d *WebhookDispatcher) gapExpired(idx int, cursor int64) bool {
	now := time.Now()
	if d.now != nil {
		now = d.now()
	}
	wait := d.GapWait
	if wait <= 0 {
		wait = defaultWebhookGapWait
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gaps == nil {
		d.gaps = make(map[int]pendingGap)
	}
	gap, ok := d.gaps[idx]
	if !ok || gap.after != cursor {
		d.gaps[idx] = pendingGap{after: cursor, since: now}
		return false
	}
	if now.Sub(gap.since) < wait {
		return false
	}
	delete(d.gaps, idx)
	return true
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = make(map[int]int64)
	}
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.Feed.LatestEventID(ctx)
	if err != nil {
		d.logf("webhook: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *WebhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64          `json:"id"`
	Type       string         `json:"type"`
	OwnerID    string         `json:"ownerId"`
	WorkflowID string         `json:"workflowId"`
	Sequence   int            `json:"sequence,omitempty"`
	TS         string         `json:"ts"`
	Payload    map[string]any `json:"payload"`
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := evt.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		OwnerID:    evt.OwnerID,
		WorkflowID: evt.WorkflowID,
		Sequence:   evt.Sequence,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	client := d.client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Visatrack-Event", evt.Type)
	req.Header.Set("X-Visatrack-Delivery", fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Visatrack-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
