package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"blab/internal/config"
	"blab/internal/domain"
	"blab/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookDispatcher posts new audit log entries to the configured hooks so
// UI surfaces can refresh.
type webhookDispatcher struct {
	repo     repo.Repo
	webhooks []config.WebhookConfig
	client   *http.Client
	log      *zap.Logger
	interval time.Duration
	mu       sync.Mutex
	cursors  map[int]int64
}

func newWebhookDispatcher(r repo.Repo, hooks []config.WebhookConfig, log *zap.Logger) *webhookDispatcher {
	return &webhookDispatcher{
		repo:     r,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		log:      log,
		interval: defaultWebhookInterval,
		cursors:  make(map[int]int64),
	}
}

func (d *webhookDispatcher) run(ctx context.Context) {
	if len(d.webhooks) == 0 || d.repo.DB == nil {
		return
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	entries, err := d.repo.LogsAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		d.log.Warn("fetch audit log failed", zap.Error(err))
		return
	}
	filter := newActionFilter(hook.Events)
	for _, entry := range entries {
		if !filter.match(entry.ActionType) {
			d.setCursor(idx, entry.ID)
			continue
		}
		if err := d.post(ctx, hook, entry); err != nil {
			d.log.Warn("webhook delivery failed", zap.String("url", hook.URL), zap.Int64("log_id", entry.ID), zap.Error(err))
			return
		}
		d.setCursor(idx, entry.ID)
	}
}

// cursorFor starts each hook at the newest entry so history is not replayed.
func (d *webhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.repo.LatestLogID(ctx)
	if err != nil {
		d.log.Warn("init webhook cursor failed", zap.Error(err))
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	ActionType string          `json:"action_type"`
	Details    string          `json:"details"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	MemberID   string          `json:"member_id,omitempty"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *webhookDispatcher) post(ctx context.Context, hook config.WebhookConfig, entry domain.LogEntry) error {
	payload := json.RawMessage("{}")
	if entry.Payload != "" && json.Valid([]byte(entry.Payload)) {
		payload = json.RawMessage(entry.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:         entry.ID,
		ActionType: entry.ActionType,
		Details:    entry.Details,
		EntityKind: entry.EntityKind,
		EntityID:   entry.EntityID,
		MemberID:   entry.MemberID,
		TS:         entry.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != d.client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Blab-Event", entry.ActionType)
	req.Header.Set("X-Blab-Delivery", fmt.Sprintf("%d", entry.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Blab-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// actionFilter matches audit action types; an empty list matches all.
type actionFilter struct {
	all bool
	set map[string]struct{}
}

func newActionFilter(actions []string) actionFilter {
	set := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		if key := strings.TrimSpace(a); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return actionFilter{all: true}
	}
	return actionFilter{set: set}
}

func (f actionFilter) match(action string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[action]
	return ok
}
