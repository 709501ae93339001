package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"go.uber.org/zap"

	"blab/internal/config"
	"blab/internal/db"
	"blab/internal/engine"
	"blab/internal/migrate"
	"blab/internal/plan"
)

type delivery struct {
	path   string
	event  string
	secret string
	body   webhookEvent
}

type receiver struct {
	mu        sync.Mutex
	failNext  bool
	delivered []delivery
}

func (rc *receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.failNext {
		rc.failNext = false
		http.Error(w, "busy", http.StatusServiceUnavailable)
		return
	}
	var ev webhookEvent
	_ = json.Unmarshal(data, &ev)
	rc.delivered = append(rc.delivered, delivery{
		path:   r.URL.Path,
		event:  r.Header.Get("X-Blab-Event"),
		secret: r.Header.Get("X-Blab-Secret"),
		body:   ev,
	})
}

func (rc *receiver) take() []delivery {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := rc.delivered
	rc.delivered = nil
	return out
}

func runPlan(t *testing.T, eng engine.Engine, raw string) {
	t.Helper()
	p, err := plan.Decode([]byte(raw))
	if err != nil {
		t.Fatalf("decode plan: %v", err)
	}
	res, err := eng.Execute(context.Background(), p, engine.ExecuteOptions{})
	if err != nil || res.FailureCount() != 0 {
		t.Fatalf("execute: %v %+v", err, res.Entries)
	}
}

func TestWebhooksDeliverNewAuditEntries(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if _, err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, nil)
	runPlan(t, eng, createLocation)

	rc := &receiver{}
	hooks := httptest.NewServer(rc)
	defer hooks.Close()

	off := false
	d := newWebhookDispatcher(eng.Repo, []config.WebhookConfig{
		{URL: hooks.URL + "/all", Secret: "hook-secret"},
		{URL: hooks.URL + "/deletes", Events: []string{"delete"}},
		{URL: hooks.URL + "/off", Enabled: &off},
	}, zap.NewNop())
	d.client = hooks.Client()
	ctx := context.Background()

	d.dispatchAll(ctx)
	if got := rc.take(); len(got) != 0 {
		t.Fatalf("history must not be replayed, got %+v", got)
	}

	runPlan(t, eng, `{"operations":[{"action":"update","entity":"location","target":"B203","fields":{"status":"closed"}}]}`)
	st, err := eng.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	locationID := st.Locations[0].ID

	d.dispatchAll(ctx)
	got := rc.take()
	if len(got) != 1 {
		t.Fatalf("expected exactly one delivery, got %+v", got)
	}
	if got[0].path != "/all" || got[0].event != "update" || got[0].secret != "hook-secret" {
		t.Fatalf("unexpected delivery: %+v", got[0])
	}
	if got[0].body.ActionType != "update" || got[0].body.EntityKind != "location" || got[0].body.EntityID != locationID {
		t.Fatalf("unexpected body: %+v", got[0].body)
	}

	d.dispatchAll(ctx)
	if again := rc.take(); len(again) != 0 {
		t.Fatalf("entries delivered twice: %+v", again)
	}

	rc.mu.Lock()
	rc.failNext = true
	rc.mu.Unlock()
	runPlan(t, eng, `{"operations":[{"action":"delete","entity":"location","target":"B203"}]}`)
	d.dispatchAll(ctx)
	d.dispatchAll(ctx)
	got = rc.take()
	paths := map[string]int{}
	for _, g := range got {
		if g.event != "delete" || g.body.EntityID != locationID {
			t.Fatalf("unexpected delivery: %+v", g)
		}
		paths[g.path]++
	}
	if paths["/all"] != 1 || paths["/deletes"] != 1 || paths["/off"] != 0 {
		t.Fatalf("failed delivery must be retried once per hook: %v", paths)
	}
}
