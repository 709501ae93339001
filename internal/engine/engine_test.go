package engine_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"blab/internal/db"
	"blab/internal/domain"
	"blab/internal/engine"
	"blab/internal/migrate"
	"blab/internal/plan"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, nil)
	tick := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func mustPlan(t *testing.T, raw string) plan.Plan {
	t.Helper()
	p, err := plan.Decode([]byte(raw))
	if err != nil {
		t.Fatalf("decode plan: %v", err)
	}
	return p
}

func (env testEnv) run(t *testing.T, raw, actor string) plan.ExecutionResult {
	t.Helper()
	res, err := env.Engine.Execute(env.Ctx, mustPlan(t, raw), engine.ExecuteOptions{Actor: actor})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	return res
}

func (env testEnv) seed(t *testing.T) {
	t.Helper()
	res := env.run(t, `{"operations":[
		{"action":"create","entity":"member","fields":{"name":"Ben","username":"ben"}},
		{"action":"create","entity":"member","fields":{"name":"Amy","username":"amy"}},
		{"action":"create","entity":"location","fields":{"name":"B203"}},
		{"action":"create","entity":"location","fields":{"name":"B105"}},
		{"action":"create","entity":"item","fields":{"name":"示波器","locations":"B203","responsible_members":"Ben"}},
		{"action":"create","entity":"item","fields":{"name":"示波器","locations":"B105"}},
		{"action":"create","entity":"item","fields":{"name":"Soldering station","visibility":"private","responsible_members":"Amy"}}
	]}`, "")
	if res.FailureCount() != 0 {
		t.Fatalf("seed failed: %+v", res.Entries)
	}
}

func TestCreateMember(t *testing.T) {
	env := newTestEnv(t)
	res := env.run(t, `{"operations":[{"action":"create","entity":"member","fields":{"name":"小王","username":"wangx"}}]}`, "")
	if len(res.Entries) != 1 || !res.Entries[0].Success {
		t.Fatalf("unexpected result: %+v", res.Entries)
	}
	if res.Entries[0].OperationID != "op-1" {
		t.Fatalf("unexpected id %s", res.Entries[0].OperationID)
	}
	st, err := env.Engine.Snapshot(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Members) != 1 || st.Members[0].Name != "小王" || st.Members[0].Username != "wangx" {
		t.Fatalf("member not stored: %+v", st.Members)
	}
	logs, err := env.Engine.Repo.LatestLogs(env.Ctx, 10, "", "member", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 || logs[0].ActionType != "create" || logs[0].EntityID != st.Members[0].ID {
		t.Fatalf("expected one create log, got %+v", logs)
	}
}

func TestEveryOperationGetsOneEntry(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	res := env.run(t, `{"operations":[
		{"action":"update","entity":"item","target":"Multimeter","fields":{"status":"lost"}},
		{"action":"update","entity":"item","target":"示波器","fields":{"status":"borrowed"}},
		{"action":"update","entity":"item","target":"示波器","target_hint":"B203","fields":{"quantity":"abc"}},
		{"action":"create","entity":"location","fields":{"name":"B301"}}
	]}`, "")
	if len(res.Entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(res.Entries))
	}
	want := []struct {
		ok  bool
		msg string
	}{
		{false, "not found"},
		{false, "ambiguous"},
		{false, "integer"},
		{true, "created location B301"},
	}
	for i, w := range want {
		e := res.Entries[i]
		if e.Success != w.ok || !strings.Contains(e.Message, w.msg) {
			t.Fatalf("entry %d: got %+v, want success=%v containing %q", i, e, w.ok, w.msg)
		}
	}
	if res.Summary() != "1 succeeded, 3 failed" {
		t.Fatalf("summary %q", res.Summary())
	}
}

func TestTargetHintPicksRecord(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	res := env.run(t, `{"operations":[{"action":"update","entity":"item","target":"示波器","target_hint":"B203","fields":{"status":"借出","responsible_members":["Ben","Amy"]}}]}`, "")
	if !res.Entries[0].Success {
		t.Fatalf("update failed: %s", res.Entries[0].Message)
	}
	st, _ := env.Engine.Snapshot(env.Ctx)
	var borrowed []domain.Item
	for _, it := range st.Items {
		if it.Status == "borrowed" {
			borrowed = append(borrowed, it)
		}
	}
	if len(borrowed) != 1 || borrowed[0].Locations[0] != "B203" {
		t.Fatalf("wrong item updated: %+v", borrowed)
	}
	if strings.Join(borrowed[0].ResponsibleMembers, ",") != "Amy,Ben" {
		t.Fatalf("members not linked: %v", borrowed[0].ResponsibleMembers)
	}
}

func TestLaterOperationsSeeEarlierCreates(t *testing.T) {
	env := newTestEnv(t)
	res := env.run(t, `{"operations":[
		{"action":"create","entity":"location","fields":{"name":"Lab"}},
		{"action":"create","entity":"location","fields":{"name":"Shelf 2","parent":"Lab"}},
		{"action":"create","entity":"item","fields":{"name":"Probe","locations":"Shelf 2","quantity":4,"value":"12.50","purchase_date":"2024/03/05"}}
	]}`, "")
	if res.FailureCount() != 0 {
		t.Fatalf("unexpected failures: %+v", res.Entries)
	}
	st, _ := env.Engine.Snapshot(env.Ctx)
	it := st.Items[0]
	if *it.Quantity != 4 || *it.Value != 12.5 || it.PurchaseDate != "2024-03-05" || it.Locations[0] != "Shelf 2" {
		t.Fatalf("item fields not stored: %+v", it)
	}
	for _, l := range st.Locations {
		if l.Name == "Shelf 2" && l.Parent != "Lab" {
			t.Fatalf("parent not linked: %+v", l)
		}
	}
}

func TestUnresolvedReferenceFails(t *testing.T) {
	env := newTestEnv(t)
	res := env.run(t, `{"operations":[{"action":"create","entity":"item","fields":{"name":"Probe","responsible_members":"Nobody"}}]}`, "")
	if res.Entries[0].Success || !strings.Contains(res.Entries[0].Message, "not found") {
		t.Fatalf("expected unresolved member failure: %+v", res.Entries[0])
	}
	st, _ := env.Engine.Snapshot(env.Ctx)
	if len(st.Items) != 0 {
		t.Fatalf("failed operation must not leave a record")
	}
}

func TestPrivateItemRequiresResponsibleMember(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	op := `{"operations":[{"action":"update","entity":"item","target":"Soldering station","fields":{"status":"repairing"}}]}`

	res := env.run(t, op, "ben")
	if res.Entries[0].Success || !strings.Contains(res.Entries[0].Message, "private") {
		t.Fatalf("expected rejection for non-responsible member: %+v", res.Entries[0])
	}
	res = env.run(t, op, "amy")
	if !res.Entries[0].Success {
		t.Fatalf("responsible member rejected: %s", res.Entries[0].Message)
	}
	res = env.run(t, `{"operations":[{"action":"delete","entity":"item","target":"Soldering station"}]}`, "")
	if !res.Entries[0].Success {
		t.Fatalf("no actor constraint should allow delete: %s", res.Entries[0].Message)
	}
}

func TestUnknownActorStopsBatch(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Execute(env.Ctx, mustPlan(t, `{"operations":[{"action":"create","entity":"location","fields":{"name":"Lab"}}]}`), engine.ExecuteOptions{Actor: "ghost"})
	if err == nil {
		t.Fatalf("expected unknown actor error")
	}
}

func TestDeleteReportsOrphanedAttachments(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	st, _ := env.Engine.Snapshot(env.Ctx)
	var loc domain.Location
	for _, l := range st.Locations {
		if l.Name == "B105" {
			loc = l
		}
	}
	err := env.Engine.Repo.InsertAttachment(env.Ctx, domain.Attachment{
		ID: "att-1", EntityKind: "location", EntityID: loc.ID, Filename: "plan.pdf", Path: "files/plan.pdf", CreatedAt: "2024-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}
	res := env.run(t, `{"operations":[{"action":"delete","entity":"location","target":"b105"}]}`, "")
	if !res.Entries[0].Success {
		t.Fatalf("delete failed: %s", res.Entries[0].Message)
	}
	if len(res.OrphanedAttachments) != 1 || res.OrphanedAttachments[0] != "files/plan.pdf" {
		t.Fatalf("expected orphaned attachment, got %v", res.OrphanedAttachments)
	}
}

func TestDuplicateUsernameFails(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	res := env.run(t, `{"operations":[{"action":"create","entity":"member","fields":{"name":"Benjamin","username":"BEN"}}]}`, "")
	if res.Entries[0].Success || !strings.Contains(res.Entries[0].Message, "already taken") {
		t.Fatalf("expected username conflict: %+v", res.Entries[0])
	}
}

func TestLocationCycleRejected(t *testing.T) {
	env := newTestEnv(t)
	res := env.run(t, `{"operations":[
		{"action":"create","entity":"location","fields":{"name":"Lab"}},
		{"action":"create","entity":"location","fields":{"name":"Shelf","parent":"Lab"}},
		{"action":"update","entity":"location","target":"Lab","fields":{"parent":"Shelf"}}
	]}`, "")
	if res.Entries[2].Success || !strings.Contains(res.Entries[2].Message, "cycle") {
		t.Fatalf("expected cycle rejection: %+v", res.Entries[2])
	}
}

func TestPartialTargetNameIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	env.run(t, `{"operations":[
		{"action":"create","entity":"member","fields":{"name":"Benjamin","username":"benjamin"}},
		{"action":"create","entity":"item","fields":{"name":"示波器"}}
	]}`, "")
	res := env.run(t, `{"operations":[
		{"action":"delete","entity":"member","target":"Ben"},
		{"action":"update","entity":"item","target":"示波","fields":{"status":"borrowed"}}
	]}`, "")
	for _, e := range res.Entries {
		if e.Success || !strings.Contains(e.Message, "not found") {
			t.Fatalf("expected target not found, got %+v", e)
		}
	}
	st, err := env.Engine.Snapshot(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Members) != 1 || st.Members[0].Name != "Benjamin" {
		t.Fatalf("member must survive: %+v", st.Members)
	}
	if len(st.Items) != 1 || st.Items[0].Status != "normal" {
		t.Fatalf("item must be unchanged: %+v", st.Items)
	}
}

func TestHintTieBreakUsesCreationOrderWithinASecond(t *testing.T) {
	env := newTestEnv(t)
	tick := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env.Engine.Now = func() time.Time {
		tick = tick.Add(time.Millisecond)
		return tick
	}
	env.run(t, `{"operations":[
		{"action":"create","entity":"location","fields":{"name":"Shelf"}},
		{"action":"create","entity":"item","fields":{"name":"Probe","locations":"Shelf","description":"first"}},
		{"action":"create","entity":"item","fields":{"name":"Probe","locations":"Shelf","description":"second"}}
	]}`, "")
	res := env.run(t, `{"operations":[{"action":"update","entity":"item","target":"Probe","target_hint":"Shelf","fields":{"status":"lost"}}]}`, "")
	if !res.Entries[0].Success {
		t.Fatalf("update failed: %s", res.Entries[0].Message)
	}
	st, _ := env.Engine.Snapshot(env.Ctx)
	for _, it := range st.Items {
		if it.Description == "second" && it.Status != "lost" {
			t.Fatalf("most recent item not chosen: %+v", st.Items)
		}
		if it.Description == "first" && it.Status != "normal" {
			t.Fatalf("older item updated: %+v", st.Items)
		}
	}
}

func TestAuditActionTypes(t *testing.T) {
	env := newTestEnv(t)
	env.run(t, `{"operations":[
		{"action":"create","entity":"location","fields":{"name":"Lab"}},
		{"action":"update","entity":"location","target":"Lab","fields":{"status":"closed"}},
		{"action":"delete","entity":"location","target":"Lab"}
	]}`, "")
	logs, err := env.Engine.Repo.LatestLogs(env.Ctx, 10, "", "location", "")
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]bool{}
	for _, l := range logs {
		got[l.ActionType] = true
	}
	for _, want := range []string{"create", "update", "delete"} {
		if !got[want] {
			t.Fatalf("missing %s log in %+v", want, logs)
		}
	}
}
