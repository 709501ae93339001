package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"blab/internal/config"
	"blab/internal/db"
	"blab/internal/domain"
	"blab/internal/engine"
	"blab/internal/llm/llmtest"
	"blab/internal/migrate"
	"blab/internal/plan"
	"blab/internal/resolve"
	"blab/internal/snapshot"
	"blab/internal/verify"
)

type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

type Report struct {
	OK     bool    `json:"ok"`
	Checks []Check `json:"checks"`
}

// SelfCheck exercises the loop's guarantees against a private in-memory
// store and a scripted model. It never touches the workspace database.
func SelfCheck(ctx context.Context, log *zap.Logger) Report {
	if log == nil {
		log = zap.NewNop()
	}
	checks := []struct {
		name string
		fn   func(context.Context) (string, error)
	}{
		{"clarification_blocks_execution", checkClarificationBlocks},
		{"entry_count_invariant", checkEntryCount},
		{"repair_merge_law", checkMergeLaw},
		{"repair_pass", checkRepairPass},
		{"verifier_determinism", checkVerifierDeterminism},
		{"resolver_ambiguity", checkResolverAmbiguity},
		{"strict_schema", checkStrictSchema},
	}
	report := Report{OK: true}
	for _, c := range checks {
		detail, err := c.fn(ctx)
		check := Check{Name: c.name, Passed: err == nil, Detail: detail}
		if err != nil {
			check.Detail = err.Error()
			report.OK = false
			log.Warn("self-check failed", zap.String("check", c.name), zap.Error(err))
		}
		report.Checks = append(report.Checks, check)
	}
	return report
}

func scriptedPlanner(replies ...string) Planner {
	settings := config.ModelConfig{Provider: "openai", Model: "self-check", APIKey: "self-check", Enabled: true}
	return NewPlanner(settings, llmtest.Texts(replies...), DefaultPrompts(), DefaultLimits(), nil)
}

// countingExecutor refuses nothing and counts calls.
type countingExecutor struct {
	state snapshot.State
	calls int
}

func (c *countingExecutor) Execute(context.Context, plan.Plan, engine.ExecuteOptions) (plan.ExecutionResult, error) {
	c.calls++
	return plan.ExecutionResult{}, nil
}

func (c *countingExecutor) Snapshot(context.Context) (snapshot.State, error) {
	return c.state, nil
}

func memoryEngine(ctx context.Context) (engine.Engine, func(), error) {
	conn, err := db.OpenMemory()
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if _, err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	return engine.New(conn, nil), func() { conn.Close() }, nil
}

func checkClarificationBlocks(ctx context.Context) (string, error) {
	const reply = `{"operations":[{"action":"update","entity":"item","target":"示波器","fields":{"status":"borrowed"}}],"clarification":"Which oscilloscope, the one in B203 or B105?"}`
	exec := &countingExecutor{state: snapshot.New([]domain.Item{
		{ID: "i1", Name: "示波器", Status: "normal", Visibility: "public"},
		{ID: "i2", Name: "示波器", Status: "normal", Visibility: "public"},
	}, nil, nil, nil)}
	loop := Loop{Planner: scriptedPlanner(reply, reply), Executor: exec}

	out, err := loop.Run(ctx, Request{Instruction: "把示波器状态改成借出", AutoExecute: true})
	if err != nil {
		return "", err
	}
	if out.Stage != StageClarification {
		return "", fmt.Errorf("stage %s, want %s", out.Stage, StageClarification)
	}
	if _, err := loop.Execute(ctx, "", "", out.Plan); !errors.Is(err, ErrClarificationPending) {
		return "", fmt.Errorf("direct execute returned %v", err)
	}
	s := loop.NewSession("把示波器状态改成借出", "")
	if _, err := s.Plan(ctx); err != nil {
		return "", err
	}
	if _, err := s.Execute(ctx); !errors.Is(err, ErrClarificationPending) {
		return "", fmt.Errorf("session execute returned %v", err)
	}
	if _, err := s.Feedback(ctx, Feedback{Decision: DecisionConfirm}); !errors.Is(err, ErrInsufficientFeedback) {
		return "", fmt.Errorf("empty confirm returned %v", err)
	}
	if exec.calls != 0 {
		return "", fmt.Errorf("executor invoked %d time(s)", exec.calls)
	}
	return "plans with a clarification were never executed", nil
}

func checkEntryCount(ctx context.Context) (string, error) {
	eng, closeFn, err := memoryEngine(ctx)
	if err != nil {
		return "", err
	}
	defer closeFn()
	p, err := plan.Decode([]byte(`{"operations":[
		{"action":"create","entity":"location","fields":{"name":"B203"}},
		{"action":"update","entity":"item","target":"missing","fields":{"status":"lost"}},
		{"action":"create","entity":"item","fields":{"name":"Probe","quantity":"abc"}},
		{"action":"delete","entity":"location","target":"B203"}
	]}`))
	if err != nil {
		return "", err
	}
	res, err := eng.Execute(ctx, p, engine.ExecuteOptions{})
	if err != nil {
		return "", err
	}
	if len(res.Entries) != len(p.Operations) {
		return "", fmt.Errorf("%d entries for %d operations", len(res.Entries), len(p.Operations))
	}
	for i, e := range res.Entries {
		if e.OperationID != plan.OperationID(i) {
			return "", fmt.Errorf("entry %d has id %s", i, e.OperationID)
		}
	}
	return fmt.Sprintf("%d operations, %d entries (%s)", len(p.Operations), len(res.Entries), res.Summary()), nil
}

func checkMergeLaw(context.Context) (string, error) {
	first := plan.NewResult([]plan.ExecutionEntry{
		{OperationID: "op-1", Success: true, Message: "a"},
		{OperationID: "op-2", Success: false, Message: "b"},
		{OperationID: "op-3", Success: true, Message: "c"},
	}, nil)
	retry := plan.NewResult([]plan.ExecutionEntry{
		{OperationID: "op-1", Success: true, Message: "d"},
		{OperationID: "op-2", Success: false, Message: "e"},
	}, nil)
	want := []plan.ExecutionEntry{
		{OperationID: "op-1", Success: true, Message: plan.TagFirstPass + "a"},
		{OperationID: "op-3", Success: true, Message: plan.TagFirstPass + "c"},
		{OperationID: "op-1", Success: true, Message: plan.TagRepair + "d"},
		{OperationID: "op-2", Success: false, Message: plan.TagRepair + "e"},
	}
	if diff := cmp.Diff(want, plan.Merge(first, retry).Entries); diff != "" {
		return "", fmt.Errorf("merge mismatch (-want +got):\n%s", diff)
	}
	return "first-pass successes then repair entries, tagged", nil
}

func checkRepairPass(ctx context.Context) (string, error) {
	eng, closeFn, err := memoryEngine(ctx)
	if err != nil {
		return "", err
	}
	defer closeFn()
	seed, _ := plan.Decode([]byte(`{"operations":[{"action":"create","entity":"item","fields":{"name":"Probe","quantity":1}}]}`))
	if _, err := eng.Execute(ctx, seed, engine.ExecuteOptions{}); err != nil {
		return "", err
	}
	loop := Loop{
		Planner: scriptedPlanner(
			`{"operations":[{"action":"create","entity":"location","fields":{"name":"B203"}},{"action":"update","entity":"item","target":"Probe","fields":{"quantity":"abc"}}],"clarification":""}`,
			`{"operations":[{"action":"update","entity":"item","target":"Probe","fields":{"quantity":5}}],"clarification":""}`,
		),
		Executor: eng,
	}
	out, err := loop.Run(ctx, Request{Instruction: "新建位置 B203，Probe 数量改成 abc", AutoExecute: true})
	if err != nil {
		return "", err
	}
	if out.Execution == nil || out.RepairPlan == nil {
		return "", fmt.Errorf("repair pass did not run (stage %s)", out.Stage)
	}
	entries := out.Execution.Entries
	if len(entries) != 2 || !strings.HasPrefix(entries[0].Message, plan.TagFirstPass) || !strings.HasPrefix(entries[1].Message, plan.TagRepair) || out.Execution.FailureCount() != 0 {
		return "", fmt.Errorf("unexpected merged entries %+v", entries)
	}
	if out.Verification == nil || !out.Verification.Passed() {
		return "", fmt.Errorf("verification failed: %+v", out.Verification)
	}
	return out.Execution.Summary(), nil
}

func checkVerifierDeterminism(context.Context) (string, error) {
	p, err := plan.Decode([]byte(`{"operations":[
		{"action":"update","entity":"member","target":"Ben","fields":{"status":"inactive"}},
		{"action":"delete","entity":"location","target":"B203"},
		{"action":"create","entity":"member","fields":{"name":"小王","username":"wangx"}}
	]}`))
	if err != nil {
		return "", err
	}
	res := plan.NewResult([]plan.ExecutionEntry{
		{OperationID: "op-1", Success: true}, {OperationID: "op-2", Success: true}, {OperationID: "op-3", Success: true},
	}, nil)
	before := snapshot.New(nil, []domain.Location{{ID: "l1", Name: "B203", Status: "normal"}}, nil,
		[]domain.Member{{ID: "m1", Name: "Ben", Username: "ben", Status: "active"}})
	after := snapshot.New(nil, []domain.Location{{ID: "l1", Name: "B203", Status: "normal"}}, nil,
		[]domain.Member{{ID: "m1", Name: "Ben", Username: "ben", Status: "inactive"}, {ID: "m2", Name: "小王", Username: "wangx", Status: "active"}})
	first := verify.Verify(p, res, before, after)
	for i := 0; i < 3; i++ {
		if diff := cmp.Diff(first, verify.Verify(p, res, before, after)); diff != "" {
			return "", fmt.Errorf("run %d differs (-first +again):\n%s", i+2, diff)
		}
	}
	return first.Summary(), nil
}

func checkResolverAmbiguity(context.Context) (string, error) {
	index := []resolve.Candidate{
		{ID: "i1", Name: "示波器", CreatedAt: "2024-01-01T00:00:00Z", Descriptors: []string{"B203"}},
		{ID: "i2", Name: "示波器", CreatedAt: "2024-02-01T00:00:00Z", Descriptors: []string{"B105"}},
	}
	if _, err := resolve.Resolve(index, "示波器", ""); !errors.Is(err, resolve.ErrAmbiguous) {
		return "", fmt.Errorf("duplicate names without hint returned %v", err)
	}
	c, err := resolve.Resolve(index, "示波器", "B105")
	if err != nil || c.ID != "i2" {
		return "", fmt.Errorf("hint resolved to %q, %v", c.ID, err)
	}
	if _, err := resolve.Resolve(index, "万用表", ""); !errors.Is(err, resolve.ErrNotFound) {
		return "", fmt.Errorf("missing name returned %v", err)
	}
	if _, err := resolve.Resolve(index, "示波", "B105"); !errors.Is(err, resolve.ErrNotFound) {
		return "", fmt.Errorf("partial name returned %v", err)
	}
	return "duplicates need a hint; hints narrow the match; partial names do not match", nil
}

func checkStrictSchema(context.Context) (string, error) {
	rejected := []string{
		`{"operations":[{"action":"update","entity":"item","target":"x","fields":{"colour":"red"}}]}`,
		`{"operations":[{"action":"archive","entity":"item","target":"x"}]}`,
		`{"operations":[],"confidence":1}`,
	}
	for _, raw := range rejected {
		if _, err := plan.Decode([]byte(raw)); err == nil {
			return "", fmt.Errorf("accepted %s", raw)
		}
	}
	return fmt.Sprintf("%d malformed plans rejected", len(rejected)), nil
}
