package agent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"blab/internal/engine"
	"blab/internal/plan"
	"blab/internal/snapshot"
	"blab/internal/verify"
)

// Stage tells the caller how far a run got.
type Stage string

const (
	StagePlanned             Stage = "planned"
	StageClarification       Stage = "clarification"
	StageExecuted            Stage = "executed"
	StageRepairClarification Stage = "repair_clarification"
)

// Executor applies plans to the store. engine.Engine implements it.
type Executor interface {
	Execute(ctx context.Context, p plan.Plan, opts engine.ExecuteOptions) (plan.ExecutionResult, error)
	Snapshot(ctx context.Context) (snapshot.State, error)
}

// Request is one instruction submitted to the loop.
type Request struct {
	Instruction string
	AutoExecute bool
	Actor       string
}

// Outcome is everything a run produced.
type Outcome struct {
	Stage        Stage                 `json:"stage"`
	Plan         plan.Plan             `json:"plan"`
	RepairPlan   *plan.Plan            `json:"repairPlan,omitempty"`
	Execution    *plan.ExecutionResult `json:"execution,omitempty"`
	Verification *verify.Result        `json:"verification,omitempty"`
	Trace        []string              `json:"trace"`
	Stats        Stats                 `json:"stats"`
}

// Loop runs instructions through planning, execution, one repair pass and
// verification, strictly in sequence.
type Loop struct {
	Planner  Planner
	Executor Executor
	Log      *zap.Logger
	Now      func() time.Time
}

func (l Loop) log() *zap.Logger {
	if l.Log != nil {
		return l.Log
	}
	return zap.NewNop()
}

func (l Loop) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Run plans req and, when req.AutoExecute is set and no clarification is
// needed, executes the plan.
func (l Loop) Run(ctx context.Context, req Request) (Outcome, error) {
	planned, before, err := l.plan(ctx, req.Instruction, req.Actor)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Stage: StagePlanned, Plan: planned.Plan, Trace: planned.Trace, Stats: planned.Stats}
	if planned.Plan.NeedsClarification() {
		out.Stage = StageClarification
		return out, nil
	}
	if !req.AutoExecute {
		return out, nil
	}
	return l.execute(ctx, req.Instruction, req.Actor, out, before)
}

// Execute runs an already planned p. A plan still awaiting clarification is
// refused.
func (l Loop) Execute(ctx context.Context, instruction, actor string, p plan.Plan) (Outcome, error) {
	if p.NeedsClarification() {
		return Outcome{}, ErrClarificationPending
	}
	before, err := l.Executor.Snapshot(ctx)
	if err != nil {
		return Outcome{}, err
	}
	return l.execute(ctx, instruction, actor, Outcome{Stage: StagePlanned, Plan: p}, before)
}

func (l Loop) plan(ctx context.Context, instruction, actor string) (Planned, snapshot.State, error) {
	before, err := l.Executor.Snapshot(ctx)
	if err != nil {
		return Planned{}, snapshot.State{}, err
	}
	planned, err := l.Planner.Plan(ctx, instruction, before.Context(l.now(), actor), before)
	if err != nil {
		return Planned{}, snapshot.State{}, err
	}
	return planned, before, nil
}

func (l Loop) execute(ctx context.Context, instruction, actor string, out Outcome, before snapshot.State) (Outcome, error) {
	opts := engine.ExecuteOptions{Actor: actor}
	first, err := l.Executor.Execute(ctx, out.Plan, opts)
	if err != nil {
		return Outcome{}, err
	}
	out.Stage = StageExecuted
	final := first
	var repairPlan *plan.Plan
	var second plan.ExecutionResult

	if first.HasFailures() && l.Planner.Configured() {
		mid, err := l.Executor.Snapshot(ctx)
		if err != nil {
			return Outcome{}, err
		}
		repaired, err := l.Planner.Repair(ctx, RepairRequest{
			Instruction: instruction,
			Previous:    out.Plan,
			Result:      first,
			Context:     mid.Context(l.now(), actor),
			Lookup:      mid,
		})
		out.Stats = out.Stats.add(repaired.Stats)
		for _, t := range repaired.Trace {
			out.Trace = append(out.Trace, "repair "+t)
		}
		switch {
		case err != nil:
			l.log().Warn("repair planning failed", zap.Error(err))
			out.Trace = append(out.Trace, fmt.Sprintf("repair skipped: %v", err))
		case repaired.Plan.NeedsClarification():
			p := repaired.Plan
			out.RepairPlan = &p
			out.Stage = StageRepairClarification
		default:
			p := repaired.Plan
			out.RepairPlan = &p
			repairPlan = &p
			second, err = l.Executor.Execute(ctx, p, opts)
			if err != nil {
				return Outcome{}, err
			}
			final = plan.Merge(first, second)
			l.log().Info("repair pass finished", zap.String("first", first.Summary()), zap.String("repair", second.Summary()))
		}
	}
	out.Execution = &final

	after, err := l.Executor.Snapshot(ctx)
	if err != nil {
		return Outcome{}, err
	}
	v := verify.Verify(out.Plan, first, before, after)
	if repairPlan != nil {
		v = verify.Combine(tagged(v, plan.TagFirstPass), tagged(verify.Verify(*repairPlan, second, before, after), plan.TagRepair))
	}
	for _, f := range v.Failures() {
		l.log().Warn("verification mismatch", zap.String("operation", f.OperationID), zap.String("message", f.Message))
	}
	out.Verification = &v
	return out, nil
}

func tagged(r verify.Result, tag string) verify.Result {
	out := verify.Result{Entries: make([]plan.ExecutionEntry, len(r.Entries))}
	for i, e := range r.Entries {
		e.Message = tag + e.Message
		out.Entries[i] = e
	}
	return out
}
