// Package agent turns instructions into plans and drives them through
// execution, repair and verification.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"blab/internal/config"
	"blab/internal/llm"
	"blab/internal/plan"
	"blab/internal/snapshot"
)

// Limits bound one planning call.
type Limits struct {
	MaxParseAttempts int
	MaxToolRounds    int
	MaxToolCalls     int
	MaxToolResults   int
}

func DefaultLimits() Limits {
	return Limits{MaxParseAttempts: 3, MaxToolRounds: 4, MaxToolCalls: 8, MaxToolResults: 20}
}

// LimitsFrom reads limits from the housekeeper config.
func LimitsFrom(h config.HousekeeperConfig) Limits {
	l := DefaultLimits()
	l.MaxParseAttempts = h.MaxParseAttempts
	l.MaxToolRounds = h.MaxToolRounds
	l.MaxToolCalls = h.MaxToolCalls
	return l
}

// Stats count what one planning call did.
type Stats struct {
	Rounds           int `json:"rounds"`
	Retries          int `json:"retries"`
	ToolCalls        int `json:"toolCalls"`
	EmptyToolResults int `json:"emptyToolResults"`
}

func (s Stats) add(o Stats) Stats {
	return Stats{
		Rounds:           s.Rounds + o.Rounds,
		Retries:          s.Retries + o.Retries,
		ToolCalls:        s.ToolCalls + o.ToolCalls,
		EmptyToolResults: s.EmptyToolResults + o.EmptyToolResults,
	}
}

// Planned is a plan with the trace of how it was reached.
type Planned struct {
	Plan  plan.Plan
	Trace []string
	Stats Stats
}

// Planner asks the model for plans.
type Planner struct {
	Settings config.ModelConfig
	Client   llm.Client
	Prompts  Prompts
	Limits   Limits
	Log      *zap.Logger
}

func NewPlanner(settings config.ModelConfig, client llm.Client, prompts Prompts, limits Limits, log *zap.Logger) Planner {
	if log == nil {
		log = zap.NewNop()
	}
	return Planner{Settings: settings, Client: client, Prompts: prompts, Limits: limits, Log: log}
}

// CheckSettings fails fast when model access cannot work.
func CheckSettings(s config.ModelConfig) error {
	if !s.Enabled {
		return ConfigurationError{Reason: "model access is disabled"}
	}
	if strings.TrimSpace(s.Provider) == "" {
		return ConfigurationError{Reason: "no provider configured"}
	}
	if s.KeyRequired() && strings.TrimSpace(s.APIKey) == "" {
		return ConfigurationError{Reason: fmt.Sprintf("no API key configured for %s", s.Provider)}
	}
	return nil
}

// Configured reports whether Plan can reach a model.
func (p Planner) Configured() bool {
	return p.ready() == nil
}

func (p Planner) ready() error {
	if err := CheckSettings(p.Settings); err != nil {
		return err
	}
	if p.Client == nil {
		return ConfigurationError{Reason: "model client unavailable"}
	}
	return nil
}

func (p Planner) log() *zap.Logger {
	if p.Log != nil {
		return p.Log
	}
	return zap.NewNop()
}

// Plan asks the model for a plan for instruction. lookup may be nil, which
// disables tool requests.
func (p Planner) Plan(ctx context.Context, instruction string, sctx snapshot.Context, lookup snapshot.Lookup) (Planned, error) {
	if err := p.ready(); err != nil {
		return Planned{}, err
	}
	body := fmt.Sprintf(p.Prompts.Plan, mustJSON(sctx), strings.TrimSpace(instruction))
	return p.run(ctx, body, lookup)
}

// RepairRequest carries the failure context for a repair call.
type RepairRequest struct {
	Instruction string
	Previous    plan.Plan
	Result      plan.ExecutionResult
	Context     snapshot.Context
	Lookup      snapshot.Lookup
}

type failedOp struct {
	OperationID string         `json:"operationId"`
	Operation   plan.Operation `json:"operation"`
	Error       string         `json:"error"`
}

// Repair asks for a corrected plan covering only the failed entries of
// req.Result.
func (p Planner) Repair(ctx context.Context, req RepairRequest) (Planned, error) {
	if err := p.ready(); err != nil {
		return Planned{}, err
	}
	var failed []failedOp
	for i, op := range req.Previous.Operations {
		id := plan.OperationID(i)
		for _, e := range req.Result.Failures() {
			if e.OperationID == id {
				failed = append(failed, failedOp{OperationID: id, Operation: op, Error: e.Message})
			}
		}
	}
	body := fmt.Sprintf(p.Prompts.Repair,
		strings.TrimSpace(req.Instruction), mustJSON(req.Previous), mustJSON(failed), mustJSON(req.Context))
	return p.run(ctx, body, req.Lookup)
}

type toolRequest struct {
	Tool  string `json:"tool"`
	Query string `json:"query"`
}

type toolResult struct {
	Tool    string            `json:"tool"`
	Query   string            `json:"query"`
	Records []snapshot.Record `json:"records"`
	Error   string            `json:"error,omitempty"`
}

type envelope struct {
	Operations    []plan.Operation `json:"operations"`
	Clarification string           `json:"clarification"`
	ToolRequests  []toolRequest    `json:"tool_requests"`
}

var tools = map[string]plan.Entity{
	"find_items":     plan.EntityItem,
	"find_locations": plan.EntityLocation,
	"find_events":    plan.EntityEvent,
	"find_members":   plan.EntityMember,
}

func (p Planner) run(ctx context.Context, body string, lookup snapshot.Lookup) (Planned, error) {
	limits := p.Limits
	if limits.MaxParseAttempts < 1 {
		limits.MaxParseAttempts = 1
	}
	if lookup == nil {
		limits.MaxToolRounds = 0
	}
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: fmt.Sprintf(p.Prompts.System, strings.TrimRight(plan.Describe(), "\n"))},
		{Role: llm.RoleUser, Content: body},
	}
	var out Planned
	failures := 0
	budgetSpent := false
	for {
		out.Stats.Rounds++
		raw, err := p.Client.Generate(ctx, msgs)
		if err != nil {
			var te *llm.TransportError
			if errors.As(err, &te) && te.Retryable() && ctx.Err() == nil {
				failures++
				out.Stats.Retries = failures
				out.Trace = append(out.Trace, fmt.Sprintf("round %d: transport error: %v", out.Stats.Rounds, err))
				p.log().Warn("model call failed", zap.Int("round", out.Stats.Rounds), zap.Error(err))
				if failures < limits.MaxParseAttempts {
					continue
				}
			}
			p.log().Error("model call failed", zap.Error(err))
			return Planned{}, err
		}

		env, err := decodeEnvelope(raw)
		if err != nil {
			failures++
			out.Stats.Retries = failures
			out.Trace = append(out.Trace, fmt.Sprintf("round %d: unusable reply: %v", out.Stats.Rounds, err))
			p.log().Debug("reply rejected", zap.Int("round", out.Stats.Rounds), zap.Error(err))
			if failures >= limits.MaxParseAttempts {
				return Planned{}, &ParseError{Attempts: failures, Raw: raw, Err: err}
			}
			msgs = append(msgs,
				llm.Message{Role: llm.RoleAssistant, Content: raw},
				llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf(p.Prompts.FormatRetry, err)})
			continue
		}

		if len(env.ToolRequests) > 0 && !budgetSpent {
			if out.Stats.Rounds <= limits.MaxToolRounds && out.Stats.ToolCalls < limits.MaxToolCalls {
				results := p.runTools(env.ToolRequests, lookup, limits, &out)
				msgs = append(msgs,
					llm.Message{Role: llm.RoleAssistant, Content: raw},
					llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf(p.Prompts.ToolResults, mustJSON(results))})
				continue
			}
			budgetSpent = true
			out.Trace = append(out.Trace, fmt.Sprintf("round %d: lookup budget spent, asking for final plan", out.Stats.Rounds))
			msgs = append(msgs,
				llm.Message{Role: llm.RoleAssistant, Content: raw},
				llm.Message{Role: llm.RoleUser, Content: p.Prompts.ToolBudget})
			continue
		}

		pl, err := plan.New(env.Operations, env.Clarification)
		if err != nil {
			return Planned{}, &ParseError{Attempts: failures + 1, Raw: raw, Err: err}
		}
		out.Plan = pl
		switch {
		case pl.NeedsClarification():
			out.Trace = append(out.Trace, fmt.Sprintf("round %d: clarification requested: %s", out.Stats.Rounds, pl.Clarification))
		default:
			out.Trace = append(out.Trace, fmt.Sprintf("round %d: plan with %d operation(s)", out.Stats.Rounds, len(pl.Operations)))
		}
		p.log().Debug("plan ready", zap.Int("operations", len(pl.Operations)), zap.Int("rounds", out.Stats.Rounds), zap.Int("tool_calls", out.Stats.ToolCalls))
		return out, nil
	}
}

func (p Planner) runTools(reqs []toolRequest, lookup snapshot.Lookup, limits Limits, out *Planned) []toolResult {
	results := make([]toolResult, 0, len(reqs))
	for _, r := range reqs {
		if out.Stats.ToolCalls >= limits.MaxToolCalls {
			out.Trace = append(out.Trace, fmt.Sprintf("round %d: tool call limit reached, dropped %s(%q)", out.Stats.Rounds, r.Tool, r.Query))
			break
		}
		out.Stats.ToolCalls++
		res := toolResult{Tool: r.Tool, Query: r.Query, Records: []snapshot.Record{}}
		entity, ok := tools[r.Tool]
		if !ok {
			res.Error = fmt.Sprintf("unknown tool %q", r.Tool)
		} else {
			res.Records = append(res.Records, lookup.Find(entity, r.Query, limits.MaxToolResults)...)
		}
		if len(res.Records) == 0 {
			out.Stats.EmptyToolResults++
		}
		out.Trace = append(out.Trace, fmt.Sprintf("round %d: %s(%q) -> %d record(s)", out.Stats.Rounds, r.Tool, r.Query, len(res.Records)))
		p.log().Debug("tool call", zap.String("tool", r.Tool), zap.String("query", r.Query), zap.Int("records", len(res.Records)))
		results = append(results, res)
	}
	return results
}

// decodeEnvelope extracts the reply object and decodes it strictly.
func decodeEnvelope(raw string) (envelope, error) {
	text, err := plan.ExtractJSON(raw)
	if err != nil {
		return envelope{}, err
	}
	var env envelope
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return envelope{}, err
	}
	if _, err := plan.New(env.Operations, env.Clarification); err != nil {
		return envelope{}, err
	}
	return env, nil
}

func mustJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
