package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"blab/internal/plan"
)

type State string

const (
	StateNoPlan           State = "no_plan"
	StatePlanned          State = "planned"
	StateAwaitingFeedback State = "awaiting_feedback"
	StateReplanning       State = "replanning"
	StateExecuting        State = "executing"
	StateResolved         State = "resolved"
	StateDismissed        State = "dismissed"
)

type Decision string

const (
	DecisionConfirm    Decision = "confirm"
	DecisionReject     Decision = "reject"
	DecisionSupplement Decision = "supplement"
)

func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(s))); d {
	case DecisionConfirm, DecisionReject, DecisionSupplement:
		return d, nil
	}
	return "", fmt.Errorf("unknown decision %q", s)
}

// Feedback answers a clarification question.
type Feedback struct {
	Decision             Decision `json:"decision"`
	EventTitleHint       string   `json:"eventTitleHint,omitempty"`
	ParticipantNameHints []string `json:"participantNameHints,omitempty"`
	ExtraNote            string   `json:"extraNote,omitempty"`
}

func (f Feedback) hasDetail() bool {
	if strings.TrimSpace(f.EventTitleHint) != "" || strings.TrimSpace(f.ExtraNote) != "" {
		return true
	}
	for _, n := range f.ParticipantNameHints {
		if strings.TrimSpace(n) != "" {
			return true
		}
	}
	return false
}

// Session walks one instruction through the clarification protocol. A plan
// carrying a clarification question can only leave AwaitingFeedback by
// re-planning or dismissal.
type Session struct {
	loop  Loop
	actor string

	mu          sync.Mutex
	state       State
	instruction string
	prompt      string
	last        Outcome
}

func (l Loop) NewSession(instruction, actor string) *Session {
	return &Session{loop: l, actor: actor, state: StateNoPlan, instruction: instruction, prompt: instruction}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Outcome returns the latest plan or execution outcome.
func (s *Session) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Plan produces the first plan. It is only valid from NoPlan.
func (s *Session) Plan(ctx context.Context) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateNoPlan {
		return Outcome{}, fmt.Errorf("cannot plan from state %s", s.state)
	}
	return s.replan(ctx, s.prompt, StateNoPlan)
}

// Feedback answers the pending clarification. Reject without detail
// dismisses the plan; confirm or supplement without detail is refused with
// ErrInsufficientFeedback and the session keeps waiting.
func (s *Session) Feedback(ctx context.Context, fb Feedback) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAwaitingFeedback {
		return Outcome{}, fmt.Errorf("no clarification pending (state %s)", s.state)
	}
	if !fb.hasDetail() {
		if fb.Decision == DecisionReject {
			s.state = StateDismissed
			s.last = Outcome{}
			return Outcome{}, nil
		}
		return Outcome{}, ErrInsufficientFeedback
	}
	data, err := json.MarshalIndent(fb, "", "  ")
	if err != nil {
		return Outcome{}, err
	}
	prompt := fmt.Sprintf(s.loop.Planner.Prompts.Feedback, s.prompt, s.last.Plan.Clarification, string(data))
	s.state = StateReplanning
	return s.replan(ctx, prompt, StateAwaitingFeedback)
}

// replan asks the planner with prompt. On success prompt becomes the
// session's prompt; on failure the session returns to from unchanged.
func (s *Session) replan(ctx context.Context, prompt string, from State) (Outcome, error) {
	planned, _, err := s.loop.plan(ctx, prompt, s.actor)
	if err != nil {
		s.state = from
		return Outcome{}, err
	}
	s.prompt = prompt
	s.last = Outcome{Stage: StagePlanned, Plan: planned.Plan, Trace: planned.Trace, Stats: planned.Stats}
	s.state = StatePlanned
	if planned.Plan.NeedsClarification() {
		s.last.Stage = StageClarification
		s.state = StateAwaitingFeedback
	}
	return s.last, nil
}

// Execute runs the current plan. It is refused while a clarification is
// pending.
func (s *Session) Execute(ctx context.Context) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StatePlanned:
	case StateAwaitingFeedback:
		return Outcome{}, ErrClarificationPending
	default:
		return Outcome{}, fmt.Errorf("nothing to execute (state %s)", s.state)
	}
	s.state = StateExecuting
	out, err := s.loop.Execute(ctx, s.prompt, s.actor, s.last.Plan)
	if err != nil {
		s.state = StatePlanned
		return Outcome{}, err
	}
	out.Trace = append(append([]string(nil), s.last.Trace...), out.Trace...)
	out.Stats = s.last.Stats.add(out.Stats)
	s.last = out
	s.state = StateResolved
	return out, nil
}

// Dismiss drops any pending plan.
func (s *Session) Dismiss() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateDismissed
	s.last = Outcome{}
}

// Restart begins again from NoPlan with an edited instruction. It is only
// valid once the session is dismissed or resolved.
func (s *Session) Restart(instruction string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDismissed && s.state != StateResolved {
		return fmt.Errorf("cannot restart from state %s", s.state)
	}
	s.instruction, s.prompt = instruction, instruction
	s.state = StateNoPlan
	s.last = Outcome{}
	return nil
}

// Pending reports the clarification question, if any.
func (s *Session) Pending() (plan.Plan, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last.Plan, s.state == StateAwaitingFeedback
}

// Instruction returns the operator's instruction as last submitted.
func (s *Session) Instruction() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instruction
}
