package server

import (
	"blab/internal/agent"
	"blab/internal/plan"
	"blab/internal/verify"
)

// ExecuteRequest is the body of POST /housekeeper/execute.
type ExecuteRequest struct {
	Instruction   string `json:"instruction" minLength:"1" doc:"Natural-language instruction"`
	AutoExecute   bool   `json:"autoExecute,omitempty" doc:"Execute the plan when no clarification is needed"`
	ActorUsername string `json:"actorUsername,omitempty" doc:"Acting member; defaults to the token subject"`
}

type ExecuteResponse struct {
	RequestID           string                `json:"requestId"`
	Instruction         string                `json:"instruction"`
	Stage               agent.Stage           `json:"stage" enum:"planned,clarification,executed,repair_clarification"`
	Plan                plan.Plan             `json:"plan"`
	RepairPlan          *plan.Plan            `json:"repairPlan,omitempty"`
	Execution           *plan.ExecutionResult `json:"execution,omitempty"`
	Verification        *verify.Result        `json:"verification,omitempty"`
	Trace               []string              `json:"trace"`
	Stats               agent.Stats           `json:"stats"`
	OrphanedAttachments []string              `json:"orphanedAttachments,omitempty"`
}

type HealthResponse struct {
	OK                    bool   `json:"ok"`
	State                 string `json:"state" enum:"ready,draining"`
	Port                  int    `json:"port"`
	RequestCount          int64  `json:"requestCount"`
	IdempotencyEntryCount int    `json:"idempotencyEntryCount"`
	TokenRequired         bool   `json:"tokenRequired"`
}

type SelfCheckResponse struct {
	OK     bool          `json:"ok"`
	Checks []agent.Check `json:"checks"`
}

func newExecuteResponse(requestID, instruction string, out agent.Outcome) ExecuteResponse {
	resp := ExecuteResponse{
		RequestID:    requestID,
		Instruction:  instruction,
		Stage:        out.Stage,
		Plan:         out.Plan,
		RepairPlan:   out.RepairPlan,
		Execution:    out.Execution,
		Verification: out.Verification,
		Trace:        out.Trace,
		Stats:        out.Stats,
	}
	if resp.Trace == nil {
		resp.Trace = []string{}
	}
	if out.Execution != nil {
		resp.OrphanedAttachments = out.Execution.OrphanedAttachments
	}
	return resp
}
