package plan

import (
	"encoding/json"
	"fmt"
)

const (
	TagFirstPass = "[first-pass] "
	TagRepair    = "[repair] "
)

// ExecutionEntry is the outcome of one attempted operation.
type ExecutionEntry struct {
	OperationID string `json:"operationId"`
	Success     bool   `json:"success"`
	Message     string `json:"message"`
}

// ExecutionResult holds one entry per attempted operation, in plan order.
type ExecutionResult struct {
	Entries             []ExecutionEntry `json:"entries"`
	OrphanedAttachments []string         `json:"orphanedAttachments,omitempty"`
}

func NewResult(entries []ExecutionEntry, orphaned []string) ExecutionResult {
	out := make([]ExecutionEntry, len(entries))
	copy(out, entries)
	return ExecutionResult{Entries: out, OrphanedAttachments: append([]string(nil), orphaned...)}
}

func (r ExecutionResult) SuccessCount() int {
	n := 0
	for _, e := range r.Entries {
		if e.Success {
			n++
		}
	}
	return n
}

func (r ExecutionResult) FailureCount() int {
	return len(r.Entries) - r.SuccessCount()
}

func (r ExecutionResult) HasFailures() bool {
	return r.FailureCount() > 0
}

func (r ExecutionResult) Successes() []ExecutionEntry {
	return r.filter(true)
}

func (r ExecutionResult) Failures() []ExecutionEntry {
	return r.filter(false)
}

func (r ExecutionResult) filter(success bool) []ExecutionEntry {
	var out []ExecutionEntry
	for _, e := range r.Entries {
		if e.Success == success {
			out = append(out, e)
		}
	}
	return out
}

func (r ExecutionResult) Summary() string {
	if len(r.Entries) == 0 {
		return "no operations"
	}
	return fmt.Sprintf("%d succeeded, %d failed", r.SuccessCount(), r.FailureCount())
}

func (r ExecutionResult) MarshalJSON() ([]byte, error) {
	type wire struct {
		Entries             []ExecutionEntry `json:"entries"`
		SuccessCount        int              `json:"successCount"`
		FailureCount        int              `json:"failureCount"`
		Summary             string           `json:"summary"`
		OrphanedAttachments []string         `json:"orphanedAttachments,omitempty"`
	}
	entries := r.Entries
	if entries == nil {
		entries = []ExecutionEntry{}
	}
	return json.Marshal(wire{
		Entries:             entries,
		SuccessCount:        r.SuccessCount(),
		FailureCount:        r.FailureCount(),
		Summary:             r.Summary(),
		OrphanedAttachments: r.OrphanedAttachments,
	})
}

func (r *ExecutionResult) UnmarshalJSON(data []byte) error {
	var w struct {
		Entries             []ExecutionEntry `json:"entries"`
		OrphanedAttachments []string         `json:"orphanedAttachments"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = ExecutionResult{Entries: w.Entries, OrphanedAttachments: w.OrphanedAttachments}
	return nil
}

// Merge combines a first pass with its repair pass: the first pass's
// successes, then every repair entry, each message tagged with its pass.
// Neither input is modified.
func Merge(first, retry ExecutionResult) ExecutionResult {
	entries := make([]ExecutionEntry, 0, len(first.Entries)+len(retry.Entries))
	for _, e := range first.Successes() {
		e.Message = TagFirstPass + e.Message
		entries = append(entries, e)
	}
	for _, e := range retry.Entries {
		e.Message = TagRepair + e.Message
		entries = append(entries, e)
	}
	orphaned := append(append([]string(nil), first.OrphanedAttachments...), retry.OrphanedAttachments...)
	return NewResult(entries, orphaned)
}
