// Package verify checks that executed operations are reflected in the store.
package verify

import (
	"encoding/json"
	"fmt"
	"strings"

	"blab/internal/plan"
	"blab/internal/resolve"
	"blab/internal/snapshot"
)

const (
	msgUnchanged = "state unchanged"
	msgDiverged  = "state changed but not as declared"
	msgNoOp      = "no-op"
	msgVerified  = "verified"
)

// Result lists one entry per successful operation that was checked.
type Result struct {
	Entries []plan.ExecutionEntry `json:"entries"`
}

func (r Result) Failures() []plan.ExecutionEntry {
	var out []plan.ExecutionEntry
	for _, e := range r.Entries {
		if !e.Success {
			out = append(out, e)
		}
	}
	return out
}

func (r Result) Passed() bool {
	return len(r.Failures()) == 0
}

func (r Result) Summary() string {
	if len(r.Entries) == 0 {
		return "nothing to verify"
	}
	failed := len(r.Failures())
	return fmt.Sprintf("%d verified, %d mismatched", len(r.Entries)-failed, failed)
}

func (r Result) MarshalJSON() ([]byte, error) {
	entries := r.Entries
	if entries == nil {
		entries = []plan.ExecutionEntry{}
	}
	return json.Marshal(struct {
		Entries []plan.ExecutionEntry `json:"entries"`
		Passed  bool                  `json:"passed"`
		Summary string                `json:"summary"`
	}{entries, r.Passed(), r.Summary()})
}

func (r *Result) UnmarshalJSON(data []byte) error {
	var w struct {
		Entries []plan.ExecutionEntry `json:"entries"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.Entries = w.Entries
	return nil
}

// Combine concatenates results in order.
func Combine(rs ...Result) Result {
	var out Result
	for _, r := range rs {
		out.Entries = append(out.Entries, r.Entries...)
	}
	return out
}

// Verify derives an end-state predicate for every operation of p whose entry
// in res succeeded and evaluates it against before and after. It reads
// nothing else, so identical inputs give identical results.
func Verify(p plan.Plan, res plan.ExecutionResult, before, after snapshot.State) Result {
	succeeded := map[string]bool{}
	for _, e := range res.Entries {
		if e.Success {
			succeeded[e.OperationID] = true
		}
	}
	out := Result{Entries: []plan.ExecutionEntry{}}
	for i, op := range p.Operations {
		id := plan.OperationID(i)
		if !succeeded[id] {
			continue
		}
		var err error
		switch op.Action {
		case plan.ActionCreate:
			err = checkCreate(op, before, after)
		case plan.ActionUpdate:
			err = checkUpdate(op, before, after)
		case plan.ActionDelete:
			err = checkDelete(op, before, after)
		}
		if err != nil {
			out.Entries = append(out.Entries, plan.ExecutionEntry{OperationID: id, Success: false, Message: err.Error()})
			continue
		}
		out.Entries = append(out.Entries, plan.ExecutionEntry{OperationID: id, Success: true, Message: fmt.Sprintf("%s: %s", msgVerified, op)})
	}
	return out
}

func checkCreate(op plan.Operation, before, after snapshot.State) error {
	name, _ := op.Fields.Get(plan.BaseField(op.Entity))
	name = strings.TrimSpace(name)
	if after.Count(op.Entity, name) <= before.Count(op.Entity, name) {
		return fmt.Errorf("%s: no new %s named %q in the store", msgUnchanged, op.Entity, name)
	}
	var firstMismatch string
	for _, rec := range after.Named(op.Entity, name) {
		mismatch := mismatchedField(op, rec, after)
		if mismatch == "" {
			return nil
		}
		if firstMismatch == "" {
			firstMismatch = mismatch
		}
	}
	return fmt.Errorf("%s: %s %q %s", msgDiverged, op.Entity, name, firstMismatch)
}

func checkUpdate(op plan.Operation, before, after snapshot.State) error {
	prev, existed := locate(op, before)
	if !existed {
		// created earlier in the same plan; find it by its declared name
		name := op.Target
		if v, ok := op.Fields.Get(plan.BaseField(op.Entity)); ok && strings.TrimSpace(v) != "" {
			name = v
		}
		c, err := resolve.Resolve(after.Candidates(op.Entity), name, op.TargetHint)
		if err != nil {
			return fmt.Errorf("%s: %s %q cannot be found after execution", msgDiverged, op.Entity, name)
		}
		rec, _ := after.ByID(op.Entity, c.ID)
		if m := mismatchedField(op, rec, after); m != "" {
			return fmt.Errorf("%s: %s %q %s", msgDiverged, op.Entity, rec.Name, m)
		}
		return nil
	}
	cur, ok := after.ByID(op.Entity, prev.ID)
	if !ok {
		return fmt.Errorf("%s: %s %q no longer exists", msgDiverged, op.Entity, prev.Name)
	}
	m := mismatchedField(op, cur, after)
	if m == "" {
		return nil
	}
	if sameFields(op, prev, cur) {
		return fmt.Errorf("%s: %s %q %s", msgUnchanged, op.Entity, cur.Name, m)
	}
	return fmt.Errorf("%s: %s %q %s", msgDiverged, op.Entity, cur.Name, m)
}

func checkDelete(op plan.Operation, before, after snapshot.State) error {
	prev, existed := locate(op, before)
	if !existed {
		return fmt.Errorf("%s: %s %q was not present before execution", msgNoOp, op.Entity, op.TargetName())
	}
	if _, still := after.ByID(op.Entity, prev.ID); still {
		return fmt.Errorf("%s: %s %q is still present", msgUnchanged, op.Entity, prev.Name)
	}
	return nil
}

func locate(op plan.Operation, st snapshot.State) (snapshot.Record, bool) {
	c, err := resolve.Resolve(st.Candidates(op.Entity), op.TargetName(), op.TargetHint)
	if err != nil {
		return snapshot.Record{}, false
	}
	return st.ByID(op.Entity, c.ID)
}

// mismatchedField describes the first declared field rec does not carry,
// or returns "" when every declared field holds.
func mismatchedField(op plan.Operation, rec snapshot.Record, st snapshot.State) string {
	for _, f := range op.Fields {
		spec, ok := plan.Spec(op.Entity, f.Name)
		if !ok {
			continue
		}
		want := f.Value
		if spec.Kind == plan.KindRefList && spec.Ref == plan.EntityMember {
			want = memberNames(want, st)
		}
		if !plan.SameValue(spec, want, rec.Fields[f.Name]) {
			return fmt.Sprintf("has %s=%q, declared %q", f.Name, rec.Fields[f.Name], f.Value)
		}
	}
	return ""
}

func sameFields(op plan.Operation, a, b snapshot.Record) bool {
	for _, f := range op.Fields {
		if a.Fields[f.Name] != b.Fields[f.Name] {
			return false
		}
	}
	return true
}

// memberNames maps usernames in a declared list to member names.
func memberNames(list string, st snapshot.State) string {
	names := plan.SplitList(list)
	for i, n := range names {
		for _, m := range st.Members {
			if strings.EqualFold(m.Username, n) && !strings.EqualFold(m.Name, n) {
				names[i] = m.Name
			}
		}
	}
	return strings.Join(names, ", ")
}
