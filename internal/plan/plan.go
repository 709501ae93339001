package plan

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Operation is one planned mutation. Target names an existing record for
// update/delete; TargetHint narrows an ambiguous target.
type Operation struct {
	Action     Action   `json:"action"`
	Entity     Entity   `json:"entity"`
	Target     string   `json:"target,omitempty"`
	TargetHint string   `json:"target_hint,omitempty"`
	Fields     FieldSet `json:"fields,omitempty"`
	Note       string   `json:"note,omitempty"`
}

// UnmarshalJSON rejects keys outside the operation schema.
func (o *Operation) UnmarshalJSON(data []byte) error {
	type wire struct {
		Action     *Action  `json:"action"`
		Entity     *Entity  `json:"entity"`
		Target     string   `json:"target"`
		TargetHint string   `json:"target_hint"`
		Fields     FieldSet `json:"fields"`
		Note       string   `json:"note"`
	}
	var w wire
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return err
	}
	if w.Action == nil {
		return errors.New("operation missing action")
	}
	if w.Entity == nil {
		return errors.New("operation missing entity")
	}
	*o = Operation{
		Action:     *w.Action,
		Entity:     *w.Entity,
		Target:     strings.TrimSpace(w.Target),
		TargetHint: strings.TrimSpace(w.TargetHint),
		Fields:     w.Fields,
		Note:       strings.TrimSpace(w.Note),
	}
	return nil
}

// Validate checks the operation against its entity allowlist.
func (o Operation) Validate() error {
	for _, f := range o.Fields {
		if _, ok := Spec(o.Entity, f.Name); !ok {
			return fmt.Errorf("%s %s: field %q is not allowed", o.Action, o.Entity, f.Name)
		}
	}
	base := BaseField(o.Entity)
	switch o.Action {
	case ActionCreate:
		if v, _ := o.Fields.Get(base); strings.TrimSpace(v) == "" {
			return fmt.Errorf("create %s: %s is required", o.Entity, base)
		}
	case ActionUpdate:
		if o.Target == "" {
			return fmt.Errorf("update %s: target is required", o.Entity)
		}
		if len(o.Fields) == 0 {
			return fmt.Errorf("update %s: no fields declared", o.Entity)
		}
	case ActionDelete:
		if o.Target == "" {
			if v, _ := o.Fields.Get(base); strings.TrimSpace(v) == "" {
				return fmt.Errorf("delete %s: target is required", o.Entity)
			}
		}
	}
	return nil
}

// TargetName is the name used to resolve an existing record.
func (o Operation) TargetName() string {
	if o.Target != "" {
		return o.Target
	}
	if o.Action == ActionDelete {
		v, _ := o.Fields.Get(BaseField(o.Entity))
		return strings.TrimSpace(v)
	}
	return ""
}

func (o Operation) String() string {
	name := o.TargetName()
	if name == "" {
		name, _ = o.Fields.Get(BaseField(o.Entity))
	}
	return fmt.Sprintf("%s %s %q", o.Action, o.Entity, name)
}

// Plan is an ordered list of operations plus an optional clarification
// question. A plan is not modified after the planner returns it.
type Plan struct {
	Operations    []Operation `json:"operations"`
	Clarification string      `json:"clarification,omitempty"`
}

func New(ops []Operation, clarification string) (Plan, error) {
	for i, op := range ops {
		if err := op.Validate(); err != nil {
			return Plan{}, fmt.Errorf("%s: %w", OperationID(i), err)
		}
	}
	if ops == nil {
		ops = []Operation{}
	}
	return Plan{Operations: ops, Clarification: strings.TrimSpace(clarification)}, nil
}

// Decode parses a plan object strictly.
func Decode(data []byte) (Plan, error) {
	var w struct {
		Operations    []Operation `json:"operations"`
		Clarification string      `json:"clarification"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return Plan{}, err
	}
	return New(w.Operations, w.Clarification)
}

// NeedsClarification reports whether execution must wait for feedback.
func (p Plan) NeedsClarification() bool {
	return p.Clarification != ""
}

// OperationID numbers operations from one, the way results report them.
func OperationID(i int) string {
	return fmt.Sprintf("op-%d", i+1)
}

// ExtractJSON returns the outermost JSON object embedded in model output,
// tolerating code fences and surrounding prose.
func ExtractJSON(text string) (string, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end < start {
		return "", errors.New("no JSON object found in response")
	}
	return text[start : end+1], nil
}
