// Package plan defines the typed contract between the planner and the executor:
// operations tagged by action and entity, restricted to a per-entity field allowlist.
package plan

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

type Entity string

const (
	EntityItem     Entity = "item"
	EntityLocation Entity = "location"
	EntityEvent    Entity = "event"
	EntityMember   Entity = "member"
)

// Entities lists the managed entity types in prompt order.
var Entities = []Entity{EntityItem, EntityLocation, EntityEvent, EntityMember}

func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return a, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

func ParseEntity(s string) (Entity, error) {
	switch e := Entity(strings.ToLower(strings.TrimSpace(s))); e {
	case EntityItem, EntityLocation, EntityEvent, EntityMember:
		return e, nil
	}
	return "", fmt.Errorf("unknown entity %q", s)
}

func (a *Action) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("action must be a string: %w", err)
	}
	parsed, err := ParseAction(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func (e *Entity) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("entity must be a string: %w", err)
	}
	parsed, err := ParseEntity(s)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

type Kind int

const (
	KindText Kind = iota
	KindEnum
	KindInt
	KindDecimal
	KindDate
	KindRef
	KindRefList
)

func (k Kind) String() string {
	switch k {
	case KindEnum:
		return "enum"
	case KindInt:
		return "integer"
	case KindDecimal:
		return "decimal"
	case KindDate:
		return "date"
	case KindRef:
		return "name"
	case KindRefList:
		return "list of names"
	default:
		return "text"
	}
}

// FieldSpec describes one writable field of an entity.
type FieldSpec struct {
	Name string
	Kind Kind
	Enum []string
	// Ref is the entity a KindRef/KindRefList field names.
	Ref Entity
}

var schemas = map[Entity][]FieldSpec{
	EntityItem: {
		{Name: "name", Kind: KindText},
		{Name: "status", Kind: KindEnum, Enum: []string{"normal", "borrowed", "repairing", "broken", "lost", "disposed"}},
		{Name: "category", Kind: KindText},
		{Name: "quantity", Kind: KindInt},
		{Name: "value", Kind: KindDecimal},
		{Name: "purchase_date", Kind: KindDate},
		{Name: "description", Kind: KindText},
		{Name: "visibility", Kind: KindEnum, Enum: []string{"public", "private"}},
		{Name: "responsible_members", Kind: KindRefList, Ref: EntityMember},
		{Name: "locations", Kind: KindRefList, Ref: EntityLocation},
	},
	EntityLocation: {
		{Name: "name", Kind: KindText},
		{Name: "status", Kind: KindEnum, Enum: []string{"normal", "maintenance", "closed"}},
		{Name: "parent", Kind: KindRef, Ref: EntityLocation},
		{Name: "description", Kind: KindText},
	},
	EntityEvent: {
		{Name: "title", Kind: KindText},
		{Name: "detail", Kind: KindText},
		{Name: "start_time", Kind: KindDate},
		{Name: "end_time", Kind: KindDate},
		{Name: "visibility", Kind: KindEnum, Enum: []string{"public", "private"}},
		{Name: "participants", Kind: KindRefList, Ref: EntityMember},
		{Name: "items", Kind: KindRefList, Ref: EntityItem},
		{Name: "locations", Kind: KindRefList, Ref: EntityLocation},
	},
	EntityMember: {
		{Name: "name", Kind: KindText},
		{Name: "username", Kind: KindText},
		{Name: "contact", Kind: KindText},
		{Name: "status", Kind: KindEnum, Enum: []string{"active", "inactive"}},
		{Name: "remarks", Kind: KindText},
	},
}

// Fields returns the allowlist for an entity in schema order.
func Fields(e Entity) []FieldSpec {
	return schemas[e]
}

// Spec looks up a field by name (case-insensitive).
func Spec(e Entity, name string) (FieldSpec, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, f := range schemas[e] {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// BaseField is the field holding an entity's display name.
func BaseField(e Entity) string {
	if e == EntityEvent {
		return "title"
	}
	return "name"
}

// Describe renders the schema as prompt text, one entity per line.
func Describe() string {
	var b strings.Builder
	for _, e := range Entities {
		parts := make([]string, 0, len(schemas[e]))
		for _, f := range schemas[e] {
			switch f.Kind {
			case KindEnum:
				enum := append([]string(nil), f.Enum...)
				sort.Strings(enum)
				parts = append(parts, fmt.Sprintf("%s(%s)", f.Name, strings.Join(enum, "|")))
			case KindRef, KindRefList:
				parts = append(parts, fmt.Sprintf("%s(%s of %s)", f.Name, f.Kind, f.Ref))
			default:
				parts = append(parts, fmt.Sprintf("%s(%s)", f.Name, f.Kind))
			}
		}
		fmt.Fprintf(&b, "- %s: %s\n", e, strings.Join(parts, ", "))
	}
	return b.String()
}
