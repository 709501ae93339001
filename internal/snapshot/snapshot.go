// Package snapshot builds read-only views of the domain store: the grounding
// context handed to the planner and the sorted state the verifier diffs.
package snapshot

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"blab/internal/domain"
	"blab/internal/plan"
	"blab/internal/repo"
	"blab/internal/resolve"
)

type MemberRef struct {
	Name     string `json:"name"`
	Username string `json:"username"`
}

// Context grounds a planning call in the names that already exist.
type Context struct {
	Timestamp         string      `json:"timestamp"`
	CurrentMemberName string      `json:"currentMemberName,omitempty"`
	ItemNames         []string    `json:"itemNames"`
	LocationNames     []string    `json:"locationNames"`
	EventTitles       []string    `json:"eventTitles"`
	Members           []MemberRef `json:"members"`
}

// State is a point-in-time copy of every managed record, sorted so two
// states can be compared entry by entry.
type State struct {
	Items     []domain.Item     `json:"items"`
	Locations []domain.Location `json:"locations"`
	Events    []domain.Event    `json:"events"`
	Members   []domain.Member   `json:"members"`
}

// Load reads the full state through r, which may be bound to a transaction.
func Load(ctx context.Context, r repo.Repo) (State, error) {
	items, err := r.ListItems(ctx)
	if err != nil {
		return State{}, fmt.Errorf("load items: %w", err)
	}
	locations, err := r.ListLocations(ctx)
	if err != nil {
		return State{}, fmt.Errorf("load locations: %w", err)
	}
	events, err := r.ListEvents(ctx)
	if err != nil {
		return State{}, fmt.Errorf("load events: %w", err)
	}
	members, err := r.ListMembers(ctx)
	if err != nil {
		return State{}, fmt.Errorf("load members: %w", err)
	}
	return New(items, locations, events, members), nil
}

// New copies and sorts the given collections.
func New(items []domain.Item, locations []domain.Location, events []domain.Event, members []domain.Member) State {
	s := State{
		Items:     append([]domain.Item(nil), items...),
		Locations: append([]domain.Location(nil), locations...),
		Events:    append([]domain.Event(nil), events...),
		Members:   append([]domain.Member(nil), members...),
	}
	sort.SliceStable(s.Items, func(i, j int) bool {
		return less(s.Items[i].Name, s.Items[i].CreatedAt, s.Items[i].ID, s.Items[j].Name, s.Items[j].CreatedAt, s.Items[j].ID)
	})
	sort.SliceStable(s.Locations, func(i, j int) bool {
		a, b := s.Locations[i], s.Locations[j]
		return less(a.Name, a.CreatedAt, a.ID, b.Name, b.CreatedAt, b.ID)
	})
	sort.SliceStable(s.Events, func(i, j int) bool {
		a, b := s.Events[i], s.Events[j]
		if a.Title != b.Title {
			return a.Title < b.Title
		}
		if a.StartTime != b.StartTime {
			return a.StartTime < b.StartTime
		}
		return less("", a.CreatedAt, a.ID, "", b.CreatedAt, b.ID)
	})
	sort.SliceStable(s.Members, func(i, j int) bool {
		a, b := s.Members[i], s.Members[j]
		return less(a.Name, a.CreatedAt, a.ID, b.Name, b.CreatedAt, b.ID)
	})
	return s
}

func less(nameA, createdA, idA, nameB, createdB, idB string) bool {
	if nameA != nameB {
		return nameA < nameB
	}
	if createdA != createdB {
		return createdA < createdB
	}
	return idA < idB
}

// Context builds the planner grounding view. currentMember is a member id or
// username; it is left empty when it names nobody.
func (s State) Context(now time.Time, currentMember string) Context {
	c := Context{
		Timestamp:     now.Format(time.RFC3339),
		ItemNames:     []string{},
		LocationNames: []string{},
		EventTitles:   []string{},
		Members:       []MemberRef{},
	}
	for _, it := range s.Items {
		c.ItemNames = append(c.ItemNames, it.Name)
	}
	for _, l := range s.Locations {
		c.LocationNames = append(c.LocationNames, l.Name)
	}
	for _, ev := range s.Events {
		c.EventTitles = append(c.EventTitles, ev.Title)
	}
	for _, m := range s.Members {
		c.Members = append(c.Members, MemberRef{Name: m.Name, Username: m.Username})
		if currentMember != "" && (m.ID == currentMember || strings.EqualFold(m.Username, currentMember)) {
			c.CurrentMemberName = m.Name
		}
	}
	return c
}

// Record is an entity flattened to canonical field text.
type Record struct {
	Entity    plan.Entity       `json:"entity"`
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	CreatedAt string            `json:"createdAt"`
	Fields    map[string]string `json:"fields"`
}

func (s State) Records(e plan.Entity) []Record {
	var out []Record
	switch e {
	case plan.EntityItem:
		for _, it := range s.Items {
			out = append(out, ItemRecord(it))
		}
	case plan.EntityLocation:
		for _, l := range s.Locations {
			out = append(out, Record{Entity: e, ID: l.ID, Name: l.Name, CreatedAt: l.CreatedAt, Fields: map[string]string{
				"name": l.Name, "status": l.Status, "parent": l.Parent, "description": l.Description,
			}})
		}
	case plan.EntityEvent:
		for _, ev := range s.Events {
			out = append(out, Record{Entity: e, ID: ev.ID, Name: ev.Title, CreatedAt: ev.CreatedAt, Fields: map[string]string{
				"title":        ev.Title,
				"detail":       ev.Detail,
				"start_time":   ev.StartTime,
				"end_time":     ev.EndTime,
				"visibility":   ev.Visibility,
				"participants": strings.Join(ev.Participants, ", "),
				"items":        strings.Join(ev.Items, ", "),
				"locations":    strings.Join(ev.Locations, ", "),
			}})
		}
	case plan.EntityMember:
		for _, m := range s.Members {
			out = append(out, Record{Entity: e, ID: m.ID, Name: m.Name, CreatedAt: m.CreatedAt, Fields: map[string]string{
				"name": m.Name, "username": m.Username, "contact": m.Contact, "status": m.Status, "remarks": m.Remarks,
			}})
		}
	}
	return out
}

func ItemRecord(it domain.Item) Record {
	f := map[string]string{
		"name":                it.Name,
		"status":              it.Status,
		"category":            it.Category,
		"quantity":            "",
		"value":               "",
		"purchase_date":       it.PurchaseDate,
		"description":         it.Description,
		"visibility":          it.Visibility,
		"responsible_members": strings.Join(it.ResponsibleMembers, ", "),
		"locations":           strings.Join(it.Locations, ", "),
	}
	if it.Quantity != nil {
		f["quantity"] = strconv.Itoa(*it.Quantity)
	}
	if it.Value != nil {
		f["value"] = strconv.FormatFloat(*it.Value, 'f', -1, 64)
	}
	return Record{Entity: plan.EntityItem, ID: it.ID, Name: it.Name, CreatedAt: it.CreatedAt, Fields: f}
}

// Count returns how many records of e carry name (case-insensitive).
func (s State) Count(e plan.Entity, name string) int {
	n := 0
	for _, r := range s.Records(e) {
		if strings.EqualFold(strings.TrimSpace(r.Name), strings.TrimSpace(name)) {
			n++
		}
	}
	return n
}

// Named returns records of e whose name equals name (case-insensitive).
func (s State) Named(e plan.Entity, name string) []Record {
	var out []Record
	for _, r := range s.Records(e) {
		if strings.EqualFold(strings.TrimSpace(r.Name), strings.TrimSpace(name)) {
			out = append(out, r)
		}
	}
	return out
}

func (s State) ByID(e plan.Entity, id string) (Record, bool) {
	for _, r := range s.Records(e) {
		if r.ID == id {
			return r, true
		}
	}
	return Record{}, false
}

// Candidates indexes e for target resolution.
func (s State) Candidates(e plan.Entity) []resolve.Candidate {
	var out []resolve.Candidate
	for _, r := range s.Records(e) {
		c := resolve.Candidate{ID: r.ID, Name: r.Name, CreatedAt: r.CreatedAt}
		for _, k := range descriptorFields[e] {
			if v := r.Fields[k]; v != "" {
				c.Descriptors = append(c.Descriptors, plan.SplitList(v)...)
			}
		}
		out = append(out, c)
	}
	return out
}

var descriptorFields = map[plan.Entity][]string{
	plan.EntityItem:     {"locations", "responsible_members", "status", "category"},
	plan.EntityLocation: {"parent", "status"},
	plan.EntityEvent:    {"start_time", "locations", "participants"},
	plan.EntityMember:   {"username", "contact", "status"},
}

// Lookup answers planner tool queries.
type Lookup interface {
	Find(e plan.Entity, query string, limit int) []Record
}

// Find returns records of e whose name contains query, or all records when
// query is empty, up to limit.
func (s State) Find(e plan.Entity, query string, limit int) []Record {
	q := strings.ToLower(strings.TrimSpace(query))
	var out []Record
	for _, r := range s.Records(e) {
		if q != "" && !strings.Contains(strings.ToLower(r.Name), q) && !(e == plan.EntityMember && strings.EqualFold(r.Fields["username"], q)) {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
