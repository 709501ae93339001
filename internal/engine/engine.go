package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"blab/internal/audit"
	"blab/internal/domain"
	"blab/internal/engine/auth"
	"blab/internal/plan"
	"blab/internal/repo"
	"blab/internal/resolve"
	"blab/internal/snapshot"
)

// timestampLayout is fixed width so stored timestamps order correctly as
// text, down to the nanosecond.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

var auditActions = map[plan.Action]string{
	plan.ActionCreate: audit.ActionCreate,
	plan.ActionUpdate: audit.ActionUpdate,
	plan.ActionDelete: audit.ActionDelete,
}

// Engine applies plans to the workspace store. All writes go through one
// mutex so two plans never interleave.
type Engine struct {
	DB    *sql.DB
	Repo  repo.Repo
	Audit audit.Writer
	Auth  auth.Service
	Log   *zap.Logger
	Now   func() time.Time

	mu *sync.Mutex
}

func New(db *sql.DB, log *zap.Logger) Engine {
	if log == nil {
		log = zap.NewNop()
	}
	r := repo.Repo{DB: db}
	return Engine{
		DB:    db,
		Repo:  r,
		Audit: audit.Writer{},
		Auth:  auth.Service{Repo: r},
		Log:   log,
		Now:   time.Now,
		mu:    &sync.Mutex{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

// Snapshot reads the current state outside any plan.
func (e Engine) Snapshot(ctx context.Context) (snapshot.State, error) {
	e.lock()
	defer e.unlock()
	return snapshot.Load(ctx, e.Repo)
}

func (e Engine) lock() {
	if e.mu != nil {
		e.mu.Lock()
	}
}

func (e Engine) unlock() {
	if e.mu != nil {
		e.mu.Unlock()
	}
}

// ExecuteOptions carry the acting member, as a member id or username.
// An empty Actor applies no ownership constraint.
type ExecuteOptions struct {
	Actor string
}

// Execute applies every operation in order, each in its own transaction.
// Operation failures are recorded as entries; the returned error is reserved
// for failures that stop the whole batch, such as an unknown actor or a
// cancelled context.
func (e Engine) Execute(ctx context.Context, p plan.Plan, opts ExecuteOptions) (plan.ExecutionResult, error) {
	e.lock()
	defer e.unlock()

	actor, err := e.Auth.Actor(ctx, opts.Actor)
	if err != nil {
		return plan.ExecutionResult{}, err
	}
	entries := make([]plan.ExecutionEntry, 0, len(p.Operations))
	var orphaned []string
	for i, op := range p.Operations {
		id := plan.OperationID(i)
		if err := ctx.Err(); err != nil {
			return plan.ExecutionResult{}, err
		}
		msg, paths, err := e.apply(ctx, id, op, actor)
		if err != nil {
			e.log().Warn("operation failed", zap.String("operation", id), zap.String("op", op.String()), zap.Error(err))
			entries = append(entries, plan.ExecutionEntry{OperationID: id, Success: false, Message: err.Error()})
			continue
		}
		e.log().Debug("operation applied", zap.String("operation", id), zap.String("op", op.String()))
		entries = append(entries, plan.ExecutionEntry{OperationID: id, Success: true, Message: msg})
		orphaned = append(orphaned, paths...)
	}
	return plan.NewResult(entries, orphaned), nil
}

func (e Engine) apply(ctx context.Context, id string, op plan.Operation, actor *domain.Member) (string, []string, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", nil, storeError(err)
	}
	defer tx.Rollback()

	m := mutation{
		ctx:   ctx,
		repo:  e.Repo.WithTx(tx),
		op:    op,
		actor: actor,
		now:   e.now().UTC().Format(timestampLayout),
	}
	if m.state, err = snapshot.Load(ctx, m.repo); err != nil {
		return "", nil, storeError(err)
	}
	if err := m.run(); err != nil {
		return "", nil, err
	}

	entry := audit.Entry{
		ActionType: auditActions[op.Action],
		Details:    m.details(),
		EntityKind: string(op.Entity),
		EntityID:   m.entityID,
		Payload:    audit.Payload{"operation": id, "fields": op.Fields},
	}
	if actor != nil {
		entry.MemberID = actor.ID
	}
	if err := e.Audit.Append(ctx, tx, entry); err != nil {
		return "", nil, storeError(fmt.Errorf("append log: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return "", nil, storeError(err)
	}
	return entry.Details, m.orphaned, nil
}

// mutation is the working state of one operation inside its transaction.
type mutation struct {
	ctx   context.Context
	repo  repo.Repo
	state snapshot.State
	op    plan.Operation
	actor *domain.Member
	now   string

	entityID   string
	entityName string
	orphaned   []string
}

func (m *mutation) details() string {
	var b strings.Builder
	switch m.op.Action {
	case plan.ActionCreate:
		b.WriteString("created ")
	case plan.ActionUpdate:
		b.WriteString("updated ")
	case plan.ActionDelete:
		b.WriteString("deleted ")
	}
	fmt.Fprintf(&b, "%s %s", m.op.Entity, m.entityName)
	if m.op.Action != plan.ActionDelete && len(m.op.Fields) > 0 {
		parts := make([]string, 0, len(m.op.Fields))
		for _, f := range m.op.Fields {
			parts = append(parts, f.Name+"="+f.Value)
		}
		fmt.Fprintf(&b, " (%s)", strings.Join(parts, ", "))
	}
	return b.String()
}

func (m *mutation) run() error {
	switch m.op.Action {
	case plan.ActionCreate:
		return m.create()
	case plan.ActionUpdate:
		return m.update()
	case plan.ActionDelete:
		return m.delete()
	}
	return invalidField("unsupported action %q", m.op.Action)
}

func (m *mutation) target() (snapshot.Record, error) {
	c, err := resolve.Resolve(m.state.Candidates(m.op.Entity), m.op.TargetName(), m.op.TargetHint)
	switch {
	case errors.Is(err, resolve.ErrNotFound):
		return snapshot.Record{}, OperationError{Kind: KindNotFound, Message: fmt.Sprintf("%s %s", m.op.Entity, err)}
	case errors.Is(err, resolve.ErrAmbiguous):
		return snapshot.Record{}, OperationError{Kind: KindAmbiguous, Message: fmt.Sprintf("%s %s", m.op.Entity, err)}
	case err != nil:
		return snapshot.Record{}, storeError(err)
	}
	rec, _ := m.state.ByID(m.op.Entity, c.ID)
	return rec, nil
}

func (m *mutation) create() error {
	switch m.op.Entity {
	case plan.EntityItem:
		it := domain.Item{ID: uuid.NewString(), Status: "normal", Visibility: "public", CreatedAt: m.now, UpdatedAt: m.now}
		links, err := m.applyItem(&it)
		if err != nil {
			return err
		}
		if err := m.repo.InsertItem(m.ctx, it); err != nil {
			return storeError(err)
		}
		m.entityID, m.entityName = it.ID, it.Name
		return m.setLinks(it.ID, links)
	case plan.EntityLocation:
		l := domain.Location{ID: uuid.NewString(), Status: "normal", CreatedAt: m.now, UpdatedAt: m.now}
		if err := m.applyLocation(&l); err != nil {
			return err
		}
		if err := m.repo.InsertLocation(m.ctx, l); err != nil {
			return storeError(err)
		}
		m.entityID, m.entityName = l.ID, l.Name
	case plan.EntityEvent:
		ev := domain.Event{ID: uuid.NewString(), Visibility: "public", CreatedAt: m.now, UpdatedAt: m.now}
		links, err := m.applyEvent(&ev)
		if err != nil {
			return err
		}
		if err := m.repo.InsertEvent(m.ctx, ev); err != nil {
			return storeError(err)
		}
		m.entityID, m.entityName = ev.ID, ev.Title
		return m.setLinks(ev.ID, links)
	case plan.EntityMember:
		mem := domain.Member{ID: uuid.NewString(), Status: "active", CreatedAt: m.now, UpdatedAt: m.now}
		if err := m.applyMember(&mem); err != nil {
			return err
		}
		if mem.Username == "" {
			return invalidField("member %s needs a username", mem.Name)
		}
		if err := m.repo.InsertMember(m.ctx, mem); err != nil {
			return storeError(err)
		}
		m.entityID, m.entityName = mem.ID, mem.Name
	}
	return nil
}

func (m *mutation) update() error {
	rec, err := m.target()
	if err != nil {
		return err
	}
	m.entityID, m.entityName = rec.ID, rec.Name
	switch m.op.Entity {
	case plan.EntityItem:
		it := m.item(rec.ID)
		if err := auth.CanMutateItem(it, m.actor); err != nil {
			return OperationError{Kind: KindUnauthorized, Message: err.Error()}
		}
		links, err := m.applyItem(&it)
		if err != nil {
			return err
		}
		it.UpdatedAt = m.now
		if err := m.repo.UpdateItem(m.ctx, it); err != nil {
			return storeError(err)
		}
		return m.setLinks(it.ID, links)
	case plan.EntityLocation:
		l := m.location(rec.ID)
		if err := m.applyLocation(&l); err != nil {
			return err
		}
		l.UpdatedAt = m.now
		if err := m.repo.UpdateLocation(m.ctx, l); err != nil {
			return storeError(err)
		}
	case plan.EntityEvent:
		ev := m.event(rec.ID)
		links, err := m.applyEvent(&ev)
		if err != nil {
			return err
		}
		ev.UpdatedAt = m.now
		if err := m.repo.UpdateEvent(m.ctx, ev); err != nil {
			return storeError(err)
		}
		return m.setLinks(ev.ID, links)
	case plan.EntityMember:
		mem := m.member(rec.ID)
		if err := m.applyMember(&mem); err != nil {
			return err
		}
		mem.UpdatedAt = m.now
		if err := m.repo.UpdateMember(m.ctx, mem); err != nil {
			return storeError(err)
		}
	}
	return nil
}

func (m *mutation) delete() error {
	rec, err := m.target()
	if err != nil {
		return err
	}
	m.entityID, m.entityName = rec.ID, rec.Name
	var del func(context.Context, string) error
	switch m.op.Entity {
	case plan.EntityItem:
		if err := auth.CanMutateItem(m.item(rec.ID), m.actor); err != nil {
			return OperationError{Kind: KindUnauthorized, Message: err.Error()}
		}
		del = m.repo.DeleteItem
	case plan.EntityLocation:
		del = m.repo.DeleteLocation
	case plan.EntityEvent:
		del = m.repo.DeleteEvent
	case plan.EntityMember:
		del = m.repo.DeleteMember
	}
	paths, err := m.repo.DetachAll(m.ctx, string(m.op.Entity), rec.ID)
	if err != nil {
		return storeError(err)
	}
	if err := del(m.ctx, rec.ID); err != nil {
		return storeError(err)
	}
	m.orphaned = paths
	return nil
}

func (m *mutation) item(id string) domain.Item {
	for _, it := range m.state.Items {
		if it.ID == id {
			return it
		}
	}
	return domain.Item{ID: id}
}

func (m *mutation) location(id string) domain.Location {
	for _, l := range m.state.Locations {
		if l.ID == id {
			return l
		}
	}
	return domain.Location{ID: id}
}

func (m *mutation) event(id string) domain.Event {
	for _, ev := range m.state.Events {
		if ev.ID == id {
			return ev
		}
	}
	return domain.Event{ID: id}
}

func (m *mutation) member(id string) domain.Member {
	for _, mem := range m.state.Members {
		if mem.ID == id {
			return mem
		}
	}
	return domain.Member{ID: id}
}

// values canonicalizes every declared field, failing on the first bad one.
func (m *mutation) values() ([]plan.Field, error) {
	out := make([]plan.Field, 0, len(m.op.Fields))
	for _, f := range m.op.Fields {
		spec, ok := plan.Spec(m.op.Entity, f.Name)
		if !ok {
			return nil, invalidField("%s has no field %q", m.op.Entity, f.Name)
		}
		v, err := plan.Canonical(spec, f.Value)
		if err != nil {
			return nil, invalidField("%s", err)
		}
		if v == "" && f.Name == plan.BaseField(m.op.Entity) {
			return nil, invalidField("%s must not be empty", f.Name)
		}
		out = append(out, plan.Field{Name: f.Name, Value: v})
	}
	return out, nil
}

// linkSet holds resolved relationship ids keyed by field name; a present key
// replaces the stored links.
type linkSet map[string][]string

func (m *mutation) applyItem(it *domain.Item) (linkSet, error) {
	fields, err := m.values()
	if err != nil {
		return nil, err
	}
	links := linkSet{}
	for _, f := range fields {
		switch f.Name {
		case "name":
			it.Name = f.Value
		case "status":
			it.Status = f.Value
		case "category":
			it.Category = f.Value
		case "quantity":
			it.Quantity = nil
			if f.Value != "" {
				n, _ := strconv.Atoi(f.Value)
				it.Quantity = &n
			}
		case "value":
			it.Value = nil
			if f.Value != "" {
				v, _ := strconv.ParseFloat(f.Value, 64)
				it.Value = &v
			}
		case "purchase_date":
			it.PurchaseDate = f.Value
		case "description":
			it.Description = f.Value
		case "visibility":
			it.Visibility = f.Value
		case "responsible_members":
			if links[f.Name], err = m.refs(plan.EntityMember, f.Value); err != nil {
				return nil, err
			}
		case "locations":
			if links[f.Name], err = m.refs(plan.EntityLocation, f.Value); err != nil {
				return nil, err
			}
		}
	}
	return links, nil
}

func (m *mutation) applyLocation(l *domain.Location) error {
	fields, err := m.values()
	if err != nil {
		return err
	}
	for _, f := range fields {
		switch f.Name {
		case "name":
			l.Name = f.Value
		case "status":
			l.Status = f.Value
		case "description":
			l.Description = f.Value
		case "parent":
			l.ParentID = ""
			if f.Value == "" {
				continue
			}
			ids, err := m.refs(plan.EntityLocation, f.Value)
			if err != nil {
				return err
			}
			if err := m.ensureNoCycle(l.ID, ids[0]); err != nil {
				return err
			}
			l.ParentID = ids[0]
		}
	}
	return nil
}

// ensureNoCycle walks up from parentID and fails if it reaches id.
func (m *mutation) ensureNoCycle(id, parentID string) error {
	parents := map[string]string{}
	for _, l := range m.state.Locations {
		parents[l.ID] = l.ParentID
	}
	seen := map[string]bool{}
	for cur := parentID; cur != ""; cur = parents[cur] {
		if cur == id {
			return invalidField("location parent would create a cycle")
		}
		if seen[cur] {
			break
		}
		seen[cur] = true
	}
	return nil
}

func (m *mutation) applyEvent(ev *domain.Event) (linkSet, error) {
	fields, err := m.values()
	if err != nil {
		return nil, err
	}
	links := linkSet{}
	for _, f := range fields {
		switch f.Name {
		case "title":
			ev.Title = f.Value
		case "detail":
			ev.Detail = f.Value
		case "start_time":
			ev.StartTime = f.Value
		case "end_time":
			ev.EndTime = f.Value
		case "visibility":
			ev.Visibility = f.Value
		case "participants":
			if links[f.Name], err = m.refs(plan.EntityMember, f.Value); err != nil {
				return nil, err
			}
		case "items":
			if links[f.Name], err = m.refs(plan.EntityItem, f.Value); err != nil {
				return nil, err
			}
		case "locations":
			if links[f.Name], err = m.refs(plan.EntityLocation, f.Value); err != nil {
				return nil, err
			}
		}
	}
	if ev.StartTime != "" && ev.EndTime != "" && ev.EndTime < ev.StartTime {
		return nil, invalidField("event end_time %s is before start_time %s", ev.EndTime, ev.StartTime)
	}
	return links, nil
}

func (m *mutation) applyMember(mem *domain.Member) error {
	fields, err := m.values()
	if err != nil {
		return err
	}
	for _, f := range fields {
		switch f.Name {
		case "name":
			mem.Name = f.Value
		case "username":
			mem.Username = f.Value
		case "contact":
			mem.Contact = f.Value
		case "status":
			mem.Status = f.Value
		case "remarks":
			mem.Remarks = f.Value
		}
	}
	return nil
}

// refs resolves a canonical name list to record ids. Names match exactly,
// ignoring case; members also match by username.
func (m *mutation) refs(e plan.Entity, list string) ([]string, error) {
	names := plan.SplitList(list)
	ids := make([]string, 0, len(names))
	for _, name := range names {
		var hits []string
		for _, r := range m.state.Records(e) {
			if strings.EqualFold(r.Name, name) || (e == plan.EntityMember && strings.EqualFold(r.Fields["username"], name)) {
				hits = append(hits, r.ID)
			}
		}
		switch len(hits) {
		case 0:
			return nil, OperationError{Kind: KindInvalidField, Message: fmt.Sprintf("%s %q not found", e, name)}
		case 1:
			ids = append(ids, hits[0])
		default:
			return nil, OperationError{Kind: KindAmbiguous, Message: fmt.Sprintf("%d %ss named %q", len(hits), e, name)}
		}
	}
	return ids, nil
}

func (m *mutation) setLinks(ownerID string, links linkSet) error {
	setters := map[plan.Entity]map[string]func(context.Context, string, []string) error{
		plan.EntityItem: {
			"responsible_members": m.repo.SetItemMembers,
			"locations":           m.repo.SetItemLocations,
		},
		plan.EntityEvent: {
			"participants": m.repo.SetEventParticipants,
			"items":        m.repo.SetEventItems,
			"locations":    m.repo.SetEventLocations,
		},
	}
	for _, f := range m.op.Fields {
		ids, ok := links[f.Name]
		if !ok {
			continue
		}
		if err := setters[m.op.Entity][f.Name](m.ctx, ownerID, ids); err != nil {
			return storeError(err)
		}
	}
	return nil
}
