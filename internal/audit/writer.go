package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Action types written to the log table.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

// Entry describes one change; MemberID is the acting member, empty for anonymous changes.
type Entry struct {
	ActionType string
	Details    string
	MemberID   string
	EntityKind string
	EntityID   string
	Payload    Payload
}

// Append writes the entry inside tx so the log commits with the mutation it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if e.Payload == nil {
		e.Payload = Payload{}
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal log payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO logs(ts,action_type,details,member_id,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, e.ActionType, e.Details, nullable(e.MemberID), e.EntityKind, nullable(e.EntityID), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
