package repo

import (
	"context"
	"fmt"
	"strings"

	"blab/internal/domain"
)

const logColumns = `id,ts,action_type,details,COALESCE(member_id,''),entity_kind,COALESCE(entity_id,''),payload_json`

func (r Repo) scanLogs(ctx context.Context, query string, args ...any) ([]domain.LogEntry, error) {
	rows, err := r.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LogEntry
	for rows.Next() {
		var l domain.LogEntry
		if err := rows.Scan(&l.ID, &l.TS, &l.ActionType, &l.Details, &l.MemberID, &l.EntityKind, &l.EntityID, &l.Payload); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// LatestLogs returns the newest audit entries, optionally filtered.
func (r Repo) LatestLogs(ctx context.Context, limit int, actionType, entityKind, entityID string) ([]domain.LogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	clauses := []string{"1=1"}
	var args []any
	if actionType != "" {
		clauses = append(clauses, "action_type=?")
		args = append(args, actionType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	query := fmt.Sprintf(`SELECT %s FROM logs WHERE %s ORDER BY id DESC LIMIT ?`, logColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.scanLogs(ctx, query, args...)
}

// LogsAfter returns entries with id > cursor in insertion order.
func (r Repo) LogsAfter(ctx context.Context, limit int, cursor int64) ([]domain.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.scanLogs(ctx, `SELECT `+logColumns+` FROM logs WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestLogID returns the most recent audit entry id, 0 when empty.
func (r Repo) LatestLogID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.conn().QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM logs`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) CountLogs(ctx context.Context) (int64, error) {
	var n int64
	if err := r.conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM logs`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
