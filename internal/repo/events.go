package repo

import (
	"context"

	"blab/internal/domain"
)

func (r Repo) ListEvents(ctx context.Context) ([]domain.Event, error) {
	rows, err := r.conn().QueryContext(ctx, `
SELECT id,title,COALESCE(detail,''),COALESCE(start_time,''),COALESCE(end_time,''),visibility,created_at,updated_at
FROM events ORDER BY title, start_time, created_at, id`)
	if err != nil {
		return nil, err
	}
	var res []domain.Event
	for rows.Next() {
		var ev domain.Event
		if err := rows.Scan(&ev.ID, &ev.Title, &ev.Detail, &ev.StartTime, &ev.EndTime, &ev.Visibility, &ev.CreatedAt, &ev.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, ev)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	participants, err := r.linkedNames(ctx, `SELECT ep.event_id, m.name FROM event_participants ep JOIN members m ON m.id = ep.member_id`)
	if err != nil {
		return nil, err
	}
	items, err := r.linkedNames(ctx, `SELECT ei.event_id, i.name FROM event_items ei JOIN items i ON i.id = ei.item_id`)
	if err != nil {
		return nil, err
	}
	locations, err := r.linkedNames(ctx, `SELECT el.event_id, l.name FROM event_locations el JOIN locations l ON l.id = el.location_id`)
	if err != nil {
		return nil, err
	}
	for i := range res {
		res[i].Participants = participants[res[i].ID]
		res[i].Items = items[res[i].ID]
		res[i].Locations = locations[res[i].ID]
	}
	return res, nil
}

func (r Repo) InsertEvent(ctx context.Context, ev domain.Event) error {
	_, err := r.conn().ExecContext(ctx, `INSERT INTO events(id,title,detail,start_time,end_time,visibility,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		ev.ID, ev.Title, nullable(ev.Detail), nullable(ev.StartTime), nullable(ev.EndTime), ev.Visibility, ev.CreatedAt, ev.UpdatedAt)
	return err
}

func (r Repo) UpdateEvent(ctx context.Context, ev domain.Event) error {
	res, err := r.conn().ExecContext(ctx, `UPDATE events SET title=?, detail=?, start_time=?, end_time=?, visibility=?, updated_at=? WHERE id=?`,
		ev.Title, nullable(ev.Detail), nullable(ev.StartTime), nullable(ev.EndTime), ev.Visibility, ev.UpdatedAt, ev.ID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r Repo) DeleteEvent(ctx context.Context, id string) error {
	res, err := r.conn().ExecContext(ctx, `DELETE FROM events WHERE id=?`, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}
