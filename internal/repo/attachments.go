package repo

import (
	"context"
	"errors"

	"blab/internal/domain"
)

func (r Repo) InsertAttachment(ctx context.Context, a domain.Attachment) error {
	if a.ID == "" || a.EntityID == "" || a.Path == "" {
		return errors.New("attachment id, entity_id and path required")
	}
	_, err := r.conn().ExecContext(ctx, `INSERT INTO attachments(id,entity_kind,entity_id,filename,path,created_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.EntityKind, a.EntityID, a.Filename, a.Path, a.CreatedAt)
	return err
}

func (r Repo) ListAttachments(ctx context.Context, entityKind, entityID string) ([]domain.Attachment, error) {
	rows, err := r.conn().QueryContext(ctx, `SELECT id,entity_kind,entity_id,filename,path,created_at FROM attachments
WHERE entity_kind=? AND entity_id=? ORDER BY created_at, id`, entityKind, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Attachment
	for rows.Next() {
		var a domain.Attachment
		if err := rows.Scan(&a.ID, &a.EntityKind, &a.EntityID, &a.Filename, &a.Path, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// DetachAll removes attachment rows for an entity and returns the file paths
// left for the attachment store to clean up.
func (r Repo) DetachAll(ctx context.Context, entityKind, entityID string) ([]string, error) {
	atts, err := r.ListAttachments(ctx, entityKind, entityID)
	if err != nil {
		return nil, err
	}
	if len(atts) == 0 {
		return nil, nil
	}
	if _, err := r.conn().ExecContext(ctx, `DELETE FROM attachments WHERE entity_kind=? AND entity_id=?`, entityKind, entityID); err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(atts))
	for _, a := range atts {
		paths = append(paths, a.Path)
	}
	return paths, nil
}
