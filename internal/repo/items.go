package repo

import (
	"context"
	"database/sql"

	"blab/internal/domain"
)

func (r Repo) ListItems(ctx context.Context) ([]domain.Item, error) {
	rows, err := r.conn().QueryContext(ctx, `
SELECT id,name,status,COALESCE(category,''),quantity,value,COALESCE(purchase_date,''),COALESCE(description,''),visibility,created_at,updated_at
FROM items ORDER BY name, created_at, id`)
	if err != nil {
		return nil, err
	}
	var res []domain.Item
	for rows.Next() {
		var it domain.Item
		var qty sql.NullInt64
		var val sql.NullFloat64
		if err := rows.Scan(&it.ID, &it.Name, &it.Status, &it.Category, &qty, &val, &it.PurchaseDate, &it.Description, &it.Visibility, &it.CreatedAt, &it.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		if qty.Valid {
			q := int(qty.Int64)
			it.Quantity = &q
		}
		if val.Valid {
			v := val.Float64
			it.Value = &v
		}
		res = append(res, it)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	members, err := r.linkedNames(ctx, `SELECT im.item_id, m.name FROM item_members im JOIN members m ON m.id = im.member_id`)
	if err != nil {
		return nil, err
	}
	locations, err := r.linkedNames(ctx, `SELECT il.item_id, l.name FROM item_locations il JOIN locations l ON l.id = il.location_id`)
	if err != nil {
		return nil, err
	}
	for i := range res {
		res[i].ResponsibleMembers = members[res[i].ID]
		res[i].Locations = locations[res[i].ID]
	}
	return res, nil
}

func (r Repo) InsertItem(ctx context.Context, it domain.Item) error {
	_, err := r.conn().ExecContext(ctx, `INSERT INTO items(id,name,status,category,quantity,value,purchase_date,description,visibility,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.Name, it.Status, nullable(it.Category), nullableIntPtr(it.Quantity), nullableFloatPtr(it.Value),
		nullable(it.PurchaseDate), nullable(it.Description), it.Visibility, it.CreatedAt, it.UpdatedAt)
	return err
}

func (r Repo) UpdateItem(ctx context.Context, it domain.Item) error {
	res, err := r.conn().ExecContext(ctx, `UPDATE items SET name=?, status=?, category=?, quantity=?, value=?, purchase_date=?, description=?, visibility=?, updated_at=? WHERE id=?`,
		it.Name, it.Status, nullable(it.Category), nullableIntPtr(it.Quantity), nullableFloatPtr(it.Value),
		nullable(it.PurchaseDate), nullable(it.Description), it.Visibility, it.UpdatedAt, it.ID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r Repo) DeleteItem(ctx context.Context, id string) error {
	res, err := r.conn().ExecContext(ctx, `DELETE FROM items WHERE id=?`, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}
