package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"blab/internal/domain"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repo struct {
	DB *sql.DB
	tx *sql.Tx
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// WithTx returns a Repo whose reads and writes go through tx.
func (r Repo) WithTx(tx *sql.Tx) Repo {
	r.tx = tx
	return r
}

func (r Repo) conn() DBTX {
	if r.tx != nil {
		return r.tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func affectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

// Members

const memberColumns = `id,name,username,COALESCE(contact,''),status,COALESCE(remarks,''),created_at,updated_at`

func scanMember(row interface{ Scan(...any) error }) (domain.Member, error) {
	var m domain.Member
	err := row.Scan(&m.ID, &m.Name, &m.Username, &m.Contact, &m.Status, &m.Remarks, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) ListMembers(ctx context.Context) ([]domain.Member, error) {
	rows, err := r.conn().QueryContext(ctx, `SELECT `+memberColumns+` FROM members ORDER BY name, created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) GetMember(ctx context.Context, id string) (domain.Member, error) {
	return scanMember(r.conn().QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE id=?`, id))
}

func (r Repo) MemberByUsername(ctx context.Context, username string) (domain.Member, error) {
	return scanMember(r.conn().QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE username=? COLLATE NOCASE`, strings.TrimSpace(username)))
}

func (r Repo) InsertMember(ctx context.Context, m domain.Member) error {
	_, err := r.conn().ExecContext(ctx, `INSERT INTO members(id,name,username,contact,status,remarks,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		m.ID, m.Name, m.Username, nullable(m.Contact), m.Status, nullable(m.Remarks), m.CreatedAt, m.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("username %s already taken: %w", m.Username, ErrConflict)
	}
	return err
}

func (r Repo) UpdateMember(ctx context.Context, m domain.Member) error {
	res, err := r.conn().ExecContext(ctx, `UPDATE members SET name=?, username=?, contact=?, status=?, remarks=?, updated_at=? WHERE id=?`,
		m.Name, m.Username, nullable(m.Contact), m.Status, nullable(m.Remarks), m.UpdatedAt, m.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("username %s already taken: %w", m.Username, ErrConflict)
	}
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r Repo) DeleteMember(ctx context.Context, id string) error {
	res, err := r.conn().ExecContext(ctx, `DELETE FROM members WHERE id=?`, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// Locations

func (r Repo) ListLocations(ctx context.Context) ([]domain.Location, error) {
	rows, err := r.conn().QueryContext(ctx, `
SELECT l.id, l.name, l.status, COALESCE(l.parent_id,''), COALESCE(p.name,''), COALESCE(l.description,''), l.created_at, l.updated_at
FROM locations l LEFT JOIN locations p ON p.id = l.parent_id
ORDER BY l.name, l.created_at, l.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Location
	for rows.Next() {
		var l domain.Location
		if err := rows.Scan(&l.ID, &l.Name, &l.Status, &l.ParentID, &l.Parent, &l.Description, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (r Repo) InsertLocation(ctx context.Context, l domain.Location) error {
	_, err := r.conn().ExecContext(ctx, `INSERT INTO locations(id,name,status,parent_id,description,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		l.ID, l.Name, l.Status, nullable(l.ParentID), nullable(l.Description), l.CreatedAt, l.UpdatedAt)
	return err
}

func (r Repo) UpdateLocation(ctx context.Context, l domain.Location) error {
	res, err := r.conn().ExecContext(ctx, `UPDATE locations SET name=?, status=?, parent_id=?, description=?, updated_at=? WHERE id=?`,
		l.Name, l.Status, nullable(l.ParentID), nullable(l.Description), l.UpdatedAt, l.ID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r Repo) DeleteLocation(ctx context.Context, id string) error {
	res, err := r.conn().ExecContext(ctx, `DELETE FROM locations WHERE id=?`, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// linkedNames loads "owner id -> sorted names" for a link table joined to its target table.
func (r Repo) linkedNames(ctx context.Context, query string) (map[string][]string, error) {
	rows, err := r.conn().QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string][]string{}
	for rows.Next() {
		var owner, name string
		if err := rows.Scan(&owner, &name); err != nil {
			return nil, err
		}
		out[owner] = append(out[owner], name)
	}
	for k := range out {
		sort.Strings(out[k])
	}
	return out, rows.Err()
}
