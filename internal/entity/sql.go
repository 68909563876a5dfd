package entity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// SQLRepository stores one Kind in a table of (id, company_id, assigned_to, payload, updated_at).
// It works against MySQL and SQLite; both take '?' placeholders.
type SQLRepository struct {
	db     *sql.DB
	kind   Kind
	table  string
	insert string
}

// NewSQLRepository builds a repository; dialect is "mysql" or "sqlite".
func NewSQLRepository(db *sql.DB, dialect string, kind Kind) *SQLRepository {
	table := kind.Table()
	insert := `INSERT INTO ` + table + ` (id, company_id, assigned_to, payload, updated_at) VALUES (?, ?, ?, ?, ?)`
	if dialect == "mysql" {
		insert = strings.Replace(insert, "INSERT INTO", "INSERT IGNORE INTO", 1)
	} else {
		insert += ` ON CONFLICT(id) DO NOTHING`
	}
	return &SQLRepository{db: db, kind: kind, table: table, insert: insert}
}

// NewSQLRegistry builds a SQLRepository for every Kind over one database.
func NewSQLRegistry(db *sql.DB, dialect string) Registry {
	reg := make(Registry, len(Kinds))
	for _, k := range Kinds {
		reg[k] = NewSQLRepository(db, dialect, k)
	}
	return reg
}

// MySQLDSN forces the driver options the repository depends on: parsed DATETIME columns and
// matched (not changed) row counts, so a conditional UPDATE with identical values is not
// mistaken for a stale write.
func MySQLDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.ClientFoundRows = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

func (s *SQLRepository) Kind() Kind { return s.kind }

func (s *SQLRepository) List(ctx context.Context, scope Scope, q Query) (Page, error) {
	var (
		where = []string{"company_id = ?"}
		args  = []any{scope.CompanyID}
	)
	if scope.UserID != "" {
		where = append(where, "(assigned_to = '' OR assigned_to = ?)")
		args = append(args, scope.UserID)
	}
	if !q.Since.IsZero() {
		where = append(where, "updated_at > ?")
		args = append(args, NormalizeTime(q.Since))
	}
	if q.After != nil {
		ts := NormalizeTime(q.After.UpdatedAt)
		where = append(where, "(updated_at > ? OR (updated_at = ? AND id > ?))")
		args = append(args, ts, ts, q.After.ID)
	}

	query := `SELECT id, company_id, assigned_to, payload, updated_at FROM ` + s.table +
		` WHERE ` + strings.Join(where, " AND ") + ` ORDER BY updated_at, id`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit+1)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Page{}, fmt.Errorf("list %s: %w", s.table, err)
	}
	defer rows.Close()

	var page Page
	for rows.Next() {
		r, err := s.scan(rows)
		if err != nil {
			return Page{}, err
		}
		page.Records = append(page.Records, r)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("list %s: %w", s.table, err)
	}

	if q.Limit > 0 && len(page.Records) > q.Limit {
		page.Records = page.Records[:q.Limit]
		last := page.Records[q.Limit-1]
		page.Next = &Cursor{UpdatedAt: last.UpdatedAt, ID: last.ID}
	}
	return page, nil
}

func (s *SQLRepository) Get(ctx context.Context, scope Scope, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, company_id, assigned_to, payload, updated_at FROM `+s.table+` WHERE id = ? AND company_id = ?`,
		id, scope.CompanyID)
	r, err := s.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	if !scope.Visible(r) {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (s *SQLRepository) Put(ctx context.Context, scope Scope, r Record, expected time.Time) error {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	companyID := r.CompanyID
	if companyID == "" {
		companyID = scope.CompanyID
	}

	var res sql.Result
	if expected.IsZero() {
		res, err = s.db.ExecContext(ctx, s.insert, r.ID, companyID, r.AssignedTo, payload, NormalizeTime(r.UpdatedAt))
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE `+s.table+` SET assigned_to = ?, payload = ?, updated_at = ? WHERE id = ? AND company_id = ? AND updated_at = ?`,
			r.AssignedTo, payload, NormalizeTime(r.UpdatedAt), r.ID, scope.CompanyID, NormalizeTime(expected))
	}
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", s.kind, r.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrStale
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLRepository) scan(row scanner) (Record, error) {
	var (
		r       = Record{Kind: s.kind}
		payload []byte
	)
	if err := row.Scan(&r.ID, &r.CompanyID, &r.AssignedTo, &payload, &r.UpdatedAt); err != nil {
		return Record{}, err
	}
	if err := json.Unmarshal(payload, &r.Payload); err != nil {
		return Record{}, fmt.Errorf("decode %s/%s payload: %w", s.kind, r.ID, err)
	}
	r.UpdatedAt = NormalizeTime(r.UpdatedAt)
	return r, nil
}
