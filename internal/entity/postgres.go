package entity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository is the pgx-backed variant of SQLRepository for platforms that keep
// their business records in PostgreSQL. Table layout is the same; payload is jsonb.
type PostgresRepository struct {
	pool  *pgxpool.Pool
	kind  Kind
	table string
}

func NewPostgresRepository(pool *pgxpool.Pool, kind Kind) *PostgresRepository {
	return &PostgresRepository{pool: pool, kind: kind, table: kind.Table()}
}

// NewPostgresRegistry connects to dsn and builds a repository for every Kind.
// The returned pool is owned by the caller.
func NewPostgresRegistry(ctx context.Context, dsn string) (Registry, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	reg := make(Registry, len(Kinds))
	for _, k := range Kinds {
		reg[k] = NewPostgresRepository(pool, k)
	}
	return reg, pool, nil
}

func (p *PostgresRepository) Kind() Kind { return p.kind }

func (p *PostgresRepository) List(ctx context.Context, scope Scope, q Query) (Page, error) {
	var (
		where = []string{"company_id = $1"}
		args  = []any{scope.CompanyID}
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if scope.UserID != "" {
		where = append(where, "(assigned_to = '' OR assigned_to = "+arg(scope.UserID)+")")
	}
	if !q.Since.IsZero() {
		where = append(where, "updated_at > "+arg(NormalizeTime(q.Since)))
	}
	if q.After != nil {
		ts := arg(NormalizeTime(q.After.UpdatedAt))
		where = append(where, "(updated_at > "+ts+" OR (updated_at = "+ts+" AND id > "+arg(q.After.ID)+"))")
	}

	query := `SELECT id, company_id, assigned_to, payload, updated_at FROM ` + p.table +
		` WHERE ` + strings.Join(where, " AND ") + ` ORDER BY updated_at, id`
	if q.Limit > 0 {
		query += ` LIMIT ` + arg(q.Limit+1)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return Page{}, fmt.Errorf("list %s: %w", p.table, err)
	}
	defer rows.Close()

	var page Page
	for rows.Next() {
		r, err := p.scan(rows)
		if err != nil {
			return Page{}, err
		}
		page.Records = append(page.Records, r)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("list %s: %w", p.table, err)
	}

	if q.Limit > 0 && len(page.Records) > q.Limit {
		page.Records = page.Records[:q.Limit]
		last := page.Records[q.Limit-1]
		page.Next = &Cursor{UpdatedAt: last.UpdatedAt, ID: last.ID}
	}
	return page, nil
}

func (p *PostgresRepository) Get(ctx context.Context, scope Scope, id string) (Record, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, company_id, assigned_to, payload, updated_at FROM `+p.table+` WHERE id = $1 AND company_id = $2`,
		id, scope.CompanyID)
	r, err := p.scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (p *PostgresRepository) Put(ctx context.Context, scope Scope, r Record, expected time.Time) error {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	companyID := r.CompanyID
	if companyID == "" {
		companyID = scope.CompanyID
	}

	var affected int64
	if expected.IsZero() {
		tag, err := p.pool.Exec(ctx,
			`INSERT INTO `+p.table+` (id, company_id, assigned_to, payload, updated_at) VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING`,
			r.ID, companyID, r.AssignedTo, string(payload), NormalizeTime(r.UpdatedAt))
		if err != nil {
			return fmt.Errorf("put %s/%s: %w", p.kind, r.ID, err)
		}
		affected = tag.RowsAffected()
	} else {
		tag, err := p.pool.Exec(ctx,
			`UPDATE `+p.table+` SET assigned_to = $1, payload = $2, updated_at = $3 WHERE id = $4 AND company_id = $5 AND updated_at = $6`,
			r.AssignedTo, string(payload), NormalizeTime(r.UpdatedAt), r.ID, scope.CompanyID, NormalizeTime(expected))
		if err != nil {
			return fmt.Errorf("put %s/%s: %w", p.kind, r.ID, err)
		}
		affected = tag.RowsAffected()
	}
	if affected == 0 {
		return ErrStale
	}
	return nil
}

func (p *PostgresRepository) scan(row pgx.Row) (Record, error) {
	var (
		r       = Record{Kind: p.kind}
		payload []byte
	)
	if err := row.Scan(&r.ID, &r.CompanyID, &r.AssignedTo, &payload, &r.UpdatedAt); err != nil {
		return Record{}, err
	}
	if err := json.Unmarshal(payload, &r.Payload); err != nil {
		return Record{}, fmt.Errorf("decode %s/%s payload: %w", p.kind, r.ID, err)
	}
	r.UpdatedAt = NormalizeTime(r.UpdatedAt)
	return r, nil
}
