package quotes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pharmaquote/pharmaquote/internal/platform/db"
	"github.com/pharmaquote/pharmaquote/internal/shared"
)

// Repository stores quotes as JSONB documents with a few indexed columns.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new quote.
func (r *Repository) Create(ctx context.Context, q Quote) error {
	doc, err := json.Marshal(q)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
INSERT INTO quotes (id, quote_number, status, created_by, client_name, version, doc, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		q.ID, q.QuoteNumber, string(q.Status), q.CreatedBy.ID, q.Client.Name, q.Version, doc, q.CreatedAt, q.UpdatedAt)
	if db.IsUniqueViolation(err, "quotes_quote_number_key") {
		return ErrDuplicateNumber
	}
	return err
}

// Get loads a quote by id.
func (r *Repository) Get(ctx context.Context, id string) (Quote, error) {
	var doc []byte
	var version int64
	err := r.pool.QueryRow(ctx, `SELECT doc, version FROM quotes WHERE id = $1`, id).Scan(&doc, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return Quote{}, fmt.Errorf("quote %s: %w", id, shared.ErrNotFound)
	}
	if err != nil {
		return Quote{}, err
	}
	return decode(doc, version)
}

// Save replaces the stored document if the version matches.
func (r *Repository) Save(ctx context.Context, q Quote, expectedVersion int64) error {
	doc, err := json.Marshal(q)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
UPDATE quotes SET status = $1, client_name = $2, version = $3, doc = $4, updated_at = $5
WHERE id = $6 AND version = $7`,
		string(q.Status), q.Client.Name, q.Version, doc, q.UpdatedAt, q.ID, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM quotes WHERE id = $1)`, q.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("quote %s: %w", q.ID, shared.ErrNotFound)
	}
	return fmt.Errorf("quote %s: %w", q.ID, shared.ErrConflict)
}

// List returns a filtered page and the total match count.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Quote, int, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.CreatedBy != "" {
		add("created_by = $%d", filter.CreatedBy)
	}
	if s := strings.TrimSpace(filter.Search); s != "" {
		add("(quote_number ILIKE $%[1]d OR client_name ILIKE $%[1]d)", "%"+s+"%")
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM quotes "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	page := shared.NewPagination(filter.Page, filter.PerPage, total)
	args = append(args, page.PerPage, page.Offset())
	query := fmt.Sprintf("SELECT doc, version FROM quotes %s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", where, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	out, err := collect(rows)
	return out, total, err
}

// ListByStatus returns every quote in status ordered by creation.
func (r *Repository) ListByStatus(ctx context.Context, status Status) ([]Quote, error) {
	rows, err := r.pool.Query(ctx, `SELECT doc, version FROM quotes WHERE status = $1 ORDER BY created_at, id`, string(status))
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// Count returns the number of stored quotes.
func (r *Repository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM quotes`).Scan(&n)
	return n, err
}

func collect(rows pgx.Rows) ([]Quote, error) {
	defer rows.Close()
	var out []Quote
	for rows.Next() {
		var doc []byte
		var version int64
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, err
		}
		q, err := decode(doc, version)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func decode(doc []byte, version int64) (Quote, error) {
	var q Quote
	if err := json.Unmarshal(doc, &q); err != nil {
		return Quote{}, fmt.Errorf("decode quote: %w", err)
	}
	q.Version = version
	return q, nil
}
