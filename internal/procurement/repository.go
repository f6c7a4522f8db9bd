package procurement

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

const (
	claimConstraint        = "po_item_claims_item_key"
	poNumberConstraint     = "purchase_orders_po_number_key"
	manufacturerConstraint = "manufacturers_name_key"
)

// Repository provides PostgreSQL backed persistence. Purchase orders are JSONB
// documents; po_item_claims carries a unique (quote_id, item_index) constraint
// so the database rejects a second active claim at write time.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts the order and its claims in one transaction.
func (r *Repository) Create(ctx context.Context, po PurchaseOrder) error {
	doc, err := json.Marshal(po)
	if err != nil {
		return err
	}
	err = db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
INSERT INTO purchase_orders (id, po_number, manufacturer_id, status, version, doc, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			po.ID, po.PONumber, po.ManufacturerID, string(po.Status), po.Version, doc, po.CreatedAt, po.UpdatedAt); err != nil {
			return err
		}
		return insertClaims(ctx, tx, po.ID, po.Refs())
	})
	switch {
	case db.IsUniqueViolation(err, claimConstraint):
		return fmt.Errorf("%w: %v", shared.ErrItemAlreadyClaimed, err)
	case db.IsUniqueViolation(err, poNumberConstraint):
		return ErrDuplicateNumber
	}
	return err
}

// Get loads a purchase order.
func (r *Repository) Get(ctx context.Context, id string) (PurchaseOrder, error) {
	var doc []byte
	var version int64
	err := r.pool.QueryRow(ctx, `SELECT doc, version FROM purchase_orders WHERE id = $1`, id).Scan(&doc, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return PurchaseOrder{}, fmt.Errorf("purchase order %s: %w", id, shared.ErrNotFound)
	}
	if err != nil {
		return PurchaseOrder{}, err
	}
	return decodePO(doc, version)
}

// Save replaces the document when the version matches. Cancelled orders
// release their claims in the same transaction.
func (r *Repository) Save(ctx context.Context, po PurchaseOrder, expectedVersion int64) error {
	doc, err := json.Marshal(po)
	if err != nil {
		return err
	}
	err = db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
UPDATE purchase_orders SET status = $1, version = $2, doc = $3, updated_at = $4
WHERE id = $5 AND version = $6`,
			string(po.Status), po.Version, doc, po.UpdatedAt, po.ID, expectedVersion)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM purchase_orders WHERE id = $1)`, po.ID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("purchase order %s: %w", po.ID, shared.ErrNotFound)
			}
			return fmt.Errorf("purchase order %s: %w", po.ID, shared.ErrConflict)
		}
		if !po.Status.Active() {
			_, err = tx.Exec(ctx, `DELETE FROM po_item_claims WHERE po_id = $1`, po.ID)
		}
		return err
	})
	if db.IsSerializationFailure(err) {
		return fmt.Errorf("purchase order %s: %w", po.ID, shared.ErrConflict)
	}
	return err
}

// List returns a filtered page.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]PurchaseOrder, int, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.ManufacturerID != "" {
		args = append(args, filter.ManufacturerID)
		conds = append(conds, fmt.Sprintf("manufacturer_id = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM purchase_orders "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	page := shared.NewPagination(filter.Page, filter.PerPage, total)
	args = append(args, page.PerPage, page.Offset())
	rows, err := r.pool.Query(ctx, fmt.Sprintf(
		"SELECT doc, version FROM purchase_orders %s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d",
		where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	out, err := collectPOs(rows)
	return out, total, err
}

// ListClaiming returns active orders holding at least one claim.
func (r *Repository) ListClaiming(ctx context.Context) ([]PurchaseOrder, error) {
	rows, err := r.pool.Query(ctx, `
SELECT po.doc, po.version FROM purchase_orders po
WHERE po.status <> 'cancelled' AND EXISTS (SELECT 1 FROM po_item_claims c WHERE c.po_id = po.id)
ORDER BY po.created_at, po.id`)
	if err != nil {
		return nil, err
	}
	return collectPOs(rows)
}

// FindByItemRef returns orders that reference ref, cancelled ones included.
func (r *Repository) FindByItemRef(ctx context.Context, ref ItemRef) ([]PurchaseOrder, error) {
	filter, err := json.Marshal([]map[string]any{{"ref": ref}})
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `
SELECT doc, version FROM purchase_orders WHERE doc -> 'items' @> $1::jsonb ORDER BY created_at, id`, filter)
	if err != nil {
		return nil, err
	}
	return collectPOs(rows)
}

// CreateManufacturer inserts a manufacturer.
func (r *Repository) CreateManufacturer(ctx context.Context, m Manufacturer) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO manufacturers (id, name, doc, created_at) VALUES ($1, $2, $3, $4)`, m.ID, m.Name, doc, m.CreatedAt)
	if db.IsUniqueViolation(err, manufacturerConstraint) {
		return ErrDuplicateManufacturer
	}
	return err
}

// GetManufacturer loads a manufacturer.
func (r *Repository) GetManufacturer(ctx context.Context, id string) (Manufacturer, error) {
	var doc []byte
	err := r.pool.QueryRow(ctx, `SELECT doc FROM manufacturers WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return Manufacturer{}, fmt.Errorf("manufacturer %s: %w", id, shared.ErrNotFound)
	}
	if err != nil {
		return Manufacturer{}, err
	}
	var m Manufacturer
	if err := json.Unmarshal(doc, &m); err != nil {
		return Manufacturer{}, fmt.Errorf("decode manufacturer: %w", err)
	}
	return m, nil
}

// ListManufacturers returns all manufacturers ordered by name.
func (r *Repository) ListManufacturers(ctx context.Context) ([]Manufacturer, error) {
	rows, err := r.pool.Query(ctx, `SELECT doc FROM manufacturers ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Manufacturer{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var m Manufacturer
		if err := json.Unmarshal(doc, &m); err != nil {
			return nil, fmt.Errorf("decode manufacturer: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Count returns the number of stored purchase orders.
func (r *Repository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM purchase_orders`).Scan(&n)
	return n, err
}

func insertClaims(ctx context.Context, q db.Querier, poID string, refs []ItemRef) error {
	for _, ref := range refs {
		if _, err := q.Exec(ctx, `INSERT INTO po_item_claims (po_id, quote_id, item_index) VALUES ($1, $2, $3)`, poID, ref.QuoteID, ref.ItemIndex); err != nil {
			return err
		}
	}
	return nil
}

func collectPOs(rows pgx.Rows) ([]PurchaseOrder, error) {
	defer rows.Close()
	var out []PurchaseOrder
	for rows.Next() {
		var doc []byte
		var version int64
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, err
		}
		po, err := decodePO(doc, version)
		if err != nil {
			return nil, err
		}
		out = append(out, po)
	}
	return out, rows.Err()
}

func decodePO(doc []byte, version int64) (PurchaseOrder, error) {
	var po PurchaseOrder
	if err := json.Unmarshal(doc, &po); err != nil {
		return PurchaseOrder{}, fmt.Errorf("decode purchase order: %w", err)
	}
	po.Version = version
	return po, nil
}
