// Package settings stores the organisation defaults copied onto new quotes.
package settings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pharmaquote/pharmaquote/internal/pricing"
	"github.com/pharmaquote/pharmaquote/internal/rbac"
	"github.com/pharmaquote/pharmaquote/internal/shared"
)

// Settings are read once when a quote is created and frozen onto it.
type Settings struct {
	Terms             string    `json:"terms"`
	BankDetails       string    `json:"bank_details"`
	DefaultTaxPercent float64   `json:"default_tax_percent"`
	UpdatedBy         string    `json:"updated_by,omitempty"`
	UpdatedAt         time.Time `json:"updated_at,omitempty"`
}

// Defaults is used until an admin saves settings.
func Defaults() Settings {
	return Settings{
		Terms:             "35% advance with order confirmation. Balance before dispatch.",
		DefaultTaxPercent: 18,
	}
}

// Policy grants settings management to admins.
var Policy = rbac.Policy{
	shared.PermSettingsManage: {{Roles: []shared.Role{shared.RoleAdmin}}},
}

// RepositoryPort persists the single settings row.
type RepositoryPort interface {
	Load(ctx context.Context) (Settings, bool, error)
	Store(ctx context.Context, s Settings) error
}

// Service reads and updates settings.
type Service struct {
	repo RepositoryPort
	gate *rbac.Gate
	now  func() time.Time
}

// NewService constructs the settings service.
func NewService(repo RepositoryPort, gate *rbac.Gate) *Service {
	return &Service{repo: repo, gate: gate, now: time.Now}
}

// Current returns stored settings, falling back to Defaults.
func (s *Service) Current(ctx context.Context) (Settings, error) {
	stored, ok, err := s.repo.Load(ctx)
	if err != nil {
		return Settings{}, fmt.Errorf("settings: load: %w", err)
	}
	if !ok {
		return Defaults(), nil
	}
	return stored, nil
}

// UpdateInput carries editable fields.
type UpdateInput struct {
	Terms             string  `json:"terms"`
	BankDetails       string  `json:"bank_details"`
	DefaultTaxPercent float64 `json:"default_tax_percent"`
}

// Update replaces the settings.
func (s *Service) Update(ctx context.Context, actor shared.Actor, input UpdateInput) (Settings, error) {
	if err := s.gate.Authorize(rbac.SubjectOf(actor), shared.PermSettingsManage, rbac.Resource{}); err != nil {
		return Settings{}, err
	}
	if !pricing.ValidTaxPercent(input.DefaultTaxPercent) {
		return Settings{}, shared.NewValidationError("default_tax_percent", "must be one of 0, 5, 18")
	}
	next := Settings{
		Terms:             strings.TrimSpace(input.Terms),
		BankDetails:       strings.TrimSpace(input.BankDetails),
		DefaultTaxPercent: input.DefaultTaxPercent,
		UpdatedBy:         actor.ID,
		UpdatedAt:         s.now().UTC(),
	}
	if err := s.repo.Store(ctx, next); err != nil {
		return Settings{}, fmt.Errorf("settings: store: %w", err)
	}
	return next, nil
}

// Repository is the PostgreSQL store.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Load reads the settings row.
func (r *Repository) Load(ctx context.Context) (Settings, bool, error) {
	var s Settings
	var updatedBy *string
	err := r.pool.QueryRow(ctx, `SELECT terms, bank_details, default_tax_percent, updated_by, updated_at FROM app_settings WHERE id = 1`).
		Scan(&s.Terms, &s.BankDetails, &s.DefaultTaxPercent, &updatedBy, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Settings{}, false, nil
	}
	if err != nil {
		return Settings{}, false, err
	}
	if updatedBy != nil {
		s.UpdatedBy = *updatedBy
	}
	return s, true, nil
}

// Store upserts the settings row.
func (r *Repository) Store(ctx context.Context, s Settings) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO app_settings (id, terms, bank_details, default_tax_percent, updated_by, updated_at)
VALUES (1, $1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET terms = EXCLUDED.terms, bank_details = EXCLUDED.bank_details,
	default_tax_percent = EXCLUDED.default_tax_percent, updated_by = EXCLUDED.updated_by, updated_at = EXCLUDED.updated_at`,
		s.Terms, s.BankDetails, s.DefaultTaxPercent, s.UpdatedBy, s.UpdatedAt)
	return err
}
