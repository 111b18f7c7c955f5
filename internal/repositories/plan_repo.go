package repositories

import (
	"context"
	"errors"

	"billingsync/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type PlanRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Plan, error)
	ListActive(ctx context.Context) ([]*models.Plan, error)
	Upsert(ctx context.Context, plan *models.Plan) error
}

type planRepo struct {
	db Database
}

func NewPlanRepo(db Database) PlanRepository {
	return &planRepo{db: db}
}

func scanPlan(row pgx.Row) (*models.Plan, error) {
	p := &models.Plan{}
	err := row.Scan(&p.ID, &p.Name, &p.Price, &p.Currency, &p.DurationMonths, &p.TrialDays, &p.RemotePriceRef, &p.IsActive, &p.IsDeleted, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetByID includes soft-deleted plans since live subscriptions may still reference them
func (r *planRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	query := `
		SELECT id, name, price, currency, duration_months, trial_days, remote_price_ref, is_active, is_deleted, created_at, updated_at
		FROM subscription_plans
		WHERE id = $1
	`
	p, err := scanPlan(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *planRepo) ListActive(ctx context.Context) ([]*models.Plan, error) {
	query := `
		SELECT id, name, price, currency, duration_months, trial_days, remote_price_ref, is_active, is_deleted, created_at, updated_at
		FROM subscription_plans
		WHERE is_active = TRUE AND is_deleted = FALSE
		ORDER BY price ASC, name ASC
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []*models.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// Upsert only touches pricing on insert; an existing plan keeps its terms and only flips activation
func (r *planRepo) Upsert(ctx context.Context, plan *models.Plan) error {
	query := `
		INSERT INTO subscription_plans (id, name, price, currency, duration_months, trial_days, remote_price_ref, is_active, is_deleted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, is_active = EXCLUDED.is_active, updated_at = NOW()
	`
	_, err := r.db.Exec(ctx, query, plan.ID, plan.Name, plan.Price, plan.Currency, plan.DurationMonths, plan.TrialDays, plan.RemotePriceRef, plan.IsActive)
	return err
}
