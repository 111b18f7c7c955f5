package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"billingsync/internal/models"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type SweepKind string

const (
	SweepExpiry          SweepKind = "expiry"
	SweepScheduledChange SweepKind = "scheduled-change"
)

// CommitRequest is everything written in one reconciliation transaction
type CommitRequest struct {
	// Record is the next version. When Create is false it is written only if the
	// stored version still equals Record.Version.
	Record *models.UserSubscription
	Create bool
	// Supersede closes a previous live record under its own version guard
	Supersede *models.UserSubscription

	Payments            []models.Payment
	Refunds             []models.Refund
	RefundedPaymentRefs []string
	DeletePendingFor    []uuid.UUID
	MarkFreePlanUsed    []uuid.UUID
}

type SubscriptionRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.UserSubscription, error)
	GetByRemoteRef(ctx context.Context, ref string) (*models.UserSubscription, error)
	GetByPaymentRef(ctx context.Context, paymentRef string) (*models.UserSubscription, error)
	GetLiveByUser(ctx context.Context, userID uuid.UUID) (*models.UserSubscription, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.UserSubscription, error)
	Commit(ctx context.Context, req CommitRequest) (*models.UserSubscription, error)
	EnumerateSweepCandidates(ctx context.Context, kind SweepKind, now time.Time, gracePeriod time.Duration, limit int) ([]*models.UserSubscription, error)
}

type subscriptionRepo struct {
	db Database
}

func NewSubscriptionRepo(db Database) SubscriptionRepository {
	return &subscriptionRepo{db: db}
}

var subscriptionColumns = []string{
	"id", "user_id", "plan_id", "status", "start_date", "end_date",
	"remote_subscription_ref", "next_plan_id", "scheduled_change_at", "payment_ref",
	"is_deleted", "version", "created_at", "updated_at",
}

const selectSubscription = `
		SELECT id, user_id, plan_id, status, start_date, end_date, remote_subscription_ref, next_plan_id, scheduled_change_at, payment_ref, is_deleted, version, created_at, updated_at
		FROM user_subscriptions
	`

func scanSubscription(row pgx.Row) (*models.UserSubscription, error) {
	s := &models.UserSubscription{}
	var status string
	err := row.Scan(&s.ID, &s.UserID, &s.PlanID, &status, &s.StartDate, &s.EndDate,
		&s.RemoteSubscriptionRef, &s.NextPlanID, &s.ScheduledChangeAt, &s.PaymentRef,
		&s.IsDeleted, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Status = models.SubscriptionStatus(status)
	return s, nil
}

// getOne returns nil without error when no row matches
func (r *subscriptionRepo) getOne(ctx context.Context, where string, arg interface{}) (*models.UserSubscription, error) {
	s, err := scanSubscription(r.db.QueryRow(ctx, selectSubscription+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *subscriptionRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.UserSubscription, error) {
	return r.getOne(ctx, `WHERE id = $1 AND is_deleted = FALSE`, id)
}

func (r *subscriptionRepo) GetByRemoteRef(ctx context.Context, ref string) (*models.UserSubscription, error) {
	return r.getOne(ctx, `WHERE remote_subscription_ref = $1 AND is_deleted = FALSE`, ref)
}

// GetByPaymentRef returns the newest record whose last payment is paymentRef
func (r *subscriptionRepo) GetByPaymentRef(ctx context.Context, paymentRef string) (*models.UserSubscription, error) {
	return r.getOne(ctx, `WHERE payment_ref = $1 AND is_deleted = FALSE ORDER BY created_at DESC LIMIT 1`, paymentRef)
}

func (r *subscriptionRepo) GetLiveByUser(ctx context.Context, userID uuid.UUID) (*models.UserSubscription, error) {
	return r.getOne(ctx, `WHERE user_id = $1 AND is_deleted = FALSE AND status IN ('TRIAL', 'ACTIVE', 'PAST_DUE') ORDER BY end_date DESC LIMIT 1`, userID)
}

func (r *subscriptionRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.UserSubscription, error) {
	rows, err := r.db.Query(ctx, selectSubscription+`WHERE user_id = $1 AND is_deleted = FALSE ORDER BY created_at DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

func collectSubscriptions(rows pgx.Rows) ([]*models.UserSubscription, error) {
	var subscriptions []*models.UserSubscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subscriptions = append(subscriptions, s)
	}
	return subscriptions, rows.Err()
}

// EnumerateSweepCandidates lists records a sweep of the given kind should re-evaluate.
// Expiry candidates that can be settled without a provider call (trials, local
// records and CANCELED rows) come first, then remote records past the grace
// window, then those still inside it. A provider outage therefore cannot fill
// the page with rows that keep failing.
func (r *subscriptionRepo) EnumerateSweepCandidates(ctx context.Context, kind SweepKind, now time.Time, gracePeriod time.Duration, limit int) ([]*models.UserSubscription, error) {
	live := []string{string(models.StatusTrial), string(models.StatusActive), string(models.StatusPastDue)}

	q := sq.StatementBuilder.PlaceholderFormat(sq.Dollar).
		Select(subscriptionColumns...).
		From("user_subscriptions").
		Where(sq.Eq{"is_deleted": false})

	switch kind {
	case SweepExpiry:
		q = q.Where(sq.Or{
			sq.Eq{"status": string(models.StatusCanceled)},
			sq.Eq{"status": live},
		}).
			Where(sq.LtOrEq{"end_date": now}).
			OrderByClause("(remote_subscription_ref IS NOT NULL AND status <> ?) ASC", string(models.StatusCanceled)).
			OrderByClause("(end_date > ?) ASC", now.Add(-gracePeriod)).
			OrderBy("end_date ASC")
	case SweepScheduledChange:
		q = q.Where(sq.Eq{"status": live}).
			Where(sq.NotEq{"next_plan_id": nil}).
			Where(sq.LtOrEq{"scheduled_change_at": now}).
			OrderBy("scheduled_change_at ASC")
	default:
		return nil, fmt.Errorf("unknown sweep kind %q", kind)
	}
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build sweep query: %w", err)
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

// Commit writes a reconciliation decision atomically. A stale version guard or a
// unique-index collision with a concurrent writer yields ErrVersionMismatch.
func (r *subscriptionRepo) Commit(ctx context.Context, req CommitRequest) (*models.UserSubscription, error) {
	if req.Record == nil && req.Supersede == nil {
		return nil, fmt.Errorf("commit: nothing to write")
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin commit: %w", err)
	}

	committed, err := r.commitTx(ctx, tx, req)
	if err != nil {
		_ = tx.Rollback(ctx)
		if isUniqueViolation(err) {
			return nil, ErrVersionMismatch
		}
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrVersionMismatch
		}
		return nil, fmt.Errorf("commit: %w", err)
	}
	return committed, nil
}

func (r *subscriptionRepo) commitTx(ctx context.Context, tx pgx.Tx, req CommitRequest) (*models.UserSubscription, error) {
	if req.Supersede != nil {
		if _, err := updateGuarded(ctx, tx, req.Supersede); err != nil {
			return nil, err
		}
	}

	var committed *models.UserSubscription
	if req.Record != nil {
		var err error
		if req.Create {
			committed, err = insertSubscription(ctx, tx, req.Record)
		} else {
			committed, err = updateGuarded(ctx, tx, req.Record)
		}
		if err != nil {
			return nil, err
		}
	}

	for i := range req.Payments {
		if err := upsertPayment(ctx, tx, &req.Payments[i]); err != nil {
			return nil, fmt.Errorf("upsert payment %s: %w", req.Payments[i].RemotePaymentRef, err)
		}
	}
	for _, ref := range req.RefundedPaymentRefs {
		if _, err := tx.Exec(ctx, `UPDATE payments SET status = 'REFUNDED', updated_at = NOW() WHERE remote_payment_ref = $1`, ref); err != nil {
			return nil, fmt.Errorf("mark payment %s refunded: %w", ref, err)
		}
	}
	for i := range req.Refunds {
		if err := insertRefund(ctx, tx, &req.Refunds[i]); err != nil {
			return nil, fmt.Errorf("insert refund %s: %w", req.Refunds[i].RemoteRefundRef, err)
		}
	}
	for _, userID := range req.DeletePendingFor {
		if _, err := tx.Exec(ctx, `DELETE FROM payments WHERE user_id = $1 AND status = 'PENDING'`, userID); err != nil {
			return nil, fmt.Errorf("delete pending payments: %w", err)
		}
	}
	for _, userID := range req.MarkFreePlanUsed {
		if _, err := tx.Exec(ctx, `UPDATE users SET has_used_free_plan = TRUE, updated_at = NOW() WHERE id = $1`, userID); err != nil {
			return nil, fmt.Errorf("mark free plan used: %w", err)
		}
	}

	if committed == nil {
		committed = req.Supersede
	}
	return committed, nil
}

func insertSubscription(ctx context.Context, q querier, s *models.UserSubscription) (*models.UserSubscription, error) {
	query := `
		INSERT INTO user_subscriptions (id, user_id, plan_id, status, start_date, end_date, remote_subscription_ref, next_plan_id, scheduled_change_at, payment_ref, is_deleted, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, 1, NOW(), NOW())
		RETURNING version, created_at, updated_at
	`
	out := s.Clone()
	err := q.QueryRow(ctx, query, s.ID, s.UserID, s.PlanID, string(s.Status), s.StartDate, s.EndDate,
		s.RemoteSubscriptionRef, s.NextPlanID, s.ScheduledChangeAt, s.PaymentRef).
		Scan(&out.Version, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// updateGuarded writes s only if the stored version still equals s.Version
func updateGuarded(ctx context.Context, q querier, s *models.UserSubscription) (*models.UserSubscription, error) {
	query := `
		UPDATE user_subscriptions
		SET plan_id = $1, status = $2, start_date = $3, end_date = $4, remote_subscription_ref = $5, next_plan_id = $6, scheduled_change_at = $7, payment_ref = $8, version = version + 1, updated_at = NOW()
		WHERE id = $9 AND version = $10
		RETURNING version, updated_at
	`
	out := s.Clone()
	err := q.QueryRow(ctx, query, s.PlanID, string(s.Status), s.StartDate, s.EndDate,
		s.RemoteSubscriptionRef, s.NextPlanID, s.ScheduledChangeAt, s.PaymentRef, s.ID, s.Version).
		Scan(&out.Version, &out.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrVersionMismatch
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}
