package repositories

import (
	"context"
	"errors"
	"time"

	"billingsync/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type PaymentRepository interface {
	GetByRemoteRef(ctx context.Context, ref string) (*models.Payment, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Payment, error)
	ExpireStalePending(ctx context.Context, olderThan time.Time) (int64, error)
}

type paymentRepo struct {
	db Database
}

func NewPaymentRepo(db Database) PaymentRepository {
	return &paymentRepo{db: db}
}

func scanPayment(row pgx.Row) (*models.Payment, error) {
	p := &models.Payment{}
	var status string
	err := row.Scan(&p.ID, &p.UserID, &p.RemotePaymentRef, &p.Amount, &p.Currency, &status, &p.Method, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Status = models.PaymentStatus(status)
	return p, nil
}

func (r *paymentRepo) GetByRemoteRef(ctx context.Context, ref string) (*models.Payment, error) {
	query := `
		SELECT id, user_id, remote_payment_ref, amount, currency, status, method, created_at, updated_at
		FROM payments
		WHERE remote_payment_ref = $1
	`
	p, err := scanPayment(r.db.QueryRow(ctx, query, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *paymentRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Payment, error) {
	query := `
		SELECT id, user_id, remote_payment_ref, amount, currency, status, method, created_at, updated_at
		FROM payments
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// ExpireStalePending marks checkout payments that never completed as failed
func (r *paymentRepo) ExpireStalePending(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `UPDATE payments SET status = 'FAILED', updated_at = NOW() WHERE status = 'PENDING' AND created_at < $1`
	tag, err := r.db.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// upsertPayment is keyed on remote_payment_ref so redelivered payment events collapse into one row
func upsertPayment(ctx context.Context, q querier, p *models.Payment) error {
	query := `
		INSERT INTO payments (id, user_id, remote_payment_ref, amount, currency, status, method, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (remote_payment_ref) DO UPDATE
		SET status = EXCLUDED.status, amount = EXCLUDED.amount, method = EXCLUDED.method, updated_at = NOW()
		WHERE payments.status <> 'REFUNDED'
	`
	_, err := q.Exec(ctx, query, p.ID, p.UserID, p.RemotePaymentRef, p.Amount, p.Currency, string(p.Status), p.Method)
	return err
}

func insertRefund(ctx context.Context, q querier, rf *models.Refund) error {
	query := `
		INSERT INTO refunds (id, payment_id, user_id, amount, status, remote_refund_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (remote_refund_ref) DO NOTHING
	`
	_, err := q.Exec(ctx, query, rf.ID, rf.PaymentID, rf.UserID, rf.Amount, rf.Status, rf.RemoteRefundRef)
	return err
}
