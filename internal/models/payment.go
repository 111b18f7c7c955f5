package models

import (
	"time"

	"github.com/google/uuid"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING"
	PaymentSuccess  PaymentStatus = "SUCCESS"
	PaymentFailed   PaymentStatus = "FAILED"
	PaymentRefunded PaymentStatus = "REFUNDED"
)

type Payment struct {
	ID               uuid.UUID     `json:"id" db:"id"`
	UserID           uuid.UUID     `json:"user_id" db:"user_id"`
	RemotePaymentRef string        `json:"remote_payment_ref" db:"remote_payment_ref"`
	Amount           int64         `json:"amount" db:"amount"`
	Currency         string        `json:"currency" db:"currency"`
	Status           PaymentStatus `json:"status" db:"status"`
	Method           string        `json:"method" db:"method"`
	CreatedAt        time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at" db:"updated_at"`
}

type Refund struct {
	ID              uuid.UUID `json:"id" db:"id"`
	PaymentID       uuid.UUID `json:"payment_id" db:"payment_id"`
	UserID          uuid.UUID `json:"user_id" db:"user_id"`
	Amount          int64     `json:"amount" db:"amount"`
	Status          string    `json:"status" db:"status"`
	RemoteRefundRef string    `json:"remote_refund_ref" db:"remote_refund_ref"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}
