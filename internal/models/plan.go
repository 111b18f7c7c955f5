package models

import (
	"time"

	"github.com/google/uuid"
)

type Plan struct {
	ID             uuid.UUID `json:"id" db:"id" toml:"id"`
	Name           string    `json:"name" db:"name" toml:"name"`
	Price          int64     `json:"price" db:"price" toml:"price"`
	Currency       string    `json:"currency" db:"currency" toml:"currency"`
	DurationMonths int       `json:"duration_months" db:"duration_months" toml:"duration_months"`
	TrialDays      int       `json:"trial_days" db:"trial_days" toml:"trial_days"`
	RemotePriceRef *string   `json:"remote_price_ref" db:"remote_price_ref" toml:"remote_price_ref"`
	IsActive       bool      `json:"is_active" db:"is_active" toml:"is_active"`
	IsDeleted      bool      `json:"is_deleted" db:"is_deleted" toml:"-"`
	CreatedAt      time.Time `json:"created_at" db:"created_at" toml:"-"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at" toml:"-"`
}

// IsFree classifies plans that are never charged through the billing provider
func (p *Plan) IsFree() bool {
	return p.Price == 0 || p.TrialDays > 0 || p.RemotePriceRef == nil || *p.RemotePriceRef == ""
}

// IsAvailable reports whether new subscriptions may reference the plan
func (p *Plan) IsAvailable() bool {
	return p.IsActive && !p.IsDeleted
}

// PeriodEnd returns the end of one billing period starting at start
func (p *Plan) PeriodEnd(start time.Time) time.Time {
	months := p.DurationMonths
	if months <= 0 {
		months = 1
	}
	return start.AddDate(0, months, 0)
}

// FreeEnd returns the end of a free or trial period starting at start
func (p *Plan) FreeEnd(start time.Time) time.Time {
	if p.TrialDays > 0 {
		return start.AddDate(0, 0, p.TrialDays)
	}
	return p.PeriodEnd(start)
}
