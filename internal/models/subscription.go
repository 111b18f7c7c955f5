package models

import (
	"time"

	"github.com/google/uuid"
)

type SubscriptionStatus string

const (
	StatusTrial    SubscriptionStatus = "TRIAL"
	StatusActive   SubscriptionStatus = "ACTIVE"
	StatusPastDue  SubscriptionStatus = "PAST_DUE"
	StatusCanceled SubscriptionStatus = "CANCELED"
	StatusExpired  SubscriptionStatus = "EXPIRED"
	StatusRefunded SubscriptionStatus = "REFUNDED"
)

// IsLive reports whether the status counts toward the one-live-subscription-per-user rule
func (s SubscriptionStatus) IsLive() bool {
	return s == StatusTrial || s == StatusActive || s == StatusPastDue
}

// IsTerminal reports whether no event may move a record out of this status
func (s SubscriptionStatus) IsTerminal() bool {
	return s == StatusExpired || s == StatusRefunded
}

// Valid reports whether s is a known status
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case StatusTrial, StatusActive, StatusPastDue, StatusCanceled, StatusExpired, StatusRefunded:
		return true
	}
	return false
}

type UserSubscription struct {
	ID                    uuid.UUID          `json:"id" db:"id"`
	UserID                uuid.UUID          `json:"user_id" db:"user_id"`
	PlanID                uuid.UUID          `json:"plan_id" db:"plan_id"`
	Status                SubscriptionStatus `json:"status" db:"status"`
	StartDate             time.Time          `json:"start_date" db:"start_date"`
	EndDate               time.Time          `json:"end_date" db:"end_date"`
	RemoteSubscriptionRef *string            `json:"remote_subscription_ref" db:"remote_subscription_ref"`
	NextPlanID            *uuid.UUID         `json:"next_plan_id" db:"next_plan_id"`
	ScheduledChangeAt     *time.Time         `json:"scheduled_change_at" db:"scheduled_change_at"`
	PaymentRef            *string            `json:"payment_ref" db:"payment_ref"`
	IsDeleted             bool               `json:"is_deleted" db:"is_deleted"`
	Version               int64              `json:"version" db:"version"`
	CreatedAt             time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time          `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy so callers can mutate pointer fields freely
func (s *UserSubscription) Clone() *UserSubscription {
	if s == nil {
		return nil
	}
	c := *s
	if s.RemoteSubscriptionRef != nil {
		ref := *s.RemoteSubscriptionRef
		c.RemoteSubscriptionRef = &ref
	}
	if s.NextPlanID != nil {
		id := *s.NextPlanID
		c.NextPlanID = &id
	}
	if s.ScheduledChangeAt != nil {
		at := *s.ScheduledChangeAt
		c.ScheduledChangeAt = &at
	}
	if s.PaymentRef != nil {
		ref := *s.PaymentRef
		c.PaymentRef = &ref
	}
	return &c
}

// IsLive reports whether the record is a live, non-deleted subscription
func (s *UserSubscription) IsLive() bool {
	return !s.IsDeleted && s.Status.IsLive()
}

// IsRemote reports whether the subscription is billed by the provider
func (s *UserSubscription) IsRemote() bool {
	return s.RemoteSubscriptionRef != nil && *s.RemoteSubscriptionRef != ""
}

// HasScheduledChange reports whether a deferred plan swap is pending
func (s *UserSubscription) HasScheduledChange() bool {
	return s.NextPlanID != nil && s.ScheduledChangeAt != nil
}

// ScheduledChangeDue reports whether the pending plan swap may be applied at now
func (s *UserSubscription) ScheduledChangeDue(now time.Time) bool {
	return s.HasScheduledChange() && !s.ScheduledChangeAt.After(now)
}

// ClearScheduledChange drops nextPlanId and scheduledChangeAt together
func (s *UserSubscription) ClearScheduledChange() {
	s.NextPlanID = nil
	s.ScheduledChangeAt = nil
}

// SameState reports whether two versions of a record carry identical lifecycle data
func (s *UserSubscription) SameState(o *UserSubscription) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.PlanID == o.PlanID &&
		s.Status == o.Status &&
		s.StartDate.Equal(o.StartDate) &&
		s.EndDate.Equal(o.EndDate) &&
		equalString(s.RemoteSubscriptionRef, o.RemoteSubscriptionRef) &&
		equalString(s.PaymentRef, o.PaymentRef) &&
		equalUUID(s.NextPlanID, o.NextPlanID) &&
		equalTime(s.ScheduledChangeAt, o.ScheduledChangeAt) &&
		s.IsDeleted == o.IsDeleted
}

func equalString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalUUID(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// RemoteSubscription is a snapshot of the provider's view of a subscription
type RemoteSubscription struct {
	Ref                string    `json:"ref"`
	Status             string    `json:"status"`
	CancelAtPeriodEnd  bool      `json:"cancel_at_period_end"`
	CurrentPeriodStart time.Time `json:"current_period_start"`
	CurrentPeriodEnd   time.Time `json:"current_period_end"`
	Found              bool      `json:"found"`
}

// IsActive reports whether the provider still considers the subscription running.
// past_due counts as running while the provider keeps retrying the charge.
func (r *RemoteSubscription) IsActive() bool {
	if r == nil || !r.Found {
		return false
	}
	switch r.Status {
	case "active", "trialing", "past_due":
		return true
	}
	return false
}
