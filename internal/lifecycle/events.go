package lifecycle

import (
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	KindCheckoutCompleted         EventKind = "checkout_completed"
	KindPaymentSucceeded          EventKind = "payment_succeeded"
	KindPaymentFailed             EventKind = "payment_failed"
	KindRemoteSubscriptionUpdated EventKind = "remote_subscription_updated"
	KindRemoteSubscriptionDeleted EventKind = "remote_subscription_deleted"
	KindChargeRefunded            EventKind = "charge_refunded"
	KindAdminRevoke               EventKind = "admin_revoke"
	KindAdminChangePlan           EventKind = "admin_change_plan"
	KindAdminSchedulePlanChange   EventKind = "admin_schedule_plan_change"
	KindAdminActivateFree         EventKind = "admin_activate_free"
	KindSweepTick                 EventKind = "sweep_tick"
)

// Event is a fact that may move a subscription. The set of implementations is closed.
type Event interface {
	Kind() EventKind
	isEvent()
}

type CheckoutCompleted struct {
	UserID                uuid.UUID
	PlanID                uuid.UUID
	RemoteSubscriptionRef *string
	// Provider billing period, when the checkout payload carries one
	PeriodStart *time.Time
	PeriodEnd   *time.Time
}

type PaymentSucceeded struct {
	RemoteSubscriptionRef string
	RemotePaymentRef      string
	PeriodStart           time.Time
	PeriodEnd             time.Time
	Amount                int64
	Currency              string
	Method                string
}

type PaymentFailed struct {
	RemoteSubscriptionRef string
}

type RemoteSubscriptionUpdated struct {
	RemoteSubscriptionRef string
	RemoteStatus          string
	CancelAtPeriodEnd     bool
}

type RemoteSubscriptionDeleted struct {
	RemoteSubscriptionRef string
	CanceledAt            time.Time
}

type ChargeRefunded struct {
	RemotePaymentRef string
	RemoteRefundRef  string
	Amount           int64
}

type AdminRevoke struct {
	SubscriptionID uuid.UUID
}

type AdminChangePlan struct {
	SubscriptionID uuid.UUID
	NewPlanID      uuid.UUID
}

// AdminSchedulePlanChange records a deferred swap. A nil At defaults to the current period end.
type AdminSchedulePlanChange struct {
	SubscriptionID uuid.UUID
	NewPlanID      uuid.UUID
	At             *time.Time
}

type AdminActivateFree struct {
	UserID uuid.UUID
	PlanID uuid.UUID
}

type SweepTick struct {
	SubscriptionID uuid.UUID
	Now            time.Time
}

func (CheckoutCompleted) Kind() EventKind         { return KindCheckoutCompleted }
func (PaymentSucceeded) Kind() EventKind          { return KindPaymentSucceeded }
func (PaymentFailed) Kind() EventKind             { return KindPaymentFailed }
func (RemoteSubscriptionUpdated) Kind() EventKind { return KindRemoteSubscriptionUpdated }
func (RemoteSubscriptionDeleted) Kind() EventKind { return KindRemoteSubscriptionDeleted }
func (ChargeRefunded) Kind() EventKind            { return KindChargeRefunded }
func (AdminRevoke) Kind() EventKind               { return KindAdminRevoke }
func (AdminChangePlan) Kind() EventKind           { return KindAdminChangePlan }
func (AdminSchedulePlanChange) Kind() EventKind   { return KindAdminSchedulePlanChange }
func (AdminActivateFree) Kind() EventKind         { return KindAdminActivateFree }
func (SweepTick) Kind() EventKind                 { return KindSweepTick }

func (CheckoutCompleted) isEvent()         {}
func (PaymentSucceeded) isEvent()          {}
func (PaymentFailed) isEvent()             {}
func (RemoteSubscriptionUpdated) isEvent() {}
func (RemoteSubscriptionDeleted) isEvent() {}
func (ChargeRefunded) isEvent()            {}
func (AdminRevoke) isEvent()               {}
func (AdminChangePlan) isEvent()           {}
func (AdminSchedulePlanChange) isEvent()   {}
func (AdminActivateFree) isEvent()         {}
func (SweepTick) isEvent()                 {}
