package lifecycle

import (
	"fmt"
	"time"

	"billingsync/internal/models"

	"github.com/google/uuid"
)

// DefaultGracePeriod is how long a sweep waits past endDate while the provider still reports the subscription active
const DefaultGracePeriod = 24 * time.Hour

// Input is everything Resolve may look at. The dispatcher loads it; Resolve performs no I/O.
type Input struct {
	Now time.Time

	// Current is the record the event targets, nil on creation paths
	Current *models.UserSubscription
	// Live is the user's live record on creation paths
	Live *models.UserSubscription

	// Plan is the plan of Current
	Plan *models.Plan
	// TargetPlan is the plan named by the event
	TargetPlan *models.Plan
	// NextPlan is the plan referenced by Current.NextPlanID
	NextPlan *models.Plan

	User    *models.User
	Remote  *models.RemoteSubscription
	Payment *models.Payment

	GracePeriod time.Duration
	NewID       func() uuid.UUID
}

func (in Input) newID() uuid.UUID {
	if in.NewID != nil {
		return in.NewID()
	}
	return uuid.New()
}

func (in Input) grace() time.Duration {
	if in.GracePeriod > 0 {
		return in.GracePeriod
	}
	return DefaultGracePeriod
}

// Decision is the outcome of resolving one event against one record
type Decision struct {
	// Next is the record version to commit, nil when nothing changes
	Next *models.UserSubscription
	// Create marks Next as a new record rather than a guarded update of Current
	Create bool
	// Supersede is the closing version of a previous live record replaced by Next
	Supersede *models.UserSubscription
	Effects   []Effect
}

// IsNoOp reports whether the decision requires no write at all
func (d Decision) IsNoOp() bool {
	return d.Next == nil && d.Supersede == nil && len(d.Effects) == 0
}

// RemoteEffects returns effects that call the billing provider
func (d Decision) RemoteEffects() []Effect {
	var out []Effect
	for _, eff := range d.Effects {
		if eff.Remote() {
			out = append(out, eff)
		}
	}
	return out
}

// Resolve maps (record, event) to the next record and its side effects.
// Every (status, event) pair is total: pairs without a transition are no-ops.
func Resolve(in Input, ev Event) (Decision, error) {
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	switch e := ev.(type) {
	case CheckoutCompleted:
		return resolveCheckout(in, e)
	case PaymentSucceeded:
		return resolvePaymentSucceeded(in, e)
	case PaymentFailed:
		return resolvePaymentFailed(in, e)
	case RemoteSubscriptionUpdated:
		return resolveRemoteUpdated(in, e)
	case RemoteSubscriptionDeleted:
		return resolveRemoteDeleted(in, e)
	case ChargeRefunded:
		return resolveChargeRefunded(in, e)
	case AdminRevoke:
		return resolveRevoke(in, e)
	case AdminChangePlan:
		return resolveChangePlan(in, e)
	case AdminSchedulePlanChange:
		return resolveSchedulePlanChange(in, e)
	case AdminActivateFree:
		return resolveActivateFree(in, e)
	case SweepTick:
		return resolveSweep(in, e)
	case nil:
		return Decision{}, fmt.Errorf("resolve: nil event")
	default:
		return Decision{}, fmt.Errorf("resolve: unsupported event %T", ev)
	}
}

func requireCurrent(in Input, kind EventKind) error {
	if in.Current == nil {
		return fmt.Errorf("%s: subscription: %w", kind, ErrNotFound)
	}
	return nil
}

// changed wraps next into a decision, or a no-op when it equals current
func changed(current, next *models.UserSubscription, effects ...Effect) Decision {
	if next.SameState(current) && len(effects) == 0 {
		return Decision{}
	}
	return Decision{Next: next, Effects: effects}
}

func expire(current *models.UserSubscription) Decision {
	next := current.Clone()
	next.Status = models.StatusExpired
	next.ClearScheduledChange()
	return changed(current, next)
}

// applyDueChange swaps next onto its scheduled plan if the change is due.
// A change pointing at a missing, retired or free plan is dropped.
func applyDueChange(next *models.UserSubscription, in Input, now time.Time) []Effect {
	if !next.ScheduledChangeDue(now) {
		return nil
	}
	targetID := *next.NextPlanID
	next.ClearScheduledChange()

	target := in.NextPlan
	if target == nil || target.ID != targetID || !target.IsAvailable() || target.IsFree() {
		return nil
	}
	next.PlanID = target.ID
	if next.IsRemote() {
		return []Effect{UpdateRemotePrice{
			SubscriptionID: next.ID,
			Ref:            *next.RemoteSubscriptionRef,
			PriceRef:       *target.RemotePriceRef,
		}}
	}
	return nil
}

// hasRunningPaidPeriod reports whether the user has paid for time that has not elapsed yet
func hasRunningPaidPeriod(current *models.UserSubscription, plan *models.Plan, now time.Time) bool {
	if !current.IsRemote() || !current.EndDate.After(now) {
		return false
	}
	return plan == nil || !plan.IsFree()
}

func stringPtr(s string) *string {
	return &s
}

func copyString(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	v := *s
	return &v
}
