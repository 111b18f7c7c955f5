package lifecycle

import (
	"fmt"
	"time"

	"billingsync/internal/models"

	"github.com/google/uuid"
)

func resolveCheckout(in Input, e CheckoutCompleted) (Decision, error) {
	kind := e.Kind()
	if in.Current != nil {
		// already applied under the same remote reference
		return Decision{}, nil
	}
	if in.TargetPlan == nil {
		return Decision{}, fmt.Errorf("%s: plan %s: %w", kind, e.PlanID, ErrNotFound)
	}
	if in.User == nil {
		return Decision{}, fmt.Errorf("%s: user %s: %w", kind, e.UserID, ErrNotFound)
	}

	plan := in.TargetPlan
	free := plan.IsFree()
	if free && freeGrantReplayed(in.Live, e.UserID, plan.ID) {
		return Decision{}, nil
	}
	if free && in.User.HasUsedFreePlan {
		return Decision{}, notAllowed("", kind, "free plan already used")
	}

	now := in.Now
	var d Decision
	if live := in.Live; live != nil && live.IsLive() {
		if free {
			return Decision{}, notAllowed(live.Status, kind, "user already has a live subscription")
		}
		d.Supersede = supersede(live, now)
		if live.IsRemote() && (e.RemoteSubscriptionRef == nil || *live.RemoteSubscriptionRef != *e.RemoteSubscriptionRef) {
			d.Effects = append(d.Effects, CancelRemote{SubscriptionID: live.ID, Ref: *live.RemoteSubscriptionRef})
		}
	}

	next := &models.UserSubscription{
		ID:                    in.newID(),
		UserID:                e.UserID,
		PlanID:                plan.ID,
		RemoteSubscriptionRef: copyString(e.RemoteSubscriptionRef),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if free {
		next.Status = models.StatusTrial
		next.StartDate = now
		next.EndDate = plan.FreeEnd(now)
		d.Effects = append(d.Effects, MarkFreePlanUsed{UserID: e.UserID})
	} else {
		if next.RemoteSubscriptionRef == nil {
			return Decision{}, notAllowed("", kind, "paid plan checkout without a remote subscription")
		}
		next.Status = models.StatusActive
		next.StartDate = now
		if e.PeriodStart != nil {
			next.StartDate = *e.PeriodStart
		}
		next.EndDate = plan.PeriodEnd(next.StartDate)
		if e.PeriodEnd != nil {
			next.EndDate = *e.PeriodEnd
		}
	}

	d.Next = next
	d.Create = true
	return d, nil
}

// freeGrantReplayed reports whether live is the trial an earlier delivery of
// the same free grant already created
func freeGrantReplayed(live *models.UserSubscription, userID, planID uuid.UUID) bool {
	return live != nil && live.IsLive() && !live.IsRemote() &&
		live.Status == models.StatusTrial &&
		live.UserID == userID && live.PlanID == planID
}

// supersede closes a live record that a new checkout replaces
func supersede(live *models.UserSubscription, now time.Time) *models.UserSubscription {
	closed := live.Clone()
	closed.Status = models.StatusCanceled
	if closed.EndDate.After(now) {
		closed.EndDate = now
	}
	closed.ClearScheduledChange()
	return closed
}

func resolvePaymentSucceeded(in Input, e PaymentSucceeded) (Decision, error) {
	if err := requireCurrent(in, e.Kind()); err != nil {
		return Decision{}, err
	}
	cur := in.Current
	if cur.IsDeleted || !cur.Status.IsLive() {
		// the record stays where it is but the payment is still recorded
		if e.RemotePaymentRef == "" || paymentSettled(in.Payment) {
			return Decision{}, nil
		}
		return Decision{Effects: []Effect{paymentRecord(in, cur, e)}}, nil
	}

	next := cur.Clone()
	next.Status = models.StatusActive
	if !e.PeriodStart.IsZero() {
		next.StartDate = e.PeriodStart
	}
	if !e.PeriodEnd.IsZero() {
		next.EndDate = e.PeriodEnd
	}
	if e.RemotePaymentRef != "" {
		next.PaymentRef = stringPtr(e.RemotePaymentRef)
	}
	swap := applyDueChange(next, in, in.Now)

	if next.SameState(cur) {
		return Decision{}, nil
	}

	d := Decision{Next: next}
	if e.RemotePaymentRef != "" {
		d.Effects = append(d.Effects, paymentRecord(in, cur, e))
	}
	d.Effects = append(d.Effects, swap...)
	return d, nil
}

func paymentRecord(in Input, cur *models.UserSubscription, e PaymentSucceeded) Effect {
	return UpsertPayment{Payment: models.Payment{
		ID:               in.newID(),
		UserID:           cur.UserID,
		RemotePaymentRef: e.RemotePaymentRef,
		Amount:           e.Amount,
		Currency:         e.Currency,
		Status:           models.PaymentSuccess,
		Method:           e.Method,
		CreatedAt:        in.Now,
		UpdatedAt:        in.Now,
	}}
}

// paymentSettled reports whether a stored payment already reflects a success or a refund
func paymentSettled(p *models.Payment) bool {
	return p != nil && (p.Status == models.PaymentSuccess || p.Status == models.PaymentRefunded)
}

func resolvePaymentFailed(in Input, e PaymentFailed) (Decision, error) {
	if err := requireCurrent(in, e.Kind()); err != nil {
		return Decision{}, err
	}
	cur := in.Current
	if cur.IsDeleted || (cur.Status != models.StatusActive && cur.Status != models.StatusTrial) {
		return Decision{}, nil
	}
	next := cur.Clone()
	next.Status = models.StatusPastDue
	return changed(cur, next), nil
}

func resolveRemoteUpdated(in Input, e RemoteSubscriptionUpdated) (Decision, error) {
	if err := requireCurrent(in, e.Kind()); err != nil {
		return Decision{}, err
	}
	cur := in.Current
	if !cur.IsLive() {
		return Decision{}, nil
	}

	next := cur.Clone()
	switch {
	case e.CancelAtPeriodEnd:
		// keeps its dates and runs out through the sweep
		next.Status = models.StatusCanceled
		next.ClearScheduledChange()
	case e.RemoteStatus == "active":
		next.Status = models.StatusActive
	case e.RemoteStatus == "trialing":
		next.Status = models.StatusTrial
	case e.RemoteStatus == "past_due" || e.RemoteStatus == "unpaid":
		next.Status = models.StatusPastDue
	default:
		return Decision{}, nil
	}
	return changed(cur, next), nil
}

func resolveRemoteDeleted(in Input, e RemoteSubscriptionDeleted) (Decision, error) {
	if err := requireCurrent(in, e.Kind()); err != nil {
		return Decision{}, err
	}
	cur := in.Current
	if cur.Status == models.StatusCanceled || cur.Status.IsTerminal() {
		return Decision{}, nil
	}

	next := cur.Clone()
	next.Status = models.StatusCanceled
	next.EndDate = in.Now
	if !e.CanceledAt.IsZero() {
		next.EndDate = e.CanceledAt
	}
	next.ClearScheduledChange()
	return changed(cur, next), nil
}

func resolveChargeRefunded(in Input, e ChargeRefunded) (Decision, error) {
	kind := e.Kind()
	if err := requireCurrent(in, kind); err != nil {
		return Decision{}, err
	}
	if in.Payment == nil {
		return Decision{}, fmt.Errorf("%s: payment %s: %w", kind, e.RemotePaymentRef, ErrNotFound)
	}
	cur := in.Current
	effects := refundRecord(in, cur, e)

	// only ACTIVE moves to REFUNDED; other records still get the refund recorded
	if cur.IsDeleted || cur.Status != models.StatusActive {
		if in.Payment.Status == models.PaymentRefunded {
			return Decision{}, nil
		}
		return Decision{Effects: effects}, nil
	}

	next := cur.Clone()
	next.Status = models.StatusRefunded
	next.ClearScheduledChange()
	return Decision{Next: next, Effects: effects}, nil
}

func refundRecord(in Input, cur *models.UserSubscription, e ChargeRefunded) []Effect {
	amount := e.Amount
	if amount == 0 {
		amount = in.Payment.Amount
	}
	refundRef := e.RemoteRefundRef
	if refundRef == "" {
		refundRef = "charge:" + e.RemotePaymentRef
	}
	return []Effect{
		CreateRefund{Refund: models.Refund{
			ID:              in.newID(),
			PaymentID:       in.Payment.ID,
			UserID:          cur.UserID,
			Amount:          amount,
			Status:          "SUCCEEDED",
			RemoteRefundRef: refundRef,
			CreatedAt:       in.Now,
		}},
		MarkPaymentRefunded{RemotePaymentRef: in.Payment.RemotePaymentRef},
	}
}
