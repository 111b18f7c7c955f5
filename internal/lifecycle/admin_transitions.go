package lifecycle

import (
	"fmt"

	"billingsync/internal/models"
)

func resolveRevoke(in Input, e AdminRevoke) (Decision, error) {
	kind := e.Kind()
	if err := requireCurrent(in, kind); err != nil {
		return Decision{}, err
	}
	cur := in.Current
	if !cur.IsLive() {
		return Decision{}, notAllowed(cur.Status, kind, "subscription is not live")
	}

	next := cur.Clone()
	next.Status = models.StatusCanceled
	next.EndDate = in.Now
	next.ClearScheduledChange()

	var effects []Effect
	if cur.IsRemote() {
		effects = append(effects, CancelRemote{SubscriptionID: cur.ID, Ref: *cur.RemoteSubscriptionRef})
	}
	effects = append(effects, DeletePendingPayments{UserID: cur.UserID})
	return Decision{Next: next, Effects: effects}, nil
}

func resolveChangePlan(in Input, e AdminChangePlan) (Decision, error) {
	kind := e.Kind()
	if err := requireCurrent(in, kind); err != nil {
		return Decision{}, err
	}
	if in.TargetPlan == nil {
		return Decision{}, fmt.Errorf("%s: plan %s: %w", kind, e.NewPlanID, ErrNotFound)
	}
	cur := in.Current
	target := in.TargetPlan
	if !cur.IsLive() {
		return Decision{}, notAllowed(cur.Status, kind, "subscription is not live")
	}
	if target.ID == cur.PlanID {
		return Decision{}, nil
	}
	if !target.IsAvailable() {
		return Decision{}, notAllowed(cur.Status, kind, "target plan is not available")
	}

	if target.IsFree() {
		if in.User == nil {
			return Decision{}, fmt.Errorf("%s: user %s: %w", kind, cur.UserID, ErrNotFound)
		}
		if in.User.HasUsedFreePlan {
			return Decision{}, notAllowed(cur.Status, kind, "free plan already used")
		}
		next := cur.Clone()
		next.Status = models.StatusTrial
		next.PlanID = target.ID
		next.StartDate = in.Now
		next.EndDate = target.FreeEnd(in.Now)
		next.RemoteSubscriptionRef = nil
		next.ClearScheduledChange()

		var effects []Effect
		if cur.IsRemote() {
			effects = append(effects, CancelRemote{SubscriptionID: cur.ID, Ref: *cur.RemoteSubscriptionRef})
		}
		effects = append(effects, MarkFreePlanUsed{UserID: cur.UserID})
		return Decision{Next: next, Effects: effects}, nil
	}

	if cur.Status != models.StatusActive {
		return Decision{}, notAllowed(cur.Status, kind, "paid plan changes require an active subscription, start a checkout instead")
	}
	if hasRunningPaidPeriod(cur, in.Plan, in.Now) {
		return Decision{}, deferredToPeriodEnd(cur.Status, kind)
	}
	if !cur.IsRemote() {
		return Decision{}, notAllowed(cur.Status, kind, "subscription has no billed remote subscription to update")
	}

	next := cur.Clone()
	next.PlanID = target.ID
	next.ClearScheduledChange()
	return Decision{
		Next: next,
		Effects: []Effect{UpdateRemotePrice{
			SubscriptionID: cur.ID,
			Ref:            *cur.RemoteSubscriptionRef,
			PriceRef:       *target.RemotePriceRef,
		}},
	}, nil
}

func resolveSchedulePlanChange(in Input, e AdminSchedulePlanChange) (Decision, error) {
	kind := e.Kind()
	if err := requireCurrent(in, kind); err != nil {
		return Decision{}, err
	}
	if in.TargetPlan == nil {
		return Decision{}, fmt.Errorf("%s: plan %s: %w", kind, e.NewPlanID, ErrNotFound)
	}
	cur := in.Current
	target := in.TargetPlan
	if !cur.IsLive() {
		return Decision{}, notAllowed(cur.Status, kind, "subscription is not live")
	}

	next := cur.Clone()
	if target.ID == cur.PlanID {
		// scheduling the current plan cancels a pending change
		next.ClearScheduledChange()
		return changed(cur, next), nil
	}
	if !target.IsAvailable() {
		return Decision{}, notAllowed(cur.Status, kind, "target plan is not available")
	}
	if target.IsFree() {
		return Decision{}, notAllowed(cur.Status, kind, "free plans apply immediately, use change-plan")
	}
	if !cur.IsRemote() {
		return Decision{}, notAllowed(cur.Status, kind, "subscription has no billed remote subscription to update")
	}

	at := cur.EndDate
	if e.At != nil {
		at = *e.At
	}
	planID := target.ID
	next.NextPlanID = &planID
	next.ScheduledChangeAt = &at
	return changed(cur, next), nil
}

func resolveActivateFree(in Input, e AdminActivateFree) (Decision, error) {
	kind := e.Kind()
	if in.TargetPlan == nil {
		return Decision{}, fmt.Errorf("%s: plan %s: %w", kind, e.PlanID, ErrNotFound)
	}
	if in.User == nil {
		return Decision{}, fmt.Errorf("%s: user %s: %w", kind, e.UserID, ErrNotFound)
	}
	plan := in.TargetPlan
	if !plan.IsAvailable() {
		return Decision{}, notAllowed("", kind, "plan is not available")
	}
	if !plan.IsFree() {
		return Decision{}, notAllowed("", kind, "plan is not free")
	}
	if freeGrantReplayed(in.Live, e.UserID, plan.ID) {
		return Decision{}, nil
	}
	if in.User.HasUsedFreePlan {
		return Decision{}, notAllowed("", kind, "free plan already used")
	}
	if in.Live != nil && in.Live.IsLive() {
		return Decision{}, notAllowed(in.Live.Status, kind, "user already has a live subscription")
	}

	now := in.Now
	return Decision{
		Next: &models.UserSubscription{
			ID:        in.newID(),
			UserID:    e.UserID,
			PlanID:    plan.ID,
			Status:    models.StatusTrial,
			StartDate: now,
			EndDate:   plan.FreeEnd(now),
			CreatedAt: now,
			UpdatedAt: now,
		},
		Create:  true,
		Effects: []Effect{MarkFreePlanUsed{UserID: e.UserID}},
	}, nil
}
