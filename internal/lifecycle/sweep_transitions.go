package lifecycle

import (
	"fmt"
	"time"

	"billingsync/internal/models"
)

func resolveSweep(in Input, e SweepTick) (Decision, error) {
	if err := requireCurrent(in, e.Kind()); err != nil {
		return Decision{}, err
	}
	cur := in.Current
	now := e.Now
	if now.IsZero() {
		now = in.Now
	}
	if cur.IsDeleted || cur.Status.IsTerminal() {
		return Decision{}, nil
	}
	if cur.Status == models.StatusCanceled {
		if !cur.EndDate.After(now) {
			return expire(cur), nil
		}
		return Decision{}, nil
	}

	// live from here on
	if cur.EndDate.After(now) {
		next := cur.Clone()
		effects := applyDueChange(next, in, now)
		return changed(cur, next, effects...), nil
	}
	if !cur.IsRemote() {
		return expire(cur), nil
	}
	if in.Remote == nil {
		return Decision{}, fmt.Errorf("sweep %s: remote status unknown: %w", cur.ID, ErrUpstreamUnavailable)
	}

	// the provider confirming the subscription is over expires without grace
	if !in.Remote.IsActive() {
		return expire(cur), nil
	}

	// renewed remotely but the payment webhook never landed
	if in.Remote.CurrentPeriodEnd.After(cur.EndDate) && in.Remote.CurrentPeriodEnd.After(now) {
		next := cur.Clone()
		next.EndDate = in.Remote.CurrentPeriodEnd
		if !in.Remote.CurrentPeriodStart.IsZero() {
			next.StartDate = in.Remote.CurrentPeriodStart
		}
		effects := applyDueChange(next, in, now)
		return changed(cur, next, effects...), nil
	}

	if !now.Before(cur.EndDate.Add(in.grace())) {
		return expire(cur), nil
	}
	return Decision{}, nil
}

// NeedsRemoteStatus reports whether resolving a sweep tick for s requires a provider lookup
func NeedsRemoteStatus(s *models.UserSubscription, now time.Time) bool {
	return s != nil && s.IsLive() && s.IsRemote() && !s.EndDate.After(now)
}
