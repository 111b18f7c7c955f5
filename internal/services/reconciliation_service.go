package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"billingsync/internal/lifecycle"
	"billingsync/internal/metrics"
	"billingsync/internal/models"
	"billingsync/internal/repositories"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ReconciliationService applies lifecycle events to subscriptions.
// Every writer (webhooks, admin actions, sweeps) goes through Reconcile.
type ReconciliationService interface {
	Reconcile(ctx context.Context, ev lifecycle.Event) (*models.UserSubscription, error)
	GetSubscription(ctx context.Context, id uuid.UUID) (*models.UserSubscription, error)
}

type ReconcileConfig struct {
	MaxAttempts int
	GracePeriod time.Duration
	// BaseBackoff is the first wait after a version mismatch; later waits double
	BaseBackoff time.Duration
}

type reconciliationService struct {
	subs     repositories.SubscriptionRepository
	users    repositories.UserRepository
	payments repositories.PaymentRepository
	plans    PlanCatalogService
	billing  BillingService
	notifier Notifier
	cfg      ReconcileConfig

	now   func() time.Time
	newID func() uuid.UUID
}

func NewReconciliationService(
	subs repositories.SubscriptionRepository,
	users repositories.UserRepository,
	payments repositories.PaymentRepository,
	plans PlanCatalogService,
	billing BillingService,
	notifier Notifier,
	cfg ReconcileConfig,
) ReconciliationService {
	return newReconciliationService(subs, users, payments, plans, billing, notifier, cfg)
}

func newReconciliationService(
	subs repositories.SubscriptionRepository,
	users repositories.UserRepository,
	payments repositories.PaymentRepository,
	plans PlanCatalogService,
	billing BillingService,
	notifier Notifier,
	cfg ReconcileConfig,
) *reconciliationService {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 5
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = lifecycle.DefaultGracePeriod
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 20 * time.Millisecond
	}
	if notifier == nil {
		notifier = NewLogNotifier()
	}
	return &reconciliationService{
		subs:     subs,
		users:    users,
		payments: payments,
		plans:    plans,
		billing:  billing,
		notifier: notifier,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.New,
	}
}

func (s *reconciliationService) GetSubscription(ctx context.Context, id uuid.UUID) (*models.UserSubscription, error) {
	sub, err := s.subs.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get subscription %s: %w", id, err)
	}
	if sub == nil {
		return nil, fmt.Errorf("subscription %s: %w", id, lifecycle.ErrNotFound)
	}
	return sub, nil
}

// Reconcile loads the target record, resolves the event against it and commits
// the decision under the record's version guard. A lost race reloads and
// resolves again; after MaxAttempts lost races it returns lifecycle.ErrConflict.
func (s *reconciliationService) Reconcile(ctx context.Context, ev lifecycle.Event) (*models.UserSubscription, error) {
	if ev == nil {
		return nil, fmt.Errorf("reconcile: nil event")
	}
	kind := string(ev.Kind())
	start := time.Now()
	defer func() {
		metrics.ReconcileDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}()

	ev = s.enrich(ctx, ev)

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		result, applied, err := s.attempt(ctx, ev)
		if errors.Is(err, repositories.ErrVersionMismatch) {
			metrics.ConflictRetries.WithLabelValues(kind).Inc()
			log.Debug().Str("event", kind).Int("attempt", attempt).Msg("version mismatch, reloading")
			if attempt < s.cfg.MaxAttempts {
				if err := s.backoff(ctx, attempt); err != nil {
					return nil, err
				}
			}
			continue
		}

		metrics.ReconcileTotal.WithLabelValues(kind, outcomeOf(applied, err)).Inc()
		return result, err
	}

	metrics.ReconcileTotal.WithLabelValues(kind, "conflict").Inc()
	log.Warn().Str("event", kind).Int("attempts", s.cfg.MaxAttempts).Msg("reconcile gave up after repeated version mismatches")
	return nil, fmt.Errorf("%s after %d attempts: %w", kind, s.cfg.MaxAttempts, lifecycle.ErrConflict)
}

// enrich fills event fields that need a provider lookup. Failures are ignored.
func (s *reconciliationService) enrich(ctx context.Context, ev lifecycle.Event) lifecycle.Event {
	e, ok := ev.(lifecycle.PaymentSucceeded)
	if !ok || e.Method != "" || s.billing == nil || e.RemoteSubscriptionRef == "" {
		return ev
	}
	method, err := s.billing.RetrievePaymentMethodType(ctx, e.RemoteSubscriptionRef)
	if err != nil {
		log.Warn().Err(err).Str("remote_subscription_ref", e.RemoteSubscriptionRef).Msg("payment method lookup failed")
		return ev
	}
	e.Method = method
	return e
}

// attempt runs one load, resolve, effect and commit cycle
func (s *reconciliationService) attempt(ctx context.Context, ev lifecycle.Event) (*models.UserSubscription, bool, error) {
	in, err := s.load(ctx, ev)
	if err != nil {
		return nil, false, err
	}

	dec, err := lifecycle.Resolve(in, ev)
	if err != nil {
		return nil, false, err
	}
	if dec.IsNoOp() {
		if in.Current != nil {
			return in.Current, false, nil
		}
		return in.Live, false, nil
	}

	for _, eff := range dec.RemoteEffects() {
		if err := s.runRemote(ctx, in, eff); err != nil {
			return nil, false, err
		}
	}

	req := commitRequest(in, dec)
	if req.Record == nil && req.Supersede == nil {
		return in.Current, false, nil
	}
	committed, err := s.subs.Commit(ctx, req)
	if err != nil {
		return nil, false, err
	}

	s.afterCommit(ctx, ev, in, dec, committed)
	return committed, true, nil
}

// load gathers the resolver input for one event
func (s *reconciliationService) load(ctx context.Context, ev lifecycle.Event) (lifecycle.Input, error) {
	now := s.now()
	in := lifecycle.Input{
		Now:         now,
		GracePeriod: s.cfg.GracePeriod,
		NewID:       s.newID,
	}

	var err error
	switch e := ev.(type) {
	case lifecycle.CheckoutCompleted:
		if e.RemoteSubscriptionRef != nil && *e.RemoteSubscriptionRef != "" {
			if in.Current, err = s.subs.GetByRemoteRef(ctx, *e.RemoteSubscriptionRef); err != nil {
				return in, err
			}
		}
		if in.Live, err = s.subs.GetLiveByUser(ctx, e.UserID); err != nil {
			return in, err
		}
		if in.TargetPlan, err = s.plan(ctx, e.PlanID); err != nil {
			return in, err
		}
		if in.User, err = s.users.GetByID(ctx, e.UserID); err != nil {
			return in, err
		}

	case lifecycle.PaymentSucceeded:
		if in.Current, err = s.subs.GetByRemoteRef(ctx, e.RemoteSubscriptionRef); err != nil {
			return in, err
		}
		if e.RemotePaymentRef != "" {
			in.Payment, err = s.payments.GetByRemoteRef(ctx, e.RemotePaymentRef)
		}
	case lifecycle.PaymentFailed:
		in.Current, err = s.subs.GetByRemoteRef(ctx, e.RemoteSubscriptionRef)
	case lifecycle.RemoteSubscriptionUpdated:
		in.Current, err = s.subs.GetByRemoteRef(ctx, e.RemoteSubscriptionRef)
	case lifecycle.RemoteSubscriptionDeleted:
		in.Current, err = s.subs.GetByRemoteRef(ctx, e.RemoteSubscriptionRef)

	case lifecycle.ChargeRefunded:
		if in.Payment, err = s.payments.GetByRemoteRef(ctx, e.RemotePaymentRef); err != nil {
			return in, err
		}
		if in.Current, err = s.subs.GetByPaymentRef(ctx, e.RemotePaymentRef); err != nil {
			return in, err
		}
		if in.Current == nil && in.Payment != nil {
			in.Current, err = s.subs.GetLiveByUser(ctx, in.Payment.UserID)
		}

	case lifecycle.AdminRevoke:
		in.Current, err = s.subs.GetByID(ctx, e.SubscriptionID)

	case lifecycle.AdminChangePlan:
		if in.Current, err = s.subs.GetByID(ctx, e.SubscriptionID); err != nil {
			return in, err
		}
		if in.TargetPlan, err = s.plan(ctx, e.NewPlanID); err != nil {
			return in, err
		}
		if in.Current != nil {
			in.User, err = s.users.GetByID(ctx, in.Current.UserID)
		}

	case lifecycle.AdminSchedulePlanChange:
		if in.Current, err = s.subs.GetByID(ctx, e.SubscriptionID); err != nil {
			return in, err
		}
		in.TargetPlan, err = s.plan(ctx, e.NewPlanID)

	case lifecycle.AdminActivateFree:
		if in.User, err = s.users.GetByID(ctx, e.UserID); err != nil {
			return in, err
		}
		if in.TargetPlan, err = s.plan(ctx, e.PlanID); err != nil {
			return in, err
		}
		in.Live, err = s.subs.GetLiveByUser(ctx, e.UserID)

	case lifecycle.SweepTick:
		if !e.Now.IsZero() {
			in.Now = e.Now
		}
		in.Current, err = s.subs.GetByID(ctx, e.SubscriptionID)
	}
	if err != nil {
		return in, err
	}

	if cur := in.Current; cur != nil {
		if in.Plan, err = s.plan(ctx, cur.PlanID); err != nil {
			return in, err
		}
		if cur.HasScheduledChange() {
			if in.NextPlan, err = s.plan(ctx, *cur.NextPlanID); err != nil {
				return in, err
			}
		}
		if _, isSweep := ev.(lifecycle.SweepTick); isSweep && lifecycle.NeedsRemoteStatus(cur, in.Now) && s.billing != nil {
			if in.Remote, err = s.billing.RetrieveSubscription(ctx, *cur.RemoteSubscriptionRef); err != nil {
				return in, err
			}
		}
	}
	return in, nil
}

func (s *reconciliationService) plan(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	return s.plans.GetPlan(ctx, id)
}

// runRemote executes one provider effect. The idempotency key is derived from
// the action, the record and the version the decision was computed against.
func (s *reconciliationService) runRemote(ctx context.Context, in lifecycle.Input, eff lifecycle.Effect) error {
	if s.billing == nil {
		return fmt.Errorf("%w: no billing provider configured", lifecycle.ErrUpstreamUnavailable)
	}
	switch e := eff.(type) {
	case lifecycle.CancelRemote:
		key := idempotencyKey("cancel", e.SubscriptionID, guardVersion(in, e.SubscriptionID))
		if err := s.billing.CancelSubscription(ctx, e.Ref, key); err != nil {
			return fmt.Errorf("cancel remote %s: %w", e.Ref, err)
		}
	case lifecycle.UpdateRemotePrice:
		key := idempotencyKey("update_price", e.SubscriptionID, guardVersion(in, e.SubscriptionID))
		if err := s.billing.UpdateSubscriptionPrice(ctx, e.Ref, e.PriceRef, key); err != nil {
			return fmt.Errorf("update remote price %s: %w", e.Ref, err)
		}
	default:
		return fmt.Errorf("unsupported remote effect %T", eff)
	}
	return nil
}

func idempotencyKey(action string, subscriptionID uuid.UUID, version int64) string {
	return fmt.Sprintf("%s:%s:%d", action, subscriptionID, version)
}

func guardVersion(in lifecycle.Input, id uuid.UUID) int64 {
	if in.Current != nil && in.Current.ID == id {
		return in.Current.Version
	}
	if in.Live != nil && in.Live.ID == id {
		return in.Live.Version
	}
	return 0
}

func commitRequest(in lifecycle.Input, dec lifecycle.Decision) repositories.CommitRequest {
	req := repositories.CommitRequest{
		Record:    dec.Next,
		Create:    dec.Create,
		Supersede: dec.Supersede,
	}
	for _, eff := range dec.Effects {
		switch e := eff.(type) {
		case lifecycle.UpsertPayment:
			req.Payments = append(req.Payments, e.Payment)
		case lifecycle.CreateRefund:
			req.Refunds = append(req.Refunds, e.Refund)
		case lifecycle.MarkPaymentRefunded:
			req.RefundedPaymentRefs = append(req.RefundedPaymentRefs, e.RemotePaymentRef)
		case lifecycle.DeletePendingPayments:
			req.DeletePendingFor = append(req.DeletePendingFor, e.UserID)
		case lifecycle.MarkFreePlanUsed:
			req.MarkFreePlanUsed = append(req.MarkFreePlanUsed, e.UserID)
		}
	}
	// local effects without a state change still ride on a guarded write
	if req.Record == nil && req.Supersede == nil && in.Current != nil && len(dec.Effects) > 0 {
		req.Record = in.Current.Clone()
	}
	return req
}

func (s *reconciliationService) afterCommit(ctx context.Context, ev lifecycle.Event, in lifecycle.Input, dec lifecycle.Decision, committed *models.UserSubscription) {
	at := s.now()
	type transition struct{ prev, next *models.UserSubscription }
	var transitions []transition
	if dec.Supersede != nil {
		transitions = append(transitions, transition{prev: in.Live, next: dec.Supersede})
	}
	if dec.Next != nil {
		prev := in.Current
		if dec.Create {
			prev = nil
		}
		transitions = append(transitions, transition{prev: prev, next: committed})
	}

	for _, t := range transitions {
		if t.next == nil {
			continue
		}
		from := ""
		if t.prev != nil {
			from = string(t.prev.Status)
		}
		if from != string(t.next.Status) {
			metrics.TransitionsTotal.WithLabelValues(from, string(t.next.Status)).Inc()
		}
		log.Info().
			Str("subscription_id", t.next.ID.String()).
			Str("event", string(ev.Kind())).
			Str("from", from).
			Str("to", string(t.next.Status)).
			Int64("version", t.next.Version).
			Msg("subscription reconciled")

		n, ok := NotificationFor(t.prev, t.next, at)
		if !ok {
			continue
		}
		if err := s.notifier.Notify(ctx, n); err != nil {
			log.Error().Err(err).
				Str("subscription_id", t.next.ID.String()).
				Str("kind", string(n.Kind)).
				Msg("notification failed")
		}
	}
}

func (s *reconciliationService) backoff(ctx context.Context, attempt int) error {
	wait := s.cfg.BaseBackoff << (attempt - 1)
	wait += rand.N(s.cfg.BaseBackoff)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func outcomeOf(applied bool, err error) string {
	switch {
	case err == nil && applied:
		return "applied"
	case err == nil:
		return "noop"
	case errors.Is(err, lifecycle.ErrNotFound):
		return "not_found"
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, lifecycle.ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, lifecycle.ErrConflict):
		return "conflict"
	case errors.Is(err, lifecycle.ErrProviderRejected):
		return "provider_rejected"
	default:
		return "error"
	}
}
