package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"billingsync/internal/lifecycle"
	"billingsync/internal/metrics"
	"billingsync/internal/models"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

// BillingService is the billing provider as the reconciler sees it
type BillingService interface {
	CancelSubscription(ctx context.Context, ref, idempotencyKey string) error
	UpdateSubscriptionPrice(ctx context.Context, ref, priceRef, idempotencyKey string) error
	RetrieveSubscription(ctx context.Context, ref string) (*models.RemoteSubscription, error)
	RetrievePaymentMethodType(ctx context.Context, ref string) (string, error)
}

// stripeSubscriptions is the subset of the Stripe subscription client in use.
// *subscription.Client satisfies it.
type stripeSubscriptions interface {
	Get(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	Update(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	Cancel(id string, params *stripe.SubscriptionCancelParams) (*stripe.Subscription, error)
}

type BillingConfig struct {
	SecretKey string
	Timeout   time.Duration

	// Breaker trips after MaxFailures consecutive failures and stays open for OpenTimeout
	MaxFailures    uint32
	OpenTimeout    time.Duration
	HalfOpenProbes uint32
}

type stripeBillingService struct {
	subs    stripeSubscriptions
	breaker *gobreaker.CircuitBreaker[any]
	timeout time.Duration
}

func NewStripeBillingService(cfg BillingConfig) BillingService {
	sc := &client.API{}
	sc.Init(cfg.SecretKey, nil)
	return newStripeBillingService(sc.Subscriptions, cfg)
}

func newStripeBillingService(subs stripeSubscriptions, cfg BillingConfig) *stripeBillingService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenProbes == 0 {
		cfg.HalfOpenProbes = 1
	}

	settings := gobreaker.Settings{
		Name:        "stripe",
		MaxRequests: cfg.HalfOpenProbes,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isPermanentStripeError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("billing provider circuit breaker state changed")
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
	}

	return &stripeBillingService{
		subs:    subs,
		breaker: gobreaker.NewCircuitBreaker[any](settings),
		timeout: cfg.Timeout,
	}
}

// call runs fn under the per-call timeout and the circuit breaker. Availability
// failures map to lifecycle.ErrUpstreamUnavailable and 4xx rejections to
// lifecycle.ErrProviderRejected, with the *stripe.Error kept in the chain.
func (s *stripeBillingService) call(ctx context.Context, op string, fn func(ctx context.Context) (any, error)) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.breaker.Execute(func() (any, error) {
		return fn(ctx)
	})
	switch {
	case err == nil:
		metrics.ProviderCalls.WithLabelValues(op, "ok").Inc()
		return result, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.ProviderCalls.WithLabelValues(op, "breaker_open").Inc()
		return nil, fmt.Errorf("%w: %s: %v", lifecycle.ErrUpstreamUnavailable, op, err)
	case isPermanentStripeError(err):
		metrics.ProviderCalls.WithLabelValues(op, "rejected").Inc()
		return nil, fmt.Errorf("%w: stripe %s: %w", lifecycle.ErrProviderRejected, op, err)
	default:
		metrics.ProviderCalls.WithLabelValues(op, "unavailable").Inc()
		return nil, fmt.Errorf("%w: %s: %v", lifecycle.ErrUpstreamUnavailable, op, err)
	}
}

func (s *stripeBillingService) CancelSubscription(ctx context.Context, ref, idempotencyKey string) error {
	_, err := s.call(ctx, "cancel_subscription", func(ctx context.Context) (any, error) {
		params := &stripe.SubscriptionCancelParams{}
		params.Context = ctx
		params.SetIdempotencyKey(idempotencyKey)
		_, err := s.subs.Cancel(ref, params)
		if isNotFound(err) {
			log.Info().Str("remote_subscription_ref", ref).Msg("remote subscription already gone, treating cancel as done")
			return nil, nil
		}
		return nil, err
	})
	return err
}

func (s *stripeBillingService) UpdateSubscriptionPrice(ctx context.Context, ref, priceRef, idempotencyKey string) error {
	_, err := s.call(ctx, "update_subscription_price", func(ctx context.Context) (any, error) {
		getParams := &stripe.SubscriptionParams{}
		getParams.Context = ctx
		sub, err := s.subs.Get(ref, getParams)
		if err != nil {
			return nil, err
		}
		item := firstItem(sub)
		if item == nil {
			return nil, fmt.Errorf("subscription %s has no items", ref)
		}
		if item.Price != nil && item.Price.ID == priceRef {
			return nil, nil
		}

		params := &stripe.SubscriptionParams{
			Items: []*stripe.SubscriptionItemsParams{
				{ID: stripe.String(item.ID), Price: stripe.String(priceRef)},
			},
			ProrationBehavior: stripe.String("none"),
		}
		params.Context = ctx
		params.SetIdempotencyKey(idempotencyKey)
		_, err = s.subs.Update(ref, params)
		return nil, err
	})
	return err
}

func (s *stripeBillingService) RetrieveSubscription(ctx context.Context, ref string) (*models.RemoteSubscription, error) {
	result, err := s.call(ctx, "retrieve_subscription", func(ctx context.Context) (any, error) {
		params := &stripe.SubscriptionParams{}
		params.Context = ctx
		sub, err := s.subs.Get(ref, params)
		if isNotFound(err) {
			return &models.RemoteSubscription{Ref: ref, Found: false}, nil
		}
		if err != nil {
			return nil, err
		}
		return toRemoteSubscription(sub), nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*models.RemoteSubscription), nil
}

// RetrievePaymentMethodType returns the type of the subscription's default payment method, "" if none is set
func (s *stripeBillingService) RetrievePaymentMethodType(ctx context.Context, ref string) (string, error) {
	result, err := s.call(ctx, "retrieve_payment_method", func(ctx context.Context) (any, error) {
		params := &stripe.SubscriptionParams{}
		params.Context = ctx
		params.AddExpand("default_payment_method")
		sub, err := s.subs.Get(ref, params)
		if isNotFound(err) {
			return "", nil
		}
		if err != nil {
			return nil, err
		}
		if sub.DefaultPaymentMethod == nil {
			return "", nil
		}
		return string(sub.DefaultPaymentMethod.Type), nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func firstItem(sub *stripe.Subscription) *stripe.SubscriptionItem {
	if sub == nil || sub.Items == nil || len(sub.Items.Data) == 0 {
		return nil
	}
	return sub.Items.Data[0]
}

func toRemoteSubscription(sub *stripe.Subscription) *models.RemoteSubscription {
	remote := &models.RemoteSubscription{
		Ref:               sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Found:             true,
	}
	// Billing periods live on subscription items
	if item := firstItem(sub); item != nil {
		if item.CurrentPeriodStart > 0 {
			remote.CurrentPeriodStart = time.Unix(item.CurrentPeriodStart, 0).UTC()
		}
		if item.CurrentPeriodEnd > 0 {
			remote.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
		}
	}
	return remote
}

func isNotFound(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	return stripeErr.HTTPStatusCode == http.StatusNotFound || stripeErr.Code == stripe.ErrorCodeResourceMissing
}

// isPermanentStripeError reports a request the provider rejected on its merits.
// Retrying it will not help, so it does not count against the breaker.
func isPermanentStripeError(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	code := stripeErr.HTTPStatusCode
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests
}
