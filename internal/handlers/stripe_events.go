package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"billingsync/internal/lifecycle"

	"github.com/google/uuid"
	stripelib "github.com/stripe/stripe-go/v82"
)

// errUnmappable marks a verified event whose payload cannot be tied to a user or plan
var errUnmappable = errors.New("event payload cannot be mapped")

// checkoutSession is a minimal representation of a Stripe checkout.session object.
type checkoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Subscription      string            `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

type stripePeriod struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// invoice is a minimal representation of a Stripe invoice object. Newer API
// versions move the subscription id under parent.subscription_details.
type invoice struct {
	ID            string `json:"id"`
	Subscription  string `json:"subscription"`
	PaymentIntent string `json:"payment_intent"`
	Charge        string `json:"charge"`
	AmountPaid    int64  `json:"amount_paid"`
	Currency      string `json:"currency"`
	PeriodStart   int64  `json:"period_start"`
	PeriodEnd     int64  `json:"period_end"`
	Parent        struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period stripePeriod `json:"period"`
		} `json:"data"`
	} `json:"lines"`
	// Payments replaces payment_intent and charge from 2025-03-31.basil on
	Payments struct {
		Data []invoicePayment `json:"data"`
	} `json:"payments"`
}

type invoicePayment struct {
	Status  string `json:"status"`
	Payment struct {
		Type          string `json:"type"`
		PaymentIntent string `json:"payment_intent"`
		Charge        string `json:"charge"`
	} `json:"payment"`
}

func (i invoice) subscriptionRef() string {
	if ref := strings.TrimSpace(i.Subscription); ref != "" {
		return ref
	}
	return strings.TrimSpace(i.Parent.SubscriptionDetails.Subscription)
}

// paymentRef picks the identifier a later charge.refunded event can be matched against
func (i invoice) paymentRef() string {
	if i.PaymentIntent != "" {
		return i.PaymentIntent
	}
	if i.Charge != "" {
		return i.Charge
	}
	if ref := i.invoicePaymentRef(); ref != "" {
		return ref
	}
	return i.ID
}

// invoicePaymentRef prefers a paid entry and falls back to the first one with a reference
func (i invoice) invoicePaymentRef() string {
	var fallback string
	for _, p := range i.Payments.Data {
		ref := p.Payment.PaymentIntent
		if ref == "" {
			ref = p.Payment.Charge
		}
		if ref == "" {
			continue
		}
		if p.Status == "paid" {
			return ref
		}
		if fallback == "" {
			fallback = ref
		}
	}
	return fallback
}

func (i invoice) period() (time.Time, time.Time) {
	p := stripePeriod{Start: i.PeriodStart, End: i.PeriodEnd}
	if len(i.Lines.Data) > 0 && i.Lines.Data[0].Period.End > 0 {
		p = i.Lines.Data[0].Period
	}
	return unixTime(p.Start), unixTime(p.End)
}

// subscription is a minimal representation of a Stripe subscription object.
type subscription struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	CanceledAt        int64  `json:"canceled_at"`
	EndedAt           int64  `json:"ended_at"`
}

// charge is a minimal representation of a Stripe charge object.
type charge struct {
	ID             string `json:"id"`
	PaymentIntent  string `json:"payment_intent"`
	AmountRefunded int64  `json:"amount_refunded"`
	Refunds        struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	} `json:"refunds"`
}

// toLifecycleEvent maps a verified Stripe event onto a lifecycle event.
// A nil event with a nil error means the type is acknowledged and ignored.
func toLifecycleEvent(event *stripelib.Event) (lifecycle.Event, error) {
	switch event.Type {
	case "checkout.session.completed":
		var session checkoutSession
		if err := decodeObject(event, &session); err != nil {
			return nil, err
		}
		return checkoutEvent(session)

	case "invoice.paid", "invoice.payment_succeeded":
		var inv invoice
		if err := decodeObject(event, &inv); err != nil {
			return nil, err
		}
		ref := inv.subscriptionRef()
		if ref == "" {
			return nil, nil
		}
		start, end := inv.period()
		return lifecycle.PaymentSucceeded{
			RemoteSubscriptionRef: ref,
			RemotePaymentRef:      inv.paymentRef(),
			PeriodStart:           start,
			PeriodEnd:             end,
			Amount:                inv.AmountPaid,
			Currency:              inv.Currency,
		}, nil

	case "invoice.payment_failed":
		var inv invoice
		if err := decodeObject(event, &inv); err != nil {
			return nil, err
		}
		ref := inv.subscriptionRef()
		if ref == "" {
			return nil, nil
		}
		return lifecycle.PaymentFailed{RemoteSubscriptionRef: ref}, nil

	case "customer.subscription.updated":
		var sub subscription
		if err := decodeObject(event, &sub); err != nil {
			return nil, err
		}
		return lifecycle.RemoteSubscriptionUpdated{
			RemoteSubscriptionRef: sub.ID,
			RemoteStatus:          sub.Status,
			CancelAtPeriodEnd:     sub.CancelAtPeriodEnd,
		}, nil

	case "customer.subscription.deleted":
		var sub subscription
		if err := decodeObject(event, &sub); err != nil {
			return nil, err
		}
		canceledAt := unixTime(sub.CanceledAt)
		if canceledAt.IsZero() {
			canceledAt = unixTime(sub.EndedAt)
		}
		if canceledAt.IsZero() {
			canceledAt = unixTime(event.Created)
		}
		return lifecycle.RemoteSubscriptionDeleted{
			RemoteSubscriptionRef: sub.ID,
			CanceledAt:            canceledAt,
		}, nil

	case "charge.refunded":
		var ch charge
		if err := decodeObject(event, &ch); err != nil {
			return nil, err
		}
		ev := lifecycle.ChargeRefunded{
			RemotePaymentRef: ch.PaymentIntent,
			Amount:           ch.AmountRefunded,
		}
		if ev.RemotePaymentRef == "" {
			ev.RemotePaymentRef = ch.ID
		}
		if len(ch.Refunds.Data) > 0 {
			ev.RemoteRefundRef = ch.Refunds.Data[0].ID
		}
		return ev, nil

	default:
		return nil, nil
	}
}

func checkoutEvent(session checkoutSession) (lifecycle.Event, error) {
	rawUser := session.Metadata["user_id"]
	if rawUser == "" {
		rawUser = session.ClientReferenceID
	}
	userID, err := uuid.Parse(strings.TrimSpace(rawUser))
	if err != nil {
		return nil, fmt.Errorf("checkout %s: user_id %q: %w", session.ID, rawUser, errUnmappable)
	}
	planID, err := uuid.Parse(strings.TrimSpace(session.Metadata["plan_id"]))
	if err != nil {
		return nil, fmt.Errorf("checkout %s: plan_id %q: %w", session.ID, session.Metadata["plan_id"], errUnmappable)
	}

	ev := lifecycle.CheckoutCompleted{UserID: userID, PlanID: planID}
	if ref := strings.TrimSpace(session.Subscription); ref != "" {
		ev.RemoteSubscriptionRef = &ref
	}
	return ev, nil
}

func decodeObject(event *stripelib.Event, dst any) error {
	if event.Data == nil {
		return fmt.Errorf("decode %s: missing data object", event.Type)
	}
	if err := json.Unmarshal(event.Data.Raw, dst); err != nil {
		return fmt.Errorf("decode %s: %w", event.Type, err)
	}
	return nil
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
