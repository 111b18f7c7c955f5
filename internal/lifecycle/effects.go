package lifecycle

import (
	"billingsync/internal/models"

	"github.com/google/uuid"
)

// Effect is a side effect requested by the resolver. Remote effects are executed
// against the billing provider before commit; the rest are written in the commit transaction.
type Effect interface {
	Remote() bool
}

type CancelRemote struct {
	SubscriptionID uuid.UUID
	Ref            string
}

type UpdateRemotePrice struct {
	SubscriptionID uuid.UUID
	Ref            string
	PriceRef       string
}

type UpsertPayment struct {
	Payment models.Payment
}

type CreateRefund struct {
	Refund models.Refund
}

type MarkPaymentRefunded struct {
	RemotePaymentRef string
}

type DeletePendingPayments struct {
	UserID uuid.UUID
}

type MarkFreePlanUsed struct {
	UserID uuid.UUID
}

func (CancelRemote) Remote() bool          { return true }
func (UpdateRemotePrice) Remote() bool     { return true }
func (UpsertPayment) Remote() bool         { return false }
func (CreateRefund) Remote() bool          { return false }
func (MarkPaymentRefunded) Remote() bool   { return false }
func (DeletePendingPayments) Remote() bool { return false }
func (MarkFreePlanUsed) Remote() bool      { return false }
