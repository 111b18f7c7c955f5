package services

import (
	"context"
	"fmt"

	"billingsync/internal/lifecycle"
	"billingsync/internal/models"
	"billingsync/internal/repositories"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

// HistoryService reads a user's subscription and payment trail for operators
type HistoryService interface {
	GetUserHistory(ctx context.Context, userID uuid.UUID, limit, offset int) (*UserHistory, error)
}

// UserHistory is one page of a user's subscriptions and payments, newest first
type UserHistory struct {
	User          *models.User               `json:"user"`
	Subscriptions []*models.UserSubscription `json:"subscriptions"`
	Payments      []*models.Payment          `json:"payments"`
	Limit         int                        `json:"limit"`
	Offset        int                        `json:"offset"`
}

type historyService struct {
	users    repositories.UserRepository
	subs     repositories.SubscriptionRepository
	payments repositories.PaymentRepository
}

// NewHistoryService creates a new history service instance
func NewHistoryService(users repositories.UserRepository, subs repositories.SubscriptionRepository, payments repositories.PaymentRepository) HistoryService {
	return &historyService{users: users, subs: subs, payments: payments}
}

func (s *historyService) GetUserHistory(ctx context.Context, userID uuid.UUID, limit, offset int) (*UserHistory, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("user %s: %w", userID, lifecycle.ErrNotFound)
	}

	history := &UserHistory{User: user, Limit: limit, Offset: offset}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		subs, err := s.subs.ListByUser(gctx, userID, limit, offset)
		if err != nil {
			return fmt.Errorf("list subscriptions: %w", err)
		}
		history.Subscriptions = subs
		return nil
	})
	g.Go(func() error {
		payments, err := s.payments.ListByUser(gctx, userID, limit, offset)
		if err != nil {
			return fmt.Errorf("list payments: %w", err)
		}
		history.Payments = payments
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if history.Subscriptions == nil {
		history.Subscriptions = []*models.UserSubscription{}
	}
	if history.Payments == nil {
		history.Payments = []*models.Payment{}
	}
	return history, nil
}
