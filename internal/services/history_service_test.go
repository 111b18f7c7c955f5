package services

import (
	"context"
	"testing"
	"time"

	"billingsync/internal/lifecycle"
	"billingsync/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetUserHistory(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	user := &models.User{ID: uuid.New(), Email: "a@example.com"}
	require.NoError(t, memUsers{store}.Create(ctx, user))

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	older := &models.UserSubscription{ID: uuid.New(), UserID: user.ID, Status: models.StatusExpired, CreatedAt: base}
	newer := &models.UserSubscription{ID: uuid.New(), UserID: user.ID, Status: models.StatusActive, CreatedAt: base.AddDate(0, 1, 0)}
	other := &models.UserSubscription{ID: uuid.New(), UserID: uuid.New(), Status: models.StatusActive, CreatedAt: base}
	store.put(older)
	store.put(newer)
	store.put(other)
	store.payments["pi_1"] = &models.Payment{ID: uuid.New(), UserID: user.ID, RemotePaymentRef: "pi_1", Status: models.PaymentSuccess}

	svc := NewHistoryService(memUsers{store}, store, memPayments{store})

	history, err := svc.GetUserHistory(ctx, user.ID, 0, -3)
	require.NoError(t, err)
	assert.Equal(t, user.ID, history.User.ID)
	assert.Equal(t, DefaultHistoryLimit, history.Limit)
	assert.Equal(t, 0, history.Offset)
	require.Len(t, history.Subscriptions, 2)
	assert.Equal(t, newer.ID, history.Subscriptions[0].ID)
	require.Len(t, history.Payments, 1)
	assert.Equal(t, "pi_1", history.Payments[0].RemotePaymentRef)

	page, err := svc.GetUserHistory(ctx, user.ID, 1, 1)
	require.NoError(t, err)
	require.Len(t, page.Subscriptions, 1)
	assert.Equal(t, older.ID, page.Subscriptions[0].ID)
}

func TestGetUserHistory_CapsLimit(t *testing.T) {
	store := newMemStore()
	user := &models.User{ID: uuid.New()}
	require.NoError(t, memUsers{store}.Create(context.Background(), user))

	history, err := NewHistoryService(memUsers{store}, store, memPayments{store}).
		GetUserHistory(context.Background(), user.ID, 5000, 0)
	require.NoError(t, err)
	assert.Equal(t, MaxHistoryLimit, history.Limit)
	assert.NotNil(t, history.Subscriptions)
	assert.NotNil(t, history.Payments)
}

func TestGetUserHistory_UnknownUser(t *testing.T) {
	store := newMemStore()

	_, err := NewHistoryService(memUsers{store}, store, memPayments{store}).
		GetUserHistory(context.Background(), uuid.New(), 10, 0)
	assert.ErrorIs(t, err, lifecycle.ErrNotFound)
}
