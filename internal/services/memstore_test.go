package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"billingsync/internal/models"
	"billingsync/internal/repositories"

	"github.com/google/uuid"
)

// memStore keeps subscriptions, payments and users in memory with the same
// version guard semantics as the Postgres repositories
type memStore struct {
	mu       sync.Mutex
	subs     map[uuid.UUID]*models.UserSubscription
	payments map[string]*models.Payment
	refunds  map[string]*models.Refund
	users    map[uuid.UUID]*models.User
	commits  int

	// beforeCommit runs outside the lock ahead of every Commit
	beforeCommit func()
}

func newMemStore() *memStore {
	return &memStore{
		subs:     map[uuid.UUID]*models.UserSubscription{},
		payments: map[string]*models.Payment{},
		refunds:  map[string]*models.Refund{},
		users:    map[uuid.UUID]*models.User{},
	}
}

func (m *memStore) put(s *models.UserSubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Version == 0 {
		s.Version = 1
	}
	m.subs[s.ID] = s.Clone()
}

func (m *memStore) get(id uuid.UUID) *models.UserSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.subs[id]; ok {
		return s.Clone()
	}
	return nil
}

func (m *memStore) findOne(match func(*models.UserSubscription) bool) *models.UserSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if !s.IsDeleted && match(s) {
			return s.Clone()
		}
	}
	return nil
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*models.UserSubscription, error) {
	return m.get(id), nil
}

func (m *memStore) GetByRemoteRef(_ context.Context, ref string) (*models.UserSubscription, error) {
	return m.findOne(func(s *models.UserSubscription) bool {
		return s.RemoteSubscriptionRef != nil && *s.RemoteSubscriptionRef == ref
	}), nil
}

func (m *memStore) GetByPaymentRef(_ context.Context, paymentRef string) (*models.UserSubscription, error) {
	return m.findOne(func(s *models.UserSubscription) bool {
		return s.PaymentRef != nil && *s.PaymentRef == paymentRef
	}), nil
}

func (m *memStore) GetLiveByUser(_ context.Context, userID uuid.UUID) (*models.UserSubscription, error) {
	return m.findOne(func(s *models.UserSubscription) bool {
		return s.UserID == userID && s.IsLive()
	}), nil
}

func (m *memStore) ListByUser(_ context.Context, userID uuid.UUID, limit, offset int) ([]*models.UserSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.UserSubscription
	for _, s := range m.subs {
		if s.UserID == userID {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) EnumerateSweepCandidates(_ context.Context, kind repositories.SweepKind, now time.Time, _ time.Duration, limit int) ([]*models.UserSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.UserSubscription
	for _, s := range m.subs {
		if s.IsDeleted {
			continue
		}
		switch kind {
		case repositories.SweepExpiry:
			if (s.IsLive() || s.Status == models.StatusCanceled) && !s.EndDate.After(now) {
				out = append(out, s.Clone())
			}
		case repositories.SweepScheduledChange:
			if s.IsLive() && s.ScheduledChangeDue(now) {
				out = append(out, s.Clone())
			}
		}
	}
	needsProvider := func(s *models.UserSubscription) bool {
		return s.IsRemote() && s.Status != models.StatusCanceled
	}
	sort.Slice(out, func(i, j int) bool {
		if a, b := needsProvider(out[i]), needsProvider(out[j]); a != b {
			return b
		}
		return out[i].EndDate.Before(out[j].EndDate)
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) Commit(_ context.Context, req repositories.CommitRequest) (*models.UserSubscription, error) {
	if hook := m.beforeCommit; hook != nil {
		hook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// validate every guard before writing anything
	if req.Supersede != nil {
		if stored, ok := m.subs[req.Supersede.ID]; !ok || stored.Version != req.Supersede.Version {
			return nil, repositories.ErrVersionMismatch
		}
	}
	if req.Record != nil {
		stored, exists := m.subs[req.Record.ID]
		if req.Create {
			if exists {
				return nil, repositories.ErrVersionMismatch
			}
			if req.Record.IsLive() {
				for _, s := range m.subs {
					live := s.UserID == req.Record.UserID && s.IsLive() && !s.IsDeleted
					if live && (req.Supersede == nil || s.ID != req.Supersede.ID) {
						return nil, repositories.ErrVersionMismatch
					}
				}
			}
		} else if !exists || stored.Version != req.Record.Version {
			return nil, repositories.ErrVersionMismatch
		}
	}

	now := time.Now().UTC()
	var superseded *models.UserSubscription
	if req.Supersede != nil {
		superseded = req.Supersede.Clone()
		superseded.Version++
		superseded.UpdatedAt = now
		m.subs[superseded.ID] = superseded
	}

	var committed *models.UserSubscription
	if req.Record != nil {
		committed = req.Record.Clone()
		if req.Create {
			committed.Version = 1
			committed.CreatedAt = now
		} else {
			committed.Version++
		}
		committed.UpdatedAt = now
		m.subs[committed.ID] = committed
	}

	for _, p := range req.Payments {
		p := p
		if stored, ok := m.payments[p.RemotePaymentRef]; ok && stored.Status == models.PaymentRefunded {
			continue
		}
		m.payments[p.RemotePaymentRef] = &p
	}
	for _, ref := range req.RefundedPaymentRefs {
		if p, ok := m.payments[ref]; ok {
			p.Status = models.PaymentRefunded
		}
	}
	for _, rf := range req.Refunds {
		rf := rf
		if _, ok := m.refunds[rf.RemoteRefundRef]; !ok {
			m.refunds[rf.RemoteRefundRef] = &rf
		}
	}
	for _, userID := range req.DeletePendingFor {
		for ref, p := range m.payments {
			if p.UserID == userID && p.Status == models.PaymentPending {
				delete(m.payments, ref)
			}
		}
	}
	for _, userID := range req.MarkFreePlanUsed {
		if u, ok := m.users[userID]; ok {
			u.HasUsedFreePlan = true
		}
	}
	m.commits++

	if committed == nil {
		return superseded.Clone(), nil
	}
	return committed.Clone(), nil
}

// memPayments and memUsers expose the store through the other repository interfaces
type memPayments struct{ *memStore }

func (m memPayments) GetByRemoteRef(_ context.Context, ref string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.payments[ref]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (m memPayments) ListByUser(_ context.Context, userID uuid.UUID, _, _ int) ([]*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Payment
	for _, p := range m.payments {
		if p.UserID == userID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m memPayments) ExpireStalePending(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, p := range m.payments {
		if p.Status == models.PaymentPending && p.CreatedAt.Before(olderThan) {
			p.Status = models.PaymentFailed
			n++
		}
	}
	return n, nil
}

type memUsers struct{ *memStore }

func (m memUsers) Create(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

func (m memUsers) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (m memUsers) GetByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

// staticCatalog serves plans from a map
type staticCatalog map[uuid.UUID]*models.Plan

func (c staticCatalog) GetPlan(_ context.Context, id uuid.UUID) (*models.Plan, error) {
	if p, ok := c[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (c staticCatalog) ListActivePlans(context.Context) ([]*models.Plan, error) {
	var out []*models.Plan
	for _, p := range c {
		if p.IsAvailable() {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (c staticCatalog) SeedPlans(_ context.Context, plans []models.Plan) (int, error) {
	for i := range plans {
		p := plans[i]
		c[p.ID] = &p
	}
	return len(plans), nil
}
