// Package memory is an in-process subscription store with the same
// semantics as the Postgres repository. Used for local runs and tests.
package memory

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"billing-service/internal/domain/subscription"
	xerrors "billing-service/internal/pkg/errors"

	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"
)

type historyKey struct {
	provider subscription.Provider
	txID     string
	status   subscription.PaymentStatus
}

type Establishment struct {
	ID                  string
	Phone               string
	SubscriptionStatus  subscription.EstablishmentStatus
	SubscriptionEndDate *time.Time
}

type Store struct {
	mu sync.RWMutex

	subscriptions  map[string]*subscription.Subscription
	history        []*subscription.PaymentHistoryEntry
	historyKeys    map[historyKey]struct{}
	establishments map[string]*Establishment
	userPhones     map[string]string

	now func() time.Time
}

var _ subscription.Repository = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		subscriptions:  make(map[string]*subscription.Subscription),
		historyKeys:    make(map[historyKey]struct{}),
		establishments: make(map[string]*Establishment),
		userPhones:     make(map[string]string),
		now:            time.Now,
	}
}

// SetClock replaces the clock used for timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// ========== Seeding ==========

// Put stores a subscription as is, assigning an id and timestamps if missing.
func (s *Store) Put(sub *subscription.Subscription) *subscription.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := sub.Clone()
	if c.ID == "" {
		c.ID = ulid.Make().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	s.subscriptions[c.ID] = c
	return c.Clone()
}

func (s *Store) PutEstablishment(e Establishment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := e
	s.establishments[e.ID] = &cp
}

func (s *Store) PutUserPhone(userID, phone string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userPhones[userID] = phone
}

// Establishment returns a copy of the establishment aggregate.
func (s *Store) Establishment(id string) (Establishment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.establishments[id]
	if !ok {
		return Establishment{}, false
	}
	return *e, true
}

// ========== Lookup ==========

func (s *Store) FindByID(ctx context.Context, id string) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	return sub.Clone(), nil
}

func (s *Store) FindByProviderSubscriptionID(ctx context.Context, provider subscription.Provider, providerSubscriptionID string) (*subscription.Subscription, error) {
	return s.latest(func(sub *subscription.Subscription) bool {
		return sub.Provider == provider && sub.ProviderSubscriptionID.Valid && sub.ProviderSubscriptionID.String == providerSubscriptionID
	})
}

func (s *Store) FindLatestByEstablishment(ctx context.Context, establishmentID string) (*subscription.Subscription, error) {
	return s.latest(func(sub *subscription.Subscription) bool {
		return sub.EstablishmentID.Valid && sub.EstablishmentID.String == establishmentID
	})
}

func (s *Store) FindLatestByUser(ctx context.Context, userID string) (*subscription.Subscription, error) {
	return s.latest(func(sub *subscription.Subscription) bool {
		return sub.UserID.Valid && sub.UserID.String == userID
	})
}

func (s *Store) FindLatestByOwnerPlan(ctx context.Context, owner subscription.Owner, planID string) (*subscription.Subscription, error) {
	return s.latest(func(sub *subscription.Subscription) bool {
		if sub.PlanID != planID {
			return false
		}
		if owner.Kind == subscription.OwnerEstablishment {
			return sub.EstablishmentID.Valid && sub.EstablishmentID.String == owner.ID
		}
		return sub.UserID.Valid && sub.UserID.String == owner.ID
	})
}

func (s *Store) ListByStatus(ctx context.Context, status subscription.SubscriptionStatus) ([]*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := lo.FilterMap(lo.Values(s.subscriptions), func(sub *subscription.Subscription, _ int) (*subscription.Subscription, bool) {
		return sub.Clone(), status == "" || sub.Status == status
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CurrentPeriodEnd.Equal(out[j].CurrentPeriodEnd) {
			return out[i].ID < out[j].ID
		}
		return out[i].CurrentPeriodEnd.Before(out[j].CurrentPeriodEnd)
	})
	return out, nil
}

// ========== Payment history ==========

func (s *Store) HistoryExists(ctx context.Context, provider subscription.Provider, providerTransactionID string, status subscription.PaymentStatus) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.historyKeys[historyKey{provider, providerTransactionID, status}]
	return ok, nil
}

func (s *Store) ListHistory(ctx context.Context, subscriptionID string) ([]*subscription.PaymentHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return lo.FilterMap(s.history, func(e *subscription.PaymentHistoryEntry, _ int) (*subscription.PaymentHistoryEntry, bool) {
		cp := *e
		return &cp, e.SubscriptionID == subscriptionID
	}), nil
}

// ========== Writes ==========

func (s *Store) CommitTransition(ctx context.Context, t subscription.Transition) (*subscription.Subscription, error) {
	if t.Subscription == nil {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "transition without subscription")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := t.Subscription.Clone()
	now := s.now()

	if t.ExpectedUpdatedAt == nil {
		if next.ID == "" {
			next.ID = ulid.Make().String()
		}
		if _, exists := s.subscriptions[next.ID]; exists {
			return nil, xerrors.ErrConflict
		}
		next.CreatedAt = now
		next.UpdatedAt = now
	} else {
		current, ok := s.subscriptions[next.ID]
		if !ok {
			return nil, xerrors.ErrNotFound
		}
		if !current.UpdatedAt.Equal(*t.ExpectedUpdatedAt) {
			return nil, xerrors.ErrConflict
		}
		next.CreatedAt = current.CreatedAt
		next.UpdatedAt = now
		if !next.UpdatedAt.After(current.UpdatedAt) {
			next.UpdatedAt = current.UpdatedAt.Add(time.Microsecond)
		}
	}

	if h := t.History; h != nil {
		key := historyKey{h.Provider, h.ProviderTransactionID, h.Status}
		if _, dup := s.historyKeys[key]; dup {
			return nil, xerrors.ErrDuplicateEntry
		}
		entry := *h
		if entry.ID == "" {
			entry.ID = ulid.Make().String()
		}
		entry.SubscriptionID = next.ID
		entry.CreatedAt = now
		s.historyKeys[key] = struct{}{}
		s.history = append(s.history, &entry)
	}

	s.subscriptions[next.ID] = next

	if m := t.Establishment; m != nil {
		if e, ok := s.establishments[m.EstablishmentID]; ok {
			e.SubscriptionStatus = m.Status
			if m.EndDate != nil {
				end := *m.EndDate
				e.SubscriptionEndDate = &end
			}
		}
	}

	return next.Clone(), nil
}

// ========== Contacts ==========

func (s *Store) FindContactPhone(ctx context.Context, userID, establishmentID sql.NullString) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if establishmentID.Valid {
		if e, ok := s.establishments[establishmentID.String]; ok && e.Phone != "" {
			return e.Phone, nil
		}
	}
	if userID.Valid {
		if phone := s.userPhones[userID.String]; phone != "" {
			return phone, nil
		}
	}
	return "", nil
}

// latest returns the most recently updated subscription matching fn.
func (s *Store) latest(fn func(*subscription.Subscription) bool) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *subscription.Subscription
	for _, sub := range s.subscriptions {
		if !fn(sub) {
			continue
		}
		if best == nil || sub.UpdatedAt.After(best.UpdatedAt) ||
			(sub.UpdatedAt.Equal(best.UpdatedAt) && sub.ID > best.ID) {
			best = sub
		}
	}
	if best == nil {
		return nil, xerrors.ErrNotFound
	}
	return best.Clone(), nil
}
