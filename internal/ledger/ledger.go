package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"botvip/internal/models"
)

var (
	ErrNotFound = errors.New("subscriber not found")

	// ErrStaleSubscription is returned when a revoke names a subscription
	// that is no longer the one the user's entitlement rests on.
	ErrStaleSubscription = errors.New("subscription is not the active one")
)

// Store persists subscriber records. Implementations must have flushed a
// record durably by the time Save returns.
type Store interface {
	Load(ctx context.Context, userID string) (*models.Subscriber, error)
	Save(ctx context.Context, sub *models.Subscriber) error
	FindByCustomer(ctx context.Context, customerRef string) (*models.Subscriber, error)
	List(ctx context.Context) ([]models.Subscriber, error)
}

// Ledger is the single authority on entitlement. Every read-decide-write
// sequence for a user runs under that user's lock.
type Ledger struct {
	store Store
	locks *keyedMutex
	now   func() time.Time
}

type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		locks: newKeyedMutex(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// UpsertResult describes what an Upsert did.
type UpsertResult struct {
	Record      models.Subscriber
	Previous    *models.Subscriber
	Created     bool
	Changed     bool // false: nothing new was learned, no write happened
	WasEntitled bool
	Stale       bool // grant for a subscription that was already revoked
}

type upsertOptions struct {
	clearExpiry bool
}

type UpsertOption func(*upsertOptions)

// NonExpiring marks the grant as having no expiry, e.g. a one-time purchase.
func NonExpiring() UpsertOption {
	return func(o *upsertOptions) { o.clearExpiry = true }
}

// Upsert merges rec into the stored record for rec.UserID. Non-empty refs
// overwrite, CreatedAt is kept from the first grant and PeriodEnd never moves
// backwards.
func (l *Ledger) Upsert(ctx context.Context, rec models.Subscriber, opts ...UpsertOption) (UpsertResult, error) {
	userID := strings.TrimSpace(rec.UserID)
	if userID == "" {
		return UpsertResult{}, errors.New("user id is required")
	}
	rec.UserID = userID

	var o upsertOptions
	for _, opt := range opts {
		opt(&o)
	}

	unlock := l.locks.Lock(userID)
	defer unlock()

	prev, err := l.store.Load(ctx, userID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return UpsertResult{}, fmt.Errorf("load subscriber %s: %w", userID, err)
	}

	now := l.now()
	res := mergeGrant(prev, rec, o.clearExpiry, now)
	if !res.Changed {
		return res, nil
	}

	res.Record.UpdatedAt = now.Unix()
	if err := l.store.Save(ctx, &res.Record); err != nil {
		return UpsertResult{}, fmt.Errorf("save subscriber %s: %w", userID, err)
	}
	return res, nil
}

func mergeGrant(prev *models.Subscriber, in models.Subscriber, clearExpiry bool, now time.Time) UpsertResult {
	res := UpsertResult{Previous: cloneSubscriber(prev)}

	if prev == nil {
		next := models.Subscriber{
			UserID:                in.UserID,
			PaymentCustomerRef:    in.PaymentCustomerRef,
			ActiveSubscriptionRef: in.ActiveSubscriptionRef,
			PlanRef:               in.PlanRef,
			CreatedAt:             now.Unix(),
		}
		if !clearExpiry {
			next.PeriodEnd = copyEpoch(in.PeriodEnd)
		}
		res.Record = next
		res.Created = true
		res.Changed = true
		return res
	}

	res.WasEntitled = prev.RevokedAt == nil && prev.EntitledAt(now)

	if in.ActiveSubscriptionRef != "" && in.ActiveSubscriptionRef == prev.EndedSubscriptionRef {
		res.Record = *cloneSubscriber(prev)
		res.Stale = true
		return res
	}

	next := *cloneSubscriber(prev)
	if in.PaymentCustomerRef != "" {
		next.PaymentCustomerRef = in.PaymentCustomerRef
	}
	if in.ActiveSubscriptionRef != "" {
		next.ActiveSubscriptionRef = in.ActiveSubscriptionRef
	}
	if in.PlanRef != "" {
		next.PlanRef = in.PlanRef
	}

	switch {
	case clearExpiry:
		next.PeriodEnd = nil
	case prev.RevokedAt != nil:
		// a grant after revocation starts a new entitlement
		next.PeriodEnd = copyEpoch(in.PeriodEnd)
	case in.PeriodEnd != nil:
		if next.PeriodEnd == nil || *in.PeriodEnd > *next.PeriodEnd {
			next.PeriodEnd = copyEpoch(in.PeriodEnd)
		}
	}
	next.RevokedAt = nil
	if next.CreatedAt == 0 {
		next.CreatedAt = now.Unix()
	}

	res.Record = next
	res.Changed = !sameEntitlement(prev, &next)
	return res
}

// RemoveResult describes what a revoke did.
type RemoveResult struct {
	Record         models.Subscriber
	AlreadyRevoked bool
}

// Remove clears the user's entitlement. The record itself is kept so the
// customer reverse lookup keeps working and late grants for the ended
// subscription can be recognised.
func (l *Ledger) Remove(ctx context.Context, userID string) (RemoveResult, error) {
	return l.RemoveSubscription(ctx, userID, "")
}

// RemoveSubscription clears the entitlement only when it rests on
// subscriptionRef. An empty subscriptionRef matches any subscription.
func (l *Ledger) RemoveSubscription(ctx context.Context, userID, subscriptionRef string) (RemoveResult, error) {
	unlock := l.locks.Lock(userID)
	defer unlock()

	prev, err := l.store.Load(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return RemoveResult{}, ErrNotFound
		}
		return RemoveResult{}, fmt.Errorf("load subscriber %s: %w", userID, err)
	}

	if prev.RevokedAt != nil && prev.ActiveSubscriptionRef == "" {
		return RemoveResult{Record: *prev, AlreadyRevoked: true}, nil
	}
	if subscriptionRef != "" && prev.ActiveSubscriptionRef != subscriptionRef {
		return RemoveResult{Record: *prev}, fmt.Errorf("%w: have %q, revoking %q", ErrStaleSubscription, prev.ActiveSubscriptionRef, subscriptionRef)
	}

	now := l.now().Unix()
	lapsed := now - 1

	next := *cloneSubscriber(prev)
	next.EndedSubscriptionRef = prev.ActiveSubscriptionRef
	if next.EndedSubscriptionRef == "" {
		next.EndedSubscriptionRef = subscriptionRef
	}
	next.ActiveSubscriptionRef = ""
	next.PlanRef = ""
	next.PeriodEnd = &lapsed
	next.RevokedAt = &now
	next.UpdatedAt = now

	if err := l.store.Save(ctx, &next); err != nil {
		return RemoveResult{}, fmt.Errorf("save subscriber %s: %w", userID, err)
	}
	return RemoveResult{Record: next}, nil
}

// Get returns the stored record for userID.
func (l *Ledger) Get(ctx context.Context, userID string) (models.Subscriber, bool, error) {
	sub, err := l.store.Load(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return models.Subscriber{}, false, nil
		}
		return models.Subscriber{}, false, err
	}
	return *sub, true, nil
}

// IsEntitled reports whether userID currently has access.
func (l *Ledger) IsEntitled(ctx context.Context, userID string) (bool, error) {
	now := l.now()
	sub, err := l.store.Load(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return sub.EntitledAt(now), nil
}

// FindByPaymentCustomerRef resolves a Stripe customer id to a user id.
func (l *Ledger) FindByPaymentCustomerRef(ctx context.Context, ref string) (string, bool, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false, nil
	}
	sub, err := l.store.FindByCustomer(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return sub.UserID, true, nil
}

func (l *Ledger) List(ctx context.Context) ([]models.Subscriber, error) {
	return l.store.List(ctx)
}

// Now is the ledger's clock, shared with callers that need the same notion
// of time (the lapsed sweeper).
func (l *Ledger) Now() time.Time {
	return l.now()
}

func sameEntitlement(a, b *models.Subscriber) bool {
	return a.PaymentCustomerRef == b.PaymentCustomerRef &&
		a.ActiveSubscriptionRef == b.ActiveSubscriptionRef &&
		a.PlanRef == b.PlanRef &&
		equalEpoch(a.PeriodEnd, b.PeriodEnd) &&
		equalEpoch(a.RevokedAt, b.RevokedAt)
}

func equalEpoch(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func copyEpoch(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneSubscriber(s *models.Subscriber) *models.Subscriber {
	if s == nil {
		return nil
	}
	c := *s
	c.PeriodEnd = copyEpoch(s.PeriodEnd)
	c.RevokedAt = copyEpoch(s.RevokedAt)
	return &c
}
