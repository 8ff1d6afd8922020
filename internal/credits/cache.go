// Package credits holds the caller's credit balance. The balance is owned
// by the server; the cache is written only by Refresh and read by every
// view that shows it.
package credits

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"agenthive/internal/api"
	"agenthive/internal/logging"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount is returned by TopUp for non-positive amounts.
var ErrInvalidAmount = errors.New("top-up amount must be positive")

// Backend is the slice of the API the cache reads from.
type Backend interface {
	GetBalance(ctx context.Context) (*api.CreditBalance, error)
	ListPurchases(ctx context.Context) ([]api.CreditPurchase, error)
	CreateCheckout(ctx context.Context, amount decimal.Decimal) (*api.CheckoutSession, error)
}

// LogoutNotifier is satisfied by auth.Store.
type LogoutNotifier interface {
	OnLogout(fn func()) (remove func())
}

// Cache is a shared read-through cache of the credit balance.
type Cache struct {
	backend Backend

	mu      sync.Mutex
	balance api.CreditBalance
	loaded  bool
	issued  uint64
	applied uint64
	subs    map[int]func(api.CreditBalance)
	nextSub int
}

// NewCache creates an empty cache.
func NewCache(backend Backend) *Cache {
	return &Cache{backend: backend, subs: make(map[int]func(api.CreditBalance))}
}

// Balance returns the last fetched balance and whether one is loaded.
func (c *Cache) Balance() (api.CreditBalance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balance, c.loaded
}

// Subscribe registers fn for every balance change, including resets.
func (c *Cache) Subscribe(fn func(api.CreditBalance)) (cancel func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Refresh fetches the balance from the server. When refreshes overlap the
// one issued last wins.
func (c *Cache) Refresh(ctx context.Context) (api.CreditBalance, error) {
	c.mu.Lock()
	c.issued++
	seq := c.issued
	c.mu.Unlock()

	bal, err := c.backend.GetBalance(ctx)
	if err != nil {
		logging.Get(logging.CategoryCredits).Warn("balance refresh failed: %v", err)
		return api.CreditBalance{}, fmt.Errorf("failed to refresh balance: %w", err)
	}

	c.mu.Lock()
	if seq < c.applied {
		current := c.balance
		c.mu.Unlock()
		return current, nil
	}
	c.applied = seq
	c.balance = *bal
	c.loaded = true
	subs := c.subscribersLocked()
	c.mu.Unlock()

	logging.Get(logging.CategoryCredits).Debug("balance refreshed: %s", bal.Balance)
	for _, fn := range subs {
		fn(*bal)
	}
	return *bal, nil
}

// Reset drops the cached balance. Bound to logout.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.balance = api.CreditBalance{}
	c.loaded = false
	// Any refresh still in flight belongs to the old identity.
	c.applied = c.issued + 1
	c.issued = c.applied
	subs := c.subscribersLocked()
	c.mu.Unlock()

	logging.Get(logging.CategoryCredits).Info("balance cache reset")
	for _, fn := range subs {
		fn(api.CreditBalance{})
	}
}

// BindLogout resets the cache whenever n logs out.
func (c *Cache) BindLogout(n LogoutNotifier) (remove func()) {
	return n.OnLogout(c.Reset)
}

// History lists past credit purchases.
func (c *Cache) History(ctx context.Context) ([]api.CreditPurchase, error) {
	out, err := c.backend.ListPurchases(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list purchases: %w", err)
	}
	return out, nil
}

// TopUp starts a checkout for amount and returns the payment URL holder.
// The balance itself only changes on the next Refresh.
func (c *Cache) TopUp(ctx context.Context, amount decimal.Decimal) (*api.CheckoutSession, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	out, err := c.backend.CreateCheckout(ctx, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to start checkout: %w", err)
	}
	logging.Get(logging.CategoryCredits).Info("checkout %s started for %s", out.ID, amount)
	return out, nil
}

func (c *Cache) subscribersLocked() []func(api.CreditBalance) {
	out := make([]func(api.CreditBalance), 0, len(c.subs))
	for _, fn := range c.subs {
		out = append(out, fn)
	}
	return out
}
