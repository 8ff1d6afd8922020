package credits_test

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"agenthive/internal/api"
	"agenthive/internal/api/apitest"
	"agenthive/internal/auth"
	"agenthive/internal/credits"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCache(t *testing.T) (*credits.Cache, *apitest.Server) {
	t.Helper()
	srv := apitest.NewServer(t)
	return credits.NewCache(api.NewClient(srv.URL, nil, 5*time.Second)), srv
}

func TestCache_RefreshNotifiesSubscribers(t *testing.T) {
	c, srv := newCache(t)
	srv.SetBalance(decimal.RequireFromString("12.50"))

	_, loaded := c.Balance()
	assert.False(t, loaded)

	var got []decimal.Decimal
	cancel := c.Subscribe(func(b api.CreditBalance) { got = append(got, b.Balance) })

	bal, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, bal.Balance.Equal(decimal.RequireFromString("12.5")))

	cached, loaded := c.Balance()
	assert.True(t, loaded)
	assert.True(t, cached.Balance.Equal(bal.Balance))

	cancel()
	srv.SetBalance(decimal.NewFromInt(1))
	_, err = c.Refresh(context.Background())
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, "12.5", got[0].String())
}

func TestCache_RefreshFailureKeepsValue(t *testing.T) {
	c, srv := newCache(t)
	srv.SetBalance(decimal.NewFromInt(3))
	_, err := c.Refresh(context.Background())
	require.NoError(t, err)

	srv.FailNext("GET /credits/balance", &api.Error{Status: http.StatusBadGateway, Message: "upstream"})
	_, err = c.Refresh(context.Background())
	require.Error(t, err)

	cached, loaded := c.Balance()
	assert.True(t, loaded)
	assert.True(t, cached.Balance.Equal(decimal.NewFromInt(3)))
}

func TestCache_ResetOnLogout(t *testing.T) {
	c, srv := newCache(t)
	srv.SetBalance(decimal.NewFromInt(7))
	_, err := c.Refresh(context.Background())
	require.NoError(t, err)

	store, err := auth.Open(filepath.Join(t.TempDir(), "credentials.yaml"))
	require.NoError(t, err)
	require.NoError(t, store.SetToken("tok"))
	c.BindLogout(store)

	var resets int
	c.Subscribe(func(b api.CreditBalance) {
		if b.Balance.IsZero() {
			resets++
		}
	})

	require.NoError(t, store.Logout())

	_, loaded := c.Balance()
	assert.False(t, loaded)
	assert.Equal(t, 1, resets)
}

func TestCache_ResetDropsInFlightRefresh(t *testing.T) {
	c, srv := newCache(t)
	srv.SetBalance(decimal.NewFromInt(9))
	release := srv.Hold("GET /credits/balance")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Refresh(context.Background())
	}()
	require.Eventually(t, func() bool { return srv.Calls("GET /credits/balance") == 1 }, time.Second, 5*time.Millisecond)

	c.Reset()
	release()
	<-done

	_, loaded := c.Balance()
	assert.False(t, loaded, "a refresh started before reset must not repopulate the cache")
}

func TestCache_TopUpAndHistory(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()

	_, err := c.TopUp(ctx, decimal.Zero)
	assert.ErrorIs(t, err, credits.ErrInvalidAmount)

	cs, err := c.TopUp(ctx, decimal.NewFromInt(5))
	require.NoError(t, err)
	assert.Contains(t, cs.URL, cs.ID)

	hist, err := c.History(ctx)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, cs.ID, hist[0].ID)
	assert.Equal(t, "pending", hist[0].Status)
}
