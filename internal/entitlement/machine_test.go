package entitlement_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"agenthive/internal/api"
	"agenthive/internal/api/apitest"
	"agenthive/internal/chat"
	"agenthive/internal/credits"
	"agenthive/internal/entitlement"
	"agenthive/internal/errclass"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*entitlement.Machine, *apitest.Server, *credits.Cache) {
	t.Helper()
	srv := apitest.NewServer(t)
	client := api.NewClient(srv.URL, nil, 5*time.Second)
	cache := credits.NewCache(client)
	return entitlement.New(client, "agent-1", entitlement.WithCredits(cache)), srv, cache
}

func TestLoad_DerivesStateFromServer(t *testing.T) {
	tests := []struct {
		name      string
		used      int
		license   bool
		wantState entitlement.State
	}{
		{name: "fresh caller", used: 0, wantState: entitlement.NoEntitlement},
		{name: "mid trial", used: 2, wantState: entitlement.Trialing},
		{name: "trial used up", used: 3, wantState: entitlement.TrialExhausted},
		{name: "licensed", used: 3, license: true, wantState: entitlement.Licensed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, srv, _ := setup(t)
			srv.SetTrialUsed("agent-1", tt.used)
			if tt.license {
				srv.GrantLicense("agent-1")
			}

			require.NoError(t, m.Load(context.Background()))
			v := m.Snapshot()
			assert.Equal(t, tt.wantState, v.State)
			if !tt.license {
				assert.Equal(t, tt.used, v.TrialUsed)
				assert.Equal(t, apitest.TrialLimit-tt.used, v.TrialRemaining)
			} else {
				require.NotNil(t, v.License)
				assert.Equal(t, "lic-agent-1", v.License.Key)
			}
		})
	}
}

func TestSendTrial_ExhaustsOnThirdMessage(t *testing.T) {
	m, srv, _ := setup(t)
	ctx := context.Background()
	require.NoError(t, m.Load(ctx))

	for i := 1; i <= 3; i++ {
		reply, err := m.SendTrial(ctx, "question")
		require.NoError(t, err)
		assert.Equal(t, i, reply.MessagesUsed)
	}

	v := m.Snapshot()
	assert.Equal(t, entitlement.TrialExhausted, v.State)
	assert.Equal(t, 3, v.TrialUsed)
	assert.Equal(t, 0, v.TrialRemaining)
	assert.True(t, v.InputDisabled)
	assert.Len(t, v.Transcript, 3)
	assert.Equal(t, "echo: question", v.Transcript[0].Reply)

	_, err := m.SendTrial(ctx, "one more")
	assert.ErrorIs(t, err, entitlement.ErrTrialUnavailable)
	assert.Equal(t, 3, srv.Calls("POST /agents/agent-1/trial"))
}

func TestSendTrial_AdoptsServerCounts(t *testing.T) {
	m, srv, _ := setup(t)
	ctx := context.Background()
	require.NoError(t, m.Load(ctx))

	// Another device used a trial message meanwhile.
	srv.SetTrialUsed("agent-1", 1)

	reply, err := m.SendTrial(ctx, "hi")
	require.NoError(t, err)
	assert.Equal(t, 2, reply.MessagesUsed)

	v := m.Snapshot()
	assert.Equal(t, entitlement.Trialing, v.State)
	assert.Equal(t, 2, v.TrialUsed)
	assert.Equal(t, 1, v.TrialRemaining)
}

func TestSendTrial_ServerSaysExhausted(t *testing.T) {
	m, srv, _ := setup(t)
	ctx := context.Background()
	require.NoError(t, m.Load(ctx))

	srv.SetTrialUsed("agent-1", apitest.TrialLimit)
	_, err := m.SendTrial(ctx, "hi")
	require.Error(t, err)

	v := m.Snapshot()
	assert.Equal(t, entitlement.TrialExhausted, v.State)
	assert.Equal(t, errclass.Exhausted, v.ErrorClass)
	assert.Empty(t, v.Input)
	assert.True(t, v.InputDisabled)
}

func TestSendTrial_TransientErrorKeepsState(t *testing.T) {
	m, srv, _ := setup(t)
	ctx := context.Background()
	require.NoError(t, m.Load(ctx))

	srv.FailNext("POST /agents/agent-1/trial", &api.Error{Status: http.StatusBadGateway, Message: "upstream timeout"})
	_, err := m.SendTrial(ctx, "hi")
	require.Error(t, err)

	v := m.Snapshot()
	assert.Equal(t, entitlement.NoEntitlement, v.State)
	assert.Equal(t, "hi", v.Input)
	assert.Equal(t, "upstream timeout", v.Error)
	assert.Equal(t, 0, v.TrialUsed)

	_, err = m.SendTrial(ctx, "  ")
	assert.ErrorIs(t, err, chat.ErrEmptyMessage)
}

func TestHire_InsufficientCredits(t *testing.T) {
	m, _, _ := setup(t)
	ctx := context.Background()
	require.NoError(t, m.Load(ctx))

	_, err := m.Hire(ctx)
	require.Error(t, err)

	v := m.Snapshot()
	assert.Equal(t, entitlement.NoEntitlement, v.State)
	assert.True(t, v.NeedsTopUp)
	assert.Equal(t, errclass.OutOfCredits, v.ErrorClass)
	assert.Empty(t, v.Redirect)
}

func TestHire_LicensesAndRefreshesCredits(t *testing.T) {
	m, srv, cache := setup(t)
	ctx := context.Background()
	srv.SetTrialUsed("agent-1", 3)
	srv.SetBalance(decimal.NewFromInt(25))
	require.NoError(t, m.Load(ctx))
	require.Equal(t, entitlement.TrialExhausted, m.State())

	res, err := m.Hire(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, res.LicenseKey)

	v := m.Snapshot()
	assert.Equal(t, entitlement.Licensed, v.State)
	assert.Equal(t, entitlement.ChatPath("agent-1"), v.Redirect)
	require.NotNil(t, v.Purchase)

	bal, loaded := cache.Balance()
	require.True(t, loaded, "hire should refresh the shared balance")
	assert.True(t, bal.Balance.Equal(decimal.NewFromInt(15)))

	_, err = m.Purchase(ctx, "plan-basic")
	assert.ErrorIs(t, err, entitlement.ErrAlreadyLicensed)

	// Licensed is sticky: a reload that finds trial counters changes nothing.
	require.NoError(t, m.Load(ctx))
	assert.Equal(t, entitlement.Licensed, m.State())
}

func TestPurchase_UnknownPlan(t *testing.T) {
	m, srv, _ := setup(t)
	srv.SetBalance(decimal.NewFromInt(100))
	ctx := context.Background()

	_, err := m.Purchase(ctx, "plan-gold")
	require.Error(t, err)
	assert.Equal(t, entitlement.NoEntitlement, m.State())

	plans, err := m.Plans(ctx)
	require.NoError(t, err)
	require.Len(t, plans, 1)

	_, err = m.Purchase(ctx, plans[0].ID)
	require.NoError(t, err)
	assert.Equal(t, entitlement.Licensed, m.State())
}

func TestEnterChat(t *testing.T) {
	m, srv, _ := setup(t)
	ctx := context.Background()

	_, err := m.EnterChat(ctx)
	assert.ErrorIs(t, err, entitlement.ErrNotLicensed)

	srv.GrantLicense("agent-1")
	srv.SetBalance(decimal.NewFromInt(2))
	require.NoError(t, m.Load(ctx))

	p, err := m.EnterChat(ctx)
	require.NoError(t, err)
	assert.Equal(t, entitlement.Chatting, m.State())

	require.NoError(t, p.Submit(ctx, "Hello"))
	assert.Len(t, p.Snapshot().Messages, 2)

	resumed, err := m.ResumeChat(ctx, p.SessionID())
	require.NoError(t, err)
	assert.Len(t, resumed.Snapshot().Messages, 2)

	// Chatting survives a reload.
	require.NoError(t, m.Load(ctx))
	assert.Equal(t, entitlement.Chatting, m.State())
}
