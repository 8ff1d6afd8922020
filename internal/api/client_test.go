package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"agenthive/internal/api"
	"agenthive/internal/api/apitest"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticToken string

func (s staticToken) Token() string { return string(s) }

func newClient(t *testing.T) (*api.Client, *apitest.Server) {
	t.Helper()
	srv := apitest.NewServer(t)
	srv.Token = "secret"
	return api.NewClient(srv.URL, staticToken("secret"), 5*time.Second), srv
}

func TestClient_SessionLifecycle(t *testing.T) {
	c, srv := newClient(t)
	srv.GrantLicense("agent-1")
	srv.SetBalance(decimal.NewFromInt(5))
	ctx := context.Background()

	sess, err := c.CreateSession(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", sess.AgentID)
	assert.True(t, sess.Active)

	res, err := c.SendMessage(ctx, sess.ID, "Hello")
	require.NoError(t, err)
	assert.Equal(t, api.RoleUser, res.UserMessage.Role)
	assert.Equal(t, "Hello", res.UserMessage.Content)
	assert.Equal(t, api.RoleAssistant, res.AssistantMessage.Role)
	assert.Equal(t, "echo: Hello", res.AssistantMessage.Content)
	assert.False(t, res.UserMessage.IsLocal())

	hist, err := c.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, hist.Messages, 2)
	assert.Equal(t, 2, hist.Session.MessageCount)

	sessions, err := c.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestClient_ErrorBodyBecomesAPIError(t *testing.T) {
	c, srv := newClient(t)
	srv.GrantLicense("agent-1")
	ctx := context.Background()

	sess, err := c.CreateSession(ctx, "agent-1")
	require.NoError(t, err)

	_, err = c.SendMessage(ctx, sess.ID, "Hello")
	require.Error(t, err)

	apiErr, ok := api.AsError(err)
	require.True(t, ok, "expected *api.Error, got %T", err)
	assert.Equal(t, http.StatusPaymentRequired, apiErr.Status)
	assert.Equal(t, api.CodeInsufficientCredits, apiErr.Code)
	assert.Equal(t, "Insufficient credits to send message", err.Error())
}

func TestClient_BearerToken(t *testing.T) {
	srv := apitest.NewServer(t)
	srv.Token = "secret"

	anon := api.NewClient(srv.URL, nil, time.Second)
	_, err := anon.GetBalance(context.Background())
	apiErr, ok := api.AsError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)

	// Public routes work without a token.
	agents, err := anon.ListAgents(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, agents, 1)

	authed := api.NewClient(srv.URL+"/", staticToken("secret"), time.Second)
	bal, err := authed.GetBalance(context.Background())
	require.NoError(t, err)
	assert.True(t, bal.Balance.IsZero())
}

func TestClient_TrialAndLicensing(t *testing.T) {
	c, srv := newClient(t)
	srv.SetBalance(decimal.NewFromInt(20))
	ctx := context.Background()

	status, err := c.GetTrialStatus(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 0, status.MessagesUsed)
	assert.Equal(t, 3, status.MaxMessages)

	reply, err := c.SendTrialMessage(ctx, "agent-1", "hi")
	require.NoError(t, err)
	assert.Equal(t, 1, reply.MessagesUsed)
	assert.Equal(t, 2, reply.MessagesRemaining)

	lic, err := c.GetLicenseStatus(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, lic.HasLicense)

	plans, err := c.ListPlans(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, plans, 1)

	res, err := c.PurchaseAccess(ctx, "agent-1", plans[0].ID)
	require.NoError(t, err)
	assert.NotEmpty(t, res.LicenseKey)
	assert.NotEmpty(t, res.ProxyURL)

	lic, err = c.GetLicenseStatus(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, lic.HasLicense)
	assert.True(t, srv.Balance().Equal(decimal.NewFromInt(10)))
}

func TestClient_Tasks(t *testing.T) {
	c, srv := newClient(t)
	ctx := context.Background()

	created, err := c.CreateTask(ctx, api.NewTask{Title: "Summarise", Budget: decimal.NewFromInt(3)})
	require.NoError(t, err)
	assert.Equal(t, api.TaskPosted, created.Status)
	assert.Nil(t, created.BuyerAccepted)

	srv.PutTask(api.Task{ID: created.ID, Title: "Summarise", Status: api.TaskCompleted, Result: "done"})
	srv.AddTaskEvent(created.ID, "completed", "agent finished")

	events, err := c.ListTaskEvents(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)

	accepted, err := c.AcceptTask(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, accepted.BuyerAccepted)
	assert.True(t, *accepted.BuyerAccepted)

	_, err = c.RejectTask(ctx, created.ID, "too late")
	apiErr, ok := api.AsError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
}

func TestClient_DetailErrorAndPlainBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/credits/balance":
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"detail": "Forbidden"}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte("upstream exploded"))
		}
	}))
	defer server.Close()

	c := api.NewClient(server.URL, nil, time.Second)

	_, err := c.GetBalance(context.Background())
	require.Error(t, err)
	assert.Equal(t, "Forbidden", err.Error())

	_, err = c.GetMissionStats(context.Background())
	require.Error(t, err)
	assert.Equal(t, "upstream exploded", err.Error())
}

func TestClient_ContextCancel(t *testing.T) {
	c, srv := newClient(t)
	release := srv.Hold("GET /mission/stats")
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.GetMissionStats(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestError_FallbackMessage(t *testing.T) {
	assert.Equal(t, "Not Found", (&api.Error{Status: 404}).Error())
	assert.Equal(t, "request failed", (&api.Error{}).Error())
}
