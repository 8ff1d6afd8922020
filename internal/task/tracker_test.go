package task_test

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"agenthive/internal/api"
	"agenthive/internal/api/apitest"
	"agenthive/internal/poll"
	"agenthive/internal/task"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func setup(t *testing.T) (*api.Client, *apitest.Server) {
	t.Helper()
	srv := apitest.NewServer(t)
	return api.NewClient(srv.URL, nil, 5*time.Second), srv
}

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		name string
		task api.Task
		want bool
	}{
		{"posted", api.Task{Status: api.TaskPosted}, false},
		{"assigned", api.Task{Status: api.TaskAssigned}, false},
		{"dispatched", api.Task{Status: api.TaskDispatched}, false},
		{"completed awaiting review", api.Task{Status: api.TaskCompleted}, false},
		{"completed accepted", api.Task{Status: api.TaskCompleted, BuyerAccepted: boolPtr(true)}, true},
		{"completed rejected", api.Task{Status: api.TaskCompleted, BuyerAccepted: boolPtr(false)}, true},
		{"failed", api.Task{Status: api.TaskFailed}, true},
		{"expired", api.Task{Status: api.TaskExpired}, true},
		{"cancelled", api.Task{Status: api.TaskCancelled}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, task.IsTerminal(tt.task))
		})
	}
}

func TestAccept_OneShot(t *testing.T) {
	client, srv := setup(t)
	srv.PutTask(api.Task{ID: "t-1", Title: "Summarise", Status: api.TaskCompleted, Result: "done"})
	srv.AddTaskEvent("t-1", "completed", "agent finished")
	ctx := context.Background()

	tr, err := task.Load(ctx, client, "t-1")
	require.NoError(t, err)
	require.True(t, tr.CanDecide())
	assert.Len(t, tr.Snapshot().Events, 1)

	require.NoError(t, tr.Accept(ctx))

	v := tr.Snapshot()
	require.NotNil(t, v.Task.BuyerAccepted)
	assert.True(t, *v.Task.BuyerAccepted)
	assert.False(t, v.CanDecide)
	assert.True(t, task.IsTerminal(v.Task))

	assert.ErrorIs(t, tr.Reject(ctx, "changed my mind"), task.ErrDecisionClosed)
	assert.Equal(t, 0, srv.Calls("POST /tasks/t-1/reject"))
}

func TestDecide_FailureLeavesTaskUndecided(t *testing.T) {
	client, srv := setup(t)
	srv.PutTask(api.Task{ID: "t-2", Status: api.TaskCompleted})
	srv.FailNext("POST /tasks/t-2/reject", &api.Error{Status: http.StatusBadGateway, Message: "review service down"})
	ctx := context.Background()

	tr, err := task.Load(ctx, client, "t-2")
	require.NoError(t, err)

	err = tr.Reject(ctx, "wrong language")
	require.Error(t, err)

	v := tr.Snapshot()
	assert.Equal(t, "review service down", v.Error)
	assert.Nil(t, v.Task.BuyerAccepted, "failed decision leaves the task unchanged")
	assert.True(t, v.CanDecide, "buyer can decide again after a failure")
	assert.Equal(t, 1, srv.Calls("POST /tasks/t-2/reject"), "no automatic retry")
	assert.Equal(t, 0, srv.Calls("POST /tasks/t-2/accept"))

	require.NoError(t, tr.Accept(ctx))
	v = tr.Snapshot()
	require.NotNil(t, v.Task.BuyerAccepted)
	assert.True(t, *v.Task.BuyerAccepted)
	assert.Empty(t, v.Error)
	assert.False(t, v.CanDecide)
	assert.Equal(t, 1, srv.Calls("POST /tasks/t-2/reject"))
}

func TestDecide_StaleSnapshotDoesNotReopen(t *testing.T) {
	client, srv := setup(t)
	srv.PutTask(api.Task{ID: "t-6", Status: api.TaskCompleted})
	ctx := context.Background()

	tr, err := task.Load(ctx, client, "t-6")
	require.NoError(t, err)
	require.NoError(t, tr.Accept(ctx))

	tr.Apply(task.Snapshot{Task: api.Task{ID: "t-6", Status: api.TaskCompleted}})
	assert.False(t, tr.CanDecide())
	assert.ErrorIs(t, tr.Reject(ctx, "again"), task.ErrDecisionClosed)
}

func TestDecide_OnlyWhenAwaitingReview(t *testing.T) {
	client, srv := setup(t)
	srv.PutTask(api.Task{ID: "t-3", Status: api.TaskDispatched})

	tr, err := task.Load(context.Background(), client, "t-3")
	require.NoError(t, err)
	assert.False(t, tr.CanDecide())
	assert.ErrorIs(t, tr.Accept(context.Background()), task.ErrDecisionClosed)
}

func TestWatch_StopsAtTerminalStatus(t *testing.T) {
	client, srv := setup(t)
	srv.PutTask(api.Task{ID: "t-4", Status: api.TaskAssigned})
	tr := task.NewTracker(client, api.Task{ID: "t-4"})
	var mu sync.Mutex
	var statuses []api.TaskStatus
	tr.OnUpdate(func(v task.View) {
		mu.Lock()
		statuses = append(statuses, v.Task.Status)
		mu.Unlock()
	})

	sub := task.Watch(context.Background(), tr, 10*time.Millisecond, poll.WithImmediate())
	defer sub.Stop()

	require.Eventually(t, func() bool { return tr.Snapshot().Task.Status == api.TaskAssigned }, time.Second, 5*time.Millisecond)

	srv.AddTaskEvent("t-4", "failed", "agent crashed")
	srv.PutTask(api.Task{ID: "t-4", Status: api.TaskFailed})

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop on a terminal task")
	}

	v := tr.Snapshot()
	assert.Equal(t, api.TaskFailed, v.Task.Status)
	assert.Len(t, v.Events, 1)

	calls := srv.Calls("GET /tasks/t-4")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, srv.Calls("GET /tasks/t-4"), "no requests after terminal")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, api.TaskAssigned, statuses[0])
	assert.Equal(t, api.TaskFailed, statuses[len(statuses)-1])
}

func TestWatch_StopsAfterDecision(t *testing.T) {
	client, srv := setup(t)
	srv.PutTask(api.Task{ID: "t-5", Status: api.TaskCompleted})
	ctx := context.Background()

	tr, err := task.Load(ctx, client, "t-5")
	require.NoError(t, err)
	sub := task.Watch(ctx, tr, 10*time.Millisecond)
	defer sub.Stop()

	require.NoError(t, tr.Accept(ctx))

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watch kept polling an accepted task")
	}
}

func TestPost(t *testing.T) {
	client, srv := setup(t)
	ctx := context.Background()

	_, err := task.Post(ctx, client, api.NewTask{Title: "  "})
	assert.Error(t, err)

	_, err = task.Post(ctx, client, api.NewTask{Title: "x", Budget: decimal.NewFromInt(-1)})
	assert.Error(t, err)

	past := time.Now().Add(-time.Hour)
	_, err = task.Post(ctx, client, api.NewTask{Title: "x", Deadline: &past})
	assert.Error(t, err)
	assert.Equal(t, 0, srv.Calls("POST /tasks"))

	created, err := task.Post(ctx, client, api.NewTask{Title: " Translate ", Budget: decimal.NewFromInt(4)})
	require.NoError(t, err)
	assert.Equal(t, "Translate", created.Title)
	assert.Equal(t, api.TaskPosted, created.Status)
}
