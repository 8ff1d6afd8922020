package auth

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestOpen_MissingFileIsLoggedOut(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "credentials.yaml"))
	require.NoError(t, err)
	assert.False(t, s.LoggedIn())
	assert.Empty(t, s.Token())
}

func TestSetTokenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "credentials.yaml")
	s, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, s.SetToken("tok-1"))
	assert.Equal(t, "tok-1", s.Token())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	reopened, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", reopened.Token())
}

func TestLogoutNotifiesListenersOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.yaml")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SetToken("tok-1"))

	var fired int32
	s.OnLogout(func() { atomic.AddInt32(&fired, 1) })
	removed := int32(0)
	remove := s.OnLogout(func() { atomic.AddInt32(&removed, 1) })
	remove()

	require.NoError(t, s.Logout())
	require.NoError(t, s.Logout())

	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
	assert.Equal(t, int32(0), atomic.LoadInt32(&removed))
	assert.False(t, s.LoggedIn())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore("tok")
	assert.Equal(t, "tok", s.Token())
	require.NoError(t, s.SetToken("tok-2"))
	assert.Equal(t, "tok-2", s.Token())
	require.NoError(t, s.Logout())
	assert.Empty(t, s.Token())

	_, err := s.Watch(context.Background())
	assert.Error(t, err)
}

func TestWatch_ExternalRemovalInvalidates(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := filepath.Join(t.TempDir(), "credentials.yaml")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SetToken("tok-1"))

	invalidated := make(chan struct{}, 1)
	s.OnLogout(func() { invalidated <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	done, err := s.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))

	select {
	case <-invalidated:
	case <-time.After(2 * time.Second):
		t.Fatal("expected external removal to invalidate the token")
	}
	assert.Empty(t, s.Token())

	cancel()
	<-done
}
