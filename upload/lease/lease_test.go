package lease

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLockAPI struct {
	mu           sync.Mutex
	released     []string
	cleanupCalls int
	releaseErr   error
}

func (f *fakeLockAPI) Release(ctx context.Context, holderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, holderID)
	return f.releaseErr
}

func (f *fakeLockAPI) Cleanup(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanupCalls++
	return nil
}

func (f *fakeLockAPI) cleanups() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleanupCalls
}

func TestManager_SecondAcquireRejected(t *testing.T) {
	manager := NewManager(&fakeLockAPI{}, time.Minute, log.NewLogger())

	first, err := manager.Acquire()
	require.NoError(t, err)
	assert.NotEmpty(t, first.HolderID)

	_, err = manager.Acquire()
	assert.ErrorIs(t, err, ErrUploadInProgress)
}

func TestManager_ReleaseAllowsReacquire(t *testing.T) {
	api := &fakeLockAPI{}
	manager := NewManager(api, time.Minute, log.NewLogger())

	first, err := manager.Acquire()
	require.NoError(t, err)
	manager.Release(context.Background(), first)

	second, err := manager.Acquire()
	require.NoError(t, err)
	assert.NotEqual(t, first.HolderID, second.HolderID, "every grant gets a fresh holder id")
	assert.Equal(t, []string{first.HolderID}, api.released)
}

func TestManager_ReleaseFailureIsSwallowed(t *testing.T) {
	api := &fakeLockAPI{releaseErr: fmt.Errorf("network down")}
	manager := NewManager(api, time.Minute, log.NewLogger())

	lease, err := manager.Acquire()
	require.NoError(t, err)

	// Must not panic or surface the error, the server sweep reconciles
	manager.Release(context.Background(), lease)

	_, err = manager.Acquire()
	assert.NoError(t, err)
}

func TestManager_ExpiredLeaseIsReplaced(t *testing.T) {
	manager := NewManager(&fakeLockAPI{}, time.Nanosecond, log.NewLogger())

	first, err := manager.Acquire()
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.True(t, first.Expired(time.Now()))

	_, err = manager.Acquire()
	assert.NoError(t, err, "an expired lease must not block new uploads")
}

func TestSweeper_PeriodicCleanup(t *testing.T) {
	api := &fakeLockAPI{}
	sweeper := NewSweeper(api, 5*time.Millisecond, log.NewLogger())

	sweeper.Start(context.Background())
	assert.Eventually(t, func() bool {
		return api.cleanups() >= 2
	}, time.Second, 5*time.Millisecond)
	sweeper.Stop()

	after := api.cleanups()
	time.Sleep(25 * time.Millisecond)
	assert.Equal(t, after, api.cleanups(), "no sweeps after Stop")
}
