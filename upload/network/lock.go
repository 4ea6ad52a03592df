package network

import (
	"context"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
)

// LockAPI exposes the advisory "one active upload per account" endpoints to
// the lease manager.
type LockAPI struct {
	api apiClient
}

// NewLockAPI ...
func NewLockAPI(baseURL string, accessToken string, logger log.Logger) LockAPI {
	return LockAPI{
		api: newAPIClient(retryhttp.NewClient(logger), baseURL, accessToken, logger),
	}
}

// Release drops the lock held by holderID. The server must never rely on
// this call arriving: the holder may vanish without releasing.
func (l LockAPI) Release(ctx context.Context, holderID string) error {
	return l.api.releaseLock(ctx, holderID)
}

// Cleanup asks the server to reconcile expired locks.
func (l LockAPI) Cleanup(ctx context.Context) error {
	return l.api.cleanupLocks(ctx)
}
