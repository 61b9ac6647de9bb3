package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	registrystore "github.com/plannr/messaging-service/internal/registry/store"
)

// UndoCleanupService periodically deletes bulk operation snapshots whose undo window has passed.
type UndoCleanupService struct {
	store     registrystore.MessagingStore
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
}

// NewUndoCleanupService creates a cleanup service. Operations are kept for
// retention past their expiry so late undo attempts report expiry rather
// than not-found.
func NewUndoCleanupService(store registrystore.MessagingStore, interval time.Duration) *UndoCleanupService {
	if interval <= 0 {
		interval = time.Minute
	}
	return &UndoCleanupService{
		store:     store,
		interval:  interval,
		retention: 10 * time.Minute,
		now:       time.Now,
	}
}

// Start begins the periodic cleanup loop. Returns when ctx is cancelled.
func (u *UndoCleanupService) Start(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := u.RunOnce(ctx); err != nil {
				log.Error("Undo cleanup: delete failed", "err", err)
			}
		}
	}
}

// RunOnce deletes every operation that expired more than the retention ago.
func (u *UndoCleanupService) RunOnce(ctx context.Context) (int64, error) {
	cutoff := u.now().Add(-u.retention)
	n, err := u.store.DeleteExpiredBulkOperations(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info("Undo cleanup: completed", "deleted", n, "cutoff", cutoff)
	}
	return n, nil
}
