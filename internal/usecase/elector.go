package usecase

import (
	"context"

	"go.uber.org/zap"

	"github.com/vitos/grid_trade_engine/internal/domain"
)

// LeaderElector tracks whether this process may submit orders. A nil lock
// means single-instance mode (disk state, no shared database): the process
// is unconditionally leader unless configured standby-only. With a lock, a
// standby polls for acquisition and a leader keeps the role until the
// holding connection is lost; there is no voluntary relinquishing.
type LeaderElector struct {
	lock        domain.LeaderLock
	key         string
	standbyOnly bool
	leader      bool
	logger      *zap.Logger
}

func NewLeaderElector(lock domain.LeaderLock, key string, standbyOnly bool, logger *zap.Logger) *LeaderElector {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &LeaderElector{
		lock:        lock,
		key:         key,
		standbyOnly: standbyOnly,
		logger:      logger,
	}
	if standbyOnly {
		e.logger.Info("standby-only mode, leader lock will never be attempted")
	} else if lock == nil {
		e.leader = true
		e.logger.Warn("no shared database configured, running single-instance as leader")
	}
	return e
}

// IsLeader reports the last known leadership state without touching the
// store. Submission sites must use the Refresh result from the current tick.
func (e *LeaderElector) IsLeader() bool {
	return e.leader
}

// Refresh re-establishes the current leadership state: verify the held lock,
// or attempt acquisition when standing by. Lock errors demote to standby
// rather than failing the tick.
func (e *LeaderElector) Refresh(ctx context.Context) bool {
	if e.standbyOnly {
		return false
	}
	if e.lock == nil {
		return true
	}

	if e.leader {
		if err := e.lock.Verify(ctx); err != nil {
			e.leader = false
			e.logger.Warn("leader lock lost, demoting to standby", zap.Error(err))
		}
		return e.leader
	}

	acquired, err := e.lock.TryAcquire(ctx, e.key)
	if err != nil {
		e.logger.Warn("leader lock attempt failed", zap.String("key", e.key), zap.Error(err))
		return false
	}
	if acquired {
		e.leader = true
		e.logger.Warn("leader lock acquired, promoting to leader", zap.String("key", e.key))
	}
	return e.leader
}
