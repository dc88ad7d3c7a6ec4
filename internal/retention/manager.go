// Package retention prunes old archive versions.
package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/renderinc/scp-archive/internal/storage"
)

// Policy says how many of the newest versions survive a prune
type Policy struct {
	Keep int
}

// Manager applies the configured policy after ingests and on a schedule
type Manager struct {
	db      *storage.DB
	policy  Policy
	enabled bool
	timeout time.Duration

	pruning sync.Mutex
	wg      sync.WaitGroup
}

// NewManager creates a manager. A disabled manager only prunes on explicit
// Prune calls.
func NewManager(db *storage.DB, policy Policy, enabled bool) *Manager {
	return &Manager{db: db, policy: policy, enabled: enabled, timeout: 5 * time.Minute}
}

// Policy returns the configured policy
func (m *Manager) Policy() Policy {
	return m.policy
}

// Enabled reports whether automatic pruning is on
func (m *Manager) Enabled() bool {
	return m.enabled
}

// Prune keeps the newest p.Keep versions and drops the rest
func (m *Manager) Prune(ctx context.Context, p Policy) (*storage.PruneResult, error) {
	if p.Keep < 1 {
		return nil, fmt.Errorf("retention keep must be at least 1, got %d", p.Keep)
	}

	m.pruning.Lock()
	defer m.pruning.Unlock()
	return m.prune(ctx, p)
}

func (m *Manager) prune(ctx context.Context, p Policy) (*storage.PruneResult, error) {
	res, err := m.db.Prune(ctx, p.Keep)
	if err != nil {
		return nil, fmt.Errorf("prune versions: %w", err)
	}
	if len(res.Removed) > 0 {
		logrus.Infof("Pruned %d versions and %d rows, oldest retained version is %d",
			len(res.Removed), res.Rows, res.Oldest)
	}
	return res, nil
}

// AfterCommit prunes in the background. Failures are logged only.
func (m *Manager) AfterCommit() {
	if !m.enabled {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.Run()
	}()
}

// Run applies the configured policy once. A prune already in flight makes
// this a no-op.
func (m *Manager) Run() {
	if !m.enabled {
		return
	}
	if !m.pruning.TryLock() {
		logrus.Debug("Prune already running, skipping")
		return
	}
	defer m.pruning.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	if _, err := m.prune(ctx, m.policy); err != nil {
		logrus.Errorf("Automatic prune failed: %v", err)
	}
}

// Wait blocks until background prunes started by AfterCommit finish
func (m *Manager) Wait() {
	m.wg.Wait()
}
