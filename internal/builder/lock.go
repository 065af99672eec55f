package builder

import "sync"

// LockManager hands out per-branch build locks so two builds of the same
// installer branch never overlap, while different branches build in parallel.
type LockManager struct {
	mu      sync.Mutex      // guards running
	running map[string]bool // installer branches with a build in flight
}

// NewLockManager creates a new lock manager.
func NewLockManager() *LockManager {
	return &LockManager{
		running: make(map[string]bool),
	}
}

// TryLock acquires the lock for branch without blocking. It reports false when
// a build of that branch is already running.
func (lm *LockManager) TryLock(branch string) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.running[branch] {
		return false
	}
	lm.running[branch] = true
	return true
}

// Unlock releases the lock for branch. Unknown branches are ignored.
func (lm *LockManager) Unlock(branch string) {
	lm.mu.Lock()
	delete(lm.running, branch)
	lm.mu.Unlock()
}

// Locked reports whether a build of branch is running. It only reads, so a
// status check never makes a concurrent TryLock fail.
func (lm *LockManager) Locked(branch string) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.running[branch]
}
