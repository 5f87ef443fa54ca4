// Package observer tracks the tuner's own resource consumption, so a
// startup/shutdown overhead summary can ride along in the tick log
// without the agent having to claim it is free. Unlike a whole-system
// diagnostic tool, the tuner never spawns helper processes, so there
// is no child-PID set to track — only self.
package observer

import (
	"os"
	"sync"
)

// SelfTracker is a thread-safe holder of the tuner's own PID and the
// resource-usage snapshot taken at startup.
type SelfTracker struct {
	mu      sync.RWMutex
	selfPID int
	before  *procSnapshot
}

// NewSelfTracker creates a SelfTracker seeded with the current PID.
func NewSelfTracker() *SelfTracker {
	return &SelfTracker{selfPID: os.Getpid()}
}

// SelfPID returns the tuner's own process ID.
func (t *SelfTracker) SelfPID() int {
	return t.selfPID
}

// SnapshotBefore records the tuner's current resource usage. Call once
// at startup, before entering the tick loop.
func (t *SelfTracker) SnapshotBefore() {
	snap := readProcSnapshot(t.selfPID)
	t.mu.Lock()
	t.before = &snap
	t.mu.Unlock()
}
