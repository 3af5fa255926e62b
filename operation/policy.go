package operation

import (
	"sync"
	"time"
)

// CheckpointPolicy decides when a periodic checkpoint is due. A checkpoint
// triggers when the unit counter reaches a positive multiple of the unit
// interval, or when the wall-clock interval has elapsed since the last
// recorded checkpoint, whichever comes first. Unit 0 never triggers.
type CheckpointPolicy struct {
	unitInterval int
	wallInterval time.Duration

	mu       sync.Mutex
	lastUnit int
	lastAt   time.Time
}

// NewCheckpointPolicy creates a policy. A non-positive unitInterval disables
// unit-based triggering; a non-positive wallInterval disables the clock.
func NewCheckpointPolicy(unitInterval int, wallInterval time.Duration) *CheckpointPolicy {
	return &CheckpointPolicy{
		unitInterval: unitInterval,
		wallInterval: wallInterval,
		lastAt:       time.Now(),
	}
}

// ShouldCheckpoint reports whether a checkpoint is due at unitIndex.
// It performs no I/O and does not update bookkeeping; callers confirm a
// completed save via RecordCheckpoint.
func (p *CheckpointPolicy) ShouldCheckpoint(unitIndex int) bool {
	if unitIndex <= 0 {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.unitInterval > 0 && unitIndex%p.unitInterval == 0 && unitIndex != p.lastUnit {
		return true
	}
	if p.wallInterval > 0 && time.Since(p.lastAt) >= p.wallInterval {
		return true
	}
	return false
}

// RecordCheckpoint updates the last-checkpointed bookkeeping after a save.
func (p *CheckpointPolicy) RecordCheckpoint(unitIndex int) {
	p.mu.Lock()
	p.lastUnit = unitIndex
	p.lastAt = time.Now()
	p.mu.Unlock()
}
