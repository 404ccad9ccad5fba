package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle position of a tracked task.
type State string

// Supported task states.
const (
	StatePending     State = "PENDING"
	StateDownloading State = "DOWNLOADING"
	StateDone        State = "DONE"
	StateSkipped     State = "SKIPPED"
	StateFailed      State = "FAILED"
	StateCancelled   State = "CANCELLED"
)

// Terminal reports whether no further updates are expected after s.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateSkipped, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Handle identifies a task registered with a Tracker.
type Handle int

// Event captures a single progress update for one task.
type Event struct {
	// RunID identifies the process run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Handle is the tracker-assigned task handle.
	Handle Handle
	// State is the task state after this update.
	State State
	// Description is the free-form label passed to AddTask.
	Description string
	// Name is the display name, already truncated for console output.
	Name string
	// Advance is the number of bytes added by this update.
	Advance int64
	// Completed is the running byte count for the task.
	Completed int64
	// Total is the expected size in bytes, 0 when unknown.
	Total int64
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.State {
	case StatePending, StateDownloading, StateDone, StateSkipped, StateFailed, StateCancelled:
	default:
		return fmt.Errorf("unknown state %q", e.State)
	}
	if e.Advance < 0 || e.Completed < 0 || e.Total < 0 {
		return errors.New("byte counts must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
