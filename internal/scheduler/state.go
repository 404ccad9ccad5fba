package scheduler

// State is the lifecycle state of a scheduler loop.
type State int32

// Scheduler states.
const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// DrainStatus tracks how close an engine is to completion. It is monotonic and
// terminal at QueueDrained.
type DrainStatus int32

// Drain statuses.
const (
	MoreWork DrainStatus = iota
	SourceExhausted
	QueueDrained
)

func (d DrainStatus) String() string {
	switch d {
	case MoreWork:
		return "more_work"
	case SourceExhausted:
		return "source_exhausted"
	case QueueDrained:
		return "queue_drained"
	default:
		return "unknown"
	}
}

// Status summarizes a scheduler for status endpoints. Live is filled in by the
// engine that owns the scheduler.
type Status struct {
	State    string `json:"state"`
	Drain    string `json:"drain"`
	InFlight int    `json:"in_flight"`
	Pending  int    `json:"pending"`
	Live     int    `json:"live"`
}
