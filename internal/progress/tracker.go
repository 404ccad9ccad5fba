package progress

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskProgress is the tracker's view of one task.
type TaskProgress struct {
	Handle      Handle `json:"handle"`
	Description string `json:"description"`
	Name        string `json:"name"`
	State       State  `json:"state"`
	Completed   int64  `json:"completed"`
	Total       int64  `json:"total"`
}

// Tracker assigns handles to tasks and converts updates into Events stamped
// with the run ID. Finished tasks are forgotten after their final event.
type Tracker struct {
	runID     [16]byte
	emitter   Emitter
	nameWidth int
	now       func() time.Time

	mu    sync.Mutex
	next  Handle
	tasks map[Handle]*TaskProgress
}

// NewTracker builds a Tracker that forwards events to emitter. A nil emitter
// keeps the in-memory view only.
func NewTracker(runID uuid.UUID, emitter Emitter, nameWidth int) *Tracker {
	return &Tracker{
		runID:     UUIDToBytes(runID),
		emitter:   emitter,
		nameWidth: nameWidth,
		now:       func() time.Time { return time.Now().UTC() },
		tasks:     make(map[Handle]*TaskProgress),
	}
}

// RunID returns the run identifier stamped on every event.
func (t *Tracker) RunID() uuid.UUID {
	return uuid.UUID(t.runID)
}

// AddTask registers a task in the pending state and returns its handle.
func (t *Tracker) AddTask(description, filename string) Handle {
	t.mu.Lock()
	t.next++
	task := &TaskProgress{
		Handle:      t.next,
		Description: description,
		Name:        DisplayName(filename, t.nameWidth),
		State:       StatePending,
	}
	t.tasks[task.Handle] = task
	evt := t.eventLocked(task, 0)
	t.mu.Unlock()

	t.emit(evt)
	return task.Handle
}

// Update advances a task by advance bytes, records total when positive and
// moves it to state. Unknown handles are ignored.
func (t *Tracker) Update(h Handle, advance, total int64, state State) {
	t.mu.Lock()
	task, ok := t.tasks[h]
	if !ok {
		t.mu.Unlock()
		return
	}
	if advance > 0 {
		task.Completed += advance
	} else {
		advance = 0
	}
	if total > 0 {
		task.Total = total
	}
	if state != "" {
		task.State = state
	}
	evt := t.eventLocked(task, advance)
	if task.State.Terminal() {
		delete(t.tasks, h)
	}
	t.mu.Unlock()

	t.emit(evt)
}

// Active returns the tasks that have not reached a terminal state, ordered by
// handle.
func (t *Tracker) Active() []TaskProgress {
	t.mu.Lock()
	out := make([]TaskProgress, 0, len(t.tasks))
	for _, task := range t.tasks {
		out = append(out, *task)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

func (t *Tracker) eventLocked(task *TaskProgress, advance int64) Event {
	return Event{
		RunID:       t.runID,
		TS:          t.now(),
		Handle:      task.Handle,
		State:       task.State,
		Description: task.Description,
		Name:        task.Name,
		Advance:     advance,
		Completed:   task.Completed,
		Total:       task.Total,
	}
}

func (t *Tracker) emit(evt Event) {
	if t.emitter != nil {
		t.emitter.Emit(evt)
	}
}
