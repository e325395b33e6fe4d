// Package sched provides definitions for the user-level threads (tasks)
// managed by the work-stealing scheduler.
package sched

import (
	"fmt"

	"github.com/davecgh/go-spew/spew"
)

// ThreadID uniquely identifies a scheduled thread.
type ThreadID string

// NoThread is the zero ThreadID.
const NoThread ThreadID = ""

// ThreadState for a scheduled thread.
type ThreadState int

const (
	// Unknown, state has not been assigned yet
	Unknown ThreadState = iota

	// Pending, runnable and enqueued on a worker's pending queue
	Pending

	// Staged, created but not yet promoted to a pending queue
	Staged

	// Active, currently being executed by a worker
	Active

	// Suspended, waiting on some external event
	Suspended

	// Terminated, finished executing, awaiting cleanup
	Terminated
)

func (s ThreadState) String() string {
	asString := [6]string{"Unknown", "Pending", "Staged", "Active", "Suspended", "Terminated"}
	if s < 0 || int(s) >= len(asString) {
		return fmt.Sprintf("ThreadState(%d)", int(s))
	}
	return asString[s]
}

// ThreadPriority is a coarse scheduling bucket. The scheduler does not
// guarantee any fairness between buckets.
type ThreadPriority int

const (
	PriorityDefault ThreadPriority = iota
	PriorityLow
	PriorityNormal
	PriorityBoost
	PriorityHigh
	PriorityHighRecursive

	// PriorityUnknown is not a valid selector; dispatching on it is a
	// contract violation.
	PriorityUnknown
)

func (p ThreadPriority) String() string {
	asString := [7]string{"Default", "Low", "Normal", "Boost", "High", "HighRecursive", "Unknown"}
	if p < 0 || int(p) >= len(asString) {
		return fmt.Sprintf("ThreadPriority(%d)", int(p))
	}
	return asString[p]
}

// ScheduleHintMode says how to interpret a ScheduleHint.
type ScheduleHintMode int

const (
	// HintNone, the scheduler picks a worker round-robin
	HintNone ScheduleHintMode = iota

	// HintThread, the hint names a worker (taken modulo the worker count)
	HintThread
)

// ScheduleHint optionally pins work to a worker.
type ScheduleHint struct {
	Mode   ScheduleHintMode
	Thread int
}

// NoHint requests round-robin placement.
var NoHint = ScheduleHint{Mode: HintNone}

// HintWorker pins placement to the given worker index.
func HintWorker(worker int) ScheduleHint {
	return ScheduleHint{Mode: HintThread, Thread: worker}
}

// Thread is one user-level unit of execution. The scheduler treats the
// function as opaque; execution and suspension are the runtime's concern.
type Thread struct {
	id          ThreadID
	fn          func()
	state       ThreadState
	priority    ThreadPriority
	description string

	// Stealable is false for threads bound to their worker; bulk steal
	// must never surrender them.
	stealable bool
}

// NewThread builds a thread record from its init data.
func NewThread(id ThreadID, data ThreadInitData, initialState ThreadState) *Thread {
	return &Thread{
		id:          id,
		fn:          data.Fn,
		state:       initialState,
		priority:    data.Priority,
		description: data.Description,
		stealable:   data.Stealable,
	}
}

func (t *Thread) ID() ThreadID             { return t.id }
func (t *Thread) State() ThreadState       { return t.state }
func (t *Thread) Priority() ThreadPriority { return t.priority }
func (t *Thread) Description() string      { return t.description }
func (t *Thread) Stealable() bool          { return t.stealable }

// SetState transitions the thread. Only the owning worker or queue may call
// this.
func (t *Thread) SetState(s ThreadState) { t.state = s }

// Run executes the thread function, if any.
func (t *Thread) Run() {
	if t.fn != nil {
		t.fn()
	}
}

func (t *Thread) String() string {
	return fmt.Sprintf("{id:%s, state:%s, priority:%s, stealable:%t, desc:%s}",
		t.id, t.state, t.priority, t.stealable, spew.Sprintf("%q", t.description))
}

// ThreadInitData carries everything needed to create a thread.
type ThreadInitData struct {
	Fn          func()
	Priority    ThreadPriority
	Hint        ScheduleHint
	Description string
	Stealable   bool
}
