// Package queue defines the thread queue consumed by the work-stealing
// scheduler. Implementations keep three sub-queues per worker: pending
// (runnable), staged (created but not yet runnable) and terminated
// (awaiting cleanup).
package queue

import (
	"time"

	"github.com/folshost/hpx/sched"
)

// ThreadQueue is the per-worker container of threads. The owning worker
// performs local Schedule/NextThread; any worker may call BulkSteal, so
// implementations must make that safe.
type ThreadQueue interface {
	// CreateThread builds a thread from init data. With runNow, or with a
	// Pending initial state, the thread goes straight to the pending queue;
	// a Suspended thread is only registered; any other initial state is
	// staged until the next WaitOrAddNew promotion.
	CreateThread(data sched.ThreadInitData, initialState sched.ThreadState, runNow bool) (sched.ThreadID, error)

	// Schedule enqueues a runnable thread. With last=true the thread is
	// placed so it runs after everything currently pending.
	Schedule(thrd *sched.Thread, last bool)

	// NextThread dequeues one thread for local execution.
	NextThread() (*sched.Thread, bool)

	// BulkSteal removes up to limit threads for transfer to another worker.
	// With stealFlag only threads eligible for stealing are surrendered.
	BulkSteal(limit int, stealFlag bool) []*sched.Thread

	// PendingLength is the number of runnable threads currently enqueued.
	PendingLength() int

	// WaitOrAddNew promotes staged threads to pending, bumping added per
	// promotion. It returns true when the queue holds no more work and the
	// caller may terminate.
	WaitOrAddNew(running bool, added *int, enableStealing bool) bool

	// DestroyThread retires a terminated thread.
	DestroyThread(thrd *sched.Thread)

	// Telemetry. Increment* are called by the scheduler on the owning
	// worker; the getters optionally reset on read.
	IncrementPendingAccesses()
	IncrementPendingMisses()
	IncrementStolenFromPending()
	IncrementStolenToPending()
	NumPendingAccesses(reset bool) int64
	NumPendingMisses(reset bool) int64
	NumStolenFromPending(reset bool) int64
	NumStolenToPending(reset bool) int64
	NumStolenFromStaged(reset bool) int64
	NumStolenToStaged(reset bool) int64

	// QueueLength counts pending plus staged threads.
	QueueLength() int64

	// ThreadCount counts threads in the given state; sched.Unknown counts
	// every live thread.
	ThreadCount(state sched.ThreadState) int64

	// Wait-time aggregation; zero unless enabled via InitParams.
	AverageThreadWaitTime() time.Duration
	AverageTaskWaitTime() time.Duration

	// Creation/cleanup-rate accounting: cumulative time spent creating
	// threads and freeing terminated ones, optionally reset on read.
	CreationTime(reset bool) time.Duration
	CleanupTime(reset bool) time.Duration

	// Lifecycle hooks, driven by the scheduler façade.
	OnStart(workerID int)
	OnStop(workerID int)
	OnError(workerID int, err error)
	AbortAllSuspended()

	// CleanupTerminated frees terminated thread records. Returns true when
	// no terminated threads remain.
	CleanupTerminated(deleteAll bool) bool

	// EnumerateThreads calls fn for matching threads until fn returns false.
	// Returns false if enumeration was cut short.
	EnumerateThreads(fn func(sched.ThreadID) bool, state sched.ThreadState) bool

	// DumpSuspendedThreads reports whether the queue holds only suspended
	// work, logging detail for the deadlock diagnostic.
	DumpSuspendedThreads(workerID int, idleLoopCount int64, running bool) bool
}

// InitParams configures a thread queue instance.
type InitParams struct {
	// MinAddNewCount bounds how many staged threads one WaitOrAddNew call
	// promotes while pending work remains (a cheap top-up); MaxAddNewCount
	// bounds promotion once the pending queue has run dry.
	MinAddNewCount int
	MaxAddNewCount int

	// MaxThreadCount caps live threads per queue; 0 means unbounded.
	MaxThreadCount int

	// EnableWaitTime turns on thread/task wait-time tracking.
	EnableWaitTime bool
}

// DefaultInitParams mirrors the runtime's stock configuration.
func DefaultInitParams() InitParams {
	return InitParams{
		MinAddNewCount: 10,
		MaxAddNewCount: 10,
		MaxThreadCount: 0,
	}
}
