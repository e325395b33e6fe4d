// Package memory provides the stock in-memory ThreadQueue. Pending threads
// live in a mutex-protected deque: the owning worker pops from the front,
// bulk steal drains from the back, newly scheduled threads go to the front
// unless asked to run last.
package memory

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	uuid "github.com/nu7hatch/gouuid"
	"github.com/pkg/errors"

	"github.com/folshost/hpx/sched"
	"github.com/folshost/hpx/sched/queue"
)

// cleanupBatch bounds how many terminated threads one CleanupTerminated
// call frees unless deleteAll is set.
const cleanupBatch = 64

type pendingEntry struct {
	thrd     *sched.Thread
	enqueued time.Time
}

// ThreadQueue is the in-memory implementation of queue.ThreadQueue.
type ThreadQueue struct {
	init queue.InitParams

	mu         sync.Mutex
	pending    []pendingEntry
	staged     []*sched.Thread
	terminated []*sched.Thread
	threads    map[sched.ThreadID]*sched.Thread // all live threads

	pendingLen int64 // mirrors len(pending) for lock-free length reads

	pendingAccesses   int64
	pendingMisses     int64
	stolenFromPending int64
	stolenToPending   int64
	stolenFromStaged  int64
	stolenToStaged    int64

	// creation/cleanup-rate accounting, ns totals
	creationTime int64
	cleanupTime  int64

	// wait-time aggregation, ns totals (only written when enabled)
	threadWaitTotal int64
	threadWaitCount int64
	taskWaitTotal   int64
	taskWaitCount   int64
	stagedSince     map[sched.ThreadID]time.Time
}

var _ queue.ThreadQueue = (*ThreadQueue)(nil)

// NewThreadQueue builds an empty queue with the given parameters.
func NewThreadQueue(init queue.InitParams) *ThreadQueue {
	return &ThreadQueue{
		init:        init,
		threads:     map[sched.ThreadID]*sched.Thread{},
		stagedSince: map[sched.ThreadID]time.Time{},
	}
}

func (q *ThreadQueue) CreateThread(data sched.ThreadInitData, initialState sched.ThreadState, runNow bool) (sched.ThreadID, error) {
	start := time.Now()
	defer func() { atomic.AddInt64(&q.creationTime, int64(time.Since(start))) }()

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.init.MaxThreadCount > 0 && len(q.threads) >= q.init.MaxThreadCount {
		return sched.NoThread, errors.Errorf("thread limit of %d reached", q.init.MaxThreadCount)
	}

	u, err := uuid.NewV4()
	if err != nil {
		return sched.NoThread, errors.Wrap(err, "could not mint thread id")
	}
	id := sched.ThreadID(u.String())

	thrd := sched.NewThread(id, data, initialState)
	q.threads[id] = thrd

	switch {
	case runNow || initialState == sched.Pending:
		thrd.SetState(sched.Pending)
		q.pushPending(thrd, !runNow)
	case initialState == sched.Suspended:
		// held in the registry only; resumes via Schedule
	default:
		thrd.SetState(sched.Staged)
		q.staged = append(q.staged, thrd)
		if q.init.EnableWaitTime {
			q.stagedSince[id] = time.Now()
		}
	}
	return id, nil
}

func (q *ThreadQueue) Schedule(thrd *sched.Thread, last bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.threads[thrd.ID()]; !ok {
		q.threads[thrd.ID()] = thrd
	}
	thrd.SetState(sched.Pending)
	q.pushPending(thrd, last)
}

// pushPending places the thread at the run-next end, or at the run-last end
// which doubles as the steal end. Callers hold q.mu.
func (q *ThreadQueue) pushPending(thrd *sched.Thread, last bool) {
	e := pendingEntry{thrd: thrd}
	if q.init.EnableWaitTime {
		e.enqueued = time.Now()
	}
	if last {
		q.pending = append(q.pending, e)
	} else {
		q.pending = append([]pendingEntry{e}, q.pending...)
	}
	atomic.StoreInt64(&q.pendingLen, int64(len(q.pending)))
}

func (q *ThreadQueue) NextThread() (*sched.Thread, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, false
	}
	e := q.pending[0]
	q.pending = q.pending[1:]
	atomic.StoreInt64(&q.pendingLen, int64(len(q.pending)))
	if q.init.EnableWaitTime && e.enqueued != (time.Time{}) {
		atomic.AddInt64(&q.threadWaitTotal, int64(time.Since(e.enqueued)))
		atomic.AddInt64(&q.threadWaitCount, 1)
	}
	e.thrd.SetState(sched.Active)
	return e.thrd, true
}

func (q *ThreadQueue) BulkSteal(limit int, stealFlag bool) []*sched.Thread {
	if limit <= 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var stolen []*sched.Thread
	kept := make([]pendingEntry, 0, len(q.pending))
	// drain from the back, the steal end
	for i := len(q.pending) - 1; i >= 0; i-- {
		e := q.pending[i]
		if len(stolen) < limit && (!stealFlag || e.thrd.Stealable()) {
			stolen = append(stolen, e.thrd)
			delete(q.threads, e.thrd.ID())
			continue
		}
		kept = append(kept, e)
	}
	// kept was built back-to-front; restore queue order
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	q.pending = kept
	atomic.StoreInt64(&q.pendingLen, int64(len(q.pending)))
	return stolen
}

func (q *ThreadQueue) PendingLength() int {
	return int(atomic.LoadInt64(&q.pendingLen))
}

func (q *ThreadQueue) WaitOrAddNew(running bool, added *int, enableStealing bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	max := q.init.MaxAddNewCount
	if len(q.pending) != 0 && q.init.MinAddNewCount > 0 && q.init.MinAddNewCount < max {
		// pending work remains, only top up cheaply
		max = q.init.MinAddNewCount
	}
	if max <= 0 || max > len(q.staged) {
		max = len(q.staged)
	}
	for i := 0; i < max; i++ {
		thrd := q.staged[i]
		if q.init.EnableWaitTime {
			if since, ok := q.stagedSince[thrd.ID()]; ok {
				atomic.AddInt64(&q.taskWaitTotal, int64(time.Since(since)))
				atomic.AddInt64(&q.taskWaitCount, 1)
				delete(q.stagedSince, thrd.ID())
			}
		}
		thrd.SetState(sched.Pending)
		q.pushPending(thrd, true)
		*added++
	}
	q.staged = q.staged[max:]

	if running {
		return false
	}
	return len(q.pending) == 0 && len(q.staged) == 0
}

func (q *ThreadQueue) DestroyThread(thrd *sched.Thread) {
	q.mu.Lock()
	defer q.mu.Unlock()
	thrd.SetState(sched.Terminated)
	q.terminated = append(q.terminated, thrd)
}

// Suspend parks a pending or active thread. Test and runtime helper, not
// part of the consumed interface.
func (q *ThreadQueue) Suspend(id sched.ThreadID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	thrd, ok := q.threads[id]
	if !ok {
		return false
	}
	for i, e := range q.pending {
		if e.thrd.ID() == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			atomic.StoreInt64(&q.pendingLen, int64(len(q.pending)))
			break
		}
	}
	thrd.SetState(sched.Suspended)
	return true
}

func (q *ThreadQueue) IncrementPendingAccesses()   { atomic.AddInt64(&q.pendingAccesses, 1) }
func (q *ThreadQueue) IncrementPendingMisses()     { atomic.AddInt64(&q.pendingMisses, 1) }
func (q *ThreadQueue) IncrementStolenFromPending() { atomic.AddInt64(&q.stolenFromPending, 1) }
func (q *ThreadQueue) IncrementStolenToPending()   { atomic.AddInt64(&q.stolenToPending, 1) }

func readCounter(c *int64, reset bool) int64 {
	if reset {
		return atomic.SwapInt64(c, 0)
	}
	return atomic.LoadInt64(c)
}

func (q *ThreadQueue) NumPendingAccesses(reset bool) int64 {
	return readCounter(&q.pendingAccesses, reset)
}
func (q *ThreadQueue) NumPendingMisses(reset bool) int64 {
	return readCounter(&q.pendingMisses, reset)
}
func (q *ThreadQueue) NumStolenFromPending(reset bool) int64 {
	return readCounter(&q.stolenFromPending, reset)
}
func (q *ThreadQueue) NumStolenToPending(reset bool) int64 {
	return readCounter(&q.stolenToPending, reset)
}
func (q *ThreadQueue) NumStolenFromStaged(reset bool) int64 {
	return readCounter(&q.stolenFromStaged, reset)
}
func (q *ThreadQueue) NumStolenToStaged(reset bool) int64 {
	return readCounter(&q.stolenToStaged, reset)
}

func (q *ThreadQueue) QueueLength() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.pending) + len(q.staged))
}

func (q *ThreadQueue) ThreadCount(state sched.ThreadState) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if state == sched.Unknown {
		return int64(len(q.threads))
	}
	var count int64
	for _, thrd := range q.threads {
		if thrd.State() == state {
			count++
		}
	}
	return count
}

func (q *ThreadQueue) CreationTime(reset bool) time.Duration {
	return time.Duration(readCounter(&q.creationTime, reset))
}

func (q *ThreadQueue) CleanupTime(reset bool) time.Duration {
	return time.Duration(readCounter(&q.cleanupTime, reset))
}

func (q *ThreadQueue) AverageThreadWaitTime() time.Duration {
	total := atomic.LoadInt64(&q.threadWaitTotal)
	count := atomic.LoadInt64(&q.threadWaitCount)
	return time.Duration(total / (count + 1))
}

func (q *ThreadQueue) AverageTaskWaitTime() time.Duration {
	total := atomic.LoadInt64(&q.taskWaitTotal)
	count := atomic.LoadInt64(&q.taskWaitCount)
	return time.Duration(total / (count + 1))
}

func (q *ThreadQueue) OnStart(workerID int) {}

func (q *ThreadQueue) OnStop(workerID int) {}

func (q *ThreadQueue) OnError(workerID int, err error) {
	log.WithField("worker", workerID).Error("thread error: ", err)
}

func (q *ThreadQueue) AbortAllSuspended() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, thrd := range q.threads {
		if thrd.State() == sched.Suspended {
			thrd.SetState(sched.Terminated)
			q.terminated = append(q.terminated, thrd)
			delete(q.threads, id)
		}
	}
}

func (q *ThreadQueue) CleanupTerminated(deleteAll bool) bool {
	start := time.Now()
	defer func() { atomic.AddInt64(&q.cleanupTime, int64(time.Since(start))) }()

	q.mu.Lock()
	defer q.mu.Unlock()

	batch := len(q.terminated)
	if !deleteAll && batch > cleanupBatch {
		batch = cleanupBatch
	}
	for _, thrd := range q.terminated[:batch] {
		delete(q.threads, thrd.ID())
	}
	q.terminated = q.terminated[batch:]
	return len(q.terminated) == 0
}

func (q *ThreadQueue) EnumerateThreads(fn func(sched.ThreadID) bool, state sched.ThreadState) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, thrd := range q.threads {
		if state != sched.Unknown && thrd.State() != state {
			continue
		}
		if !fn(id) {
			return false
		}
	}
	return true
}

func (q *ThreadQueue) DumpSuspendedThreads(workerID int, idleLoopCount int64, running bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, thrd := range q.threads {
		switch thrd.State() {
		case sched.Pending, sched.Staged, sched.Active:
			return false
		}
	}
	for id, thrd := range q.threads {
		if thrd.State() == sched.Suspended {
			log.WithFields(log.Fields{
				"worker":   workerID,
				"idleLoop": idleLoopCount,
			}).Debugf("suspended thread %s: %s", id, thrd.Description())
		}
	}
	return true
}
