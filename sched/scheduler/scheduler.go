// Package scheduler implements a per-node work-stealing scheduler with
// explicit steal-request channels. Each worker owns a private queue of
// runnable threads; idle workers solicit work from peers through a
// cooperative request/response protocol instead of probing victim queues
// directly.
//
// Scheduler concurrency: a worker record is exclusively owned by its worker
// for mutation. Peers interact with it only by pushing into its
// steal-request inbox and its response channel. At most one steal request
// per worker is in flight at any time, which bounds the request population
// and lets every inbox be sized so it cannot overflow.
package scheduler

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/folshost/hpx/common/stats"
	"github.com/folshost/hpx/sched"
	"github.com/folshost/hpx/sched/affinity"
	"github.com/folshost/hpx/sched/queue"
	"github.com/folshost/hpx/sched/queue/memory"
)

// Name is the canonical identifier of this scheduler.
const Name = "local_workstealing_scheduler"

// AllWorkers selects every worker in telemetry queries.
const AllWorkers = -1

// defaultMaxStolenTasks caps how many threads one steal response may carry.
const defaultMaxStolenTasks = 16

// deadlockIdleThreshold is how many idle maintenance ticks a worker sits
// through before the deadlock diagnostic is considered.
const deadlockIdleThreshold = 1000

// Config for a scheduler instance.
// NumWorkers - size of the worker fleet, fixed for the scheduler lifetime.
// Description - instance label used in diagnostics.
// QueueInit - parameters handed to every thread queue.
// Affinity - static worker→PU mapping; nil means all workers active.
// DeferredInit - initialize each worker record on its first use, not in New.
// MaxStolenTasks - cap on threads per steal response; 0 means the default.
// NewQueue - queue backend factory; nil means the in-memory queue.
// Stat - stats receiver; counters are mirrored there when StealingCounts.
//
// Feature toggles:
// StealingCounts - mirror per-worker steal counters into Stat.
// LastVictimHint - steer steal requests to the last worker that fed us.
// MinimalDeadlockDetection - log a diagnostic when all queues report only
//     suspended work for a sustained number of idle iterations.
// QueueWaitTime - track thread/task wait times in the queues.
type Config struct {
	NumWorkers     int
	Description    string
	QueueInit      queue.InitParams
	Affinity       *affinity.Data
	DeferredInit   bool
	MaxStolenTasks int
	NewQueue       func(queue.InitParams) queue.ThreadQueue
	Stat           stats.StatsReceiver

	StealingCounts           bool
	LastVictimHint           bool
	MinimalDeadlockDetection bool
	QueueWaitTime            bool
}

// Scheduler multiplexes the public scheduling operations onto the
// per-worker records.
type Scheduler struct {
	cfg  Config
	data []paddedData

	// currQueue is the shared round-robin cursor for unhinted work
	currQueue uint64

	stat            stats.StatsReceiver
	deadlockLimiter *rate.Limiter
}

// New builds a scheduler with cfg.NumWorkers worker records. Unless
// DeferredInit is set, every record is initialized up front; with it,
// initialization happens on the record's first use, by whichever caller.
func New(cfg Config) (*Scheduler, error) {
	if cfg.NumWorkers <= 0 {
		return nil, errors.Errorf("scheduler needs at least one worker, got %d", cfg.NumWorkers)
	}
	if cfg.Description == "" {
		cfg.Description = Name
	}
	if cfg.MaxStolenTasks <= 0 {
		cfg.MaxStolenTasks = defaultMaxStolenTasks
	}
	if cfg.NewQueue == nil {
		cfg.NewQueue = func(init queue.InitParams) queue.ThreadQueue {
			return memory.NewThreadQueue(init)
		}
	}
	if cfg.Affinity == nil {
		cfg.Affinity = affinity.Uniform(cfg.NumWorkers)
	}
	if cfg.Stat == nil {
		cfg.Stat = stats.NilStatsReceiver()
	}
	if cfg.QueueWaitTime {
		cfg.QueueInit.EnableWaitTime = true
	}

	s := &Scheduler{
		cfg:             cfg,
		data:            make([]paddedData, cfg.NumWorkers),
		stat:            cfg.Stat.Scope("scheduler"),
		deadlockLimiter: rate.NewLimiter(rate.Every(time.Minute), 1),
	}
	if !cfg.DeferredInit {
		for i := range s.data {
			s.initWorker(i)
		}
	}
	return s, nil
}

// Name returns the canonical scheduler identifier.
func (s *Scheduler) Name() string { return Name }

// Description returns the configured instance label.
func (s *Scheduler) Description() string { return s.cfg.Description }

// NumWorkers returns the size of the worker fleet.
func (s *Scheduler) NumWorkers() int { return len(s.data) }

func (s *Scheduler) initWorker(num int) {
	var workerStat stats.StatsReceiver
	if s.cfg.StealingCounts {
		workerStat = s.stat.Scope("worker", strconv.Itoa(num))
	}
	s.data[num].init(num, len(s.data), s.cfg.NewQueue, s.cfg.QueueInit, workerStat)
}

// worker returns the record for num, initializing it if the scheduler was
// built with deferred initialization.
func (s *Scheduler) worker(num int) *schedulerData {
	p := &s.data[num]
	if atomic.LoadUint32(&p.inited) == 0 {
		s.initWorker(num)
	}
	return &p.d
}

// routeWork picks the worker for a new or rescheduled thread: the hint when
// one is given (modulo the worker count), round-robin otherwise, remapped
// away from inactive PUs per allowFallback.
func (s *Scheduler) routeWork(hint sched.ScheduleHint, allowFallback bool) int {
	num := noWorker
	if hint.Mode == sched.HintThread {
		num = hint.Thread
	} else {
		// round-robin placement must always land on an active worker
		allowFallback = true
	}

	size := len(s.data)
	if num == noWorker {
		num = int(atomic.AddUint64(&s.currQueue, 1)-1) % size
	} else if num >= size || num < 0 {
		num = ((num % size) + size) % size
	}

	return s.cfg.Affinity.SelectActivePU(num, allowFallback)
}

// CreateThread builds a new thread and routes it to a worker's queue: the
// hint worker when the init data carries one, round-robin otherwise.
func (s *Scheduler) CreateThread(data sched.ThreadInitData, initialState sched.ThreadState, runNow bool) (sched.ThreadID, error) {
	num := s.routeWork(data.Hint, true)

	// pin the thread to the worker it landed on
	data.Hint = sched.HintWorker(num)

	return s.worker(num).queue.CreateThread(data, initialState, runNow)
}

// ScheduleThread enqueues a runnable thread, routed like CreateThread.
func (s *Scheduler) ScheduleThread(thrd *sched.Thread, hint sched.ScheduleHint, allowFallback bool, priority sched.ThreadPriority) {
	num := s.routeWork(hint, allowFallback)
	s.worker(num).queue.Schedule(thrd, false)
}

// ScheduleThreadLast enqueues a thread at the position that makes it last
// to run on its worker.
func (s *Scheduler) ScheduleThreadLast(thrd *sched.Thread, hint sched.ScheduleHint, allowFallback bool, priority sched.ThreadPriority) {
	num := s.routeWork(hint, allowFallback)
	s.worker(num).queue.Schedule(thrd, true)
}

// DestroyThread retires a terminated thread on its owning worker's queue.
func (s *Scheduler) DestroyThread(num int, thrd *sched.Thread) {
	s.worker(num).queue.DestroyThread(thrd)
}

// NextThread returns the next thread for worker num to execute. On a hit
// and with stealing enabled, inbound steal requests are serviced
// opportunistically before returning, on the assumption that there is more
// work left to satisfy them.
func (s *Scheduler) NextThread(num int, running bool, enableStealing bool) (*sched.Thread, bool) {
	d := s.worker(num)

	thrd, ok := d.queue.NextThread()
	d.queue.IncrementPendingAccesses()

	if !ok {
		d.queue.IncrementPendingMisses()
		return nil, false
	}

	if enableStealing {
		for {
			req, got := s.tryReceivingStealRequest(d)
			if !got {
				break
			}
			if s.handleStealRequest(d, req) {
				break
			}
		}
	}
	return thrd, true
}

// WaitOrAddNew is the idle/maintenance tick for worker num. It promotes
// staged work, and failing that drives the steal protocol. Returns true
// when the calling worker should terminate.
func (s *Scheduler) WaitOrAddNew(num int, running bool, idleLoopCount *int64, enableStealing bool, added *int, nextThrd **sched.Thread) bool {
	*added = 0

	d := s.worker(num)
	result := d.queue.WaitOrAddNew(running, added, enableStealing)

	// check if work was available
	if *added != 0 {
		return result
	}

	// check if we have been disabled
	if !running {
		return true
	}

	// return if no stealing is requested (or not possible)
	if len(s.data) == 1 || !enableStealing {
		return result
	}

	// attempt to steal more work
	s.sendStealRequest(d, true)

	// handle steal requests again unless some other worker fed us already
	if !s.tryReceivingTasks(d, added, nextThrd) {
		s.declineOrForwardAllStealRequests(d)
	}

	if idleLoopCount != nil {
		*idleLoopCount++
		if s.cfg.MinimalDeadlockDetection {
			s.checkDeadlock(num, *idleLoopCount, running)
		}
	}
	return result
}

// checkDeadlock emits a diagnostic when every queue reports only suspended
// work after a sustained idle spin. The limiter lets at most one message
// through per minute so an idle fleet cannot flood the log; the message is
// not limited to a single emission.
func (s *Scheduler) checkDeadlock(num int, idleLoopCount int64, running bool) {
	if idleLoopCount < deadlockIdleThreshold || !log.IsLevelEnabled(log.ErrorLevel) {
		return
	}

	suspendedOnly := true
	for i := 0; suspendedOnly && i != len(s.data); i++ {
		suspendedOnly = s.worker(i).queue.DumpSuspendedThreads(i, idleLoopCount, running)
	}
	if suspendedOnly && s.deadlockLimiter.AllowN(time.Now(), 1) {
		log.Errorf("queue(%d): no new work available, are we deadlocked?", num)
	}
}

// SendStealRequest issues a steal request for worker num when none is
// outstanding. With idle=false the request is anticipatory (working-state):
// workers that can predict starvation call this before running dry.
func (s *Scheduler) SendStealRequest(num int, idle bool) {
	s.sendStealRequest(s.worker(num), idle)
}

///////////////////////////////////////////////////////////////////////////
// Telemetry

// QueueLength returns the combined work-item count of one queue, or of all
// queues for AllWorkers.
func (s *Scheduler) QueueLength(num int) int64 {
	if num != AllWorkers {
		return s.worker(num).queue.QueueLength()
	}
	var count int64
	for i := range s.data {
		count += s.worker(i).queue.QueueLength()
	}
	return count
}

// ThreadCount counts threads in the given state for one worker or all. The
// unknown priority selector is a contract violation.
func (s *Scheduler) ThreadCount(state sched.ThreadState, priority sched.ThreadPriority, num int) (int64, error) {
	switch priority {
	case sched.PriorityDefault, sched.PriorityLow, sched.PriorityNormal,
		sched.PriorityBoost, sched.PriorityHigh, sched.PriorityHighRecursive:
	default:
		return 0, errors.Errorf("%s.ThreadCount: unknown thread priority value (%s)", Name, priority)
	}

	if num != AllWorkers {
		return s.worker(num).queue.ThreadCount(state), nil
	}
	var count int64
	for i := range s.data {
		count += s.worker(i).queue.ThreadCount(state)
	}
	return count, nil
}

func (s *Scheduler) sumQueueCounter(num int, get func(queue.ThreadQueue) int64) int64 {
	if num != AllWorkers {
		return get(s.worker(num).queue)
	}
	var count int64
	for i := range s.data {
		count += get(s.worker(i).queue)
	}
	return count
}

// NumPendingMisses returns the pending-miss counter, per worker or summed.
func (s *Scheduler) NumPendingMisses(num int, reset bool) int64 {
	return s.sumQueueCounter(num, func(q queue.ThreadQueue) int64 { return q.NumPendingMisses(reset) })
}

// NumPendingAccesses returns the pending-access counter, per worker or summed.
func (s *Scheduler) NumPendingAccesses(num int, reset bool) int64 {
	return s.sumQueueCounter(num, func(q queue.ThreadQueue) int64 { return q.NumPendingAccesses(reset) })
}

// NumStolenFromPending counts tasks surrendered from pending queues.
func (s *Scheduler) NumStolenFromPending(num int, reset bool) int64 {
	return s.sumQueueCounter(num, func(q queue.ThreadQueue) int64 { return q.NumStolenFromPending(reset) })
}

// NumStolenToPending counts stolen tasks enqueued to pending queues.
func (s *Scheduler) NumStolenToPending(num int, reset bool) int64 {
	return s.sumQueueCounter(num, func(q queue.ThreadQueue) int64 { return q.NumStolenToPending(reset) })
}

// NumStolenFromStaged counts tasks surrendered from staged queues.
func (s *Scheduler) NumStolenFromStaged(num int, reset bool) int64 {
	return s.sumQueueCounter(num, func(q queue.ThreadQueue) int64 { return q.NumStolenFromStaged(reset) })
}

// NumStolenToStaged counts stolen tasks enqueued to staged queues.
func (s *Scheduler) NumStolenToStaged(num int, reset bool) int64 {
	return s.sumQueueCounter(num, func(q queue.ThreadQueue) int64 { return q.NumStolenToStaged(reset) })
}

func (s *Scheduler) sumWorkerCounter(num int, read func(*schedulerData) *int64, reset bool) int64 {
	readOne := func(i int) int64 {
		c := read(s.worker(i))
		if reset {
			return atomic.SwapInt64(c, 0)
		}
		return atomic.LoadInt64(c)
	}
	if num != AllWorkers {
		return readOne(num)
	}
	var count int64
	for i := range s.data {
		count += readOne(i)
	}
	return count
}

// StealRequestsSent counts requests this worker has pushed to peers.
func (s *Scheduler) StealRequestsSent(num int, reset bool) int64 {
	return s.sumWorkerCounter(num, func(d *schedulerData) *int64 { return &d.stealRequestsSent }, reset)
}

// StealRequestsReceived counts requests popped from this worker's inbox.
func (s *Scheduler) StealRequestsReceived(num int, reset bool) int64 {
	return s.sumWorkerCounter(num, func(d *schedulerData) *int64 { return &d.stealRequestsReceived }, reset)
}

// StealRequestsDiscarded counts requests retired on returning home.
func (s *Scheduler) StealRequestsDiscarded(num int, reset bool) int64 {
	return s.sumWorkerCounter(num, func(d *schedulerData) *int64 { return &d.stealRequestsDiscarded }, reset)
}

// CreationTime returns cumulative thread-creation time, per worker or
// summed.
func (s *Scheduler) CreationTime(num int, reset bool) time.Duration {
	return time.Duration(s.sumQueueCounter(num, func(q queue.ThreadQueue) int64 {
		return int64(q.CreationTime(reset))
	}))
}

// CleanupTime returns cumulative terminated-thread cleanup time, per worker
// or summed.
func (s *Scheduler) CleanupTime(num int, reset bool) time.Duration {
	return time.Duration(s.sumQueueCounter(num, func(q queue.ThreadQueue) int64 {
		return int64(q.CleanupTime(reset))
	}))
}

// AverageThreadWaitTime aggregates queue wait time across workers. Zero
// unless QueueWaitTime is enabled.
func (s *Scheduler) AverageThreadWaitTime(num int) time.Duration {
	if num != AllWorkers {
		return s.worker(num).queue.AverageThreadWaitTime()
	}
	var total time.Duration
	for i := range s.data {
		total += s.worker(i).queue.AverageThreadWaitTime()
	}
	return total / time.Duration(len(s.data))
}

// AverageTaskWaitTime aggregates staged wait time across workers. Zero
// unless QueueWaitTime is enabled.
func (s *Scheduler) AverageTaskWaitTime(num int) time.Duration {
	if num != AllWorkers {
		return s.worker(num).queue.AverageTaskWaitTime()
	}
	var total time.Duration
	for i := range s.data {
		total += s.worker(i).queue.AverageTaskWaitTime()
	}
	return total / time.Duration(len(s.data))
}

// EnumerateThreads calls fn for matching threads across all queues until fn
// returns false.
func (s *Scheduler) EnumerateThreads(fn func(sched.ThreadID) bool, state sched.ThreadState) bool {
	result := true
	for i := range s.data {
		result = result && s.worker(i).queue.EnumerateThreads(fn, state)
	}
	return result
}

///////////////////////////////////////////////////////////////////////////
// Lifecycle

// OnStartThread initializes worker num's record (queue, channels, victim
// mask with our own bit preset) and starts its queue.
func (s *Scheduler) OnStartThread(num int) {
	s.initWorker(num)
	s.worker(num).queue.OnStart(num)
}

// OnStopThread stops worker num's queue.
func (s *Scheduler) OnStopThread(num int) {
	s.worker(num).queue.OnStop(num)
}

// OnError forwards an error escaping a task on worker num to its queue.
func (s *Scheduler) OnError(num int, err error) {
	s.worker(num).queue.OnError(num, err)
}

// AbortAllSuspendedThreads aborts suspended threads on every queue.
func (s *Scheduler) AbortAllSuspendedThreads() {
	for i := range s.data {
		s.worker(i).queue.AbortAllSuspended()
	}
}

// CleanupTerminated frees terminated threads on every queue. Returns true
// when none remain anywhere.
func (s *Scheduler) CleanupTerminated(deleteAll bool) bool {
	empty := true
	for i := range s.data {
		empty = s.worker(i).queue.CleanupTerminated(deleteAll) && empty
	}
	return empty
}

// CleanupTerminatedWorker frees terminated threads on one queue.
func (s *Scheduler) CleanupTerminatedWorker(num int, deleteAll bool) bool {
	return s.worker(num).queue.CleanupTerminated(deleteAll)
}

// ResetThreadDistribution restarts round-robin placement from worker 0.
func (s *Scheduler) ResetThreadDistribution() {
	atomic.StoreUint64(&s.currQueue, 0)
}

// Shutdown drains the scheduler cooperatively: aborts suspended threads and
// cleans up terminated ones until no terminated thread remains on any queue
// or ctx expires. Pending and staged threads are left in their queues.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.AbortAllSuspendedThreads()
	for !s.CleanupTerminated(true) {
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "scheduler shutdown interrupted")
		default:
		}
	}
	return nil
}
