package scheduler

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/bits-and-blooms/bitset"

	"github.com/folshost/hpx/common/stats"
	"github.com/folshost/hpx/sched"
	"github.com/folshost/hpx/sched/queue"
)

// noWorker is the unset sentinel for worker ids and the last-victim hint.
const noWorker = -1

// taskBatch carries stolen threads back to the worker whose steal request
// was satisfied. numThread is the surrendering worker and becomes the
// recipient's new last-victim hint.
type taskBatch struct {
	numThread int
	tasks     []*sched.Thread
}

// schedulerData is the per-worker record. The owning worker is the only
// mutator; peers may only push into requests and tasks. requested is atomic
// because the failed-sentinel drain path clears it from a peer.
type schedulerData struct {
	id    int
	queue queue.ThreadQueue

	// requested is the number of outstanding steal requests, always 0 or 1
	requested int32

	// lastVictim is the worker the last stolen batch came from, noWorker
	// when unset
	lastVictim int

	// victims is the initial visited mask for requests this worker
	// originates: all clear except our own bit
	victims *bitset.BitSet

	// requests is the steal-request inbox, capacity >= worker count
	requests chan stealRequest

	// tasks receives at most one batch for our outstanding request
	tasks chan taskBatch

	stealRequestsSent      int64
	stealRequestsReceived  int64
	stealRequestsDiscarded int64

	stat stats.StatsReceiver
}

// paddedData keeps adjacent worker records off each other's cache line.
type paddedData struct {
	d      schedulerData
	once   sync.Once
	inited uint32
	_      [64]byte
}

// init builds the queue, channels and victim mask. Safe to call more than
// once; only the first call has any effect.
func (p *paddedData) init(id, size int, newQueue func(queue.InitParams) queue.ThreadQueue,
	initParams queue.InitParams, stat stats.StatsReceiver) {
	p.once.Do(func() {
		d := &p.d
		d.id = id
		d.lastVictim = noWorker
		d.queue = newQueue(initParams)
		d.requests = make(chan stealRequest, size)
		d.tasks = make(chan taskBatch, 1)
		d.victims = bitset.New(uint(size))
		d.victims.Set(uint(id))
		d.stat = stat
		atomic.StoreUint32(&p.inited, 1)
	})
}

// pushRequest delivers a steal request into this worker's inbox. The inbox
// is sized so that, with at most one outstanding request per worker, it can
// never fill; a full inbox is a contract violation.
func (d *schedulerData) pushRequest(req stealRequest) {
	select {
	case d.requests <- req:
	default:
		log.Panicf("steal request inbox for worker %d overflowed", d.id)
	}
}

// pushTasks delivers a batch on the response channel named by a steal
// request. There is at most one batch in flight per origin, so the
// capacity-1 channel cannot be full.
func pushTasks(ch chan<- taskBatch, batch taskBatch) {
	select {
	case ch <- batch:
	default:
		log.Panicf("task response channel overflowed on a batch from worker %d", batch.numThread)
	}
}

func (d *schedulerData) countSent() {
	atomic.AddInt64(&d.stealRequestsSent, 1)
	if d.stat != nil {
		d.stat.Counter("stealRequestsSent").Inc(1)
	}
}

func (d *schedulerData) countReceived() {
	atomic.AddInt64(&d.stealRequestsReceived, 1)
	if d.stat != nil {
		d.stat.Counter("stealRequestsReceived").Inc(1)
	}
}

func (d *schedulerData) countDiscarded() {
	atomic.AddInt64(&d.stealRequestsDiscarded, 1)
	if d.stat != nil {
		d.stat.Counter("stealRequestsDiscarded").Inc(1)
	}
}
