package scheduler

import (
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"

	"github.com/folshost/hpx/sched"
)

// stealState distinguishes anticipatory from reactive stealing and marks
// retired requests.
type stealState uint16

const (
	// stealWorking, the origin still has tasks but anticipates starvation
	stealWorking stealState = 0

	// stealIdle, the origin is starved right now
	stealIdle stealState = 2

	// stealFailed marks a request that should be retired by its origin
	stealFailed stealState = 4
)

// stealRequest asks a peer to surrender tasks. It is a plain value moved
// across inboxes; exactly one worker observes it at a time.
type stealRequest struct {
	// channel is the origin's response channel; it stays valid because the
	// origin cannot be torn down while its request is in flight
	channel chan<- taskBatch

	// victims is the set of workers this request has already passed through
	victims *bitset.BitSet

	// numThread is the origin worker
	numThread int

	attempt int
	state   stealState
}

func newStealRequest(d *schedulerData, idle bool) stealRequest {
	state := stealWorking
	if idle {
		state = stealIdle
	}
	return stealRequest{
		channel:   d.tasks,
		victims:   d.victims.Clone(),
		numThread: d.id,
		state:     state,
	}
}

// sendStealRequest issues a new steal request for d unless one is already
// outstanding. A request with idle=false indicates the worker is still busy
// but anticipates running dry; idle=true means it has nothing to work on.
func (s *Scheduler) sendStealRequest(d *schedulerData, idle bool) {
	if atomic.LoadInt32(&d.requested) == 0 {
		req := newStealRequest(d, idle)
		victim := s.nextVictim(d, req)

		atomic.StoreInt32(&d.requested, 1)
		s.worker(victim).pushRequest(req)

		d.countSent()
	}
}

// tryReceivingStealRequest retrieves the next viable request from d's
// inbox, retiring any failed sentinels on the way by clearing the origin's
// outstanding count.
func (s *Scheduler) tryReceivingStealRequest(d *schedulerData) (stealRequest, bool) {
	for {
		select {
		case req := <-d.requests:
			if req.state == stealFailed {
				// forget the received steal request
				atomic.StoreInt32(&s.worker(req.numThread).requested, 0)
				continue
			}
			return req, true
		default:
			return stealRequest{}, false
		}
	}
}

// declineOrForwardStealRequest passes a request we cannot satisfy on to
// another worker, or retires/recycles it when it is our own come home.
// Returns true if the request was our own.
func (s *Scheduler) declineOrForwardStealRequest(d *schedulerData, req stealRequest) bool {
	if req.numThread == d.id {
		// Steal request was either returned by another worker or picked up
		// by us.
		if d.queue.PendingLength() > 0 || req.state == stealIdle {
			// we have work now, or we already knew we were idle and would
			// only chase our own tail; drop this steal request
			d.countDiscarded()
			atomic.StoreInt32(&d.requested, 0)
		} else {
			// continue circulating the steal request while it makes sense
			req.attempt = 0
			req.state = stealIdle
			req.victims = d.victims.Clone()

			victim := s.nextVictim(d, req)
			s.worker(victim).pushRequest(req)

			d.countSent()
		}
		return true
	}

	// send this steal request on to the next worker
	req.attempt++
	req.victims.Set(uint(d.id)) // don't ask a worker twice

	victim := s.nextVictim(d, req)
	s.worker(victim).pushRequest(req)

	d.countSent()
	return false
}

// declineOrForwardAllStealRequests is only called when a worker has nothing
// to do but relay steal requests, which means the worker is idle.
func (s *Scheduler) declineOrForwardAllStealRequests(d *schedulerData) {
	for {
		req, ok := s.tryReceivingStealRequest(d)
		if !ok {
			return
		}
		d.countReceived()
		s.declineOrForwardStealRequest(d, req)
	}
}

// handleStealRequest satisfies a request by sending tasks in return, or
// passes it on to another worker. Returns true if the request was
// satisfied.
func (s *Scheduler) handleStealRequest(d *schedulerData, req stealRequest) bool {
	d.countReceived()

	if req.numThread == d.id {
		// got back our own steal request; defer the decision to
		// declineOrForwardStealRequest
		s.declineOrForwardStealRequest(d, req)
		return false
	}

	// Surrender at most half of the available tasks, capped by
	// MaxStolenTasks.
	maxNumToSteal := d.queue.PendingLength() / 2
	if maxNumToSteal > s.cfg.MaxStolenTasks {
		maxNumToSteal = s.cfg.MaxStolenTasks
	}

	if maxNumToSteal != 0 {
		tasks := d.queue.BulkSteal(maxNumToSteal, true)
		for range tasks {
			d.queue.IncrementStolenFromPending()
		}

		// we are ready to send at least one task
		if len(tasks) != 0 {
			pushTasks(req.channel, taskBatch{numThread: d.id, tasks: tasks})
			return true
		}
	}

	// there is nothing we can do with this steal request except pass it on
	s.declineOrForwardStealRequest(d, req)
	return false
}

// tryReceivingTasks consumes the batch sent in response to our outstanding
// steal request, if one has arrived. All but the last thread are enqueued
// locally; the last is handed back through nextThrd to be run immediately
// when the caller provides a slot.
func (s *Scheduler) tryReceivingTasks(d *schedulerData, added *int, nextThrd **sched.Thread) bool {
	select {
	case batch := <-d.tasks:
		atomic.StoreInt32(&d.requested, 0)

		if len(batch.tasks) == 0 {
			return false
		}

		received := len(batch.tasks) - 1
		for i := 0; i < received; i++ {
			d.queue.Schedule(batch.tasks[i], true)
			d.queue.IncrementStolenToPending()
			*added++
		}

		if s.cfg.LastVictimHint {
			// remember the originating worker for the next stealing
			// operation
			d.lastVictim = batch.numThread
		}

		if nextThrd != nil {
			*nextThrd = batch.tasks[received]
		} else {
			d.queue.Schedule(batch.tasks[received], true)
		}
		d.queue.IncrementStolenToPending()
		return true
	default:
		return false
	}
}
