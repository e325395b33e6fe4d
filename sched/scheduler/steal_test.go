package scheduler

import (
	"sync/atomic"
	"testing"

	"github.com/folshost/hpx/sched"
)

// circulate drains every worker's inbox until the fleet goes quiet or the
// hop budget runs out. Models a round of idle workers relaying requests.
func circulate(s *Scheduler, rounds int) {
	for r := 0; r < rounds; r++ {
		busy := false
		for i := range s.data {
			d := s.worker(i)
			if len(d.requests) > 0 {
				busy = true
				s.declineOrForwardAllStealRequests(d)
			}
		}
		if !busy {
			return
		}
	}
}

// ensures a request from an all-idle fleet circles home and is discarded
// (scenario: request returns home empty)
func Test_Steal_RequestReturnsHomeEmpty(t *testing.T) {
	s := makeScheduler(t, 3)
	w0 := s.worker(0)

	s.sendStealRequest(w0, true)
	if req := atomic.LoadInt32(&w0.requested); req != 1 {
		t.Fatalf("expected an outstanding request, got %d", req)
	}

	circulate(s, 3*3)

	if req := atomic.LoadInt32(&w0.requested); req != 0 {
		t.Errorf("expected the request to be retired, outstanding=%d", req)
	}
	if got := s.StealRequestsDiscarded(0, false); got != 1 {
		t.Errorf("expected exactly one discarded request, got %d", got)
	}
	if got := s.QueueLength(AllWorkers); got != 0 {
		t.Errorf("expected no task movement, total length %d", got)
	}
}

// ensures a working-state request is discarded when the origin still has
// work by the time it returns (scenario: working-state recycle, first half)
func Test_Steal_WorkingRequestDiscardedWithPendingWork(t *testing.T) {
	s := makeScheduler(t, 3)
	createThreads(t, s, 1, sched.HintWorker(0))
	w0 := s.worker(0)

	s.sendStealRequest(w0, false)
	circulate(s, 3*3)

	if req := atomic.LoadInt32(&w0.requested); req != 0 {
		t.Errorf("expected the covered request to be discarded, outstanding=%d", req)
	}
	if got := s.StealRequestsDiscarded(0, false); got != 1 {
		t.Errorf("expected one discarded request, got %d", got)
	}
}

// ensures a working-state request is recycled as idle when the origin's
// queue drained during the round trip (scenario: working-state recycle,
// second half)
func Test_Steal_WorkingRequestRecycledWhenDrained(t *testing.T) {
	s := makeScheduler(t, 3)
	createThreads(t, s, 1, sched.HintWorker(0))
	w0 := s.worker(0)

	s.sendStealRequest(w0, false)

	// the queue empties while the request is in flight
	if _, ok := s.NextThread(0, true, false); !ok {
		t.Fatalf("expected W0 to pop its only task")
	}

	// relay until the request reaches home; the home handling recycles it
	// rather than discarding, so the outstanding count must stay 1 through
	// the first full circulation
	sentBefore := s.StealRequestsSent(0, false)
	circulate(s, 3*3)

	if req := atomic.LoadInt32(&w0.requested); req != 0 {
		t.Errorf("expected the recycled request to eventually retire, outstanding=%d", req)
	}
	// one recycle means home re-sent it at least once before discarding
	if sentAfter := s.StealRequestsSent(0, false); sentAfter < sentBefore+1 {
		t.Errorf("expected home to re-send the drained request, sent %d -> %d", sentBefore, sentAfter)
	}
	if got := s.StealRequestsDiscarded(0, false); got != 1 {
		t.Errorf("expected the recycled request to be discarded exactly once, got %d", got)
	}
}

// ensures a failed-state request in the inbox is retired silently and
// clears the origin's outstanding count
func Test_Steal_FailedSentinelDrained(t *testing.T) {
	s := makeScheduler(t, 2)
	w0, w1 := s.worker(0), s.worker(1)

	atomic.StoreInt32(&w1.requested, 1)
	w0.pushRequest(stealRequest{numThread: 1, state: stealFailed, victims: w1.victims.Clone()})

	if _, ok := s.tryReceivingStealRequest(w0); ok {
		t.Errorf("expected no viable request after draining the sentinel")
	}
	if req := atomic.LoadInt32(&w1.requested); req != 0 {
		t.Errorf("expected the sentinel to clear the origin's outstanding count, got %d", req)
	}
}

// ensures at most one request is ever outstanding per worker
func Test_Steal_SendIsIdempotentWhileOutstanding(t *testing.T) {
	s := makeScheduler(t, 4)
	w0 := s.worker(0)

	s.sendStealRequest(w0, true)
	s.sendStealRequest(w0, true)
	s.sendStealRequest(w0, false)

	if got := s.StealRequestsSent(0, false); got != 1 {
		t.Errorf("expected exactly one send while a request is outstanding, got %d", got)
	}
	if req := atomic.LoadInt32(&w0.requested); req != 1 {
		t.Errorf("expected outstanding count 1, got %d", req)
	}
}

// ensures received batches enqueue all but the last task and update the
// last-victim hint
func Test_Steal_ReceiveTasksSplitsBatch(t *testing.T) {
	s := makeScheduler(t, 2)
	w1 := s.worker(1)
	atomic.StoreInt32(&w1.requested, 1)

	tasks := make([]*sched.Thread, 3)
	for i := range tasks {
		id := sched.ThreadID(string(rune('a' + i)))
		tasks[i] = sched.NewThread(id, sched.ThreadInitData{Stealable: true}, sched.Pending)
	}
	pushTasks(w1.tasks, taskBatch{numThread: 0, tasks: tasks})

	var added int
	var next *sched.Thread
	if !s.tryReceivingTasks(w1, &added, &next) {
		t.Fatalf("expected the batch to be received")
	}
	if added != 2 {
		t.Errorf("expected 2 tasks added to the queue, got %d", added)
	}
	if next != tasks[2] {
		t.Errorf("expected the final task to be handed back for immediate execution")
	}
	if w1.lastVictim != 0 {
		t.Errorf("expected last victim 0, got %d", w1.lastVictim)
	}
	if req := atomic.LoadInt32(&w1.requested); req != 0 {
		t.Errorf("expected outstanding count to reset, got %d", req)
	}
	if got := s.NumStolenToPending(1, false); got != 3 {
		t.Errorf("expected 3 stolen-to-pending increments, got %d", got)
	}
}

// ensures the steal amount is bounded by half the pending queue and by the
// configured cap
func Test_Steal_HandleRespectsHalfAndCap(t *testing.T) {
	s := makeScheduler(t, 2, func(cfg *Config) { cfg.MaxStolenTasks = 3 })
	createThreads(t, s, 20, sched.HintWorker(0))
	w0, w1 := s.worker(0), s.worker(1)

	atomic.StoreInt32(&w1.requested, 1)
	req := newStealRequest(w1, true)
	if satisfied := s.handleStealRequest(w0, req); !satisfied {
		t.Fatalf("expected the request to be satisfied")
	}

	batch := <-w1.tasks
	if len(batch.tasks) != 3 {
		t.Errorf("expected the cap of 3 to bound the batch, got %d", len(batch.tasks))
	}
	if got := s.QueueLength(0); got != 17 {
		t.Errorf("expected 17 tasks left on W0, got %d", got)
	}
	if got := s.NumStolenFromPending(0, false); got != 3 {
		t.Errorf("expected 3 stolen-from-pending increments, got %d", got)
	}
}

// ensures pinned threads are never surrendered
func Test_Steal_PinnedThreadsStayHome(t *testing.T) {
	s := makeScheduler(t, 2)
	for i := 0; i < 6; i++ {
		data := sched.ThreadInitData{Hint: sched.HintWorker(0), Stealable: false}
		if _, err := s.CreateThread(data, sched.Pending, true); err != nil {
			t.Fatalf("could not create thread: %v", err)
		}
	}
	w0, w1 := s.worker(0), s.worker(1)

	atomic.StoreInt32(&w1.requested, 1)
	req := newStealRequest(w1, true)
	if satisfied := s.handleStealRequest(w0, req); satisfied {
		t.Errorf("expected the request to be declined, all threads are pinned")
	}
	if got := s.QueueLength(0); got != 6 {
		t.Errorf("expected all pinned threads to stay, got %d", got)
	}
}
