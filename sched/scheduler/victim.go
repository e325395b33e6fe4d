package scheduler

import (
	"lukechampine.com/frand"
)

// randomVictim picks a random worker that is neither the origin nor already
// visited. Up to three cheap uniform draws are tried before falling back to
// an exact draw over the unvisited set. Returns noWorker when every worker
// has been visited.
func (s *Scheduler) randomVictim(req stealRequest) int {
	n := len(s.data)

	for attempts := 0; attempts < 3; attempts++ {
		result := frand.Intn(n)
		if result != req.numThread && !req.victims.Test(uint(result)) {
			return result
		}
	}

	// to avoid unbounded trials, draw once over the unvisited workers and
	// index through them
	numVictims := n - int(req.victims.Count())
	if numVictims == 0 {
		return noWorker
	}

	selected := frand.Intn(numVictims)
	for i := 0; i < n; i++ {
		if !req.victims.Test(uint(i)) {
			if selected == 0 {
				return i
			}
			selected--
		}
	}
	return noWorker
}

// nextVictim returns the worker the request hops to next. Once a request
// has made the rounds it is forced back to its origin; otherwise the
// last-victim hint wins when set, then a random unvisited worker. A request
// with no viable victim also goes home.
func (s *Scheduler) nextVictim(d *schedulerData, req stealRequest) int {
	victim := noWorker

	if req.attempt == len(s.data)-1 {
		// return the steal request to the thief
		victim = req.numThread
	} else if s.cfg.LastVictimHint && d.lastVictim != noWorker {
		victim = d.lastVictim
	} else {
		victim = s.randomVictim(req)
	}

	if victim == noWorker {
		victim = req.numThread
	}
	return victim
}
