package sched

import (
	"fmt"
	"math/rand"

	"github.com/leanovate/gopter"
)

// Generates a random ThreadInitData, using the supplied Rand.
// Threads are stealable with probability 3/4, matching the common case of
// unpinned work.
func GenRandomThreadInitData(rng *rand.Rand) ThreadInitData {
	return ThreadInitData{
		Fn:          func() {},
		Priority:    PriorityNormal,
		Hint:        GenRandomHint(rng, 8),
		Description: fmt.Sprintf("thread:%d", rng.Int63()),
		Stealable:   rng.Intn(4) != 0,
	}
}

// Generates a random ScheduleHint; roughly half the hints name a worker in
// [0, 2*numWorkers) to exercise the modulo mapping.
func GenRandomHint(rng *rand.Rand, numWorkers int) ScheduleHint {
	if rng.Intn(2) == 0 {
		return NoHint
	}
	return HintWorker(rng.Intn(2 * numWorkers))
}

// GopterGenThreadInitData wraps GenRandomThreadInitData for property tests.
func GopterGenThreadInitData() gopter.Gen {
	return func(genParams *gopter.GenParameters) *gopter.GenResult {
		data := GenRandomThreadInitData(genParams.Rng)
		return gopter.NewGenResult(data, gopter.NoShrinker)
	}
}
