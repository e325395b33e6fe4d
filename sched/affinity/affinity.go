// Package affinity holds the static mapping from worker index to processing
// unit. The scheduler does not interpret the mapping beyond remapping work
// away from inactive workers; discovering the topology and binding OS
// threads is the surrounding runtime's job.
package affinity

import (
	"github.com/bits-and-blooms/bitset"
)

// Data is a read-only worker→PU mapping plus an active mask. Construct once
// at startup and share freely.
type Data struct {
	pus    []int
	active *bitset.BitSet
}

// New builds affinity data from an explicit PU id per worker. All workers
// start active.
func New(pus []int) *Data {
	active := bitset.New(uint(len(pus)))
	for i := range pus {
		active.Set(uint(i))
	}
	return &Data{pus: pus, active: active}
}

// Uniform builds affinity data for n workers mapped to PUs 0..n-1.
func Uniform(n int) *Data {
	pus := make([]int, n)
	for i := range pus {
		pus[i] = i
	}
	return New(pus)
}

// Disable marks a worker's PU inactive. Only valid before the scheduler
// starts handing out work.
func (d *Data) Disable(worker int) {
	d.active.Clear(uint(worker))
}

// NumPUs returns the number of mapped workers.
func (d *Data) NumPUs() int { return len(d.pus) }

// PU returns the processing unit id for a worker.
func (d *Data) PU(worker int) int { return d.pus[worker] }

// Active reports whether the worker's PU is enabled.
func (d *Data) Active(worker int) bool { return d.active.Test(uint(worker)) }

// SelectActivePU remaps num to an active worker. When num is already active
// it is returned unchanged. When fallback is not allowed (hinted schedules
// that must not move) the input is returned as-is.
func (d *Data) SelectActivePU(num int, allowFallback bool) int {
	if d.Active(num) || !allowFallback {
		return num
	}
	n := len(d.pus)
	for i := 1; i < n; i++ {
		candidate := (num + i) % n
		if d.Active(candidate) {
			return candidate
		}
	}
	return num
}
