package main

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/spf13/cobra"

	"github.com/folshost/hpx/common/stats"
	"github.com/folshost/hpx/sched"
	"github.com/folshost/hpx/sched/scheduler"
)

/* demo code */
func main() {
	var numWorkers int
	var numTasks int
	var verbose bool

	rootCmd := &cobra.Command{
		Use:   "schedulerDemo",
		Short: "Runs the work-stealing scheduler over a batch of busywork tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				log.SetLevel(log.DebugLevel)
			}
			return run(numWorkers, numTasks)
		},
	}
	rootCmd.Flags().IntVar(&numWorkers, "workers", runtime.GOMAXPROCS(0), "number of scheduler workers")
	rootCmd.Flags().IntVar(&numTasks, "tasks", 10000, "number of tasks to run")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "enable debug logging")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(numWorkers, numTasks int) error {
	stat := stats.DefaultStatsReceiver()
	s, err := scheduler.New(scheduler.Config{
		NumWorkers:     numWorkers,
		Stat:           stat,
		StealingCounts: true,
		LastVictimHint: true,
	})
	if err != nil {
		return err
	}

	log.Infof("scheduler %q starting %d workers for %d tasks", s.Name(), numWorkers, numTasks)

	var executed int64
	start := time.Now()

	// load everything onto worker 0 so the demo actually has to steal
	for i := 0; i < numTasks; i++ {
		data := sched.ThreadInitData{
			Fn:        func() { atomic.AddInt64(&executed, 1) },
			Hint:      sched.HintWorker(0),
			Stealable: true,
		}
		if _, err := s.CreateThread(data, sched.Pending, true); err != nil {
			return err
		}
	}

	var running int32 = 1
	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			s.OnStartThread(w)
			defer s.OnStopThread(w)

			var idle int64
			for {
				if thrd, ok := s.NextThread(w, true, true); ok {
					thrd.Run()
					s.DestroyThread(w, thrd)
					continue
				}
				var added int
				var next *sched.Thread
				if s.WaitOrAddNew(w, atomic.LoadInt32(&running) == 1, &idle, true, &added, &next) {
					return
				}
				if next != nil {
					next.Run()
					s.DestroyThread(w, next)
				}
			}
		}(w)
	}

	for atomic.LoadInt64(&executed) != int64(numTasks) {
		runtime.Gosched()
	}
	atomic.StoreInt32(&running, 0)
	wg.Wait()

	log.Infof("ran %d tasks on %d workers in %v", numTasks, numWorkers, time.Since(start))
	log.Infof("steal requests sent=%d received=%d discarded=%d",
		s.StealRequestsSent(scheduler.AllWorkers, false),
		s.StealRequestsReceived(scheduler.AllWorkers, false),
		s.StealRequestsDiscarded(scheduler.AllWorkers, false))
	log.Infof("stolen from pending=%d to pending=%d",
		s.NumStolenFromPending(scheduler.AllWorkers, false),
		s.NumStolenToPending(scheduler.AllWorkers, false))

	fmt.Println(string(stat.Render(true)))
	return nil
}
