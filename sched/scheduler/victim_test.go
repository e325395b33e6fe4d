package scheduler

import (
	"testing"
)

// ensures a request that has made the rounds is forced back to its origin,
// regardless of hints (scenario: attempt bound)
func Test_Victim_AttemptBoundForcesHome(t *testing.T) {
	s := makeScheduler(t, 5)
	d := s.worker(2)
	d.lastVictim = 3 // a tempting hint that must be ignored

	req := newStealRequest(s.worker(0), true)
	req.attempt = 4

	for i := 0; i < 20; i++ {
		if victim := s.nextVictim(d, req); victim != 0 {
			t.Fatalf("expected the exhausted request to go home to 0, got %d", victim)
		}
	}
}

// ensures the last-victim hint wins while attempts remain
func Test_Victim_LastVictimHintPreferred(t *testing.T) {
	s := makeScheduler(t, 5)
	d := s.worker(2)
	d.lastVictim = 3

	req := newStealRequest(s.worker(2), true)
	if victim := s.nextVictim(d, req); victim != 3 {
		t.Errorf("expected the last-victim hint 3, got %d", victim)
	}
}

// ensures the hint branch is skipped while the hint is unset
func Test_Victim_UnsetHintFallsBackToRandom(t *testing.T) {
	s := makeScheduler(t, 2)
	d := s.worker(0)
	if d.lastVictim != noWorker {
		t.Fatalf("expected the hint to start unset")
	}

	req := newStealRequest(d, true)
	if victim := s.nextVictim(d, req); victim != 1 {
		t.Errorf("expected the only unvisited worker 1, got %d", victim)
	}
}

// ensures random selection never picks the current holder or a visited
// worker, across many draws
func Test_Victim_RandomAvoidsVisited(t *testing.T) {
	s := makeScheduler(t, 8)
	origin := s.worker(3)

	req := newStealRequest(origin, true)
	req.victims.Set(5)
	req.victims.Set(6)

	for i := 0; i < 1000; i++ {
		victim := s.randomVictim(req)
		if victim == 3 || victim == 5 || victim == 6 {
			t.Fatalf("selected an excluded victim %d", victim)
		}
		if victim < 0 || victim >= 8 {
			t.Fatalf("selected an out-of-range victim %d", victim)
		}
	}
}

// ensures a fully-visited mask sends the request home
func Test_Victim_ExhaustedMaskGoesHome(t *testing.T) {
	s := makeScheduler(t, 4)
	d := s.worker(2)

	req := newStealRequest(s.worker(0), true)
	for i := uint(0); i < 4; i++ {
		req.victims.Set(i)
	}

	if victim := s.nextVictim(d, req); victim != 0 {
		t.Errorf("expected the request to return home, got %d", victim)
	}
}
