package stats

import (
	"encoding/json"
	"testing"
)

func Test_Stats_ScopedCounters(t *testing.T) {
	stat := DefaultStatsReceiver()
	stat.Counter("requests").Inc(2)
	stat.Scope("worker", "0").Counter("sent").Inc(3)

	var rendered map[string]interface{}
	if err := json.Unmarshal(stat.Render(false), &rendered); err != nil {
		t.Fatalf("render did not produce valid json: %v", err)
	}
	if rendered["requests"].(float64) != 2 {
		t.Errorf("expected requests=2, got %v", rendered["requests"])
	}
	if rendered["worker/0/sent"].(float64) != 3 {
		t.Errorf("expected worker/0/sent=3, got %v", rendered["worker/0/sent"])
	}
}

func Test_Stats_RenderResetsCounters(t *testing.T) {
	stat := DefaultStatsReceiver()
	stat.Counter("discarded").Inc(5)
	stat.Render(false)

	var rendered map[string]interface{}
	if err := json.Unmarshal(stat.Render(false), &rendered); err != nil {
		t.Fatalf("render did not produce valid json: %v", err)
	}
	if rendered["discarded"].(float64) != 0 {
		t.Errorf("expected counter to reset on render, got %v", rendered["discarded"])
	}
}

func Test_Stats_NilReceiverIsInert(t *testing.T) {
	stat := NilStatsReceiver()
	stat.Counter("whatever").Inc(1)
	if len(stat.Render(false)) != 0 {
		t.Errorf("expected empty render from nil receiver")
	}
}
