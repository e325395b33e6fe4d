package affinity

import "testing"

// ensures active workers are returned unchanged
func Test_Affinity_ActiveIdentity(t *testing.T) {
	d := Uniform(4)
	for i := 0; i < 4; i++ {
		if got := d.SelectActivePU(i, true); got != i {
			t.Errorf("expected active worker %d unchanged, got %d", i, got)
		}
	}
}

// ensures inactive workers remap to the next active one
func Test_Affinity_InactiveRemap(t *testing.T) {
	d := Uniform(4)
	d.Disable(2)

	if got := d.SelectActivePU(2, true); got != 3 {
		t.Errorf("expected remap to 3, got %d", got)
	}
}

// ensures hinted no-fallback schedules stay put
func Test_Affinity_NoFallbackStaysPut(t *testing.T) {
	d := Uniform(4)
	d.Disable(2)

	if got := d.SelectActivePU(2, false); got != 2 {
		t.Errorf("expected no-fallback to keep worker 2, got %d", got)
	}
}

// ensures a fully-disabled mask falls back to the input
func Test_Affinity_AllDisabled(t *testing.T) {
	d := Uniform(2)
	d.Disable(0)
	d.Disable(1)

	if got := d.SelectActivePU(0, true); got != 0 {
		t.Errorf("expected the input back when nothing is active, got %d", got)
	}
}
