package graph

import (
	"math"
	"testing"
)

// line builds a universe of n systems chained 1-2-3-...-n.
func line(n int32) *Universe {
	u := NewUniverse()
	for i := int32(1); i < n; i++ {
		u.AddGate(i, i+1)
		u.AddGate(i+1, i)
	}
	return u
}

func TestShortestPath_Line(t *testing.T) {
	u := line(5)
	if got := u.ShortestPath(1, 5); got != 4 {
		t.Errorf("ShortestPath(1,5) = %d, want 4", got)
	}
	if got := u.ShortestPath(3, 3); got != 0 {
		t.Errorf("ShortestPath(3,3) = %d, want 0", got)
	}
}

func TestShortestPath_PrefersShorterBranch(t *testing.T) {
	u := line(5)
	// Shortcut 1-5 makes the long way irrelevant.
	u.AddGate(1, 5)
	u.AddGate(5, 1)
	if got := u.ShortestPath(1, 5); got != 1 {
		t.Errorf("ShortestPath(1,5) = %d, want 1 via shortcut", got)
	}
}

func TestShortestPath_Unreachable(t *testing.T) {
	u := line(3)
	u.AddGate(10, 11)
	u.AddGate(11, 10)
	if got := u.ShortestPath(1, 10); got != -1 {
		t.Errorf("ShortestPath(1,10) = %d, want -1 for disconnected systems", got)
	}
}

func TestShortestPathMinSecurity_AvoidsLowSec(t *testing.T) {
	u := line(3)
	u.SetSecurity(1, 0.9)
	u.SetSecurity(2, 0.3)
	u.SetSecurity(3, 0.9)
	if got := u.ShortestPathMinSecurity(1, 3, 0.45); got != -1 {
		t.Errorf("expected no highsec-only route through a lowsec chokepoint, got %d", got)
	}
	if got := u.ShortestPathMinSecurity(1, 3, 0); got != 2 {
		t.Errorf("unfiltered route = %d, want 2", got)
	}
}

func TestDistanceLY(t *testing.T) {
	u := NewUniverse()
	u.SetCoord(1, Coord{X: 0, Y: 0, Z: 0})
	u.SetCoord(2, Coord{X: metersPerLightYear, Y: 0, Z: 0})

	d, ok := u.DistanceLY(1, 2)
	if !ok {
		t.Fatal("expected distance between two positioned systems")
	}
	if math.Abs(d-1.0) > 1e-9 {
		t.Errorf("DistanceLY = %v, want 1.0", d)
	}

	if _, ok := u.DistanceLY(1, 99); ok {
		t.Error("expected no distance to a system with unknown position")
	}
}

func TestClassOf(t *testing.T) {
	u := NewUniverse()
	u.SetSecurity(1, 0.9)
	u.SetSecurity(2, 0.45)
	u.SetSecurity(3, 0.2)
	u.SetSecurity(4, 0.0)
	u.SetSecurity(5, -0.3)

	cases := []struct {
		system int32
		want   SecurityClass
	}{
		{1, SecurityHigh},
		{2, SecurityHigh},
		{3, SecurityLow},
		{4, SecurityNull},
		{5, SecurityNull},
	}
	for _, c := range cases {
		if got := u.ClassOf(c.system, false); got != c.want {
			t.Errorf("ClassOf(%d) = %v, want %v", c.system, got, c.want)
		}
	}

	if got := u.ClassOf(1, true); got != SecurityWSpace {
		t.Errorf("wormhole flag must win over security status, got %v", got)
	}
	if got := u.ClassOf(99, false); got != SecurityUnknown {
		t.Errorf("unknown system = %v, want SecurityUnknown", got)
	}
}

func TestIsWormholeRegion(t *testing.T) {
	if !IsWormholeRegion(11000001) {
		t.Error("11000001 is w-space")
	}
	if IsWormholeRegion(10000002) {
		t.Error("10000002 (The Forge) is k-space")
	}
}
