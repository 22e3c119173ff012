// Package universe adapts the static-data graph and item catalog into the
// read-through UniverseResolver the tracker evaluator and formatter consume.
// Absence of data is reported, never treated as an error: callers fold an
// "unknown" result into the fail-closed/fail-open clause semantics.
package universe

import (
	"killfeed/internal/graph"
	"killfeed/internal/sde"
)

// SecurityClass buckets a solar system for the evaluator's sec-class
// exclude clauses.
type SecurityClass int

const (
	Unknown SecurityClass = iota
	High
	Low
	Null
	WSpace
)

// SystemInfo is what Resolver.SolarSystem returns for a resolvable system.
type SystemInfo struct {
	SecurityClass   SecurityClass
	ConstellationID int32
	RegionID        int32
	Coord           graph.Coord
}

// ShipTypeInfo is what Resolver.ShipType returns for a resolvable type.
type ShipTypeInfo struct {
	GroupID    int32
	CategoryID int32
	Name       string
	Published  bool
}

// Resolver is the read-through adapter the tracker evaluator and message
// formatter consume for all static-universe lookups.
type Resolver interface {
	// SolarSystem returns system metadata, or ok=false if unresolvable.
	SolarSystem(id int64) (SystemInfo, bool)
	// Route returns the shortest jump count between two systems, or
	// ok=false if no path is known.
	Route(origin, dest int64) (int, bool)
	// DistanceLY returns the straight-line light-year distance between two
	// systems, or ok=false if either position is unknown.
	DistanceLY(origin, dest int64) (float64, bool)
	// ShipType returns item-type metadata, or ok=false if unresolvable.
	ShipType(id int64) (ShipTypeInfo, bool)
	// ShipGroupName returns the display name of a ship group, or ok=false.
	ShipGroupName(id int64) (string, bool)
}

// SDEResolver implements Resolver directly over a loaded sde.Data and its
// embedded graph.Universe, the static-data pair the system boots with.
type SDEResolver struct {
	data *sde.Data
}

// New builds a Resolver backed by the given loaded static-data set.
func New(data *sde.Data) *SDEResolver {
	return &SDEResolver{data: data}
}

func (r *SDEResolver) SolarSystem(id int64) (SystemInfo, bool) {
	sysID := int32(id)
	sys, ok := r.data.Systems[sysID]
	if !ok {
		return SystemInfo{}, false
	}
	wormhole := graph.IsWormholeRegion(sys.RegionID)
	return SystemInfo{
		SecurityClass:   classOf(r.data.Universe.ClassOf(sysID, wormhole)),
		ConstellationID: r.data.Universe.SystemConstellation[sysID],
		RegionID:        sys.RegionID,
		Coord:           r.data.Universe.SystemCoord[sysID],
	}, true
}

func (r *SDEResolver) Route(origin, dest int64) (int, bool) {
	jumps := r.data.Universe.ShortestPath(int32(origin), int32(dest))
	if jumps < 0 {
		return 0, false
	}
	return jumps, true
}

func (r *SDEResolver) DistanceLY(origin, dest int64) (float64, bool) {
	return r.data.Universe.DistanceLY(int32(origin), int32(dest))
}

func (r *SDEResolver) ShipType(id int64) (ShipTypeInfo, bool) {
	t, ok := r.data.Types[int32(id)]
	if !ok {
		return ShipTypeInfo{}, false
	}
	return ShipTypeInfo{
		GroupID:    t.GroupID,
		CategoryID: t.CategoryID,
		Name:       t.Name,
		Published:  t.Published,
	}, true
}

func (r *SDEResolver) ShipGroupName(id int64) (string, bool) {
	g, ok := r.data.Groups[int32(id)]
	if !ok || g.Name == "" {
		return "", false
	}
	return g.Name, true
}

func classOf(c graph.SecurityClass) SecurityClass {
	switch c {
	case graph.SecurityHigh:
		return High
	case graph.SecurityLow:
		return Low
	case graph.SecurityNull:
		return Null
	case graph.SecurityWSpace:
		return WSpace
	default:
		return Unknown
	}
}
