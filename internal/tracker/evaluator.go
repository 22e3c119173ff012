package tracker

import (
	"math"
	"time"

	"killfeed/internal/killmail"
	"killfeed/internal/universe"
)

// UniverseResolver is the subset of universe.Resolver the evaluator
// consumes. Declared here (rather than imported as an interface) so the
// evaluator's dependency is exactly what it uses; universe.SDEResolver
// satisfies it without an adapter.
type UniverseResolver interface {
	SolarSystem(id int64) (universe.SystemInfo, bool)
	Route(origin, dest int64) (int, bool)
	DistanceLY(origin, dest int64) (float64, bool)
	ShipType(id int64) (universe.ShipTypeInfo, bool)
	ShipGroupName(id int64) (string, bool)
}

// StateLookup is the subset of entity.UserStateLookup the evaluator
// consumes for the attacker/victim auth-state clauses.
type StateLookup interface {
	State(characterID int64) (string, bool)
}

// DefaultMaxAge is the killmail-age cutoff applied when Options.MaxAge is
// zero and IgnoreMaxAge is false.
const DefaultMaxAge = time.Hour

// DefaultFleetThreshold is the attacker count at or above which identify_fleets
// marks a kill as a fleet kill, when Options.FleetThreshold is zero.
const DefaultFleetThreshold = 10

// Options carries the evaluator's caller-configurable constants, kept
// separate from Tracker because they are deployment-wide, not per-tracker.
type Options struct {
	IgnoreMaxAge   bool
	MaxAge         time.Duration
	FleetThreshold int
}

func (o Options) maxAge() time.Duration {
	if o.MaxAge > 0 {
		return o.MaxAge
	}
	return DefaultMaxAge
}

func (o Options) fleetThreshold() int {
	if o.FleetThreshold > 0 {
		return o.FleetThreshold
	}
	return DefaultFleetThreshold
}

// Evaluate applies Tracker t to Killmail k. It returns nil (drop) or a
// Killmail with TrackerInfo populated (match). It never panics or returns
// an error: any resolver miss is folded into the clause's pass/fail —
// fail-closed for a "require" clause, fail-open for an "exclude".
func Evaluate(t Tracker, k killmail.Killmail, uni UniverseResolver, states StateLookup, now time.Time, opts Options) *killmail.Killmail {
	if !opts.IgnoreMaxAge && k.Time.Before(now.Add(-opts.maxAge())) {
		return nil
	}

	var sysInfo universe.SystemInfo
	var haveSys bool
	if k.SolarSystemID != nil {
		sysInfo, haveSys = uni.SolarSystem(*k.SolarSystemID)
	}

	// 1. Sec-class excludes.
	if haveSys {
		switch sysInfo.SecurityClass {
		case universe.High:
			if t.ExcludeHighSec {
				return nil
			}
		case universe.Low:
			if t.ExcludeLowSec {
				return nil
			}
		case universe.Null:
			if t.ExcludeNullSec {
				return nil
			}
		case universe.WSpace:
			if t.ExcludeWSpace {
				return nil
			}
		}
	}

	// 2. Attacker-count bounds.
	n := len(k.Attackers)
	if t.RequireMinAttackers != nil && n < *t.RequireMinAttackers {
		return nil
	}
	if t.RequireMaxAttackers != nil && n > *t.RequireMaxAttackers {
		return nil
	}

	// 3. NPC.
	if t.ExcludeNPCKills && k.ZKB.IsNPC {
		return nil
	}
	if t.RequireNPCKills && !k.ZKB.IsNPC {
		return nil
	}

	// 4. Value.
	if t.RequireMinValue != nil && k.ZKB.TotalValue < *t.RequireMinValue*1_000_000 {
		return nil
	}

	// 5. Region/Constellation/Solar-system membership.
	if len(t.RequireRegions) > 0 || len(t.RequireConstellations) > 0 || len(t.RequireSolarSystems) > 0 {
		if !haveSys {
			return nil
		}
		inRegion := len(t.RequireRegions) > 0 && intersects(idSet(t.RequireRegions), []int64{int64(sysInfo.RegionID)})
		inConstellation := len(t.RequireConstellations) > 0 && intersects(idSet(t.RequireConstellations), []int64{int64(sysInfo.ConstellationID)})
		inSystem := len(t.RequireSolarSystems) > 0 && k.SolarSystemID != nil && intersects(idSet(t.RequireSolarSystems), []int64{*k.SolarSystemID})
		if !inRegion && !inConstellation && !inSystem {
			return nil
		}
	}

	// 6. Distance / Jumps.
	var jumps *int
	var distance *float64
	if t.OriginSolarSystemID != nil && k.SolarSystemID != nil {
		if t.RequireMaxDistance != nil {
			d, ok := uni.DistanceLY(*t.OriginSolarSystemID, *k.SolarSystemID)
			if !ok || d > *t.RequireMaxDistance {
				return nil
			}
			distance = &d
		}
		if t.RequireMaxJumps != nil {
			j, ok := uni.Route(*t.OriginSolarSystemID, *k.SolarSystemID)
			if !ok || j > *t.RequireMaxJumps {
				return nil
			}
			jumps = &j
		}
	} else if t.RequireMaxDistance != nil || t.RequireMaxJumps != nil {
		return nil
	}

	// 7. Victim organization filters.
	if len(t.RequireVictimAlliances) > 0 && !containsAny(idSet(t.RequireVictimAlliances), k.Victim.AllianceID) {
		return nil
	}
	if len(t.RequireVictimCorporations) > 0 && !containsAny(idSet(t.RequireVictimCorporations), k.Victim.CorporationID) {
		return nil
	}
	if containsAny(idSet(t.ExcludeVictimAlliances), k.Victim.AllianceID) {
		return nil
	}
	if containsAny(idSet(t.ExcludeVictimCorporations), k.Victim.CorporationID) {
		return nil
	}

	// 8. Attacker organization filters. Both require-sets must intersect the
	// attackers independently, but the final-blow discipline spans the two
	// org dimensions: the killing attacker only has to land in one of them.
	allianceSet := idSet(t.RequireAttackerAlliances)
	corpSet := idSet(t.RequireAttackerCorporations)
	if len(allianceSet) > 0 || len(corpSet) > 0 {
		allianceMatched, corpMatched, finalBlowMatched := false, false, false
		for _, a := range k.Attackers {
			inAlliance := containsAny(allianceSet, a.AllianceID)
			inCorp := containsAny(corpSet, a.CorporationID)
			if inAlliance {
				allianceMatched = true
			}
			if inCorp {
				corpMatched = true
			}
			if a.IsFinalBlow && (inAlliance || inCorp) {
				finalBlowMatched = true
			}
		}
		if len(allianceSet) > 0 && !allianceMatched {
			return nil
		}
		if len(corpSet) > 0 && !corpMatched {
			return nil
		}
		if t.RequireAttackerOrganizationsFinalBlow && !finalBlowMatched {
			return nil
		}
	}
	if excludeSet := idSet(t.ExcludeAttackerAlliances); len(excludeSet) > 0 {
		for _, a := range k.Attackers {
			if containsAny(excludeSet, a.AllianceID) {
				return nil
			}
		}
	}
	if excludeSet := idSet(t.ExcludeAttackerCorporations); len(excludeSet) > 0 {
		for _, a := range k.Attackers {
			if containsAny(excludeSet, a.CorporationID) {
				return nil
			}
		}
	}

	// 9. Victim ship-class.
	if len(t.RequireVictimShipGroups) > 0 {
		info, ok := uni.ShipType(k.Victim.ShipTypeID)
		if !ok || !containsAny(idSet(t.RequireVictimShipGroups), int64(info.GroupID)) {
			return nil
		}
	}
	if len(t.RequireVictimShipTypes) > 0 {
		if !containsAny(idSet(t.RequireVictimShipTypes), k.Victim.ShipTypeID) {
			return nil
		}
	}

	// 10. Attacker ship-class.
	var matchingShipTypeIDs []int64
	if len(t.RequireAttackersShipGroups) > 0 {
		set := idSet(t.RequireAttackersShipGroups)
		matched := false
		for _, a := range k.Attackers {
			info, ok := uni.ShipType(a.ShipTypeID)
			if ok && containsAny(set, int64(info.GroupID)) {
				matched = true
				matchingShipTypeIDs = appendDistinct(matchingShipTypeIDs, a.ShipTypeID)
			}
		}
		if !matched {
			return nil
		}
	}
	if len(t.RequireAttackersShipTypes) > 0 {
		set := idSet(t.RequireAttackersShipTypes)
		matched := false
		for _, a := range k.Attackers {
			if containsAny(set, a.ShipTypeID) {
				matched = true
				matchingShipTypeIDs = appendDistinct(matchingShipTypeIDs, a.ShipTypeID)
			}
		}
		if !matched {
			return nil
		}
	}

	// 11. Auth-state filters.
	if len(t.RequireAttackerStates) > 0 {
		set := stringSet(t.RequireAttackerStates)
		matched := false
		for _, a := range k.Attackers {
			if a.CharacterID == 0 {
				continue
			}
			if state, ok := states.State(a.CharacterID); ok {
				if _, want := set[state]; want {
					matched = true
					break
				}
			}
		}
		if !matched {
			return nil
		}
	}
	if excludeSet := stringSet(t.ExcludeAttackerStates); len(excludeSet) > 0 {
		for _, a := range k.Attackers {
			if a.CharacterID == 0 {
				continue
			}
			if state, ok := states.State(a.CharacterID); ok {
				if _, excluded := excludeSet[state]; excluded {
					return nil
				}
			}
		}
	}
	if len(t.RequireVictimStates) > 0 {
		set := stringSet(t.RequireVictimStates)
		if k.Victim.CharacterID == 0 {
			return nil
		}
		state, ok := states.State(k.Victim.CharacterID)
		if !ok {
			return nil
		}
		if _, want := set[state]; !want {
			return nil
		}
	}

	info := &killmail.TrackerInfo{
		TrackerID:           t.ID,
		Jumps:               jumps,
		DistanceLY:          distance,
		MatchingShipTypeIDs: matchingShipTypeIDs,
		IsFleetKill:         t.IdentifyFleets && n >= opts.fleetThreshold(),
	}
	info.MainOrg = mainOrg(k.Attackers)
	info.MainShipGroup, info.MainShipGroupName = mainShipGroup(k.Attackers, uni)

	result := k.WithTrackerInfo(info)
	return &result
}

// mainOrg applies the majority rule: alliance_id occurrences first, falling
// back to corporation_id if no alliance reaches the half-the-attackers
// threshold. A single-attacker killmail never has a main_org.
func mainOrg(attackers []killmail.Attacker) *killmail.MainOrg {
	if len(attackers) <= 1 {
		return nil
	}
	threshold := int(math.Ceil(float64(len(attackers)) / 2))

	if id, count, ok := majority(attackers, func(a killmail.Attacker) int64 { return a.AllianceID }, threshold); ok {
		return &killmail.MainOrg{ID: id, Category: "alliance", Count: count}
	}
	if id, count, ok := majority(attackers, func(a killmail.Attacker) int64 { return a.CorporationID }, threshold); ok {
		return &killmail.MainOrg{ID: id, Category: "corporation", Count: count}
	}
	return nil
}

func mainShipGroup(attackers []killmail.Attacker, uni UniverseResolver) (*int64, string) {
	if len(attackers) <= 1 {
		return nil, ""
	}
	threshold := int(math.Ceil(float64(len(attackers)) / 2))

	groupOf := func(a killmail.Attacker) int64 {
		info, ok := uni.ShipType(a.ShipTypeID)
		if !ok {
			return 0
		}
		return int64(info.GroupID)
	}
	id, _, ok := majority(attackers, groupOf, threshold)
	if !ok {
		return nil, ""
	}
	name, _ := uni.ShipGroupName(id)
	return &id, name
}

// majority reports the id with the highest occurrence count, if it reaches
// threshold. Two ids tied at the top is ambiguous: no winner, regardless of
// threshold.
func majority(attackers []killmail.Attacker, field func(killmail.Attacker) int64, threshold int) (int64, int, bool) {
	counts := make(map[int64]int)
	for _, a := range attackers {
		v := field(a)
		if v == 0 {
			continue
		}
		counts[v]++
	}
	var bestID int64
	bestCount := 0
	tied := false
	for id, c := range counts {
		switch {
		case c > bestCount:
			bestID, bestCount, tied = id, c, false
		case c == bestCount:
			tied = true
		}
	}
	if tied || bestCount < threshold {
		return 0, 0, false
	}
	return bestID, bestCount, true
}

func appendDistinct(ids []int64, id int64) []int64 {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
