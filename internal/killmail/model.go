// Package killmail holds the immutable value model for one combat event and
// its JSON codec: the upstream wire format on one side, a canonical
// self-describing form on the other. No other package constructs a Killmail
// directly — everything downstream consumes what this package produces.
package killmail

import "time"

// Party is an attacker or victim reference. Any field may be the zero value:
// NPC kills carry no character/corporation/alliance, structure kills carry
// no character, etc. A zero ID is treated as "absent" throughout, never as
// entity ID 0 (EVE IDs start well above that range).
type Party struct {
	CharacterID   int64 `json:"character_id,omitempty"`
	CorporationID int64 `json:"corporation_id,omitempty"`
	AllianceID    int64 `json:"alliance_id,omitempty"`
	FactionID     int64 `json:"faction_id,omitempty"`
	ShipTypeID    int64 `json:"ship_type_id,omitempty"`
}

// Victim is a Party plus the damage it absorbed before destruction.
type Victim struct {
	Party
	DamageTaken int64 `json:"damage_taken"`
}

// Attacker is a Party plus per-attacker combat facts.
type Attacker struct {
	Party
	DamageDone     int64   `json:"damage_done"`
	SecurityStatus float64 `json:"security_status"`
	WeaponTypeID   int64   `json:"weapon_type_id,omitempty"`
	IsFinalBlow    bool    `json:"is_final_blow"`
}

// Position is an optional location in the source's coordinate space.
type Position struct {
	X, Y, Z float64
}

// ZKB carries source-side metadata from the zKillboard feed.
type ZKB struct {
	LocationID  int64   `json:"location_id,omitempty"`
	Hash        string  `json:"hash"`
	FittedValue float64 `json:"fitted_value"`
	TotalValue  float64 `json:"total_value"`
	Points      int     `json:"points"`
	IsNPC       bool    `json:"is_npc"`
	IsSolo      bool    `json:"is_solo"`
	IsAwox      bool    `json:"is_awox"`
}

// MainOrg identifies the majority organization among a killmail's
// attackers: the alliance (or, failing that, corporation) that at least
// half of them belong to.
type MainOrg struct {
	ID       int64  `json:"id"`
	Category string `json:"category"` // "alliance" or "corporation"
	Count    int    `json:"count"`
}

// TrackerInfo is the annotation a Killmail carries once it survives a
// Tracker's evaluation. Absent on raw ingest.
type TrackerInfo struct {
	TrackerID           string   `json:"tracker_id"`
	Jumps               *int     `json:"jumps,omitempty"`
	DistanceLY          *float64 `json:"distance,omitempty"`
	MainOrg             *MainOrg `json:"main_org,omitempty"`
	MainShipGroup       *int64   `json:"main_ship_group,omitempty"`
	MainShipGroupName   string   `json:"main_ship_group_name,omitempty"`
	MatchingShipTypeIDs []int64  `json:"matching_ship_type_ids,omitempty"`
	IsFleetKill         bool     `json:"is_fleet_kill"`
}

// Killmail is the immutable aggregate record of one combat event. Equality
// is structural; callers that need to compare two Killmails can rely on
// plain struct comparison of their exported accessors (IDs, not pointers).
type Killmail struct {
	ID            int64      `json:"id"`
	Time          time.Time  `json:"time"`
	SolarSystemID *int64     `json:"solar_system_id,omitempty"`
	Victim        Victim     `json:"victim"`
	Attackers     []Attacker `json:"attackers"`
	Position      *Position  `json:"position,omitempty"`
	ZKB           ZKB        `json:"zkb"`
	TrackerInfo   *TrackerInfo `json:"tracker_info,omitempty"`
}

// WithTrackerInfo returns a shallow copy of the Killmail carrying the given
// annotation, leaving the receiver untouched (callers must not mutate a
// Killmail shared across per-tracker evaluation goroutines).
func (k Killmail) WithTrackerInfo(info *TrackerInfo) Killmail {
	k.TrackerInfo = info
	return k
}

// HasSolarSystem reports whether the event carries a resolvable location.
func (k Killmail) HasSolarSystem() bool {
	return k.SolarSystemID != nil
}

// EntityIDs returns the set of every character/corporation/alliance/faction/
// ship/weapon/solar-system ID referenced anywhere in the killmail, used to
// bulk-warm the universe/entity resolvers before evaluation.
func (k Killmail) EntityIDs() []int64 {
	seen := make(map[int64]struct{})
	add := func(id int64) {
		if id != 0 {
			seen[id] = struct{}{}
		}
	}
	add(k.Victim.CharacterID)
	add(k.Victim.CorporationID)
	add(k.Victim.AllianceID)
	add(k.Victim.FactionID)
	add(k.Victim.ShipTypeID)
	if k.SolarSystemID != nil {
		add(*k.SolarSystemID)
	}
	for _, a := range k.Attackers {
		add(a.CharacterID)
		add(a.CorporationID)
		add(a.AllianceID)
		add(a.FactionID)
		add(a.ShipTypeID)
		add(a.WeaponTypeID)
	}
	out := make([]int64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}

// AttackersDistinctAllianceIDs returns the distinct non-zero alliance IDs
// among attackers, in first-seen order.
func (k Killmail) AttackersDistinctAllianceIDs() []int64 {
	return distinct(k.Attackers, func(a Attacker) int64 { return a.AllianceID })
}

// AttackersDistinctCorporationIDs returns the distinct non-zero corporation
// IDs among attackers, in first-seen order.
func (k Killmail) AttackersDistinctCorporationIDs() []int64 {
	return distinct(k.Attackers, func(a Attacker) int64 { return a.CorporationID })
}

// AttackersShipTypeIDs returns the distinct non-zero ship type IDs among
// attackers, in first-seen order.
func (k Killmail) AttackersShipTypeIDs() []int64 {
	return distinct(k.Attackers, func(a Attacker) int64 { return a.ShipTypeID })
}

// AttackersCharacterIDs returns the distinct non-zero character IDs among
// attackers, in first-seen order.
func (k Killmail) AttackersCharacterIDs() []int64 {
	return distinct(k.Attackers, func(a Attacker) int64 { return a.CharacterID })
}

func distinct(attackers []Attacker, field func(Attacker) int64) []int64 {
	seen := make(map[int64]struct{}, len(attackers))
	out := make([]int64, 0, len(attackers))
	for _, a := range attackers {
		v := field(a)
		if v == 0 {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
