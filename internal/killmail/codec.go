package killmail

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedUpstream is returned by FromUpstreamPackage when the upstream
// package cannot be parsed into a well-formed Killmail (missing attackers,
// unparseable timestamp, wrong top-level shape).
var ErrMalformedUpstream = errors.New("malformed upstream killmail package")

// upstreamPackage mirrors the zKillboard redisQ wire shape: a nested
// {killID, killmail:{...}, zkb:{...}} envelope mixing snake_case and
// camelCase keys.
type upstreamPackage struct {
	KillID   int64 `json:"killID"`
	Killmail *struct {
		KillmailID    int64  `json:"killmail_id"`
		KillmailTime  string `json:"killmail_time"`
		SolarSystemID *int64 `json:"solar_system_id"`
		Victim        struct {
			CharacterID   int64 `json:"character_id"`
			CorporationID int64 `json:"corporation_id"`
			AllianceID    int64 `json:"alliance_id"`
			FactionID     int64 `json:"faction_id"`
			ShipTypeID    int64 `json:"ship_type_id"`
			DamageTaken   int64 `json:"damage_taken"`
			Position      *struct {
				X float64 `json:"x"`
				Y float64 `json:"y"`
				Z float64 `json:"z"`
			} `json:"position"`
		} `json:"victim"`
		Attackers []struct {
			CharacterID    int64   `json:"character_id"`
			CorporationID  int64   `json:"corporation_id"`
			AllianceID     int64   `json:"alliance_id"`
			FactionID      int64   `json:"faction_id"`
			ShipTypeID     int64   `json:"ship_type_id"`
			DamageDone     int64   `json:"damage_done"`
			SecurityStatus float64 `json:"security_status"`
			WeaponTypeID   int64   `json:"weapon_type_id"`
			FinalBlow      bool    `json:"final_blow"`
		} `json:"attackers"`
	} `json:"killmail"`
	ZKB *struct {
		LocationID  int64   `json:"locationID"`
		Hash        string  `json:"hash"`
		FittedValue float64 `json:"fittedValue"`
		TotalValue  float64 `json:"totalValue"`
		Points      int     `json:"points"`
		NPC         bool    `json:"npc"`
		Solo        bool    `json:"solo"`
		Awox        bool    `json:"awox"`
	} `json:"zkb"`
}

// FromUpstreamPackage parses one redisQ response body into a Killmail.
// A nil, empty-package response (poll timeout, no event) is represented by
// the caller as "no killmail received", not by calling this function —
// callers should only invoke FromUpstreamPackage once they've confirmed the
// "package" field of the envelope is non-null.
func FromUpstreamPackage(raw []byte) (Killmail, error) {
	var pkg upstreamPackage
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return Killmail{}, fmt.Errorf("%w: %v", ErrMalformedUpstream, err)
	}
	if pkg.Killmail == nil {
		return Killmail{}, fmt.Errorf("%w: missing killmail object", ErrMalformedUpstream)
	}
	if len(pkg.Killmail.Attackers) == 0 {
		return Killmail{}, fmt.Errorf("%w: killmail %d has no attackers", ErrMalformedUpstream, pkg.Killmail.KillmailID)
	}

	id := pkg.Killmail.KillmailID
	if id == 0 {
		id = pkg.KillID
	}

	t, err := time.Parse(time.RFC3339, pkg.Killmail.KillmailTime)
	if err != nil {
		t, err = time.Parse("2006-01-02T15:04:05Z", pkg.Killmail.KillmailTime)
		if err != nil {
			return Killmail{}, fmt.Errorf("%w: unparseable killmail_time %q", ErrMalformedUpstream, pkg.Killmail.KillmailTime)
		}
	}

	km := Killmail{
		ID:            id,
		Time:          t.UTC(),
		SolarSystemID: pkg.Killmail.SolarSystemID,
		Victim: Victim{
			Party: Party{
				CharacterID:   pkg.Killmail.Victim.CharacterID,
				CorporationID: pkg.Killmail.Victim.CorporationID,
				AllianceID:    pkg.Killmail.Victim.AllianceID,
				FactionID:     pkg.Killmail.Victim.FactionID,
				ShipTypeID:    pkg.Killmail.Victim.ShipTypeID,
			},
			DamageTaken: pkg.Killmail.Victim.DamageTaken,
		},
	}

	if p := pkg.Killmail.Victim.Position; p != nil {
		km.Position = &Position{X: p.X, Y: p.Y, Z: p.Z}
	}

	for _, a := range pkg.Killmail.Attackers {
		km.Attackers = append(km.Attackers, Attacker{
			Party: Party{
				CharacterID:   a.CharacterID,
				CorporationID: a.CorporationID,
				AllianceID:    a.AllianceID,
				FactionID:     a.FactionID,
				ShipTypeID:    a.ShipTypeID,
			},
			DamageDone:     a.DamageDone,
			SecurityStatus: a.SecurityStatus,
			WeaponTypeID:   a.WeaponTypeID,
			IsFinalBlow:    a.FinalBlow,
		})
	}

	if pkg.ZKB != nil {
		km.ZKB = ZKB{
			LocationID:  pkg.ZKB.LocationID,
			Hash:        pkg.ZKB.Hash,
			FittedValue: pkg.ZKB.FittedValue,
			TotalValue:  pkg.ZKB.TotalValue,
			Points:      pkg.ZKB.Points,
			IsNPC:       pkg.ZKB.NPC,
			IsSolo:      pkg.ZKB.Solo,
			IsAwox:      pkg.ZKB.Awox,
		}
	}

	return km, nil
}

// canonical mirrors Killmail's JSON shape explicitly so the RFC3339Nano
// timestamp encoding is pinned regardless of future struct tag changes.
type canonical struct {
	ID            int64        `json:"id"`
	Time          string       `json:"time"`
	SolarSystemID *int64       `json:"solar_system_id,omitempty"`
	Victim        Victim       `json:"victim"`
	Attackers     []Attacker   `json:"attackers"`
	Position      *Position    `json:"position,omitempty"`
	ZKB           ZKB          `json:"zkb"`
	TrackerInfo   *TrackerInfo `json:"tracker_info,omitempty"`
}

// ToJSON renders the canonical, self-describing form used between pipeline
// stages. The timestamp is encoded with RFC3339Nano so the offset survives
// the round trip.
func (k Killmail) ToJSON() ([]byte, error) {
	c := canonical{
		ID:            k.ID,
		Time:          k.Time.Format(time.RFC3339Nano),
		SolarSystemID: k.SolarSystemID,
		Victim:        k.Victim,
		Attackers:     k.Attackers,
		Position:      k.Position,
		ZKB:           k.ZKB,
		TrackerInfo:   k.TrackerInfo,
	}
	return json.Marshal(c)
}

// FromJSON parses the canonical form produced by ToJSON. Tolerant of any
// RFC 3339 variant (with or without sub-second precision) so a timestamp
// written by one version of this package still parses under another.
func FromJSON(raw []byte) (Killmail, error) {
	var c canonical
	if err := json.Unmarshal(raw, &c); err != nil {
		return Killmail{}, fmt.Errorf("parse canonical killmail: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, c.Time)
	if err != nil {
		return Killmail{}, fmt.Errorf("parse canonical killmail time %q: %w", c.Time, err)
	}
	return Killmail{
		ID:            c.ID,
		Time:          t,
		SolarSystemID: c.SolarSystemID,
		Victim:        c.Victim,
		Attackers:     c.Attackers,
		Position:      c.Position,
		ZKB:           c.ZKB,
		TrackerInfo:   c.TrackerInfo,
	}, nil
}
