// Package format renders a matched Killmail into the Discord-compatible
// embed payload ready to hand to the webhook queue. No Killmail JSON is
// carried past this package — callers enqueue the bytes Render produces.
package format

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"killfeed/internal/killmail"
	"killfeed/internal/tracker"
	"killfeed/internal/universe"
)

// ZKillKillBase is prefixed to a killmail ID to build the zKillboard kill
// URL used in both the embed's url field and the description's victim link.
const ZKillKillBase = "https://zkillboard.com/kill"

const footerText = "via zKillboard"
const footerIconURL = "https://zkillboard.com/img/wreck.png"

// NameResolver supplies the display names the formatter needs beyond what
// UniverseResolver/entity carry directly (solar system name, victim/
// attacker character or corp name). A miss renders as "?".
type NameResolver interface {
	SystemName(id int64) (string, bool)
	EntityName(id int64) (string, bool)
}

// embed mirrors the Discord embed object shape.
type embed struct {
	Title       string      `json:"title"`
	URL         string      `json:"url,omitempty"`
	Description string      `json:"description"`
	Thumbnail   *thumbnail  `json:"thumbnail,omitempty"`
	Footer      *embedFoot  `json:"footer,omitempty"`
	Timestamp   string      `json:"timestamp"`
	Color       int         `json:"color,omitempty"`
}

type thumbnail struct {
	URL string `json:"url"`
}

type embedFoot struct {
	Text    string `json:"text"`
	IconURL string `json:"icon_url,omitempty"`
}

// webhookBody mirrors the Discord-compatible `{content, embeds}` POST body.
type webhookBody struct {
	Content string  `json:"content,omitempty"`
	Embeds  []embed `json:"embeds,omitempty"`
}

// GroupToRole maps a tracker ping-group ID to a chat role ID; a miss is
// silently skipped.
type GroupToRole func(groupID int64) (string, bool)

// Render builds the final JSON bytes to POST for a matched killmail.
func Render(k killmail.Killmail, t tracker.Tracker, uni universe.Resolver, names NameResolver, groupToRole GroupToRole) ([]byte, error) {
	body := webhookBody{
		Content: buildContent(t, groupToRole),
		Embeds:  []embed{buildEmbed(k, t, uni, names)},
	}
	return json.Marshal(body)
}

func buildContent(t tracker.Tracker, groupToRole GroupToRole) string {
	var ping string
	switch t.PingType {
	case tracker.PingHere:
		ping = "@here "
	case tracker.PingEverybody:
		ping = "@everybody "
	}
	if groupToRole != nil {
		for _, g := range t.PingGroups {
			if roleID, ok := groupToRole(g); ok {
				ping += fmt.Sprintf("<@&%s> ", roleID)
			}
		}
	}
	prefix := ""
	if t.IsPostingName {
		prefix = fmt.Sprintf("Tracker **%s**:", t.Name)
	}
	return strings.TrimRight(ping+prefix, " ")
}

func buildEmbed(k killmail.Killmail, t tracker.Tracker, uni universe.Resolver, names NameResolver) embed {
	systemName := "?"
	if k.SolarSystemID != nil {
		if n, ok := names.SystemName(*k.SolarSystemID); ok {
			systemName = n
		}
	}
	victimShipName := "?"
	victimShipTypeID := k.Victim.ShipTypeID
	if victimShipTypeID != 0 {
		if info, ok := uni.ShipType(victimShipTypeID); ok {
			victimShipName = info.Name
		}
	}
	victimName := "?"
	if k.Victim.CharacterID != 0 {
		if n, ok := names.EntityName(k.Victim.CharacterID); ok {
			victimName = n
		}
	} else if k.Victim.CorporationID != 0 {
		if n, ok := names.EntityName(k.Victim.CorporationID); ok {
			victimName = n
		}
	}

	kind := "Killmail"
	if k.TrackerInfo != nil && k.TrackerInfo.IsFleetKill {
		kind = "Fleetkill"
	}
	title := fmt.Sprintf("%s | %s | %s | %s", systemName, victimShipName, victimName, kind)

	return embed{
		Title:       title,
		URL:         fmt.Sprintf("%s/%d/", ZKillKillBase, k.ID),
		Description: buildDescription(k, t, uni, names, victimName, victimShipName),
		Thumbnail:   thumbnailFor(victimShipTypeID),
		Footer:      &embedFoot{Text: footerText, IconURL: footerIconURL},
		Timestamp:   k.Time.Format(time.RFC3339),
		Color:       colorOf(t.Color),
	}
}

func thumbnailFor(shipTypeID int64) *thumbnail {
	if shipTypeID == 0 {
		return nil
	}
	return &thumbnail{URL: fmt.Sprintf("https://images.evetech.net/types/%d/icon", shipTypeID)}
}

func buildDescription(k killmail.Killmail, t tracker.Tracker, uni universe.Resolver, names NameResolver, victimName, victimShipName string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Victim:** [%s](%s/%d/) lost a %s\n", victimName, ZKillKillBase, k.ID, victimShipName)
	fmt.Fprintf(&b, "**Total Loss:** %s ISK\n", humanizeISK(k.ZKB.TotalValue))

	var finalBlow *killmail.Attacker
	for i := range k.Attackers {
		if k.Attackers[i].IsFinalBlow {
			finalBlow = &k.Attackers[i]
			break
		}
	}
	if finalBlow != nil {
		actorName := "?"
		if finalBlow.CharacterID != 0 {
			if n, ok := names.EntityName(finalBlow.CharacterID); ok {
				actorName = n
			}
		}
		finalShip := "?"
		if finalBlow.ShipTypeID != 0 {
			if info, ok := uni.ShipType(finalBlow.ShipTypeID); ok {
				finalShip = info.Name
			}
		}
		fmt.Fprintf(&b, "**Final Blow:** %s (%s)\n", actorName, finalShip)
	} else {
		fmt.Fprintf(&b, "**Final Blow:** ?\n")
	}

	fmt.Fprintf(&b, "**Attackers:** %d\n", len(k.Attackers))

	if t.OriginSolarSystemID != nil && k.TrackerInfo != nil {
		dist := "?"
		if k.TrackerInfo.DistanceLY != nil {
			dist = fmt.Sprintf("%.1f", *k.TrackerInfo.DistanceLY)
		}
		jumps := "?"
		if k.TrackerInfo.Jumps != nil {
			jumps = fmt.Sprintf("%d", *k.TrackerInfo.Jumps)
		}
		systemName := "?"
		if n, ok := names.SystemName(*t.OriginSolarSystemID); ok {
			systemName = n
		}
		fmt.Fprintf(&b, "Distance from %s: %s LY | %s jumps\n", systemName, dist, jumps)
	}

	if k.TrackerInfo != nil && len(k.TrackerInfo.MatchingShipTypeIDs) > 0 {
		var parts []string
		for _, id := range k.TrackerInfo.MatchingShipTypeIDs {
			parts = append(parts, fmt.Sprintf("%d", id))
		}
		fmt.Fprintf(&b, "Tracked ship types: %s\n", strings.Join(parts, ", "))
	}

	return b.String()
}

// humanizeISK renders an ISK value with digit grouping for readability.
func humanizeISK(v float64) string {
	return humanize.CommafWithDigits(v, 2)
}

// colorOf parses a "#RRGGBB" hex color into Discord's packed-int embed
// color. "#000000" is the sentinel for "no color".
func colorOf(hex string) int {
	if hex == "" || strings.EqualFold(hex, "#000000") {
		return 0
	}
	var r, g, b int
	if _, err := fmt.Sscanf(hex, "#%02x%02x%02x", &r, &g, &b); err != nil {
		return 0
	}
	return (r << 16) + (g << 8) + b
}
