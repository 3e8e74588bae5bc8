package normalize

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/warfeedhq/ingest/pkg/types"
)

// killfeed CSV layout:
//
//	timestamp;killer;killerID;victim;victimID;weapon;distance
const killfeedFields = 7

// Weapon values that mark self-inflicted deaths rather than real weapons.
const (
	weaponMenuSuicide = "suicide_by_relocation"
	weaponFalling     = "falling"
)

func (n *Normalizer) parseKillfeed(raw types.RawLine) (types.NormalizedEvent, error) {
	parts := strings.Split(raw.Content, ";")
	// Some exporters write a trailing semicolon; tolerate one empty tail
	// field.
	if len(parts) == killfeedFields+1 && parts[killfeedFields] == "" {
		parts = parts[:killfeedFields]
	}
	if len(parts) != killfeedFields {
		return types.NormalizedEvent{}, fmt.Errorf("%w: want %d fields, got %d", ErrMalformed, killfeedFields, len(parts))
	}

	ts, ok := parseTimestamp(strings.TrimSpace(parts[0]))
	if !ok {
		return types.NormalizedEvent{}, fmt.Errorf("%w: bad timestamp %q", ErrMalformed, parts[0])
	}

	killer := strings.TrimSpace(parts[1])
	killerID := strings.TrimSpace(parts[2])
	victim := strings.TrimSpace(parts[3])
	victimID := strings.TrimSpace(parts[4])
	weapon := strings.TrimSpace(parts[5])

	if victim == "" || victimID == "" {
		return types.NormalizedEvent{}, fmt.Errorf("%w: missing victim", ErrMalformed)
	}

	distance, err := strconv.ParseFloat(strings.TrimSpace(parts[6]), 64)
	if err != nil {
		return types.NormalizedEvent{}, fmt.Errorf("%w: bad distance %q", ErrMalformed, parts[6])
	}

	kind := classifyKill(killerID, victimID, weapon)

	ev := newEvent(raw, kind, ts)
	ev.Killer = killer
	ev.KillerID = killerID
	ev.Victim = victim
	ev.VictimID = victimID
	ev.Weapon = weapon
	ev.Distance = distance
	ev.Flavor = flavorFor(kind, ev.DedupKey)
	return ev, nil
}

// classifyKill distinguishes player kills from self-inflicted and
// environmental deaths. A matching killer and victim id is a suicide
// regardless of the weapon field.
func classifyKill(killerID, victimID, weapon string) types.EventKind {
	switch weapon {
	case weaponMenuSuicide:
		return types.KindSuicide
	case weaponFalling:
		return types.KindEnvironmental
	}
	if killerID != "" && killerID == victimID {
		return types.KindSuicide
	}
	return types.KindKill
}
