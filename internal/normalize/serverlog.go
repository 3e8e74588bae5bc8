package normalize

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/warfeedhq/ingest/pkg/types"
)

// Server log lines open with a bracketed timestamp and frame counter:
//
//	[2024.05.01-12.33.44:123][  0]LogSFPS: Mission GA_Airport_mis_01 switched to READY
var serverLogHeader = regexp.MustCompile(`^\[(\d{4}\.\d{2}\.\d{2}-\d{2}\.\d{2}\.\d{2})(?::\d+)?\]\[\s*\d+\]\s*(.*)$`)

var (
	missionRe   = regexp.MustCompile(`Mission (\S+) switched to (\w+)`)
	airdropRe   = regexp.MustCompile(`(?i)AirDrop switched to (\w+)(?: at (\S+))?`)
	helicrashRe = regexp.MustCompile(`(?i)Helicrash.*?(?:at (\S+))?$`)
	traderRe    = regexp.MustCompile(`(?i)Trader (?:event|spawn).*?(?:at (\S+))?$`)
	convoyRe    = regexp.MustCompile(`(?i)Convoy (?:event|spawn).*?(?:at (\S+))?$`)
	joinRe      = regexp.MustCompile(`LogNet: Join succeeded: (.+)`)
	leaveRe     = regexp.MustCompile(`LogNet: UChannel::Close:.*UniqueId: \w+:(\S+?)[,\s]`)
	registerRe  = regexp.MustCompile(`LogOnline: .*Register.*player.*id[:=]\s*(\S+)`)
)

// Mission states worth emitting. READY means the mission became available;
// other transitions are bookkeeping noise.
var missionActiveStates = map[string]bool{
	"READY":  true,
	"ACTIVE": true,
}

func (n *Normalizer) parseServerLog(raw types.RawLine) (types.NormalizedEvent, error) {
	m := serverLogHeader.FindStringSubmatch(raw.Content)
	if m == nil {
		return types.NormalizedEvent{}, fmt.Errorf("%w: no log header", ErrMalformed)
	}
	ts, ok := parseTimestamp(m[1])
	if !ok {
		return types.NormalizedEvent{}, fmt.Errorf("%w: bad timestamp %q", ErrMalformed, m[1])
	}
	body := m[2]

	if mm := missionRe.FindStringSubmatch(body); mm != nil {
		if !missionActiveStates[mm[2]] {
			return types.NormalizedEvent{}, ErrSkip
		}
		ev := newEvent(raw, types.KindGameEvent, ts)
		ev.Detail = map[string]string{
			"event":   "mission",
			"mission": mm[1],
			"state":   mm[2],
		}
		ev.Flavor = flavorFor(types.KindGameEvent, ev.DedupKey)
		return ev, nil
	}

	if mm := airdropRe.FindStringSubmatch(body); mm != nil {
		if !strings.EqualFold(mm[1], "Dropping") && !strings.EqualFold(mm[1], "Flying") {
			return types.NormalizedEvent{}, ErrSkip
		}
		return gameEvent(raw, ts, "airdrop", mm[2]), nil
	}

	if strings.Contains(strings.ToLower(body), "helicrash") {
		loc := ""
		if mm := helicrashRe.FindStringSubmatch(body); mm != nil {
			loc = mm[1]
		}
		return gameEvent(raw, ts, "helicrash", loc), nil
	}

	if mm := traderRe.FindStringSubmatch(body); mm != nil {
		return gameEvent(raw, ts, "trader", mm[1]), nil
	}

	if mm := convoyRe.FindStringSubmatch(body); mm != nil {
		return gameEvent(raw, ts, "convoy", mm[1]), nil
	}

	if mm := joinRe.FindStringSubmatch(body); mm != nil {
		ev := newEvent(raw, types.KindConnection, ts)
		ev.Detail = map[string]string{
			"action": "join",
			"player": strings.TrimSpace(mm[1]),
		}
		return ev, nil
	}

	if mm := leaveRe.FindStringSubmatch(body); mm != nil {
		ev := newEvent(raw, types.KindConnection, ts)
		ev.Detail = map[string]string{
			"action":    "leave",
			"player_id": mm[1],
		}
		return ev, nil
	}

	if mm := registerRe.FindStringSubmatch(body); mm != nil {
		ev := newEvent(raw, types.KindConnection, ts)
		ev.Detail = map[string]string{
			"action":    "register",
			"player_id": mm[1],
		}
		return ev, nil
	}

	return types.NormalizedEvent{}, ErrSkip
}

func gameEvent(raw types.RawLine, ts time.Time, event, location string) types.NormalizedEvent {
	ev := newEvent(raw, types.KindGameEvent, ts)
	ev.Detail = map[string]string{"event": event}
	if location != "" {
		ev.Detail["location"] = location
	}
	ev.Flavor = flavorFor(types.KindGameEvent, ev.DedupKey)
	return ev
}
