package normalize

import (
	"github.com/cespare/xxhash/v2"

	"github.com/warfeedhq/ingest/pkg/types"
)

// Flavor phrases give downstream feeds varied wording without randomness.
// The variant is picked by hashing the event's dedup key, so a re-parsed or
// re-delivered line always carries the same phrase.
var flavorVariants = map[types.EventKind][]string{
	types.KindKill: {
		"eliminated",
		"took down",
		"outgunned",
		"finished off",
		"dropped",
	},
	types.KindSuicide: {
		"took the easy way out",
		"couldn't handle the pressure",
		"chose to respawn",
	},
	types.KindEnvironmental: {
		"forgot gravity exists",
		"lost an argument with the terrain",
		"should have taken the stairs",
	},
	types.KindGameEvent: {
		"is live",
		"has begun",
		"just spawned in",
	},
}

// flavorFor picks a phrase for the event kind deterministically from the
// dedup key. Kinds with no variant table get no flavor.
func flavorFor(kind types.EventKind, dedupKey string) string {
	variants := flavorVariants[kind]
	if len(variants) == 0 {
		return ""
	}
	idx := xxhash.Sum64String(dedupKey) % uint64(len(variants))
	return variants[idx]
}
