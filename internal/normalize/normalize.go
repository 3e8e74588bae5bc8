// Package normalize turns raw log lines into canonical events. Parsing is a
// pure function of the line content and source metadata so the same line
// always produces the same event, dedup key included.
package normalize

import (
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/warfeedhq/ingest/pkg/types"
)

// ErrMalformed is returned for lines that do not match the source's format.
// The caller skips the line and counts it; a malformed line never aborts a
// poll cycle.
var ErrMalformed = errors.New("malformed line")

// ErrSkip is returned for well-formed lines that carry no event, such as
// server log chatter between interesting entries.
var ErrSkip = errors.New("line carries no event")

// Timestamp layouts seen in the wild, tried in order.
var timestampLayouts = []string{
	"2006.01.02-15.04.05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
}

// Normalizer parses raw lines according to each source's declared format.
type Normalizer struct{}

// New creates a Normalizer.
func New() *Normalizer {
	return &Normalizer{}
}

// Parse converts one raw line into a normalized event. It returns ErrSkip
// for uninteresting lines and ErrMalformed for unparseable ones.
func (n *Normalizer) Parse(format types.LineFormat, raw types.RawLine) (types.NormalizedEvent, error) {
	switch format {
	case types.FormatKillfeedCSV:
		return n.parseKillfeed(raw)
	case types.FormatServerLog:
		return n.parseServerLog(raw)
	default:
		return types.NormalizedEvent{}, fmt.Errorf("%w: unknown format %q", ErrMalformed, format)
	}
}

// DedupKey derives the stable identity of a line: source id, line position
// and a content hash. Re-reading the same line after a crash or re-delivery
// produces the same key.
func DedupKey(sourceID string, line int64, content string) string {
	return fmt.Sprintf("%s:%d:%016x", sourceID, line, xxhash.Sum64String(content))
}

// parseTimestamp tries each known layout. Game servers write local time
// without a zone; UTC is assumed.
func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// newEvent fills the fields every event shares.
func newEvent(raw types.RawLine, kind types.EventKind, ts time.Time) types.NormalizedEvent {
	return types.NormalizedEvent{
		ID:        uuid.NewString(),
		SourceID:  raw.SourceID,
		Kind:      kind,
		Timestamp: ts,
		Line:      raw.Line,
		DedupKey:  DedupKey(raw.SourceID, raw.Line, raw.Content),
	}
}
