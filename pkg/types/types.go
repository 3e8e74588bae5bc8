package types

import (
	"strconv"
	"time"
)

// SourceState is the lifecycle state of a remote log source.
type SourceState string

const (
	// StateRegistered means the source is known but has never been read.
	StateRegistered SourceState = "registered"
	// StateBackfilling means the source's pre-existing content is being
	// consumed silently to advance the cursor.
	StateBackfilling SourceState = "backfilling"
	// StateLive means new lines are dispatched as events.
	StateLive SourceState = "live"
	// StateDegraded means the source failed too many consecutive polls and
	// is polled at a reduced cadence.
	StateDegraded SourceState = "degraded"
	// StateRemoved means the source was unlinked from its last tenant.
	StateRemoved SourceState = "removed"
)

// LineFormat identifies the on-disk format of a remote log file.
type LineFormat string

const (
	// FormatKillfeedCSV is the semicolon-separated kill feed format:
	// timestamp;killer;killerID;victim;victimID;weapon;distance
	FormatKillfeedCSV LineFormat = "killfeed-csv"
	// FormatServerLog is the bracketed game server log format
	// ([2024.05.01-12.33.44:123][  0]LogXYZ: ...).
	FormatServerLog LineFormat = "server-log"
)

// Source describes one remote log file tracked by the engine. A single
// source may be shared by several tenants.
type Source struct {
	ID       string     `yaml:"id" json:"id"`
	Host     string     `yaml:"host" json:"host"`
	Port     int        `yaml:"port" json:"port"`
	Username string     `yaml:"username" json:"username"`
	Password string     `yaml:"password,omitempty" json:"-"`
	KeyFile  string     `yaml:"key_file,omitempty" json:"-"`
	Path     string     `yaml:"path" json:"path"`
	Format   LineFormat `yaml:"format,omitempty" json:"format"`
	Tenants  []string   `yaml:"tenants" json:"tenants"`
}

// HostKey identifies the remote endpoint a source lives on. Sources on the
// same host share one SSH transport.
func (s *Source) HostKey() string {
	return s.Username + "@" + s.Host + ":" + strconv.Itoa(s.Port)
}

// Fingerprint identifies the remote file so rotation and truncation can be
// told apart from ordinary appends. Size grows on append; HeadHash only
// changes when the first bytes of the file change.
type Fingerprint struct {
	Size     int64  `json:"size"`
	HeadHash uint64 `json:"head_hash"`
}

// Rotated reports whether the currently observed fingerprint indicates the
// file is no longer the one the cursor was built against.
func (f Fingerprint) Rotated(observed Fingerprint, offset int64) bool {
	if observed.Size < offset {
		return true
	}
	return f.HeadHash != 0 && observed.HeadHash != 0 && f.HeadHash != observed.HeadHash
}

// Cursor is the persisted read progress for one source. Offset only ever
// advances past complete, terminator-ended lines, so a restart re-reads at
// most one partial line.
type Cursor struct {
	SchemaVersion  int         `json:"schema_version"`
	Offset         int64       `json:"offset"`
	Line           int64       `json:"line"`
	BackfillTarget int64       `json:"backfill_target"`
	Fingerprint    Fingerprint `json:"fingerprint"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Backfilling reports whether the cursor is still inside the silent
// catch-up window established when the source was first connected.
func (c Cursor) Backfilling() bool {
	return c.Offset < c.BackfillTarget
}

// RawLine is a single complete line read from a source. It exists only for
// the duration of a parse cycle.
type RawLine struct {
	SourceID string
	Line     int64 // 1-based line position within the file
	Offset   int64 // byte offset of the line start
	Content  string
}

// EventKind classifies a normalized event.
type EventKind string

const (
	KindKill          EventKind = "kill"
	KindSuicide       EventKind = "suicide"
	KindEnvironmental EventKind = "environmental"
	KindConnection    EventKind = "connection"
	KindGameEvent     EventKind = "game_event"
)

// NormalizedEvent is the canonical output record. It is immutable after
// creation; the dispatcher fills Tenants with the source's linked tenant
// set as resolved at dispatch time.
type NormalizedEvent struct {
	ID        string    `json:"id"`
	SourceID  string    `json:"source_id"`
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Line      int64     `json:"line"`

	Killer   string  `json:"killer,omitempty"`
	KillerID string  `json:"killer_id,omitempty"`
	Victim   string  `json:"victim,omitempty"`
	VictimID string  `json:"victim_id,omitempty"`
	Weapon   string  `json:"weapon,omitempty"`
	Distance float64 `json:"distance,omitempty"`
	Flavor   string  `json:"flavor,omitempty"`

	// Detail carries format-specific fields for connection and game events
	// (player name, mission name, event location, ...).
	Detail map[string]string `json:"detail,omitempty"`

	// DedupKey is derived from the source id, line position and content
	// hash. Consumers use it to discard re-delivered events.
	DedupKey string `json:"dedup_key"`

	Tenants []string `json:"tenants,omitempty"`
}

// SourceStatus is the observable per-source state exposed for monitoring.
type SourceStatus struct {
	SourceID            string      `json:"source_id"`
	State               SourceState `json:"state"`
	Tenants             []string    `json:"tenants"`
	LinesRead           int64       `json:"lines_read"`
	EventsEmitted       int64       `json:"events_emitted"`
	MalformedLines      int64       `json:"malformed_lines"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LastError           string      `json:"last_error,omitempty"`
	LastPollAt          time.Time   `json:"last_poll_at,omitempty"`
}
