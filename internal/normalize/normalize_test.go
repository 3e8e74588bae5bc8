package normalize

import (
	"errors"
	"testing"
	"time"

	"github.com/warfeedhq/ingest/pkg/types"
)

func rawLine(content string) types.RawLine {
	return types.RawLine{SourceID: "srv-1", Line: 42, Offset: 1000, Content: content}
}

func TestParseKillfeedKill(t *testing.T) {
	n := New()
	ev, err := n.Parse(types.FormatKillfeedCSV, rawLine(
		"2024.05.01-12.33.44;SniperWolf;76561198000000001;Rookie;76561198000000002;Mosin;412.5"))
	if err != nil {
		t.Fatalf("Failed to parse kill line: %v", err)
	}

	if ev.Kind != types.KindKill {
		t.Errorf("Expected kind kill, got %s", ev.Kind)
	}
	if ev.Killer != "SniperWolf" || ev.KillerID != "76561198000000001" {
		t.Errorf("Unexpected killer: %s/%s", ev.Killer, ev.KillerID)
	}
	if ev.Victim != "Rookie" || ev.VictimID != "76561198000000002" {
		t.Errorf("Unexpected victim: %s/%s", ev.Victim, ev.VictimID)
	}
	if ev.Weapon != "Mosin" {
		t.Errorf("Expected weapon Mosin, got %s", ev.Weapon)
	}
	if ev.Distance != 412.5 {
		t.Errorf("Expected distance 412.5, got %f", ev.Distance)
	}

	want := time.Date(2024, 5, 1, 12, 33, 44, 0, time.UTC)
	if !ev.Timestamp.Equal(want) {
		t.Errorf("Expected timestamp %v, got %v", want, ev.Timestamp)
	}
	if ev.Flavor == "" {
		t.Error("Expected a flavor phrase for kill events")
	}
	if ev.Line != 42 {
		t.Errorf("Expected line 42, got %d", ev.Line)
	}
}

func TestParseKillfeedSuicideByMatchingID(t *testing.T) {
	n := New()
	ev, err := n.Parse(types.FormatKillfeedCSV, rawLine(
		"2024.05.01-12.33.44;Rookie;76561198000000002;Rookie;76561198000000002;grenade;0"))
	if err != nil {
		t.Fatalf("Failed to parse suicide line: %v", err)
	}
	if ev.Kind != types.KindSuicide {
		t.Errorf("Expected kind suicide, got %s", ev.Kind)
	}
}

func TestParseKillfeedMenuSuicide(t *testing.T) {
	n := New()
	ev, err := n.Parse(types.FormatKillfeedCSV, rawLine(
		"2024.05.01-12.33.44;Rookie;76561198000000002;Rookie;76561198000000002;suicide_by_relocation;0"))
	if err != nil {
		t.Fatalf("Failed to parse menu suicide: %v", err)
	}
	if ev.Kind != types.KindSuicide {
		t.Errorf("Expected kind suicide, got %s", ev.Kind)
	}
}

func TestParseKillfeedFallingIsEnvironmental(t *testing.T) {
	n := New()
	ev, err := n.Parse(types.FormatKillfeedCSV, rawLine(
		"2024.05.01-12.33.44;Rookie;76561198000000002;Rookie;76561198000000002;falling;0"))
	if err != nil {
		t.Fatalf("Failed to parse fall death: %v", err)
	}
	if ev.Kind != types.KindEnvironmental {
		t.Errorf("Expected kind environmental, got %s", ev.Kind)
	}
}

func TestParseKillfeedTrailingSemicolon(t *testing.T) {
	n := New()
	_, err := n.Parse(types.FormatKillfeedCSV, rawLine(
		"2024.05.01-12.33.44;A;1;B;2;AK;10;"))
	if err != nil {
		t.Errorf("Expected trailing semicolon to be tolerated, got %v", err)
	}
}

func TestParseKillfeedMalformed(t *testing.T) {
	n := New()
	cases := []struct {
		name string
		line string
	}{
		{"too few fields", "2024.05.01-12.33.44;A;B"},
		{"bad timestamp", "not-a-time;A;1;B;2;AK;10"},
		{"bad distance", "2024.05.01-12.33.44;A;1;B;2;AK;far"},
		{"missing victim", "2024.05.01-12.33.44;A;1;;;AK;10"},
		{"garbage", "### corrupted line ###"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := n.Parse(types.FormatKillfeedCSV, rawLine(tc.line)); !errors.Is(err, ErrMalformed) {
				t.Errorf("Expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestDedupKeyStable(t *testing.T) {
	a := DedupKey("srv-1", 42, "some;line;content")
	b := DedupKey("srv-1", 42, "some;line;content")
	if a != b {
		t.Errorf("Expected identical dedup keys, got %s vs %s", a, b)
	}

	if a == DedupKey("srv-2", 42, "some;line;content") {
		t.Error("Expected source id to affect the dedup key")
	}
	if a == DedupKey("srv-1", 43, "some;line;content") {
		t.Error("Expected line number to affect the dedup key")
	}
	if a == DedupKey("srv-1", 42, "other content") {
		t.Error("Expected content to affect the dedup key")
	}
}

func TestFlavorDeterministic(t *testing.T) {
	n := New()
	line := rawLine("2024.05.01-12.33.44;A;1;B;2;AK;10")

	first, err := n.Parse(types.FormatKillfeedCSV, line)
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := n.Parse(types.FormatKillfeedCSV, line)
		if err != nil {
			t.Fatalf("Failed to parse: %v", err)
		}
		if again.Flavor != first.Flavor {
			t.Fatalf("Expected stable flavor %q, got %q on attempt %d", first.Flavor, again.Flavor, i)
		}
	}
}

func TestParseServerLogMission(t *testing.T) {
	n := New()
	ev, err := n.Parse(types.FormatServerLog, rawLine(
		"[2024.05.01-12.33.44:123][  0]LogSFPS: Mission GA_Airport_mis_01 switched to READY"))
	if err != nil {
		t.Fatalf("Failed to parse mission line: %v", err)
	}
	if ev.Kind != types.KindGameEvent {
		t.Errorf("Expected kind game_event, got %s", ev.Kind)
	}
	if ev.Detail["mission"] != "GA_Airport_mis_01" {
		t.Errorf("Expected mission name, got %v", ev.Detail)
	}
	if ev.Detail["state"] != "READY" {
		t.Errorf("Expected state READY, got %v", ev.Detail)
	}
}

func TestParseServerLogMissionInactiveSkipped(t *testing.T) {
	n := New()
	_, err := n.Parse(types.FormatServerLog, rawLine(
		"[2024.05.01-12.33.44:123][  0]LogSFPS: Mission GA_Airport_mis_01 switched to WAITING"))
	if !errors.Is(err, ErrSkip) {
		t.Errorf("Expected ErrSkip for inactive mission state, got %v", err)
	}
}

func TestParseServerLogAirdrop(t *testing.T) {
	n := New()
	ev, err := n.Parse(types.FormatServerLog, rawLine(
		"[2024.05.01-13.00.00:456][  7]LogSFPS: AirDrop switched to Dropping at X=1200,Y=3400"))
	if err != nil {
		t.Fatalf("Failed to parse airdrop line: %v", err)
	}
	if ev.Kind != types.KindGameEvent || ev.Detail["event"] != "airdrop" {
		t.Errorf("Expected airdrop game event, got %s %v", ev.Kind, ev.Detail)
	}
}

func TestParseServerLogJoin(t *testing.T) {
	n := New()
	ev, err := n.Parse(types.FormatServerLog, rawLine(
		"[2024.05.01-14.10.00:789][ 12]LogNet: Join succeeded: SniperWolf"))
	if err != nil {
		t.Fatalf("Failed to parse join line: %v", err)
	}
	if ev.Kind != types.KindConnection {
		t.Errorf("Expected kind connection, got %s", ev.Kind)
	}
	if ev.Detail["action"] != "join" || ev.Detail["player"] != "SniperWolf" {
		t.Errorf("Unexpected detail: %v", ev.Detail)
	}
}

func TestParseServerLogChatterSkipped(t *testing.T) {
	n := New()
	_, err := n.Parse(types.FormatServerLog, rawLine(
		"[2024.05.01-12.33.44:123][  0]LogTemp: Verbose internal state dump"))
	if !errors.Is(err, ErrSkip) {
		t.Errorf("Expected ErrSkip for chatter, got %v", err)
	}
}

func TestParseServerLogMalformed(t *testing.T) {
	n := New()
	_, err := n.Parse(types.FormatServerLog, rawLine("no brackets at all"))
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("Expected ErrMalformed, got %v", err)
	}
}

func TestParseUnknownFormat(t *testing.T) {
	n := New()
	_, err := n.Parse(types.LineFormat("bogus"), rawLine("whatever"))
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("Expected ErrMalformed for unknown format, got %v", err)
	}
}
