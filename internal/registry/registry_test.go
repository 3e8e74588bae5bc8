package registry

import (
	"errors"
	"reflect"
	"testing"

	"github.com/warfeedhq/ingest/internal/logging"
	"github.com/warfeedhq/ingest/internal/metrics"
	"github.com/warfeedhq/ingest/pkg/types"
)

func newTestRegistry() *Registry {
	return New(logging.Nop(), metrics.NewCollector())
}

func src(id string, tenants ...string) types.Source {
	return types.Source{
		ID:       id,
		Host:     "game.example.com",
		Port:     22,
		Username: "steam",
		Password: "secret",
		Path:     "/srv/deathlogs/" + id + ".csv",
		Format:   types.FormatKillfeedCSV,
		Tenants:  tenants,
	}
}

func TestApplyAddsSources(t *testing.T) {
	r := newTestRegistry()

	added, removed := r.Apply([]types.Source{src("a", "t1"), src("b", "t1", "t2")})
	if !reflect.DeepEqual(added, []string{"a", "b"}) {
		t.Errorf("Expected added [a b], got %v", added)
	}
	if len(removed) != 0 {
		t.Errorf("Expected nothing removed, got %v", removed)
	}

	state, err := r.State("a")
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if state != types.StateRegistered {
		t.Errorf("Expected new source to be registered, got %s", state)
	}
}

func TestApplyRemovesAbsentSources(t *testing.T) {
	r := newTestRegistry()
	r.Apply([]types.Source{src("a", "t1"), src("b", "t1")})

	_, removed := r.Apply([]types.Source{src("a", "t1")})
	if !reflect.DeepEqual(removed, []string{"b"}) {
		t.Errorf("Expected removed [b], got %v", removed)
	}

	if _, ok := r.Get("b"); ok {
		t.Error("Expected removed source to be invisible via Get")
	}
	state, err := r.State("b")
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if state != types.StateRemoved {
		t.Errorf("Expected removed state, got %s", state)
	}
}

func TestApplyReAddAfterRemoval(t *testing.T) {
	r := newTestRegistry()
	r.Apply([]types.Source{src("a", "t1")})
	r.Apply(nil)

	added, _ := r.Apply([]types.Source{src("a", "t1")})
	if !reflect.DeepEqual(added, []string{"a"}) {
		t.Errorf("Expected re-added [a], got %v", added)
	}
	state, _ := r.State("a")
	if state != types.StateRegistered {
		t.Errorf("Expected re-added source to restart at registered, got %s", state)
	}
}

func TestApplyUnlinksDroppedTenants(t *testing.T) {
	r := newTestRegistry()
	r.Apply([]types.Source{src("a", "t1", "t2")})

	// A tenant removed from the sources file must stop receiving events, so
	// the reconciled tenant set is exactly the descriptor's.
	added, removed := r.Apply([]types.Source{src("a", "t1")})
	if len(added) != 0 || len(removed) != 0 {
		t.Errorf("Expected no membership changes, got added=%v removed=%v", added, removed)
	}
	if got := r.Tenants("a"); !reflect.DeepEqual(got, []string{"t1"}) {
		t.Errorf("Expected tenants [t1] after reconcile, got %v", got)
	}

	// Adding one back through the file works the same way.
	r.Apply([]types.Source{src("a", "t1", "t3")})
	if got := r.Tenants("a"); !reflect.DeepEqual(got, []string{"t1", "t3"}) {
		t.Errorf("Expected tenants [t1 t3], got %v", got)
	}
}

func TestApplyEmptyTenantListRemovesSource(t *testing.T) {
	r := newTestRegistry()
	r.Apply([]types.Source{src("a", "t1")})

	_, removed := r.Apply([]types.Source{src("a")})
	if !reflect.DeepEqual(removed, []string{"a"}) {
		t.Errorf("Expected [a] removed when its last tenant is dropped, got %v", removed)
	}
	state, err := r.State("a")
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if state != types.StateRemoved {
		t.Errorf("Expected removed after last tenant dropped, got %s", state)
	}
	if len(r.Active()) != 0 {
		t.Error("Expected no active sources")
	}
}

func TestLinkUnlinkTenant(t *testing.T) {
	r := newTestRegistry()
	r.Apply([]types.Source{src("a", "t1")})

	if err := r.LinkTenant("a", "t2"); err != nil {
		t.Fatalf("LinkTenant failed: %v", err)
	}
	if got := r.Tenants("a"); !reflect.DeepEqual(got, []string{"t1", "t2"}) {
		t.Errorf("Expected tenants [t1 t2], got %v", got)
	}

	if err := r.LinkTenant("a", "t2"); !errors.Is(err, ErrTenantLinked) {
		t.Errorf("Expected ErrTenantLinked on duplicate link, got %v", err)
	}

	if err := r.UnlinkTenant("a", "t1"); err != nil {
		t.Fatalf("UnlinkTenant failed: %v", err)
	}
	if err := r.UnlinkTenant("a", "t1"); !errors.Is(err, ErrTenantNotLinked) {
		t.Errorf("Expected ErrTenantNotLinked, got %v", err)
	}
}

func TestUnlinkLastTenantRemovesSource(t *testing.T) {
	r := newTestRegistry()
	r.Apply([]types.Source{src("a", "t1")})

	if err := r.UnlinkTenant("a", "t1"); err != nil {
		t.Fatalf("UnlinkTenant failed: %v", err)
	}

	state, err := r.State("a")
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if state != types.StateRemoved {
		t.Errorf("Expected source removed after last unlink, got %s", state)
	}
	if len(r.Active()) != 0 {
		t.Error("Expected no active sources after last unlink")
	}
}

func TestRecordReadResetsFailures(t *testing.T) {
	r := newTestRegistry()
	r.Apply([]types.Source{src("a", "t1")})

	if got := r.RecordFailure("a", errors.New("dial timeout")); got != 1 {
		t.Errorf("Expected 1 consecutive failure, got %d", got)
	}
	if got := r.RecordFailure("a", errors.New("dial timeout")); got != 2 {
		t.Errorf("Expected 2 consecutive failures, got %d", got)
	}

	r.RecordRead("a", 10, 8, 2)

	status, err := r.Status("a")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.ConsecutiveFailures != 0 {
		t.Errorf("Expected failures reset on success, got %d", status.ConsecutiveFailures)
	}
	if status.LinesRead != 10 || status.EventsEmitted != 8 || status.MalformedLines != 2 {
		t.Errorf("Unexpected counters: %+v", status)
	}
	if status.LastError != "" {
		t.Errorf("Expected last error cleared, got %q", status.LastError)
	}
}

func TestSnapshotStableOrder(t *testing.T) {
	r := newTestRegistry()
	r.Apply([]types.Source{src("c", "t1"), src("a", "t1"), src("b", "t1")})

	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Expected 3 statuses, got %d", len(snap))
	}
	if snap[0].SourceID != "a" || snap[1].SourceID != "b" || snap[2].SourceID != "c" {
		t.Errorf("Expected id-sorted snapshot, got %v", snap)
	}
}

func TestSetState(t *testing.T) {
	r := newTestRegistry()
	r.Apply([]types.Source{src("a", "t1")})

	if err := r.SetState("a", types.StateLive); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}
	state, _ := r.State("a")
	if state != types.StateLive {
		t.Errorf("Expected live, got %s", state)
	}

	if err := r.SetState("ghost", types.StateLive); !errors.Is(err, ErrSourceNotFound) {
		t.Errorf("Expected ErrSourceNotFound, got %v", err)
	}
}
