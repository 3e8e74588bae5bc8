package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warfeedhq/ingest/internal/logging"
	"github.com/warfeedhq/ingest/internal/metrics"
	"github.com/warfeedhq/ingest/pkg/types"
)

var (
	// ErrSourceNotFound is returned for operations on an unknown source id.
	ErrSourceNotFound = errors.New("source not found")
	// ErrTenantLinked is returned when linking a tenant that is already
	// linked to the source.
	ErrTenantLinked = errors.New("tenant already linked")
	// ErrTenantNotLinked is returned when unlinking a tenant that is not
	// linked to the source.
	ErrTenantNotLinked = errors.New("tenant not linked")
)

type entry struct {
	source types.Source
	state  types.SourceState

	tenants map[string]bool

	linesRead           int64
	eventsEmitted       int64
	malformedLines      int64
	consecutiveFailures int
	lastError           string
	lastPollAt          time.Time
}

// Registry is the authoritative in-memory view of every tracked source, its
// lifecycle state and its tenant links. All mutation happens under one lock
// so tenant link changes for a source are serialized against each other and
// against polls reading the tenant set.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	logger  *logging.Logger
	metrics *metrics.Collector
}

// New creates an empty registry.
func New(logger *logging.Logger, collector *metrics.Collector) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		logger:  logger.WithComponent("registry"),
		metrics: collector,
	}
}

// Apply reconciles the registry against a desired set of sources. New
// sources enter the registered state, changed sources keep their runtime
// state and counters but take the descriptor's tenant set exactly, and
// sources absent from the set move to removed. Returns the ids that were
// added and removed.
func (r *Registry) Apply(sources []types.Source) (added, removed []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	desired := make(map[string]types.Source, len(sources))
	for _, s := range sources {
		desired[s.ID] = s
	}

	for id, s := range desired {
		e, ok := r.entries[id]
		if !ok || e.state == types.StateRemoved {
			tenants := make(map[string]bool, len(s.Tenants))
			for _, t := range s.Tenants {
				tenants[t] = true
			}
			r.entries[id] = &entry{
				source:  s,
				state:   types.StateRegistered,
				tenants: tenants,
			}
			r.setStateMetric(id, types.StateRegistered)
			added = append(added, id)
			continue
		}
		// Connection details may change underneath a running source. The
		// next poll dials with the new endpoint.
		e.source = s

		// The descriptor's tenant list is authoritative: a tenant dropped
		// from the sources file stops receiving events on the next dispatch.
		linked := make(map[string]bool, len(s.Tenants))
		for _, t := range s.Tenants {
			linked[t] = true
		}
		for t := range e.tenants {
			if !linked[t] {
				delete(e.tenants, t)
				r.logger.Info().Str("source", id).Str("tenant", t).Msg("tenant unlinked")
			}
		}
		for t := range linked {
			e.tenants[t] = true
		}
		if len(e.tenants) == 0 {
			e.state = types.StateRemoved
			r.setStateMetric(id, types.StateRemoved)
			removed = append(removed, id)
			r.logger.Info().Str("source", id).Msg("last tenant unlinked, source removed")
		}
	}

	for id, e := range r.entries {
		if _, ok := desired[id]; ok || e.state == types.StateRemoved {
			continue
		}
		e.state = types.StateRemoved
		e.tenants = make(map[string]bool)
		r.setStateMetric(id, types.StateRemoved)
		removed = append(removed, id)
	}

	sort.Strings(added)
	sort.Strings(removed)

	if len(added) > 0 || len(removed) > 0 {
		r.logger.Info().
			Strs("added", added).
			Strs("removed", removed).
			Int("total", len(r.entries)).
			Msg("source set reconciled")
	}
	return added, removed
}

// Get returns the source definition for an id.
func (r *Registry) Get(id string) (types.Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok || e.state == types.StateRemoved {
		return types.Source{}, false
	}
	return e.source, true
}

// Active returns every source that is not removed, in stable id order.
func (r *Registry) Active() []types.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Source, 0, len(r.entries))
	for _, e := range r.entries {
		if e.state == types.StateRemoved {
			continue
		}
		out = append(out, e.source)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// State returns the lifecycle state of a source.
func (r *Registry) State(id string) (types.SourceState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSourceNotFound, id)
	}
	return e.state, nil
}

// SetState moves a source to a new lifecycle state.
func (r *Registry) SetState(id string, state types.SourceState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSourceNotFound, id)
	}
	if e.state == state {
		return nil
	}
	r.logger.Debug().
		Str("source", id).
		Str("from", string(e.state)).
		Str("to", string(state)).
		Msg("source state transition")
	e.state = state
	r.setStateMetric(id, state)
	return nil
}

// LinkTenant adds a tenant to a source. A tenant linked after the source is
// already live receives only events from that point forward; no history is
// replayed.
func (r *Registry) LinkTenant(id, tenant string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.state == types.StateRemoved {
		return fmt.Errorf("%w: %s", ErrSourceNotFound, id)
	}
	if e.tenants[tenant] {
		return fmt.Errorf("%w: %s -> %s", ErrTenantLinked, tenant, id)
	}
	e.tenants[tenant] = true
	r.logger.Info().Str("source", id).Str("tenant", tenant).Msg("tenant linked")
	return nil
}

// UnlinkTenant removes a tenant from a source. Removing the last tenant
// moves the source to the removed state; its cursor is retained so a re-add
// within the retention window resumes instead of backfilling.
func (r *Registry) UnlinkTenant(id, tenant string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.state == types.StateRemoved {
		return fmt.Errorf("%w: %s", ErrSourceNotFound, id)
	}
	if !e.tenants[tenant] {
		return fmt.Errorf("%w: %s -> %s", ErrTenantNotLinked, tenant, id)
	}
	delete(e.tenants, tenant)
	r.logger.Info().Str("source", id).Str("tenant", tenant).Msg("tenant unlinked")
	if len(e.tenants) == 0 {
		e.state = types.StateRemoved
		r.setStateMetric(id, types.StateRemoved)
		r.logger.Info().Str("source", id).Msg("last tenant unlinked, source removed")
	}
	return nil
}

// Tenants returns the tenant set of a source as of now. The dispatcher calls
// this per event batch so link changes take effect on the next dispatch, not
// retroactively.
func (r *Registry) Tenants(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(e.tenants))
	for t := range e.tenants {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// RecordRead accumulates per-source read counters after a successful poll.
func (r *Registry) RecordRead(id string, lines, events, malformed int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return
	}
	e.linesRead += lines
	e.eventsEmitted += events
	e.malformedLines += malformed
	e.consecutiveFailures = 0
	e.lastError = ""
	e.lastPollAt = time.Now()
}

// RecordFailure notes a failed poll and returns the new consecutive failure
// count so the caller can decide on degradation.
func (r *Registry) RecordFailure(id string, err error) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return 0
	}
	e.consecutiveFailures++
	if err != nil {
		e.lastError = err.Error()
	}
	e.lastPollAt = time.Now()
	return e.consecutiveFailures
}

// Status returns the observable state of one source.
func (r *Registry) Status(id string) (types.SourceStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return types.SourceStatus{}, fmt.Errorf("%w: %s", ErrSourceNotFound, id)
	}
	return r.statusLocked(id, e), nil
}

// Snapshot returns the status of every known source, removed ones included,
// in stable id order.
func (r *Registry) Snapshot() []types.SourceStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.SourceStatus, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, r.statusLocked(id, e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

func (r *Registry) statusLocked(id string, e *entry) types.SourceStatus {
	tenants := make([]string, 0, len(e.tenants))
	for t := range e.tenants {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)
	return types.SourceStatus{
		SourceID:            id,
		State:               e.state,
		Tenants:             tenants,
		LinesRead:           e.linesRead,
		EventsEmitted:       e.eventsEmitted,
		MalformedLines:      e.malformedLines,
		ConsecutiveFailures: e.consecutiveFailures,
		LastError:           e.lastError,
		LastPollAt:          e.lastPollAt,
	}
}

func (r *Registry) setStateMetric(id string, state types.SourceState) {
	if r.metrics != nil {
		r.metrics.SetSourceState(id, string(state))
	}
}
