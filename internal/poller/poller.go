// Package poller drives the poll cycle for every tracked source: lease a
// remote session, detect rotation, read new complete lines, persist the
// cursor, then parse and dispatch. The remote session is held only for the
// stat-and-read portion so slow downstreams never pin a connection.
package poller

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/warfeedhq/ingest/internal/cursor"
	"github.com/warfeedhq/ingest/internal/dispatch"
	"github.com/warfeedhq/ingest/internal/logging"
	"github.com/warfeedhq/ingest/internal/metrics"
	"github.com/warfeedhq/ingest/internal/normalize"
	"github.com/warfeedhq/ingest/internal/registry"
	"github.com/warfeedhq/ingest/internal/reliability"
	"github.com/warfeedhq/ingest/internal/remote"
	"github.com/warfeedhq/ingest/pkg/types"
)

// headSample is how many leading bytes feed the file fingerprint. Log files
// only grow at the tail, so a changed head means a different file.
const headSample = 512

// schedulerTick is how often due sources are collected.
const schedulerTick = time.Second

// Config controls poll scheduling and read sizing.
type Config struct {
	Interval         time.Duration
	Jitter           time.Duration
	DegradedInterval time.Duration
	DegradedAfter    int
	Workers          int
	ChunkSize        int
	MaxBatchBytes    int64
	ReadTimeout      time.Duration

	// Failed sources retry on this escalating schedule until they either
	// succeed or cross DegradedAfter and fall to the degraded cadence.
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
}

// Engine schedules and executes poll cycles.
type Engine struct {
	cfg     Config
	reg     *registry.Registry
	cursors *cursor.Store
	pool    *remote.Pool
	norm    *normalize.Normalizer
	disp    *dispatch.Dispatcher

	logger  *logging.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer

	mu       sync.Mutex
	next     map[string]time.Time
	inflight map[string]bool
}

// New creates a poll engine.
func New(cfg Config, reg *registry.Registry, cursors *cursor.Store, pool *remote.Pool,
	norm *normalize.Normalizer, disp *dispatch.Dispatcher,
	logger *logging.Logger, collector *metrics.Collector, tracer trace.Tracer) *Engine {

	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.DegradedInterval <= 0 {
		cfg.DegradedInterval = 5 * time.Minute
	}
	if cfg.DegradedAfter <= 0 {
		cfg.DegradedAfter = 4
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 256 * 1024
	}
	if cfg.MaxBatchBytes <= 0 {
		cfg.MaxBatchBytes = 4 * 1024 * 1024
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 5 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Minute
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2.0
	}

	return &Engine{
		cfg:      cfg,
		reg:      reg,
		cursors:  cursors,
		pool:     pool,
		norm:     norm,
		disp:     disp,
		logger:   logger.WithComponent("poller"),
		metrics:  collector,
		tracer:   tracer,
		next:     make(map[string]time.Time),
		inflight: make(map[string]bool),
	}
}

// Kick schedules the given sources for an immediate poll. Called when new
// sources appear in the registry.
func (e *Engine) Kick(ids []string) {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		e.next[id] = now
	}
}

// Forget drops scheduling state for removed sources.
func (e *Engine) Forget(ids []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		delete(e.next, id)
	}
}

// Run polls until the context is cancelled. Worker goroutines execute poll
// cycles; the scheduler loop hands them due sources. A source is never
// polled by two workers at once.
func (e *Engine) Run(ctx context.Context) error {
	work := make(chan types.Source)
	var wg sync.WaitGroup

	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for src := range work {
				e.poll(ctx, src)
				e.mu.Lock()
				e.inflight[src.ID] = false
				e.mu.Unlock()
			}
		}()
	}

	ticker := time.NewTicker(schedulerTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(work)
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			for _, src := range e.due() {
				select {
				case work <- src:
				case <-ctx.Done():
					close(work)
					wg.Wait()
					return ctx.Err()
				}
			}
		}
	}
}

// due collects sources whose next poll time has arrived, marks them
// inflight, and advances their schedule. A source still mid-poll is skipped
// so polls for one source stay serialized.
func (e *Engine) due() []types.Source {
	now := time.Now()
	var out []types.Source

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, src := range e.reg.Active() {
		next, ok := e.next[src.ID]
		if !ok {
			// First sighting: spread initial polls across the jitter
			// window so thousands of sources don't stat at once.
			e.next[src.ID] = now.Add(reliability.AddJitter(e.cfg.Jitter))
			continue
		}
		if now.Before(next) {
			continue
		}
		if e.inflight[src.ID] {
			e.metrics.PollsSkipped.WithLabelValues(src.ID, "inflight").Inc()
			e.next[src.ID] = now.Add(e.interval(src.ID))
			continue
		}
		e.inflight[src.ID] = true
		e.next[src.ID] = now.Add(e.interval(src.ID))
		out = append(out, src)
	}
	return out
}

// interval picks the cadence for a source's next poll. Degraded sources run
// at the fixed reduced cadence until a poll succeeds.
func (e *Engine) interval(id string) time.Duration {
	state, err := e.reg.State(id)
	if err == nil && state == types.StateDegraded {
		return reliability.AddJitter(e.cfg.DegradedInterval)
	}
	return e.cfg.Interval + reliability.AddJitter(e.cfg.Jitter)
}

// poll runs one complete cycle for a source.
func (e *Engine) poll(ctx context.Context, src types.Source) {
	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "poll",
			trace.WithAttributes(attribute.String("source.id", src.ID)))
		defer span.End()
	}

	start := time.Now()
	log := e.logger.WithSource(src.ID)

	events, counts, err := e.pollOnce(ctx, src, log)
	e.metrics.PollDuration.WithLabelValues(src.ID).Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, remote.ErrPoolSaturated) {
			e.metrics.PollsSkipped.WithLabelValues(src.ID, "pool_saturated").Inc()
			log.Debug().Msg("poll skipped, session pool saturated")
			return
		}
		if errors.Is(err, context.Canceled) {
			return
		}
		e.recordFailure(src.ID, err, log)
		return
	}

	e.reg.RecordRead(src.ID, counts.lines, int64(len(events)), counts.malformed)
	e.metrics.LinesRead.WithLabelValues(src.ID).Add(float64(counts.lines))
	e.metrics.BytesRead.WithLabelValues(src.ID).Add(float64(counts.bytes))
	e.metrics.EventsEmitted.WithLabelValues(src.ID).Add(float64(len(events)))
	e.metrics.MalformedLines.WithLabelValues(src.ID).Add(float64(counts.malformed))

	if len(events) > 0 {
		if err := e.disp.Dispatch(ctx, src.ID, events); err != nil {
			log.Warn().Err(err).Msg("dispatch interrupted")
		}
	}
}

type pollCounts struct {
	lines     int64
	bytes     int64
	malformed int64
}

// pollOnce leases a session, reads new lines, persists the cursor, and
// parses. The lease is released before parsing; the cursor is saved before
// the caller dispatches, so a crash between the two drops that batch instead
// of replaying lines that may already have been delivered. Re-delivery only
// happens on consumer-side retry, where the dedup key collapses duplicates.
func (e *Engine) pollOnce(ctx context.Context, src types.Source, log *logging.Logger) ([]types.NormalizedEvent, pollCounts, error) {
	var counts pollCounts

	cur, err := e.cursors.Load(src.ID)
	fresh := false
	if err != nil {
		if !errors.Is(err, cursor.ErrNotFound) {
			return nil, counts, err
		}
		fresh = true
	}

	lease, err := e.pool.Acquire(ctx, src)
	if err != nil {
		return nil, counts, err
	}
	released := false
	fail := func() {
		if !released {
			released = true
			lease.Fail()
		}
	}
	defer fail()

	readCtx, cancel := context.WithTimeout(ctx, e.cfg.ReadTimeout)
	defer cancel()

	info, err := lease.Session.Stat(readCtx, src.Path)
	if err != nil {
		return nil, counts, err
	}

	// The head hash is only taken once a full sample exists; hashing a
	// shorter prefix would change as the file grows and fake a rotation.
	observed := types.Fingerprint{Size: info.Size}
	if info.Size >= headSample {
		head, err := lease.Session.ReadRange(readCtx, src.Path, 0, headSample)
		if err != nil {
			return nil, counts, err
		}
		observed.HeadHash = xxhash.Sum64(head)
	}

	if fresh {
		// First contact: everything already in the file is history. It is
		// consumed to advance the cursor but produces no events.
		cur = types.Cursor{
			BackfillTarget: info.Size,
			Fingerprint:    observed,
		}
		if e.reg != nil {
			e.reg.SetState(src.ID, types.StateBackfilling)
		}
		log.Info().Int64("backfill_bytes", info.Size).Msg("new source, starting silent backfill")
	} else if cur.Fingerprint.Rotated(observed, cur.Offset) {
		// The file was rotated or truncated. The replacement file's
		// content is unseen history, not fresh activity: start over at
		// the top and re-enter silent backfill up to the observed size.
		log.Info().
			Int64("old_offset", cur.Offset).
			Int64("new_size", info.Size).
			Msg("rotation detected, resetting cursor")
		e.metrics.Rotations.WithLabelValues(src.ID).Inc()
		cur.Offset = 0
		cur.Line = 0
		cur.BackfillTarget = info.Size
		if e.reg != nil {
			e.reg.SetState(src.ID, types.StateBackfilling)
		}
	}
	cur.Fingerprint = observed

	var raws []types.RawLine
	for cur.Offset < info.Size && counts.bytes < e.cfg.MaxBatchBytes {
		chunk, err := lease.Session.ReadRange(readCtx, src.Path, cur.Offset, e.cfg.ChunkSize)
		if err != nil {
			return nil, counts, err
		}
		if len(chunk) == 0 {
			break
		}
		lines, consumed, lineCount := splitLines(src.ID, chunk, cur.Offset, cur.Line+1)
		if consumed == 0 {
			if len(chunk) < e.cfg.ChunkSize {
				// The chunk holds only an unfinished tail line. Leave it
				// for the next poll.
				break
			}
			// A full chunk without a terminator means one line is longer
			// than the read window. It cannot be parsed, but it must not
			// block the lines behind it: find its end, count it as
			// malformed and move on.
			end, err := e.scanLineEnd(readCtx, lease.Session, src.Path, cur.Offset+int64(len(chunk)), info.Size)
			if err != nil {
				return nil, counts, err
			}
			if end < 0 {
				// The oversized line is still unterminated at EOF.
				break
			}
			skip := end - cur.Offset
			log.Warn().Int64("line", cur.Line+1).Int64("bytes", skip).Msg("oversized line skipped")
			cur.Offset = end
			cur.Line++
			counts.bytes += skip
			counts.lines++
			counts.malformed++
			continue
		}
		raws = append(raws, lines...)
		cur.Offset += consumed
		cur.Line += lineCount
		counts.bytes += consumed
		counts.lines += lineCount
	}

	// Reads are done; free the session before the parse and dispatch work.
	released = true
	lease.Release()

	events := make([]types.NormalizedEvent, 0, len(raws))
	for _, raw := range raws {
		if raw.Offset < cur.BackfillTarget {
			continue
		}
		ev, err := e.norm.Parse(src.Format, raw)
		if err != nil {
			if errors.Is(err, normalize.ErrSkip) {
				continue
			}
			counts.malformed++
			log.Debug().Err(err).Int64("line", raw.Line).Msg("malformed line skipped")
			continue
		}
		events = append(events, ev)
	}

	if err := e.cursors.Save(src.ID, cur); err != nil {
		return nil, counts, err
	}

	if state, err := e.reg.State(src.ID); err == nil && state != types.StateLive && !cur.Backfilling() {
		e.reg.SetState(src.ID, types.StateLive)
		if state == types.StateBackfilling {
			log.Info().Int64("offset", cur.Offset).Msg("backfill complete, source live")
		}
	}

	return events, counts, nil
}

// scanLineEnd looks for the next line terminator at or after offset and
// returns the offset just past it, or -1 when none exists before size.
func (e *Engine) scanLineEnd(ctx context.Context, sess remote.Session, path string, offset, size int64) (int64, error) {
	for offset < size {
		chunk, err := sess.ReadRange(ctx, path, offset, e.cfg.ChunkSize)
		if err != nil {
			return 0, err
		}
		if len(chunk) == 0 {
			return -1, nil
		}
		if idx := bytes.IndexByte(chunk, '\n'); idx >= 0 {
			return offset + int64(idx) + 1, nil
		}
		offset += int64(len(chunk))
	}
	return -1, nil
}

func (e *Engine) recordFailure(id string, err error, log *logging.Logger) {
	e.metrics.PollFailures.WithLabelValues(id, failureReason(err)).Inc()
	failures := e.reg.RecordFailure(id, err)
	log.Warn().Err(err).Int("consecutive_failures", failures).Msg("poll failed")

	if failures >= e.cfg.DegradedAfter {
		if state, serr := e.reg.State(id); serr == nil && state != types.StateDegraded {
			e.reg.SetState(id, types.StateDegraded)
			log.Warn().Msg("source degraded, reducing poll cadence")
		}
		return
	}

	// Still below the degraded threshold: retry on the backoff schedule
	// instead of waiting out the full interval.
	delay := reliability.ExponentialBackoff(failures-1, e.cfg.BackoffInitial, e.cfg.BackoffMultiplier, e.cfg.BackoffMax)
	e.mu.Lock()
	e.next[id] = time.Now().Add(reliability.AddJitter(delay))
	e.mu.Unlock()
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, remote.ErrFileNotFound):
		return "file_not_found"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "transport"
	}
}
