package remote

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/warfeedhq/ingest/internal/logging"
	"github.com/warfeedhq/ingest/internal/metrics"
	"github.com/warfeedhq/ingest/pkg/types"
)

type fakeSession struct {
	closed bool
}

func (s *fakeSession) Stat(context.Context, string) (FileInfo, error) {
	return FileInfo{Size: 0}, nil
}

func (s *fakeSession) ReadRange(context.Context, string, int64, int) ([]byte, error) {
	return nil, nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type fakeDialer struct {
	mu          sync.Mutex
	dials       int
	invalidated []string
	dialErr     error
}

func (d *fakeDialer) Dial(_ context.Context, src types.Source) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	d.dials++
	return &fakeSession{}, nil
}

func (d *fakeDialer) Invalidate(src types.Source) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.invalidated = append(d.invalidated, src.HostKey())
}

func (d *fakeDialer) Close() error { return nil }

func testSource(id string) types.Source {
	return types.Source{
		ID:       id,
		Host:     "game.example.com",
		Port:     22,
		Username: "steam",
		Path:     "/srv/deathlogs/" + id + ".csv",
	}
}

func newTestPool(dialer Dialer, maxSessions int64, acquireTimeout time.Duration) *Pool {
	return NewPool(dialer, PoolConfig{
		MaxSessions:    maxSessions,
		AcquireTimeout: acquireTimeout,
		ReadsPerSecond: 1000,
	}, logging.Nop(), metrics.NewCollector())
}

func TestPoolAcquireRelease(t *testing.T) {
	dialer := &fakeDialer{}
	pool := newTestPool(dialer, 2, time.Second)

	lease, err := pool.Acquire(context.Background(), testSource("a"))
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if lease.Session == nil {
		t.Fatal("Expected a session on the lease")
	}
	lease.Release()

	if len(dialer.invalidated) != 0 {
		t.Errorf("Release must not invalidate the transport, got %v", dialer.invalidated)
	}
}

func TestPoolSaturation(t *testing.T) {
	dialer := &fakeDialer{}
	pool := newTestPool(dialer, 1, 50*time.Millisecond)

	lease, err := pool.Acquire(context.Background(), testSource("a"))
	if err != nil {
		t.Fatalf("First acquire failed: %v", err)
	}

	// Second acquire must time out while the only slot is held.
	_, err = pool.Acquire(context.Background(), testSource("b"))
	if !errors.Is(err, ErrPoolSaturated) {
		t.Errorf("Expected ErrPoolSaturated, got %v", err)
	}

	lease.Release()

	// Slot is free again.
	lease2, err := pool.Acquire(context.Background(), testSource("b"))
	if err != nil {
		t.Fatalf("Acquire after release failed: %v", err)
	}
	lease2.Release()
}

func TestPoolFailInvalidatesTransport(t *testing.T) {
	dialer := &fakeDialer{}
	pool := newTestPool(dialer, 2, time.Second)

	src := testSource("a")
	lease, err := pool.Acquire(context.Background(), src)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	lease.Fail()

	if len(dialer.invalidated) != 1 || dialer.invalidated[0] != src.HostKey() {
		t.Errorf("Expected transport invalidation for %s, got %v", src.HostKey(), dialer.invalidated)
	}
}

func TestPoolReleaseIdempotent(t *testing.T) {
	dialer := &fakeDialer{}
	pool := newTestPool(dialer, 1, 50*time.Millisecond)

	lease, err := pool.Acquire(context.Background(), testSource("a"))
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	lease.Release()
	lease.Release()
	lease.Fail()

	// Double release must not free a second slot.
	lease2, err := pool.Acquire(context.Background(), testSource("a"))
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer lease2.Release()

	if _, err := pool.Acquire(context.Background(), testSource("b")); !errors.Is(err, ErrPoolSaturated) {
		t.Errorf("Expected saturation with one slot held, got %v", err)
	}
}

func TestPoolDialFailureFreesSlot(t *testing.T) {
	dialer := &fakeDialer{dialErr: errors.New("connection refused")}
	pool := newTestPool(dialer, 1, 50*time.Millisecond)

	if _, err := pool.Acquire(context.Background(), testSource("a")); err == nil {
		t.Fatal("Expected dial error")
	}

	// The slot must have been returned despite the failed dial.
	dialer.mu.Lock()
	dialer.dialErr = nil
	dialer.mu.Unlock()

	lease, err := pool.Acquire(context.Background(), testSource("a"))
	if err != nil {
		t.Fatalf("Acquire after failed dial: %v", err)
	}
	lease.Release()
}

func TestPoolCancelledContext(t *testing.T) {
	dialer := &fakeDialer{}
	pool := newTestPool(dialer, 1, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := pool.Acquire(ctx, testSource("a")); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
