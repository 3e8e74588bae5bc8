// Package dispatch fans normalized events out to every tenant linked to the
// originating source. Delivery is at-least-once; consumers discard repeats
// by dedup key.
package dispatch

import (
	"context"
	"time"

	"github.com/warfeedhq/ingest/internal/logging"
	"github.com/warfeedhq/ingest/internal/metrics"
	"github.com/warfeedhq/ingest/internal/reliability"
	"github.com/warfeedhq/ingest/pkg/types"
)

// Consumer receives events on behalf of tenants. Accept returns a
// reliability.Retryable error for transient failures; any other error is
// permanent and the delivery is abandoned.
type Consumer interface {
	Name() string
	Accept(ctx context.Context, ev types.NormalizedEvent, tenant string) error
	Close() error
}

// TenantResolver resolves a source's tenant links as of now.
type TenantResolver interface {
	Tenants(sourceID string) []string
}

// Config controls delivery retries.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Dispatcher delivers each event once per linked tenant. Tenant links are
// resolved when a batch is dispatched, not when the line was read, so a
// tenant linked mid-backfill starts receiving events immediately but never
// retroactively.
type Dispatcher struct {
	resolver TenantResolver
	consumer Consumer
	retry    reliability.RetryConfig

	logger  *logging.Logger
	metrics *metrics.Collector
}

// New creates a dispatcher delivering through the given consumer.
func New(resolver TenantResolver, consumer Consumer, cfg Config, logger *logging.Logger, collector *metrics.Collector) *Dispatcher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Dispatcher{
		resolver: resolver,
		consumer: consumer,
		retry: reliability.RetryConfig{
			MaxRetries:     cfg.MaxRetries,
			InitialBackoff: cfg.InitialBackoff,
			MaxBackoff:     cfg.MaxBackoff,
			Multiplier:     2.0,
			Jitter:         true,
		},
		logger:  logger.WithComponent("dispatcher"),
		metrics: collector,
	}
}

// Dispatch delivers a batch of events from one source. Events from a source
// with no linked tenants are dropped and counted. A failed delivery to one
// tenant never blocks delivery to the others.
func (d *Dispatcher) Dispatch(ctx context.Context, sourceID string, events []types.NormalizedEvent) error {
	if len(events) == 0 {
		return nil
	}

	tenants := d.resolver.Tenants(sourceID)
	if len(tenants) == 0 {
		d.metrics.EventsDropped.WithLabelValues(sourceID).Add(float64(len(events)))
		d.logger.Warn().
			Str("source", sourceID).
			Int("events", len(events)).
			Msg("dropping events, source has no linked tenants")
		return nil
	}

	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		ev.Tenants = tenants
		for _, tenant := range tenants {
			d.deliver(ctx, ev, tenant)
		}
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, ev types.NormalizedEvent, tenant string) {
	attempt := 0
	err := reliability.Retry(ctx, d.retry, func(ctx context.Context) error {
		if attempt > 0 {
			d.metrics.DeliveryRetries.WithLabelValues(tenant).Inc()
		}
		attempt++
		return d.consumer.Accept(ctx, ev, tenant)
	})
	if err != nil {
		d.metrics.DeliveryFailures.WithLabelValues(tenant).Inc()
		d.logger.Error().
			Err(err).
			Str("tenant", tenant).
			Str("source", ev.SourceID).
			Str("dedup_key", ev.DedupKey).
			Msg("delivery abandoned")
		return
	}
	d.metrics.Deliveries.WithLabelValues(tenant).Inc()
}
