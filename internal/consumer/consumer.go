// Package consumer implements the downstream delivery targets events fan
// out to. Every consumer is keyed by tenant so multi-tenant sources land in
// per-tenant topics, indices or key prefixes.
package consumer

import (
	"context"
	"fmt"

	"github.com/warfeedhq/ingest/internal/config"
	"github.com/warfeedhq/ingest/internal/dispatch"
	"github.com/warfeedhq/ingest/internal/logging"
	"github.com/warfeedhq/ingest/pkg/types"
)

// NewFromConfig builds the configured consumer chain. Multiple configured
// consumers are wrapped in a Multi that delivers to all of them.
func NewFromConfig(cfgs []config.ConsumerConfig, logger *logging.Logger) (dispatch.Consumer, error) {
	consumers := make([]dispatch.Consumer, 0, len(cfgs))
	for i, cc := range cfgs {
		c, err := newOne(cc, logger)
		if err != nil {
			for _, built := range consumers {
				built.Close()
			}
			return nil, fmt.Errorf("consumer %d (%s): %w", i, cc.Type, err)
		}
		consumers = append(consumers, c)
	}
	if len(consumers) == 1 {
		return consumers[0], nil
	}
	return NewMulti(consumers), nil
}

func newOne(cc config.ConsumerConfig, logger *logging.Logger) (dispatch.Consumer, error) {
	switch cc.Type {
	case "stdout":
		return NewStdout(logger), nil
	case "kafka":
		return NewKafka(*cc.Kafka)
	case "elasticsearch":
		return NewElasticsearch(*cc.Elasticsearch)
	case "s3":
		return NewS3(*cc.S3, logger)
	default:
		return nil, fmt.Errorf("unknown consumer type %q", cc.Type)
	}
}

// Multi delivers each event to every wrapped consumer. The first error is
// returned; a retryable error from any consumer makes the whole delivery
// retryable, and consumers deduplicate repeats by dedup key.
type Multi struct {
	consumers []dispatch.Consumer
}

// NewMulti wraps a set of consumers.
func NewMulti(consumers []dispatch.Consumer) *Multi {
	return &Multi{consumers: consumers}
}

func (m *Multi) Name() string { return "multi" }

func (m *Multi) Accept(ctx context.Context, ev types.NormalizedEvent, tenant string) error {
	for _, c := range m.consumers {
		if err := c.Accept(ctx, ev, tenant); err != nil {
			return fmt.Errorf("%s: %w", c.Name(), err)
		}
	}
	return nil
}

func (m *Multi) Close() error {
	var firstErr error
	for _, c := range m.consumers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
