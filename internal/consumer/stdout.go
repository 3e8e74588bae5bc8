package consumer

import (
	"context"

	"github.com/warfeedhq/ingest/internal/logging"
	"github.com/warfeedhq/ingest/pkg/types"
)

// Stdout logs every delivered event. Useful for development and as a
// smoke-test consumer before real downstreams are configured.
type Stdout struct {
	logger *logging.Logger
}

// NewStdout creates a stdout consumer.
func NewStdout(logger *logging.Logger) *Stdout {
	return &Stdout{logger: logger.WithComponent("stdout-consumer")}
}

func (s *Stdout) Name() string { return "stdout" }

func (s *Stdout) Accept(_ context.Context, ev types.NormalizedEvent, tenant string) error {
	s.logger.Info().
		Str("tenant", tenant).
		Str("source", ev.SourceID).
		Str("kind", string(ev.Kind)).
		Str("killer", ev.Killer).
		Str("victim", ev.Victim).
		Str("weapon", ev.Weapon).
		Float64("distance", ev.Distance).
		Str("dedup_key", ev.DedupKey).
		Time("event_time", ev.Timestamp).
		Msg("event")
	return nil
}

func (s *Stdout) Close() error { return nil }
