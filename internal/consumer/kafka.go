package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/IBM/sarama"

	"github.com/warfeedhq/ingest/internal/config"
	"github.com/warfeedhq/ingest/internal/reliability"
	"github.com/warfeedhq/ingest/pkg/types"
)

// Kafka publishes events to per-tenant topics. The message key is the dedup
// key, so re-deliveries of the same event land on the same partition and
// downstream compaction or consumer-side dedup can collapse them.
type Kafka struct {
	cfg      config.KafkaConsumerConfig
	producer sarama.SyncProducer
	closed   atomic.Bool
}

// NewKafka creates a Kafka consumer with a synchronous producer.
func NewKafka(cfg config.KafkaConsumerConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no brokers specified")
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "events"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "ingestd"
	}

	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	// Fire-and-forget acks would silently break re-delivery guarantees, so
	// an unset value means wait for the leader.
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	if cfg.RequiredAcks != 0 {
		sc.Producer.RequiredAcks = sarama.RequiredAcks(cfg.RequiredAcks)
	}
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	sc.ClientID = cfg.ClientID

	switch cfg.Compression {
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		sc.Producer.Compression = sarama.CompressionNone
	}

	if cfg.MaxMessageBytes > 0 {
		sc.Producer.MaxMessageBytes = cfg.MaxMessageBytes
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}

	return &Kafka{cfg: cfg, producer: producer}, nil
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Accept(ctx context.Context, ev types.NormalizedEvent, tenant string) error {
	if k.closed.Load() {
		return fmt.Errorf("kafka consumer is closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: k.cfg.TopicPrefix + "." + tenant,
		Key:   sarama.StringEncoder(ev.DedupKey),
		Value: sarama.ByteEncoder(value),
	}

	if _, _, err := k.producer.SendMessage(msg); err != nil {
		// Broker-side failures are transient from our point of view; the
		// dispatcher backs off and retries.
		return reliability.Retryable(fmt.Errorf("producing to %s: %w", msg.Topic, err))
	}
	return nil
}

func (k *Kafka) Close() error {
	if !k.closed.CompareAndSwap(false, true) {
		return nil
	}
	return k.producer.Close()
}
