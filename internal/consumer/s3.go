package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang/snappy"

	"github.com/warfeedhq/ingest/internal/config"
	"github.com/warfeedhq/ingest/internal/logging"
	"github.com/warfeedhq/ingest/internal/reliability"
	"github.com/warfeedhq/ingest/pkg/types"
)

// S3 archives events as per-tenant NDJSON batches. Batches flush when they
// reach the configured size or age; each object key embeds the tenant and
// the flush time, so re-delivered events at worst duplicate a line inside an
// archive object, never corrupt one.
type S3 struct {
	cfg           config.S3ConsumerConfig
	flushInterval time.Duration
	client        *s3.Client
	logger        *logging.Logger

	mu      sync.Mutex
	batches map[string]*tenantBatch
	closed  bool

	stop chan struct{}
	done chan struct{}
}

type tenantBatch struct {
	buf   bytes.Buffer
	count int
	since time.Time
}

// NewS3 creates the archive consumer and starts its flush loop.
func NewS3(cfg config.S3ConsumerConfig, logger *logging.Logger) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("no bucket specified")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	flushInterval := cfg.FlushInterval.Std()
	if flushInterval <= 0 {
		flushInterval = time.Minute
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	var opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	c := &S3{
		cfg:           cfg,
		flushInterval: flushInterval,
		client:        s3.NewFromConfig(awsCfg, opts...),
		logger:        logger.WithComponent("s3-consumer"),
		batches:       make(map[string]*tenantBatch),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go c.flushLoop()
	return c, nil
}

func (c *S3) Name() string { return "s3" }

func (c *S3) Accept(ctx context.Context, ev types.NormalizedEvent, tenant string) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("s3 consumer is closed")
	}
	b, ok := c.batches[tenant]
	if !ok {
		b = &tenantBatch{since: time.Now()}
		c.batches[tenant] = b
	}
	b.buf.Write(data)
	b.buf.WriteByte('\n')
	b.count++

	var flush *tenantBatch
	if b.count >= c.cfg.BatchSize {
		flush = b
		delete(c.batches, tenant)
	}
	c.mu.Unlock()

	if flush != nil {
		if err := c.upload(ctx, tenant, flush); err != nil {
			return reliability.Retryable(err)
		}
	}
	return nil
}

// flushLoop pushes out batches that have aged past the flush interval even
// when their tenant is quiet.
func (c *S3) flushLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.flushAged()
		}
	}
}

func (c *S3) flushAged() {
	cutoff := time.Now().Add(-c.flushInterval)

	c.mu.Lock()
	aged := make(map[string]*tenantBatch)
	for tenant, b := range c.batches {
		if b.since.Before(cutoff) && b.count > 0 {
			aged[tenant] = b
			delete(c.batches, tenant)
		}
	}
	c.mu.Unlock()

	for tenant, b := range aged {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := c.upload(ctx, tenant, b); err != nil {
			c.logger.Error().Err(err).Str("tenant", tenant).Int("events", b.count).Msg("archive flush failed, batch lost")
		}
		cancel()
	}
}

func (c *S3) upload(ctx context.Context, tenant string, b *tenantBatch) error {
	data := b.buf.Bytes()
	key := c.key(tenant, time.Now())
	contentType := "application/x-ndjson"

	if c.cfg.Compression == "snappy" {
		data = snappy.Encode(nil, data)
		key += ".snappy"
		contentType = "application/octet-stream"
	}

	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("uploading archive batch for %s: %w", tenant, err)
	}

	c.logger.Debug().
		Str("tenant", tenant).
		Str("key", key).
		Int("events", b.count).
		Int("bytes", len(data)).
		Msg("archive batch uploaded")
	return nil
}

func (c *S3) key(tenant string, ts time.Time) string {
	ts = ts.UTC()
	return fmt.Sprintf("%s%s/%04d/%02d/%02d/%d.ndjson",
		c.cfg.Prefix, tenant, ts.Year(), ts.Month(), ts.Day(), ts.UnixNano())
}

// Close flushes every pending batch and stops the flush loop.
func (c *S3) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.batches
	c.batches = make(map[string]*tenantBatch)
	c.mu.Unlock()

	close(c.stop)
	<-c.done

	var firstErr error
	for tenant, b := range pending {
		if b.count == 0 {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := c.upload(ctx, tenant, b); err != nil && firstErr == nil {
			firstErr = err
		}
		cancel()
	}
	return firstErr
}
