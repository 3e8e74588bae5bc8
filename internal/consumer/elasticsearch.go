package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/warfeedhq/ingest/internal/config"
	"github.com/warfeedhq/ingest/internal/reliability"
	"github.com/warfeedhq/ingest/pkg/types"
)

// Elasticsearch indexes events into per-tenant indices. The document id is
// the event's dedup key, so a re-delivered event overwrites its earlier copy
// instead of duplicating it.
type Elasticsearch struct {
	cfg    config.ElasticsearchConsumerConfig
	client *elasticsearch.Client
	closed atomic.Bool
}

// NewElasticsearch creates an Elasticsearch consumer and verifies the
// cluster is reachable.
func NewElasticsearch(cfg config.ElasticsearchConsumerConfig) (*Elasticsearch, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("no addresses specified")
	}
	if cfg.IndexPrefix == "" {
		cfg.IndexPrefix = "events"
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		APIKey:    cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("creating elasticsearch client: %w", err)
	}

	res, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("connecting to elasticsearch: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch returned error: %s", res.Status())
	}

	return &Elasticsearch{cfg: cfg, client: client}, nil
}

func (e *Elasticsearch) Name() string { return "elasticsearch" }

func (e *Elasticsearch) Accept(ctx context.Context, ev types.NormalizedEvent, tenant string) error {
	if e.closed.Load() {
		return fmt.Errorf("elasticsearch consumer is closed")
	}

	doc, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	req := esapi.IndexRequest{
		Index:      e.cfg.IndexPrefix + "-" + tenant,
		DocumentID: ev.DedupKey,
		Body:       bytes.NewReader(doc),
		Refresh:    "false",
	}

	res, err := req.Do(ctx, e.client)
	if err != nil {
		return reliability.Retryable(fmt.Errorf("indexing event: %w", err))
	}
	defer res.Body.Close()

	if res.IsError() {
		// Server-side overload is worth retrying; mapping conflicts and
		// other client errors are not.
		if res.StatusCode >= http.StatusInternalServerError || res.StatusCode == http.StatusTooManyRequests {
			return reliability.Retryable(fmt.Errorf("elasticsearch returned %s", res.Status()))
		}
		return fmt.Errorf("elasticsearch returned %s", res.Status())
	}
	return nil
}

func (e *Elasticsearch) Close() error {
	e.closed.Store(true)
	return nil
}
