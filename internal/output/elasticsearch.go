package output

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/therealutkarshpriyadarshi/marianboard/internal/reliability"
	"github.com/therealutkarshpriyadarshi/marianboard/pkg/types"
)

// ElasticsearchConfig contains Elasticsearch-specific configuration
type ElasticsearchConfig struct {
	// Addresses is the list of Elasticsearch node URLs
	Addresses []string `yaml:"addresses"`

	// Index is the index name prefix
	Index string `yaml:"index"`

	// IndexRotation specifies how often to rotate indices (daily, monthly, none)
	IndexRotation string `yaml:"index_rotation,omitempty"`

	// Pipeline is the ingest pipeline to use
	Pipeline string `yaml:"pipeline,omitempty"`

	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	CloudID  string `yaml:"cloud_id,omitempty"`
	APIKey   string `yaml:"api_key,omitempty"`
}

// DefaultElasticsearchConfig returns default Elasticsearch configuration
func DefaultElasticsearchConfig() ElasticsearchConfig {
	return ElasticsearchConfig{
		Addresses:     []string{"http://localhost:9200"},
		Index:         "marian-metrics",
		IndexRotation: "monthly",
	}
}

// ElasticsearchSink indexes events with one bulk request per pass
type ElasticsearchSink struct {
	config ElasticsearchConfig
	client *elasticsearch.Client
	src    Source
	now    func() time.Time

	mu      sync.Mutex
	pending bytes.Buffer
	count   int
}

// NewElasticsearchSink creates a client and checks the cluster is reachable
func NewElasticsearchSink(config ElasticsearchConfig, src Source) (*ElasticsearchSink, error) {
	if len(config.Addresses) == 0 && config.CloudID == "" {
		return nil, fmt.Errorf("no addresses or cloud ID specified")
	}

	if config.Index == "" {
		return nil, fmt.Errorf("no index specified")
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: config.Addresses,
		CloudID:   config.CloudID,
		Username:  config.Username,
		Password:  config.Password,
		APIKey:    config.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	res, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch returned error: %s", res.Status())
	}

	return &ElasticsearchSink{
		config: config,
		client: client,
		src:    src,
		now:    time.Now,
	}, nil
}

func (e *ElasticsearchSink) Write(ctx context.Context, event types.MetricEvent) error {
	record := NewRecord(e.src, event, e.now())

	meta := map[string]any{"_index": e.indexName(record.Timestamp)}
	if e.config.Pipeline != "" {
		meta["pipeline"] = e.config.Pipeline
	}

	metaJSON, err := json.Marshal(map[string]any{"index": meta})
	if err != nil {
		return fmt.Errorf("failed to marshal bulk action: %w", err)
	}
	docJSON, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.pending.Write(metaJSON)
	e.pending.WriteByte('\n')
	e.pending.Write(docJSON)
	e.pending.WriteByte('\n')
	e.count++

	return nil
}

// Flush sends the pending documents with the Bulk API. Documents stay
// pending until a request succeeds.
func (e *ElasticsearchSink) Flush(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.count == 0 {
		return nil
	}

	res, err := e.client.Bulk(bytes.NewReader(e.pending.Bytes()), e.client.Bulk.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("bulk request failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("bulk request returned error: %s", res.Status())
	}

	var bulkResp struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int `json:"status"`
		} `json:"items"`
	}

	if err := json.NewDecoder(res.Body).Decode(&bulkResp); err != nil {
		return fmt.Errorf("failed to parse bulk response: %w", err)
	}

	sent := e.count
	e.pending.Reset()
	e.count = 0

	if bulkResp.Errors {
		failed := 0
		for _, item := range bulkResp.Items {
			for _, doc := range item {
				if doc.Status >= 400 {
					failed++
				}
			}
		}
		// Rejected documents are not resent; the rest were indexed
		return reliability.Permanent(fmt.Errorf("%d out of %d events failed to index", failed, sent))
	}

	return nil
}

// indexName appends a time based suffix when rotation is enabled
func (e *ElasticsearchSink) indexName(ts time.Time) string {
	switch e.config.IndexRotation {
	case "daily":
		return e.config.Index + "-" + ts.Format("2006.01.02")
	case "monthly":
		return e.config.Index + "-" + ts.Format("2006.01")
	default:
		return e.config.Index
	}
}

func (e *ElasticsearchSink) Name() string {
	return "elasticsearch"
}

func (e *ElasticsearchSink) Close() error {
	return e.Flush(context.Background())
}
