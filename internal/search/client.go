// Package search wraps the Elasticsearch cluster behind the indexer:
// idempotent index bootstrap and a bulk writer with bounded batching.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
)

// BulkItemError is one failed operation out of a bulk request.
type BulkItemError struct {
	DocID  string
	Status int
	Reason string
}

// Engine is the slice of the search cluster the indexer needs; tests
// substitute a fake.
type Engine interface {
	EnsureIndices(ctx context.Context) error
	DoBulk(ctx context.Context, body []byte) ([]BulkItemError, error)
}

// ESClient implements Engine over the official client.
type ESClient struct {
	es *elasticsearch.Client
}

// NewESClient connects to the cluster at url.
func NewESClient(url string) (*ESClient, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{url},
	})
	if err != nil {
		return nil, fmt.Errorf("elasticsearch client: %w", err)
	}
	return &ESClient{es: es}, nil
}

// EnsureIndices creates every managed index that does not already exist.
// Safe to run on every startup.
func (c *ESClient) EnsureIndices(ctx context.Context) error {
	for name, body := range indexDefinitions {
		exists, err := c.indexExists(ctx, name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		res, err := c.es.Indices.Create(name,
			c.es.Indices.Create.WithBody(bytes.NewReader([]byte(body))),
			c.es.Indices.Create.WithContext(ctx),
		)
		if err != nil {
			return fmt.Errorf("create index %s: %w", name, err)
		}
		defer res.Body.Close()
		if res.IsError() {
			// A concurrent instance may have won the race; that is fine.
			if res.StatusCode == 400 {
				slog.Debug("index create conflict, assuming concurrent bootstrap", "index", name)
				continue
			}
			return fmt.Errorf("create index %s: %s", name, res.String())
		}
		slog.Info("search index created", "index", name)
	}
	return nil
}

func (c *ESClient) indexExists(ctx context.Context, name string) (bool, error) {
	res, err := c.es.Indices.Exists([]string{name},
		c.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("probe index %s: %w", name, err)
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)
	return res.StatusCode == 200, nil
}

// DoBulk executes one NDJSON bulk body. Transport or whole-request
// failures return an error; per-item failures return item errors with
// the request considered delivered.
func (c *ESClient) DoBulk(ctx context.Context, body []byte) ([]BulkItemError, error) {
	res, err := c.es.Bulk(bytes.NewReader(body), c.es.Bulk.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("bulk request: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("bulk request: %s", res.String())
	}

	var parsed struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode bulk response: %w", err)
	}
	if !parsed.Errors {
		return nil, nil
	}

	var itemErrs []BulkItemError
	for _, item := range parsed.Items {
		for _, op := range item {
			if op.Status >= 300 {
				ie := BulkItemError{DocID: op.ID, Status: op.Status}
				if op.Error != nil {
					ie.Reason = op.Error.Type + ": " + op.Error.Reason
				}
				itemErrs = append(itemErrs, ie)
			}
		}
	}
	return itemErrs, nil
}
