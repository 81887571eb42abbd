package search

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/opensearch-project/opensearch-go/v4"
	"github.com/opensearch-project/opensearch-go/v4/opensearchapi"

	"github.com/TobiSchelling/trendsync/internal/content"
)

const bulkChunkSize = 500

// Options configures the OpenSearch connection.
type Options struct {
	Addresses          []string
	Index              string
	Username           string
	Password           string
	InsecureSkipVerify bool
}

// Indexer writes posts to an OpenSearch index and queries it.
type Indexer struct {
	client *opensearch.Client
	index  string
	schema Schema
}

// NewIndexer creates an indexer. No request is made until first use.
func NewIndexer(opts Options, schema Schema) (*Indexer, error) {
	cfg := opensearch.Config{
		Addresses: opts.Addresses,
		Username:  opts.Username,
		Password:  opts.Password,
	}
	if opts.InsecureSkipVerify {
		cfg.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}
	client, err := opensearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating OpenSearch client: %w", err)
	}
	index := opts.Index
	if index == "" {
		index = "posts"
	}
	return &Indexer{client: client, index: index, schema: schema}, nil
}

// Index returns the index name.
func (ix *Indexer) Index() string { return ix.index }

// Schema returns the schema the index is configured with.
func (ix *Indexer) Schema() Schema { return ix.schema }

// Healthy reports whether the cluster answers a health check.
func (ix *Indexer) Healthy(ctx context.Context) bool {
	res, err := ix.client.Do(ctx, opensearchapi.ClusterHealthReq{}, nil)
	if err != nil {
		return false
	}
	defer res.Body.Close()
	return !res.IsError()
}

// EnsureSchema creates the index if it is missing and applies the mapping
// derived from the schema. Re-applying an identical mapping is a no-op.
func (ix *Indexer) EnsureSchema(ctx context.Context) error {
	mapping := ix.schema.mapping()

	res, err := ix.client.Do(ctx, opensearchapi.IndicesExistsReq{Indices: []string{ix.index}}, nil)
	if err != nil {
		return fmt.Errorf("checking index %s: %w", ix.index, err)
	}
	res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotFound:
		body, err := json.Marshal(map[string]any{
			"settings": map[string]any{"index": map[string]any{"max_result_window": 10000}},
			"mappings": mapping,
		})
		if err != nil {
			return err
		}
		if err := ix.do(ctx, opensearchapi.IndicesCreateReq{Index: ix.index, Body: bytes.NewReader(body)}); err != nil {
			return fmt.Errorf("creating index %s: %w", ix.index, err)
		}
		slog.Info("Created search index", "index", ix.index)
		return nil

	case res.IsError():
		return fmt.Errorf("checking index %s: %s", ix.index, res.Status())
	}

	body, err := json.Marshal(mapping)
	if err != nil {
		return err
	}
	if err := ix.do(ctx, opensearchapi.MappingPutReq{Indices: []string{ix.index}, Body: bytes.NewReader(body)}); err != nil {
		return fmt.Errorf("updating mapping of %s: %w", ix.index, err)
	}
	return nil
}

// BulkError reports documents the cluster rejected inside an otherwise
// successful bulk request.
type BulkError struct {
	Failed int
	First  string
}

func (e *BulkError) Error() string {
	return fmt.Sprintf("%d documents rejected, first: %s", e.Failed, e.First)
}

// BatchIndex upserts records as documents keyed by DocumentID and returns
// how many were accepted. A transport or cluster failure fails the whole
// batch; per-document rejections are returned as a *BulkError alongside
// the count of accepted documents.
func (ix *Indexer) BatchIndex(ctx context.Context, records []content.Record) (int, error) {
	indexed := 0
	var bulkErr *BulkError
	for start := 0; start < len(records); start += bulkChunkSize {
		chunk := records[start:min(start+bulkChunkSize, len(records))]
		n, err := ix.bulk(ctx, chunk)
		indexed += n
		var be *BulkError
		if errors.As(err, &be) {
			if bulkErr == nil {
				bulkErr = &BulkError{First: be.First}
			}
			bulkErr.Failed += be.Failed
			continue
		}
		if err != nil {
			return indexed, err
		}
	}
	if bulkErr != nil {
		return indexed, bulkErr
	}
	return indexed, nil
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string          `json:"_id"`
		Status int             `json:"status"`
		Error  json.RawMessage `json:"error"`
	} `json:"items"`
}

func (ix *Indexer) bulk(ctx context.Context, records []content.Record) (int, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		action := map[string]any{"update": map[string]any{"_index": ix.index, "_id": r.DocumentID()}}
		if err := enc.Encode(action); err != nil {
			return 0, err
		}
		if err := enc.Encode(map[string]any{"doc": NewDocument(r), "doc_as_upsert": true}); err != nil {
			return 0, err
		}
	}

	res, err := ix.client.Do(ctx, opensearchapi.BulkReq{Index: ix.index, Body: &buf}, nil)
	if err != nil {
		return 0, fmt.Errorf("bulk indexing: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, fmt.Errorf("bulk indexing: %s: %s", res.Status(), readSnippet(res.Body))
	}

	var br bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&br); err != nil {
		return 0, fmt.Errorf("decoding bulk response: %w", err)
	}

	indexed := 0
	var bulkErr *BulkError
	for _, item := range br.Items {
		for _, result := range item {
			if result.Status >= 200 && result.Status < 300 {
				indexed++
				continue
			}
			if bulkErr == nil {
				bulkErr = &BulkError{First: result.ID + ": " + string(result.Error)}
			}
			bulkErr.Failed++
		}
	}
	if bulkErr != nil {
		return indexed, bulkErr
	}
	return indexed, nil
}

// Delete removes a document. A missing document is not an error.
func (ix *Indexer) Delete(ctx context.Context, docID string) error {
	res, err := ix.client.Do(ctx, opensearchapi.DocumentDeleteReq{Index: ix.index, DocumentID: docID}, nil)
	if err != nil {
		return fmt.Errorf("deleting %s: %w", docID, err)
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("deleting %s: %s", docID, res.Status())
	}
	return nil
}

func (ix *Indexer) do(ctx context.Context, req opensearch.Request) error {
	res, err := ix.client.Do(ctx, req, nil)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("%s: %s", res.Status(), readSnippet(res.Body))
	}
	return nil
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(b))
}

// Document is the indexed form of a record. Empty strings, empty hashtag
// lists and unknown timestamps are omitted so that a partial re-index
// never blanks a stored value.
type Document struct {
	ID           string     `json:"id"`
	ExternalID   string     `json:"external_id"`
	PlatformID   int64      `json:"platform_id"`
	PlatformName string     `json:"platform_name,omitempty"`
	Author       string     `json:"author,omitempty"`
	Caption      string     `json:"caption,omitempty"`
	Hashtags     []string   `json:"hashtags,omitempty"`
	Likes        int64      `json:"likes"`
	Comments     int64      `json:"comments"`
	Shares       int64      `json:"shares"`
	Views        int64      `json:"views"`
	PostedAt     *time.Time `json:"posted_at,omitempty"`
	FetchedAt    *time.Time `json:"fetched_at,omitempty"`
	Language     string     `json:"language,omitempty"`
	MediaURL     string     `json:"media_url,omitempty"`
	Score        float64    `json:"score"`
	ScoreTrend   float64    `json:"score_trend"`
}

// NewDocument flattens a record into its search document.
func NewDocument(r content.Record) Document {
	m := r.Metrics.Clamped()
	return Document{
		ID:           r.DocumentID(),
		ExternalID:   r.ExternalID,
		PlatformID:   r.PlatformID,
		PlatformName: r.PlatformName,
		Author:       r.Author,
		Caption:      r.Caption,
		Hashtags:     r.Hashtags,
		Likes:        m.Likes,
		Comments:     m.Comments,
		Shares:       m.Shares,
		Views:        m.Views,
		PostedAt:     timePtr(r.PostedAt),
		FetchedAt:    timePtr(r.FetchedAt),
		Language:     r.Language,
		MediaURL:     r.MediaURL,
		Score:        r.Score,
		ScoreTrend:   r.ScoreTrend,
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
