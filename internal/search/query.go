package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/opensearch-project/opensearch-go/v4/opensearchapi"
)

// ErrInvalidQuery is returned for filters or sorts the schema does not allow.
var ErrInvalidQuery = errors.New("invalid query")

const maxQueryLimit = 100

// Query is a full-text search over posts.
type Query struct {
	Text     string   `json:"q,omitempty"`
	Platform string   `json:"platform,omitempty"`
	Language string   `json:"language,omitempty"`
	MinScore *float64 `json:"min_score,omitempty"`
	MinTrend *float64 `json:"min_trend,omitempty"`
	Sort     []string `json:"sort,omitempty"` // "<field>:asc|desc"; empty uses the ranking rules
	Limit    int      `json:"limit,omitempty"`
	Offset   int      `json:"offset,omitempty"`
}

// Hit is one matching document.
type Hit struct {
	Relevance float64  `json:"relevance"`
	Document  Document `json:"document"`
}

// Results is a page of hits.
type Results struct {
	Total int   `json:"total"`
	Hits  []Hit `json:"hits"`
}

// Search runs q against the index.
func (ix *Indexer) Search(ctx context.Context, q Query) (*Results, error) {
	body, err := ix.buildQuery(q)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	res, err := ix.client.Do(ctx, opensearchapi.SearchReq{
		Indices: []string{ix.index},
		Body:    bytes.NewReader(payload),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", ix.index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("opensearch error: %s", res.Status())
	}

	var sr struct {
		Hits struct {
			Total struct {
				Value int `json:"value"`
			} `json:"total"`
			Hits []struct {
				Score  *float64 `json:"_score"`
				Source Document `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}

	out := &Results{Total: sr.Hits.Total.Value, Hits: make([]Hit, 0, len(sr.Hits.Hits))}
	for _, h := range sr.Hits.Hits {
		hit := Hit{Document: h.Source}
		if h.Score != nil {
			hit.Relevance = *h.Score
		}
		out.Hits = append(out.Hits, hit)
	}
	return out, nil
}

func (ix *Indexer) buildQuery(q Query) (map[string]any, error) {
	s := ix.schema

	var must []any
	if text := strings.TrimSpace(q.Text); text != "" {
		must = append(must, map[string]any{
			"multi_match": map[string]any{
				"query":     text,
				"fields":    s.Searchable,
				"fuzziness": s.Typo.Fuzziness(),
				"lenient":   true,
			},
		})
	} else {
		must = append(must, map[string]any{"match_all": map[string]any{}})
	}

	var filter []any
	if q.Platform != "" {
		filter = append(filter, map[string]any{"term": map[string]any{"platform_name": strings.ToLower(q.Platform)}})
	}
	if q.Language != "" {
		filter = append(filter, map[string]any{"term": map[string]any{"language": q.Language}})
	}
	if q.MinScore != nil {
		filter = append(filter, map[string]any{"range": map[string]any{"score": map[string]any{"gte": *q.MinScore}}})
	}
	if q.MinTrend != nil {
		filter = append(filter, map[string]any{"range": map[string]any{"score_trend": map[string]any{"gte": *q.MinTrend}}})
	}
	for _, f := range filter {
		for _, clause := range f.(map[string]any) {
			for field := range clause.(map[string]any) {
				if !s.isFilterable(field) {
					return nil, fmt.Errorf("%w: %s is not filterable", ErrInvalidQuery, field)
				}
			}
		}
	}

	var sorts []any
	if len(q.Sort) > 0 {
		for _, rule := range q.Sort {
			field, _, _ := strings.Cut(rule, ":")
			if !s.isSortable(field) {
				return nil, fmt.Errorf("%w: %s is not sortable", ErrInvalidQuery, field)
			}
			clause, err := sortClause(rule)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
			}
			sorts = append(sorts, clause)
		}
	} else {
		for _, rule := range s.RankingRules {
			clause, err := sortClause(rule)
			if err != nil {
				return nil, err
			}
			sorts = append(sorts, clause)
		}
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	limit = min(limit, maxQueryLimit)

	boolQuery := map[string]any{"must": must}
	if len(filter) > 0 {
		boolQuery["filter"] = filter
	}
	return map[string]any{
		"from":             max(q.Offset, 0),
		"size":             limit,
		"query":            map[string]any{"bool": boolQuery},
		"sort":             sorts,
		"track_total_hits": true,
	}, nil
}
