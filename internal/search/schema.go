// Package search keeps the OpenSearch index of posts in step with the store.
//
// The index is a derived view: it is written after the relational upsert
// and can be rebuilt from the store at any time.
package search

import (
	"fmt"
	"strings"
)

// Schema declares how documents are searched, filtered and ordered.
type Schema struct {
	PrimaryKey   string
	Searchable   []string
	Filterable   []string
	Sortable     []string
	RankingRules []string // "relevance" or "<field>:asc|desc", applied in order
	Typo         TypoTolerance
}

// TypoTolerance sets the minimum word length before one and two typos are
// accepted in a query term.
type TypoTolerance struct {
	Enabled          bool
	OneTypoMinLength int
	TwoTypoMinLength int
}

// DefaultSchema is the post index configuration.
func DefaultSchema() Schema {
	return Schema{
		PrimaryKey:   "id",
		Searchable:   []string{"caption", "author", "hashtags", "language"},
		Filterable:   []string{"platform_id", "platform_name", "posted_at", "score", "score_trend", "language"},
		Sortable:     []string{"posted_at", "score", "score_trend"},
		RankingRules: []string{"relevance", "score_trend:desc", "posted_at:desc"},
		Typo:         TypoTolerance{Enabled: true, OneTypoMinLength: 4, TwoTypoMinLength: 8},
	}
}

// Fuzziness renders the typo settings as an OpenSearch fuzziness value.
func (t TypoTolerance) Fuzziness() string {
	if !t.Enabled {
		return "0"
	}
	return fmt.Sprintf("AUTO:%d,%d", t.OneTypoMinLength, t.TwoTypoMinLength)
}

func (s Schema) isSortable(field string) bool {
	for _, f := range s.Sortable {
		if f == field {
			return true
		}
	}
	return false
}

func (s Schema) isFilterable(field string) bool {
	for _, f := range s.Filterable {
		if f == field {
			return true
		}
	}
	return false
}

// mapping builds the index mapping. Searchable string fields are analyzed
// text; filterable ones are keywords or numerics. Fields that are both get
// a keyword sub-field named "raw".
func (s Schema) mapping() map[string]any {
	props := map[string]any{
		"id":            map[string]any{"type": "keyword"},
		"external_id":   map[string]any{"type": "keyword"},
		"platform_id":   map[string]any{"type": "long"},
		"platform_name": map[string]any{"type": "keyword"},
		"caption":       map[string]any{"type": "text"},
		"author":        textWithRaw(),
		"hashtags":      textWithRaw(),
		"language":      map[string]any{"type": "keyword"},
		"likes":         map[string]any{"type": "long"},
		"comments":      map[string]any{"type": "long"},
		"shares":        map[string]any{"type": "long"},
		"views":         map[string]any{"type": "long"},
		"posted_at":     map[string]any{"type": "date"},
		"fetched_at":    map[string]any{"type": "date"},
		"media_url":     map[string]any{"type": "keyword", "index": false},
		"score":         map[string]any{"type": "double"},
		"score_trend":   map[string]any{"type": "double"},
	}
	return map[string]any{
		"dynamic": false,
		"_meta": map[string]any{
			"primary_key":   s.PrimaryKey,
			"searchable":    s.Searchable,
			"filterable":    s.Filterable,
			"sortable":      s.Sortable,
			"ranking_rules": s.RankingRules,
			"typo_tolerance": map[string]any{
				"enabled":             s.Typo.Enabled,
				"one_typo_min_length": s.Typo.OneTypoMinLength,
				"two_typo_min_length": s.Typo.TwoTypoMinLength,
			},
		},
		"properties": props,
	}
}

func textWithRaw() map[string]any {
	return map[string]any{
		"type":   "text",
		"fields": map[string]any{"raw": map[string]any{"type": "keyword"}},
	}
}

// sortClause turns a "<field>:asc|desc" rule into an OpenSearch sort entry.
// "relevance" maps to _score.
func sortClause(rule string) (map[string]any, error) {
	if rule == "relevance" {
		return map[string]any{"_score": map[string]any{"order": "desc"}}, nil
	}
	field, order, ok := strings.Cut(rule, ":")
	if !ok {
		order = "desc"
	}
	if order != "asc" && order != "desc" {
		return nil, fmt.Errorf("invalid sort order %q", order)
	}
	return map[string]any{field: map[string]any{"order": order}}, nil
}
