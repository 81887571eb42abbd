package collect

import (
	"fmt"
	"net/http"
	"time"

	"github.com/TobiSchelling/trendsync/internal/config"
)

// Source bundles what the pipeline needs from one configured platform.
// Trending is nil for platforms without trending discovery.
type Source struct {
	Pages    PageSource
	Trending TrendingSource
}

// CredentialsFor resolves a platform's credential source from the
// environment variables named in its config.
func CredentialsFor(p config.Platform, timeout time.Duration) CredentialSource {
	if p.TokenEnv != "" {
		return StaticToken(config.Secret(p.TokenEnv))
	}
	if p.ClientKeyEnv != "" {
		return NewClientCredentials(
			p.TokenURL,
			config.Secret(p.ClientKeyEnv),
			config.Secret(p.ClientSecretEnv),
			&http.Client{Timeout: timeout},
		)
	}
	return StaticToken("")
}

// NewSource builds the page source for a configured platform.
func NewSource(p config.Platform, s config.Sync) (*Source, error) {
	switch p.Kind {
	case config.KindContentAPI, "":
		if p.BaseURL == "" || p.SearchPath == "" {
			return nil, fmt.Errorf("platform %s: base_url and search_path are required", p.Name)
		}
		api := NewContentAPI(p.BaseURL, p.SearchPath, p.TrendingPath, CredentialsFor(p, s.RequestTimeout), s.RequestTimeout)
		src := &Source{Pages: api}
		if p.TrendingPath != "" {
			src.Trending = api
		}
		return src, nil

	case config.KindGraphAPI:
		if p.BaseURL == "" {
			return nil, fmt.Errorf("platform %s: base_url is required", p.Name)
		}
		api := NewGraphAPI(p.BaseURL, config.Secret(p.AccountIDEnv), CredentialsFor(p, s.RequestTimeout), s.RequestTimeout)
		return &Source{Pages: api}, nil

	case config.KindFeed:
		if p.FeedURL == "" {
			return nil, fmt.Errorf("platform %s: feed_url is required", p.Name)
		}
		var enricher *Enricher
		if p.EnrichCaptions {
			enricher = NewEnricher(s.RequestTimeout)
		}
		return &Source{Pages: NewFeedSource(p.FeedURL, s.RequestTimeout, enricher)}, nil

	default:
		return nil, fmt.Errorf("platform %s: unknown kind %q", p.Name, p.Kind)
	}
}
