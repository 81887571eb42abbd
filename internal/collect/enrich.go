package collect

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	readability "github.com/go-shiori/go-readability"
)

const minEnrichedLength = 20

// Enricher fetches linked pages and extracts their main text with
// readability. Once a host answers with an HTTP error it is skipped for the
// lifetime of the enricher.
type Enricher struct {
	client *http.Client

	mu          sync.Mutex
	failedHosts map[string]struct{}
}

// NewEnricher creates an enricher with the given per-request timeout.
func NewEnricher(timeout time.Duration) *Enricher {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Enricher{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		failedHosts: make(map[string]struct{}),
	}
}

// Text returns the readable text of link, or "" when nothing useful could
// be extracted.
func (e *Enricher) Text(ctx context.Context, link string) (string, error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", err
	}
	host := strings.ToLower(u.Host)

	e.mu.Lock()
	_, failed := e.failedHosts[host]
	e.mu.Unlock()
	if failed {
		return "", nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "trendsync/1.0 (hashtag monitor)")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		e.mu.Lock()
		e.failedHosts[host] = struct{}{}
		e.mu.Unlock()
		return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, host)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", err
	}

	article, err := readability.FromReader(strings.NewReader(string(body)), u)
	if err != nil {
		return "", err
	}
	text := strings.Join(strings.Fields(article.TextContent), " ")
	if len(text) < minEnrichedLength {
		return "", nil
	}
	return text, nil
}
