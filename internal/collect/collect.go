package collect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
)

// MaxPageSize is the provider cap on items per page.
const MaxPageSize = 20

// ErrAuthUnavailable means no usable credential could be obtained for the
// platform. It is raised before any page request and is never retried.
var ErrAuthUnavailable = errors.New("auth unavailable")

// FetchError is a non-2xx response or transport failure from a provider.
type FetchError struct {
	StatusCode int // 0 for transport errors
	Retryable  bool
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch failed: HTTP %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch failed: %v", e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a FetchError worth another attempt.
func IsRetryable(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Retryable
}

func statusError(code int, body string) *FetchError {
	if len(body) > 200 {
		body = body[:200]
	}
	return &FetchError{
		StatusCode: code,
		Retryable:  code == http.StatusTooManyRequests || code >= 500,
		Err:        errors.New(http.StatusText(code) + ": " + body),
	}
}

// transportError drops the request URL from err since query strings may
// carry access tokens.
func transportError(ctx context.Context, err error) *FetchError {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		err = fmt.Errorf("%s: %w", uerr.Op, uerr.Err)
	}
	return &FetchError{Retryable: ctx.Err() == nil, Err: err}
}

// PageRequest asks a source for one page of hashtag media.
type PageRequest struct {
	Hashtag string
	Cursor  string // empty for the first page
	Size    int
}

// Page is one page of raw provider payloads. An empty Cursor means there
// are no further pages.
type Page struct {
	Items  []json.RawMessage
	Cursor string
}

// PageSource fetches single pages from a provider.
type PageSource interface {
	FetchPage(ctx context.Context, req PageRequest) (Page, error)
}

// TrendingSource discovers trending hashtags.
type TrendingSource interface {
	Trending(ctx context.Context, limit int) ([]string, error)
}

// Fetcher drives a PageSource through cursor pagination.
type Fetcher struct {
	Source   PageSource
	PageSize int
}

// NewFetcher creates a fetcher with the page size clamped to the provider cap.
func NewFetcher(src PageSource, pageSize int) *Fetcher {
	return &Fetcher{Source: src, PageSize: pageSize}
}

func (f *Fetcher) pageSize() int {
	if f.PageSize <= 0 || f.PageSize > MaxPageSize {
		return MaxPageSize
	}
	return f.PageSize
}

// Fetch returns a lazy sequence of at most budget raw payloads for hashtag.
// Each call starts a fresh pagination session. Paging stops when the budget
// is spent, a page comes back empty, or the provider returns no cursor. A
// page error is yielded once and ends the sequence.
func (f *Fetcher) Fetch(ctx context.Context, hashtag string, budget int) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		var cursor string
		produced := 0
		for produced < budget {
			page, err := f.Source.FetchPage(ctx, PageRequest{
				Hashtag: hashtag,
				Cursor:  cursor,
				Size:    min(budget-produced, f.pageSize()),
			})
			if err != nil {
				yield(nil, err)
				return
			}
			if len(page.Items) == 0 {
				return
			}
			for _, item := range page.Items {
				if produced >= budget {
					return
				}
				if !yield(item, nil) {
					return
				}
				produced++
			}
			if page.Cursor == "" {
				return
			}
			cursor = page.Cursor
		}
	}
}

// Collect drains Fetch into a slice. On error the items gathered so far
// are discarded.
func (f *Fetcher) Collect(ctx context.Context, hashtag string, budget int) ([]json.RawMessage, error) {
	var items []json.RawMessage
	for item, err := range f.Fetch(ctx, hashtag, budget) {
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}
