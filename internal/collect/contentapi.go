package collect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const maxResponseBytes = 10 << 20

// ContentAPI is a bearer-authenticated hashtag media API that pages with an
// opaque cursor and answers {"data": [...], "cursor": ...}. The nested
// {"data": {"videos": [...], "cursor": ..., "has_more": ...}} shape of the
// TikTok research API is accepted as well.
type ContentAPI struct {
	baseURL      string
	searchPath   string
	trendingPath string
	creds        CredentialSource
	client       *http.Client
}

// NewContentAPI creates a content API client with the given request timeout.
func NewContentAPI(baseURL, searchPath, trendingPath string, creds CredentialSource, timeout time.Duration) *ContentAPI {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ContentAPI{
		baseURL:      strings.TrimRight(baseURL, "/"),
		searchPath:   searchPath,
		trendingPath: trendingPath,
		creds:        creds,
		client:       &http.Client{Timeout: timeout},
	}
}

// FetchPage implements PageSource.
func (c *ContentAPI) FetchPage(ctx context.Context, req PageRequest) (Page, error) {
	token, err := c.creds.Token(ctx)
	if err != nil {
		return Page{}, err
	}

	params := url.Values{
		"hashtag":   {req.Hashtag},
		"max_count": {strconv.Itoa(min(req.Size, MaxPageSize))},
	}
	if req.Cursor != "" {
		params.Set("cursor", req.Cursor)
	}

	body, err := c.get(ctx, c.searchPath, params, token)
	if err != nil {
		return Page{}, err
	}
	if !gjson.ValidBytes(body) {
		return Page{}, &FetchError{Err: fmt.Errorf("invalid JSON response for #%s", req.Hashtag)}
	}
	doc := gjson.ParseBytes(body)

	items := doc.Get("data")
	if !items.IsArray() {
		items = doc.Get("data.videos")
	}
	page := Page{}
	for _, it := range items.Array() {
		page.Items = append(page.Items, json.RawMessage(it.Raw))
	}

	page.Cursor = cursorValue(doc.Get("cursor"))
	if page.Cursor == "" {
		page.Cursor = cursorValue(doc.Get("data.cursor"))
	}
	if hm := doc.Get("data.has_more"); hm.Exists() && !hm.Bool() {
		page.Cursor = ""
	}

	slog.Debug("Fetched page", "hashtag", req.Hashtag, "count", len(page.Items), "has_cursor", page.Cursor != "")
	return page, nil
}

// Trending implements TrendingSource.
func (c *ContentAPI) Trending(ctx context.Context, limit int) ([]string, error) {
	if c.trendingPath == "" {
		return nil, fmt.Errorf("trending discovery is not configured")
	}
	token, err := c.creds.Token(ctx)
	if err != nil {
		return nil, err
	}

	params := url.Values{"max_count": {strconv.Itoa(min(max(limit, 1), MaxPageSize))}}
	body, err := c.get(ctx, c.trendingPath, params, token)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, h := range gjson.GetBytes(body, "data.hashtags").Array() {
		if name := strings.TrimSpace(h.Get("hashtag_name").String()); name != "" {
			names = append(names, name)
		}
	}
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}
	return names, nil
}

func (c *ContentAPI) get(ctx context.Context, path string, params url.Values, token string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, &FetchError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, transportError(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp.StatusCode, string(body))
	}
	return body, nil
}

// cursorValue accepts string or numeric cursors; zero and null mean none.
func cursorValue(r gjson.Result) string {
	switch r.Type {
	case gjson.String:
		return r.Str
	case gjson.Number:
		if r.Raw == "0" {
			return ""
		}
		return r.Raw
	default:
		return ""
	}
}
