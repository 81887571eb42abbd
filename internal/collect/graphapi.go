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
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

const graphMediaFields = "id,username,caption,media_type,media_url,thumbnail_url,permalink,timestamp,like_count,comments_count"

// GraphAPI pages Instagram Graph hashtag media. The hashtag id is looked up
// once per hashtag and reused for later pages and runs.
type GraphAPI struct {
	baseURL   string
	accountID string
	creds     CredentialSource
	client    *http.Client

	mu  sync.Mutex
	ids map[string]string
}

// NewGraphAPI creates a Graph API client for the business account accountID.
func NewGraphAPI(baseURL, accountID string, creds CredentialSource, timeout time.Duration) *GraphAPI {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &GraphAPI{
		baseURL:   strings.TrimRight(baseURL, "/"),
		accountID: accountID,
		creds:     creds,
		client:    &http.Client{Timeout: timeout},
		ids:       make(map[string]string),
	}
}

// FetchPage implements PageSource. An unknown hashtag yields an empty page.
func (g *GraphAPI) FetchPage(ctx context.Context, req PageRequest) (Page, error) {
	if g.accountID == "" {
		return Page{}, fmt.Errorf("%w: no Instagram account id configured", ErrAuthUnavailable)
	}
	token, err := g.creds.Token(ctx)
	if err != nil {
		return Page{}, err
	}

	id, err := g.hashtagID(ctx, req.Hashtag, token)
	if err != nil || id == "" {
		return Page{}, err
	}

	params := url.Values{
		"user_id":      {g.accountID},
		"fields":       {graphMediaFields},
		"limit":        {strconv.Itoa(min(req.Size, MaxPageSize))},
		"access_token": {token},
	}
	if req.Cursor != "" {
		params.Set("after", req.Cursor)
	}
	body, err := g.get(ctx, "/"+url.PathEscape(id)+"/recent_media", params)
	if err != nil {
		return Page{}, err
	}

	doc := gjson.ParseBytes(body)
	page := Page{}
	for _, it := range doc.Get("data").Array() {
		page.Items = append(page.Items, json.RawMessage(it.Raw))
	}
	if doc.Get("paging.next").Exists() {
		page.Cursor = doc.Get("paging.cursors.after").String()
	}
	return page, nil
}

func (g *GraphAPI) hashtagID(ctx context.Context, hashtag, token string) (string, error) {
	g.mu.Lock()
	id, ok := g.ids[hashtag]
	g.mu.Unlock()
	if ok {
		return id, nil
	}

	body, err := g.get(ctx, "/ig_hashtag_search", url.Values{
		"user_id":      {g.accountID},
		"q":            {hashtag},
		"access_token": {token},
	})
	if err != nil {
		return "", err
	}
	id = gjson.GetBytes(body, "data.0.id").String()
	if id == "" {
		slog.Warn("Hashtag not found on Instagram", "hashtag", hashtag)
		return "", nil
	}

	g.mu.Lock()
	g.ids[hashtag] = id
	g.mu.Unlock()
	return id, nil
}

func (g *GraphAPI) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, &FetchError{Err: err}
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, transportError(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Graph API error bodies echo the request URL, which carries the token.
		return nil, statusError(resp.StatusCode, gjson.GetBytes(body, "error.message").String())
	}
	return body, nil
}
