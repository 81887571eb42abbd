package collect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
)

// feedItem is the JSON payload produced for each feed entry. It matches
// the "feed" payload mapping.
type feedItem struct {
	ID       string   `json:"id"`
	Author   string   `json:"author,omitempty"`
	Caption  string   `json:"caption,omitempty"`
	Hashtags []string `json:"hashtags,omitempty"`
	PostedAt string   `json:"posted_at,omitempty"`
	Language string   `json:"language,omitempty"`
	MediaURL string   `json:"media_url,omitempty"`
}

// FeedSource reads a per-hashtag RSS or Atom feed such as Mastodon's
// /tags/{hashtag}.rss. Feeds are not paginated, so every fetch is a single
// page without a cursor.
type FeedSource struct {
	urlTemplate string
	client      *http.Client
	enricher    *Enricher
}

// NewFeedSource creates a feed source. urlTemplate must contain {hashtag}.
// A nil enricher leaves empty captions empty.
func NewFeedSource(urlTemplate string, timeout time.Duration, enricher *Enricher) *FeedSource {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &FeedSource{
		urlTemplate: urlTemplate,
		client:      &http.Client{Timeout: timeout},
		enricher:    enricher,
	}
}

// FetchPage implements PageSource.
func (f *FeedSource) FetchPage(ctx context.Context, req PageRequest) (Page, error) {
	if req.Cursor != "" {
		return Page{}, nil
	}

	feedURL := strings.ReplaceAll(f.urlTemplate, "{hashtag}", url.PathEscape(req.Hashtag))
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return Page{}, &FetchError{Err: err}
	}
	hreq.Header.Set("User-Agent", "trendsync/1.0 (hashtag monitor)")

	resp, err := f.client.Do(hreq)
	if err != nil {
		return Page{}, transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Page{}, statusError(resp.StatusCode, string(body))
	}

	feed, err := gofeed.NewParser().Parse(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Page{}, &FetchError{Err: fmt.Errorf("parsing feed for #%s: %w", req.Hashtag, err)}
	}

	var page Page
	for _, item := range feed.Items {
		if len(page.Items) >= req.Size {
			break
		}
		fi := f.parseItem(ctx, item, feed.Language)
		if fi == nil {
			continue
		}
		raw, err := json.Marshal(fi)
		if err != nil {
			continue
		}
		page.Items = append(page.Items, raw)
	}

	slog.Debug("Parsed feed", "hashtag", req.Hashtag, "count", len(page.Items))
	return page, nil
}

func (f *FeedSource) parseItem(ctx context.Context, item *gofeed.Item, language string) *feedItem {
	id := item.GUID
	if id == "" {
		id = item.Link
	}
	if id == "" {
		return nil
	}

	fi := &feedItem{
		ID:       id,
		Hashtags: item.Categories,
		Language: language,
	}

	if item.Author != nil {
		fi.Author = item.Author.Name
	} else if len(item.Authors) > 0 && item.Authors[0] != nil {
		fi.Author = item.Authors[0].Name
	}

	switch {
	case item.Content != "":
		fi.Caption = htmlText(item.Content)
	case item.Description != "":
		fi.Caption = htmlText(item.Description)
	default:
		fi.Caption = strings.TrimSpace(item.Title)
	}
	if fi.Caption == "" && f.enricher != nil && item.Link != "" {
		text, err := f.enricher.Text(ctx, item.Link)
		if err != nil {
			slog.Debug("Caption enrichment failed", "url", item.Link, "error", err)
		}
		fi.Caption = text
	}

	if item.PublishedParsed != nil {
		fi.PostedAt = item.PublishedParsed.UTC().Format(time.RFC3339)
	} else if item.UpdatedParsed != nil {
		fi.PostedAt = item.UpdatedParsed.UTC().Format(time.RFC3339)
	}

	if item.Image != nil && item.Image.URL != "" {
		fi.MediaURL = item.Image.URL
	} else {
		for _, enc := range item.Enclosures {
			if enc != nil && enc.URL != "" {
				fi.MediaURL = enc.URL
				break
			}
		}
	}
	return fi
}

// htmlText flattens an HTML fragment to single-spaced text.
func htmlText(fragment string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.Join(strings.Fields(fragment), " ")
	}
	doc.Find("br").ReplaceWithHtml(" ")
	doc.Find("p, div, li").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml(" ")
	})
	return strings.Join(strings.Fields(doc.Text()), " ")
}
