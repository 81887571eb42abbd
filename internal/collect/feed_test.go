package collect

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

const testRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>#sunset</title>
  <language>en</language>
  <item>
    <guid>https://social.example/@ana/1</guid>
    <link>https://social.example/@ana/1</link>
    <pubDate>Tue, 10 Mar 2026 08:00:00 +0000</pubDate>
    <description>&lt;p&gt;Golden &lt;a href="/tags/sunset"&gt;#&lt;span&gt;Sunset&lt;/span&gt;&lt;/a&gt;&lt;/p&gt;&lt;p&gt;second line&lt;/p&gt;</description>
    <category>sunset</category>
    <category>beach</category>
    <enclosure url="https://cdn.example/1.jpg" type="image/jpeg" length="1"/>
  </item>
  <item>
    <guid>https://social.example/@ben/2</guid>
    <link>https://social.example/@ben/2</link>
    <description>plain</description>
  </item>
  <item>
    <description>no identity</description>
  </item>
</channel>
</rss>`

func TestFeedSourceParsesItems(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, testRSS)
	}))
	defer srv.Close()

	src := NewFeedSource(srv.URL+"/tags/{hashtag}.rss", time.Second, nil)
	items, err := NewFetcher(src, 20).Collect(context.Background(), "sunset", 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if len(paths) != 1 || paths[0] != "/tags/sunset.rss" {
		t.Errorf("expected a single feed request, got %v", paths)
	}

	first := gjson.ParseBytes(items[0])
	if first.Get("id").String() != "https://social.example/@ana/1" {
		t.Errorf("unexpected id %s", first.Get("id"))
	}
	if got := first.Get("caption").String(); got != "Golden #Sunset second line" {
		t.Errorf("unexpected caption %q", got)
	}
	if first.Get("hashtags.#").Int() != 2 {
		t.Errorf("expected categories as hashtags, got %s", first.Get("hashtags"))
	}
	if first.Get("posted_at").String() != "2026-03-10T08:00:00Z" {
		t.Errorf("unexpected posted_at %s", first.Get("posted_at"))
	}
	if first.Get("media_url").String() != "https://cdn.example/1.jpg" || first.Get("language").String() != "en" {
		t.Errorf("unexpected item %s", items[0])
	}
}

func TestFeedSourceRespectsPageSize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, testRSS)
	}))
	defer srv.Close()

	items, err := NewFetcher(NewFeedSource(srv.URL+"/{hashtag}", time.Second, nil), 20).Collect(context.Background(), "x", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Errorf("expected 1 item, got %d", len(items))
	}
}

func TestFeedSourceHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewFeedSource(srv.URL+"/{hashtag}", time.Second, nil).FetchPage(context.Background(), PageRequest{Hashtag: "x", Size: 20})
	if !IsRetryable(err) {
		t.Errorf("expected retryable fetch error, got %v", err)
	}
}

func TestFeedSourceEnrichesEmptyCaptions(t *testing.T) {
	article := "<html><head><title>Post</title></head><body><article><p>" +
		strings.Repeat("A long readable paragraph about sunsets at the beach. ", 10) +
		"</p></article></body></html>"

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<rss version="2.0"><channel><item><guid>g1</guid><link>%s/post</link><title></title></item></channel></rss>`, srv.URL)
	})
	mux.HandleFunc("/post", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, article)
	})

	src := NewFeedSource(srv.URL+"/feed", time.Second, NewEnricher(time.Second))
	page, err := src.FetchPage(context.Background(), PageRequest{Hashtag: "x", Size: 20})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(page.Items))
	}
	if caption := gjson.GetBytes(page.Items[0], "caption").String(); !strings.Contains(caption, "sunsets at the beach") {
		t.Errorf("expected enriched caption, got %q", caption)
	}
}

func TestEnricherSkipsFailedHosts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "gone", http.StatusForbidden)
	}))
	defer srv.Close()

	e := NewEnricher(time.Second)
	if _, err := e.Text(context.Background(), srv.URL+"/a"); err == nil {
		t.Error("expected error for 403")
	}
	text, err := e.Text(context.Background(), srv.URL+"/b")
	if err != nil || text != "" {
		t.Errorf("expected silent skip, got %q, %v", text, err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 request to failed host, got %d", calls.Load())
	}
}

func TestHTMLText(t *testing.T) {
	got := htmlText("<p>one<br>two</p><p>three &amp; four</p>")
	if got != "one two three & four" {
		t.Errorf("unexpected text %q", got)
	}
}
