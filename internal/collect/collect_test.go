package collect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

// stubSource serves scripted pages and records every request.
type stubSource struct {
	pages    []Page
	errAt    int // 1-based request number that fails; 0 never
	err      error
	requests []PageRequest
}

func (s *stubSource) FetchPage(_ context.Context, req PageRequest) (Page, error) {
	s.requests = append(s.requests, req)
	n := len(s.requests)
	if s.errAt == n {
		return Page{}, s.err
	}
	if n > len(s.pages) {
		return Page{}, nil
	}
	return s.pages[n-1], nil
}

func makePage(start, n int, cursor string) Page {
	p := Page{Cursor: cursor}
	for i := range n {
		p.Items = append(p.Items, json.RawMessage(fmt.Sprintf(`{"id":"%d"}`, start+i)))
	}
	return p
}

func TestFetchStopsOnEmptyPage(t *testing.T) {
	src := &stubSource{pages: []Page{
		makePage(0, 20, "c1"),
		makePage(20, 20, "c2"),
		makePage(40, 20, "c3"),
		{},
	}}
	f := NewFetcher(src, 20)

	items, err := f.Collect(context.Background(), "sunset", 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 60 {
		t.Errorf("expected 60 items, got %d", len(items))
	}
	if len(src.requests) != 4 {
		t.Errorf("expected the empty 4th page to end paging, got %d requests", len(src.requests))
	}
	if src.requests[1].Cursor != "c1" || src.requests[2].Cursor != "c2" {
		t.Errorf("cursor not followed: %+v", src.requests)
	}
}

func TestFetchStopsWithoutCursor(t *testing.T) {
	src := &stubSource{pages: []Page{
		makePage(0, 20, "c1"),
		makePage(20, 20, "c2"),
		makePage(40, 20, ""),
		makePage(60, 20, "never"),
	}}
	items, err := NewFetcher(src, 20).Collect(context.Background(), "sunset", 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 60 {
		t.Errorf("expected 60 items, got %d", len(items))
	}
	if len(src.requests) != 3 {
		t.Errorf("expected no 4th request, got %d requests", len(src.requests))
	}
}

func TestFetchRespectsBudget(t *testing.T) {
	src := &stubSource{pages: []Page{
		makePage(0, 20, "c1"),
		makePage(20, 20, "c2"),
		makePage(40, 20, "c3"),
	}}
	items, err := NewFetcher(src, 20).Collect(context.Background(), "sunset", 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 50 {
		t.Errorf("expected 50 items, got %d", len(items))
	}
	wantSizes := []int{20, 20, 10}
	for i, req := range src.requests {
		if req.Size != wantSizes[i] {
			t.Errorf("request %d: expected size %d, got %d", i, wantSizes[i], req.Size)
		}
	}
}

func TestFetchOversizedPageTruncatedToBudget(t *testing.T) {
	src := &stubSource{pages: []Page{makePage(0, 20, "c1")}}
	items, err := NewFetcher(src, 20).Collect(context.Background(), "x", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 5 || len(src.requests) != 1 {
		t.Errorf("expected 5 items from 1 request, got %d from %d", len(items), len(src.requests))
	}
}

func TestFetchClampsPageSize(t *testing.T) {
	src := &stubSource{}
	NewFetcher(src, 500).Collect(context.Background(), "x", 100)
	if src.requests[0].Size != MaxPageSize {
		t.Errorf("expected page size %d, got %d", MaxPageSize, src.requests[0].Size)
	}
}

func TestFetchErrorEndsSequence(t *testing.T) {
	boom := statusError(500, "boom")
	src := &stubSource{
		pages: []Page{makePage(0, 20, "c1"), makePage(20, 20, "c2")},
		errAt: 2,
		err:   boom,
	}
	f := NewFetcher(src, 20)

	var got int
	var gotErr error
	for item, err := range f.Fetch(context.Background(), "x", 100) {
		if err != nil {
			gotErr = err
			continue
		}
		if item != nil {
			got++
		}
	}
	if got != 20 {
		t.Errorf("expected 20 items before the error, got %d", got)
	}
	if !errors.Is(gotErr, boom) {
		t.Errorf("expected page error to be yielded, got %v", gotErr)
	}
	if len(src.requests) != 2 {
		t.Errorf("expected paging to stop after error, got %d requests", len(src.requests))
	}

	src.requests = nil
	if _, err := f.Collect(context.Background(), "x", 100); !errors.Is(err, boom) {
		t.Errorf("expected Collect to return the page error, got %v", err)
	}
}

func TestFetchIsRestartable(t *testing.T) {
	src := &stubSource{pages: []Page{makePage(0, 3, "")}}
	f := NewFetcher(src, 20)
	seq := f.Fetch(context.Background(), "x", 10)

	for range seq {
	}
	src.requests = nil
	src.pages = []Page{makePage(0, 3, "")}
	n := 0
	for range seq {
		n++
	}
	if n != 3 || src.requests[0].Cursor != "" {
		t.Errorf("expected a fresh session on second iteration, got %d items, %+v", n, src.requests)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{statusError(429, ""), true},
		{statusError(503, ""), true},
		{statusError(404, ""), false},
		{fmt.Errorf("wrapped: %w", statusError(502, "")), true},
		{ErrAuthUnavailable, false},
		{transportError(context.Background(), errors.New("reset")), true},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if IsRetryable(transportError(ctx, context.Canceled)) {
		t.Error("expected cancelled transport error to be final")
	}
}
