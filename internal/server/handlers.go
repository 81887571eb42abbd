package server

import (
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/TobiSchelling/trendsync/internal/pipeline"
	"github.com/TobiSchelling/trendsync/internal/report"
	"github.com/TobiSchelling/trendsync/internal/search"
)

type syncRequest struct {
	Hashtags []string `json:"hashtags"`
	Platform string   `json:"platform"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleSync(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if len(req.Hashtags) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "hashtags are required"})
		return
	}
	s.startRun(c, req.Platform, pipeline.Request{Hashtags: req.Hashtags})
}

func (s *Server) handleSyncTrending(c *gin.Context) {
	var req syncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	s.startRun(c, req.Platform, pipeline.Request{Trending: true})
}

// startRun launches the sync in the background and answers 202 with the
// run id to poll.
func (s *Server) startRun(c *gin.Context, platform string, req pipeline.Request) {
	if s.opts.Sync == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync is not configured"})
		return
	}
	platform = strings.ToLower(strings.TrimSpace(platform))
	if platform == "" {
		platform = s.opts.DefaultPlatform
	}
	if len(s.opts.Platforms) > 0 && !slices.Contains(s.opts.Platforms, platform) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown platform " + platform})
		return
	}

	req.RunID = uuid.NewString()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.opts.Sync(s.ctx, platform, req); err != nil {
			slog.Error("Sync job failed", "run_id", req.RunID, "platform", platform, "error", err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"run_id":     req.RunID,
		"platform":   platform,
		"trending":   req.Trending,
		"status_url": "/api/v1/jobs/runs/" + req.RunID,
	})
}

type runView struct {
	ID             string       `json:"id"`
	Platform       string       `json:"platform"`
	Trending       bool         `json:"trending"`
	State          string       `json:"state"`
	StartedAt      time.Time    `json:"started_at"`
	FinishedAt     *time.Time   `json:"finished_at,omitempty"`
	HashtagsTotal  int          `json:"hashtags_total"`
	HashtagsFailed int          `json:"hashtags_failed"`
	ItemsWritten   int          `json:"items_written"`
	Error          string       `json:"error,omitempty"`
	Results        []resultView `json:"results"`
}

type resultView struct {
	Hashtag    string    `json:"hashtag"`
	State      string    `json:"state"`
	FailedAt   string    `json:"failed_at,omitempty"`
	Fetched    int       `json:"fetched"`
	Normalized int       `json:"normalized"`
	Skipped    int       `json:"skipped"`
	Written    int       `json:"written"`
	Indexed    int       `json:"indexed"`
	Error      string    `json:"error,omitempty"`
	IndexError string    `json:"index_error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

func (s *Server) handleRun(c *gin.Context) {
	run, err := s.opts.DB.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.internalError(c, err)
		return
	}
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}

	view := runView{
		ID:             run.ID,
		Platform:       run.Platform,
		Trending:       run.Trending,
		State:          run.State,
		StartedAt:      run.StartedAt,
		FinishedAt:     run.FinishedAt,
		HashtagsTotal:  run.HashtagsTotal,
		HashtagsFailed: run.HashtagsFailed,
		ItemsWritten:   run.ItemsWritten,
		Error:          run.Error,
		Results:        make([]resultView, 0, len(run.Results)),
	}
	for _, r := range run.Results {
		view.Results = append(view.Results, resultView(r))
	}
	c.JSON(http.StatusOK, view)
}

type hashtagView struct {
	Name        string     `json:"name"`
	Platform    string     `json:"platform"`
	LastScraped *time.Time `json:"last_scraped"`
	PostCount   int        `json:"post_count"`
}

func (s *Server) handleHashtags(c *gin.Context) {
	tags, err := s.opts.DB.ListHashtags(c.Request.Context(), strings.ToLower(c.Query("platform")))
	if err != nil {
		s.internalError(c, err)
		return
	}
	out := make([]hashtagView, 0, len(tags))
	for _, h := range tags {
		out = append(out, hashtagView{Name: h.Name, Platform: h.Platform, LastScraped: h.LastScraped, PostCount: h.PostCount})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleSearch(c *gin.Context) {
	if s.opts.Search == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "search is disabled"})
		return
	}

	q := search.Query{
		Text:     c.Query("q"),
		Platform: c.Query("platform"),
		Language: c.Query("language"),
	}
	var err error
	if q.MinScore, err = floatParam(c, "min_score"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if q.MinTrend, err = floatParam(c, "min_trend"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if sort := c.Query("sort"); sort != "" {
		q.Sort = strings.Split(sort, ",")
	}
	q.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "20"))
	q.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))

	res, err := s.opts.Search.Search(c.Request.Context(), q)
	if errors.Is(err, search.ErrInvalidQuery) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		slog.Error("Search failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "search backend unavailable"})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleStatus(c *gin.Context) {
	r, err := report.Build(c.Request.Context(), s.opts.DB, c.Query("platform"), s.opts.Now(), 0)
	if err != nil {
		s.internalError(c, err)
		return
	}
	body, err := r.HTML()
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.HTML(http.StatusOK, "status.html", gin.H{
		"Title": "trendsync status",
		"Body":  body,
	})
}

func (s *Server) internalError(c *gin.Context, err error) {
	slog.Error("Request failed", "path", c.Request.URL.Path, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}

func floatParam(c *gin.Context, name string) (*float64, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, errors.New(name + " must be a number")
	}
	return &v, nil
}
