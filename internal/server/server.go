package server

import (
	"context"
	"crypto/subtle"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/TobiSchelling/trendsync/internal/database"
	"github.com/TobiSchelling/trendsync/internal/pipeline"
	"github.com/TobiSchelling/trendsync/internal/search"
)

//go:embed templates/*.html
var templateFS embed.FS

// SyncFunc runs a sync for a platform to completion.
type SyncFunc func(ctx context.Context, platform string, req pipeline.Request) (*pipeline.RunResult, error)

// Options configures the server. Search may be nil when the index is
// disabled; search requests then answer 503.
type Options struct {
	DB              *database.DB
	Search          search.Searcher
	Sync            SyncFunc
	Platforms       []string
	DefaultPlatform string
	AdminToken      string
	Now             func() time.Time
}

// Server exposes sync jobs, run status and post search over HTTP.
type Server struct {
	opts   Options
	engine *gin.Engine

	// Background runs outlive their request and stop on Close.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Server.
func New(opts Options) (*Server, error) {
	if opts.DB == nil {
		return nil, errors.New("server needs a database")
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parsing templates: %w", err)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())
	engine.SetHTMLTemplate(tmpl)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{opts: opts, engine: engine, ctx: ctx, cancel: cancel}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Close cancels running sync jobs and waits for them to stop.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/status", s.handleStatus)

	api := s.engine.Group("/api/v1")
	{
		api.GET("/hashtags", s.handleHashtags)
		api.GET("/posts/search", s.handleSearch)

		jobs := api.Group("/jobs", s.requireAdmin())
		jobs.POST("/sync", s.handleSync)
		jobs.POST("/sync/trending", s.handleSyncTrending)
		jobs.GET("/runs/:id", s.handleRun)
	}
}

// requireAdmin checks the bearer token when one is configured.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.opts.AdminToken == "" {
			c.Next()
			return
		}
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AdminToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// Serve starts the HTTP server on the given port and blocks until ctx is
// done.
func Serve(ctx context.Context, opts Options, port int) error {
	gin.SetMode(gin.ReleaseMode)
	srv, err := New(opts)
	if err != nil {
		return err
	}
	defer srv.Close()

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	httpSrv := &http.Server{Addr: addr, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", "http://"+addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
}
