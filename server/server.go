package server

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/kennyphilp/trainsai/cache"
	"github.com/kennyphilp/trainsai/darwin"
	"github.com/kennyphilp/trainsai/enrich"
	"github.com/kennyphilp/trainsai/model"
	"github.com/kennyphilp/trainsai/storage"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

type Options struct {
	Listen         string
	RequestTimeout time.Duration
	CORSOrigins    []string
	Development    bool

	// Requests per minute per source address.
	RateDefault int
	RateHealth  int

	HealthCheckTimeout time.Duration
	HealthCacheTTL     time.Duration
}

// Read-only HTTP surface over the cancellation cache, the enrichment
// counters and the schedule store.
type Server struct {
	echo   *echo.Echo
	cache  *cache.Cache
	engine *enrich.Engine
	store  storage.Storage
	client *darwin.Client
	log    *logrus.Entry
	opts   Options

	health *healthChecker

	cleanupWG     sync.WaitGroup
	cleanupCancel context.CancelFunc
}

func New(
	c *cache.Cache,
	engine *enrich.Engine,
	store storage.Storage,
	client *darwin.Client,
	registry *prometheus.Registry,
	log *logrus.Entry,
	opts Options,
) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	if opts.RateDefault <= 0 {
		opts.RateDefault = 120
	}
	if opts.RateHealth <= 0 {
		opts.RateHealth = 60
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		cache:  c,
		engine: engine,
		store:  store,
		client: client,
		log:    log,
		opts:   opts,
	}
	s.health = newHealthChecker(store, client, opts.HealthCheckTimeout, opts.HealthCacheTTL)

	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(s.recoverMiddleware)
	e.Use(s.timeoutMiddleware)

	origins := opts.CORSOrigins
	if len(origins) == 0 && opts.Development {
		origins = []string{"*"}
	}
	if len(origins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: origins,
			AllowMethods: []string{http.MethodGet},
		}))
	}

	defaultRL := newRateLimiter(opts.RateDefault)
	healthRL := newRateLimiter(opts.RateHealth)

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s.cleanupCancel = cancel
	defaultRL.startCleanup(cleanupCtx, &s.cleanupWG, 5*time.Minute, 15*time.Minute)
	healthRL.startCleanup(cleanupCtx, &s.cleanupWG, 5*time.Minute, 15*time.Minute)

	limited := rateLimitMiddleware(defaultRL)
	healthLimited := rateLimitMiddleware(healthRL)

	e.GET("/cancellations", s.handleCancellations, limited)
	e.GET("/cancellations/enriched", s.handleEnriched, limited)
	e.GET("/cancellations/by-route", s.handleByRoute, limited)
	e.GET("/cancellations/stats", s.handleStats, limited)
	e.GET("/cancellations/dashboard", s.handleDashboard, limited)

	e.GET("/health/live", s.handleLive, healthLimited)
	e.GET("/health/ready", s.handleReady, healthLimited)
	e.GET("/health/deep", s.handleDeep, healthLimited)

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(
		registry, promhttp.HandlerOpts{},
	)), limited)

	return s
}

func (s *Server) Start() error {
	s.log.WithField("listen", s.opts.Listen).Info("http server starting")
	err := s.echo.Start(s.opts.Listen)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.cleanupCancel()
	err := s.echo.Shutdown(ctx)
	s.cleanupWG.Wait()
	return err
}

// For tests: serve one request through the full middleware chain.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Hard per-request deadline, propagated to downstream calls through
// the request context.
func (s *Server) timeoutMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), s.opts.RequestTimeout)
		defer cancel()
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

// Panics become an opaque 500; the detail is logged with the request
// correlation id.
func (s *Server) recoverMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.log.WithFields(logrus.Fields{
					"request_id": c.Response().Header().Get(echo.HeaderXRequestID),
					"path":       c.Path(),
					"panic":      r,
				}).Error("handler panic")
				err = echo.NewHTTPError(http.StatusInternalServerError, "internal error")
			}
		}()
		return next(c)
	}
}

type listQuery struct {
	limit int
	since time.Time
}

// limit must be positive, defaults to 50 and clamps at 500; since is
// ISO-8601 and defaults to the epoch. Unknown parameters are ignored.
func parseListQuery(c echo.Context) (listQuery, error) {
	q := listQuery{limit: defaultLimit}

	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return q, echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		q.limit = n
	}
	if q.limit > maxLimit {
		q.limit = maxLimit
	}

	if raw := c.QueryParam("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return q, echo.NewHTTPError(http.StatusBadRequest, "invalid since timestamp")
		}
		q.since = t
	}

	return q, nil
}

func (s *Server) handleCancellations(c echo.Context) error {
	q, err := parseListQuery(c)
	if err != nil {
		return err
	}
	entries := s.cache.Recent(q.limit, q.since)
	if entries == nil {
		entries = []*model.ActiveCancellation{}
	}
	return c.JSON(http.StatusOK, entries)
}

func (s *Server) handleEnriched(c echo.Context) error {
	q, err := parseListQuery(c)
	if err != nil {
		return err
	}
	entries := s.cache.Enriched(q.limit, q.since)
	if entries == nil {
		entries = []*model.ActiveCancellation{}
	}
	return c.JSON(http.StatusOK, entries)
}

type routeEntry struct {
	Origin      string    `json:"origin"`
	Destination string    `json:"destination"`
	Count       int       `json:"count"`
	LastSeen    time.Time `json:"last_seen"`
}

func (s *Server) handleByRoute(c echo.Context) error {
	routes := s.cache.ByRoute()

	entries := make([]routeEntry, 0, len(routes))
	for key, stats := range routes {
		entries = append(entries, routeEntry{
			Origin:      key.Origin,
			Destination: key.Destination,
			Count:       stats.Count,
			LastSeen:    stats.LastSeen,
		})
	}

	sortRouteEntries(entries)

	return c.JSON(http.StatusOK, entries)
}

// Highest count first; ties break alphabetically so the order is
// stable across refreshes.
func sortRouteEntries(entries []routeEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		if entries[i].Origin != entries[j].Origin {
			return entries[i].Origin < entries[j].Origin
		}
		return entries[i].Destination < entries[j].Destination
	})
}

type statsResponse struct {
	Cache      cache.Stats     `json:"cache"`
	Enrichment enrich.Stats    `json:"enrichment"`
	Store      *storeStatsView `json:"schedule_store"`
}

type storeStatsView struct {
	Schedules        int64     `json:"schedules"`
	Stops            int64     `json:"stops"`
	Stations         int64     `json:"stations"`
	Aliases          int64     `json:"aliases"`
	Connections      int64     `json:"connections"`
	LastImportOK     bool      `json:"last_import_ok"`
	LastImportAt     time.Time `json:"last_import_at"`
	DatabaseSizeByte int64     `json:"database_size_bytes"`
}

func (s *Server) handleStats(c echo.Context) error {
	resp := statsResponse{
		Cache:      s.cache.Stats(),
		Enrichment: s.engine.Stats(),
	}

	storeStats, err := s.store.Statistics()
	if err != nil {
		s.log.WithError(err).WithField(
			"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
		).Warn("store statistics unavailable")
	} else {
		resp.Store = &storeStatsView{
			Schedules:        storeStats.Schedules,
			Stops:            storeStats.Stops,
			Stations:         storeStats.Stations,
			Aliases:          storeStats.Aliases,
			Connections:      storeStats.Connections,
			LastImportOK:     storeStats.LastImportOK,
			LastImportAt:     storeStats.LastImportAt,
			DatabaseSizeByte: storeStats.DatabaseSizeByte,
		}
	}

	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleLive(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(c echo.Context) error {
	report := s.health.check()
	status := http.StatusOK
	if !report.Ready {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, report)
}

func (s *Server) handleDeep(c echo.Context) error {
	report := s.health.check()
	cacheStats := s.cache.Stats()
	enrichStats := s.engine.Stats()
	report.Cache = &cacheStats
	report.Enrichment = &enrichStats
	status := http.StatusOK
	if !report.Ready {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, report)
}
