package dashboard

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"quoteflow/config"
	"quoteflow/internal/breaker"
	"quoteflow/internal/metrics"
	"quoteflow/internal/orchestrator"
	"quoteflow/internal/quote"
	"quoteflow/logger"
)

//go:embed templates/*.tmpl
var embeddedFS embed.FS

// QuoteService is the serving surface the dashboard exposes over HTTP.
type QuoteService interface {
	GetQuotes(ctx context.Context, req quote.FetchRequest) (map[string]quote.Result, error)
	ClearCache(ctx context.Context, symbols []string, kind quote.Kind, date string) (int, int64, error)
	Stats() orchestrator.Stats
}

// BreakerAdmin exposes vendor circuit state for display and operator reset.
type BreakerAdmin interface {
	Health() []breaker.Health
	Reset(name string)
}

// Server hosts the Gin-powered quote API and monitoring dashboard.
type Server struct {
	cfg               config.DashboardConfig
	log               *logger.Log
	svc               QuoteService
	breakers          BreakerAdmin
	metricStore       *metricStore
	logStore          *logStore
	metricHandler     metrics.MetricHandlerID
	httpServer        *http.Server
	refreshIntervalMs int
	resourceSampler   *resourceSampler
}

// NewServer constructs the dashboard server when the feature is enabled.
// When disabled the returned server is nil and safe to Run.
func NewServer(cfg config.DashboardConfig, log *logger.Log, svc QuoteService, breakers BreakerAdmin) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cfg.Address = normalizeAddress(cfg.Address)

	refresh := cfg.RefreshInterval()
	if refresh <= 0 {
		refresh = 5 * time.Second
	}
	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}
	if cfg.MetricsHistory <= 0 {
		cfg.MetricsHistory = 200
	}

	metricStore := newMetricStore(cfg.MetricsHistory)
	handlerID := metrics.RegisterMetricHandler(metricStore.handle)

	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	sampler := newResourceSampler(cfg.MetricsHistory, refresh, "/", log)

	return &Server{
		cfg:               cfg,
		log:               log,
		svc:               svc,
		breakers:          breakers,
		metricStore:       metricStore,
		logStore:          logStore,
		metricHandler:     handlerID,
		refreshIntervalMs: int(refresh / time.Millisecond),
		resourceSampler:   sampler,
	}, nil
}

// Run starts the HTTP server and blocks until the context is cancelled or
// the listener fails.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}

	defer s.cleanup()

	router, err := s.buildRouter(appName)
	if err != nil {
		return err
	}

	if s.resourceSampler != nil {
		s.resourceSampler.start(ctx)
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	s.log.WithComponent("dashboard").WithFields(logger.Fields{
		"address": s.cfg.Address,
	}).Info("dashboard listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	if s.logStore != nil {
		s.logStore.close()
	}
	if s.resourceSampler != nil {
		s.resourceSampler.stop()
	}
}

// Address reports the network address the dashboard listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter(appName string) (*gin.Engine, error) {
	if config.IsProductionLike(config.AppEnvironment()) {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	// Trust no proxy headers by default; override via GIN_TRUSTED_PROXIES
	// when running behind a load balancer.
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	tmpl := template.Must(template.New("dashboard").ParseFS(embeddedFS, "templates/index.tmpl"))
	router.SetHTMLTemplate(tmpl)

	router.GET("/", func(c *gin.Context) {
		c.HTML(http.StatusOK, "index.tmpl", gin.H{
			"AppName":           appName,
			"RefreshIntervalMs": s.refreshIntervalMs,
		})
	})

	router.GET("/api/quotes", s.handleQuotes)
	router.POST("/api/cache/clear", s.handleCacheClear)
	router.POST("/api/breaker/reset", s.handleBreakerReset)

	router.GET("/api/stats", func(c *gin.Context) {
		stats := s.svc.Stats()
		c.JSON(http.StatusOK, gin.H{
			"app":      appName,
			"serving":  stats.Serving,
			"memory":   stats.Memory,
			"breakers": s.breakers.Health(),
		})
	})

	router.GET("/api/metrics", func(c *gin.Context) {
		metricsSnapshot := s.metricStore.snapshot()
		payload := make([]gin.H, 0, len(metricsSnapshot))
		for _, m := range metricsSnapshot {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		logsSnapshot := s.logStore.snapshot()
		payload := make([]gin.H, 0, len(logsSnapshot))
		for _, l := range logsSnapshot {
			payload = append(payload, gin.H{
				"timestamp": l.Timestamp.Format(time.RFC3339Nano),
				"level":     l.Level,
				"component": l.Component,
				"message":   l.Message,
				"fields":    l.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"logs": payload})
	})

	router.GET("/api/resources", func(c *gin.Context) {
		snapshots := s.resourceSampler.snapshot()
		payload := make([]gin.H, 0, len(snapshots))
		for _, snap := range snapshots {
			payload = append(payload, gin.H{
				"timestamp":      snap.Timestamp.Format(time.RFC3339Nano),
				"cpu_percent":    snap.CPUPercent,
				"memory_used":    snap.MemoryUsed,
				"memory_total":   snap.MemoryTotal,
				"memory_percent": snap.MemoryPct,
				"disk_used":      snap.DiskUsed,
				"disk_total":     snap.DiskTotal,
				"disk_percent":   snap.DiskPct,
			})
		}
		c.JSON(http.StatusOK, gin.H{"resources": payload})
	})

	return router, nil
}

// handleQuotes is the consumer surface: it passes the request through to
// the orchestrator and mirrors its answer as JSON. Absent symbols are
// simply missing from the quotes object.
func (s *Server) handleQuotes(c *gin.Context) {
	symbolsParam := strings.TrimSpace(c.Query("symbols"))
	if symbolsParam == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbols query parameter is required"})
		return
	}

	kind, err := quote.ParseKind(c.DefaultQuery("kind", string(quote.KindPrice)))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	refresh := false
	if raw := c.Query("refresh"); raw != "" {
		if refresh, err = strconv.ParseBool(raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "refresh must be a boolean"})
			return
		}
	}

	results, err := s.svc.GetQuotes(c.Request.Context(), quote.FetchRequest{
		Symbols:      strings.Split(symbolsParam, ","),
		Kind:         kind,
		ForceRefresh: refresh,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"quotes": results})
}

func (s *Server) handleCacheClear(c *gin.Context) {
	var symbols []string
	if raw := strings.TrimSpace(c.Query("symbols")); raw != "" {
		symbols = strings.Split(raw, ",")
	}

	var kind quote.Kind
	if raw := strings.TrimSpace(c.Query("kind")); raw != "" {
		parsed, err := quote.ParseKind(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		kind = parsed
	}

	date := strings.TrimSpace(c.Query("date"))
	if date != "" {
		if _, err := time.Parse(quote.DateLayout, date); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
			return
		}
	}

	memoryRemoved, persistRemoved, err := s.svc.ClearCache(c.Request.Context(), symbols, kind, date)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"memory_removed":  memoryRemoved,
		"persist_removed": persistRemoved,
	})
}

// handleBreakerReset closes a vendor's circuit, or every circuit when no
// vendor is named.
func (s *Server) handleBreakerReset(c *gin.Context) {
	name := strings.TrimSpace(c.Query("vendor"))
	s.breakers.Reset(name)

	scope := name
	if scope == "" {
		scope = "all"
	}
	c.JSON(http.StatusOK, gin.H{"vendor": scope, "state": "closed"})
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
