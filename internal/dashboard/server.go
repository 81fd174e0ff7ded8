package dashboard

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"depthview/config"
	"depthview/internal/depth"
	"depthview/internal/metrics"
	"depthview/internal/orderbook"
	"depthview/internal/session"
	"depthview/internal/symbols"
	"depthview/logger"
	"depthview/models"
)

//go:embed templates/*.tmpl assets/*
var embeddedFS embed.FS

const writeWait = 5 * time.Second

// PairSelector changes the pair being displayed.
type PairSelector interface {
	ChangePair(pair models.TradingPair) error
	Pair() models.TradingPair
}

// Backend is what the dashboard reads from and writes to.
type Backend struct {
	Store   *orderbook.Store
	Session PairSelector
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// Server hosts the order book dashboard.
type Server struct {
	cfg           config.DashboardConfig
	log           *logger.Log
	backend       Backend
	metricStore   *metricStore
	logStore      *logStore
	metricHandler metrics.MetricHandlerID
	httpServer    *http.Server
	upgrader      websocket.Upgrader
	clients       int64
	closing       chan struct{}
}

// NewServer constructs a dashboard server when the dashboard feature is enabled.
// When the dashboard is disabled the returned server will be nil.
func NewServer(cfg config.DashboardConfig, log *logger.Log, backend Backend) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if backend.Store == nil || backend.Session == nil {
		return nil, errors.New("dashboard requires an order book store and session")
	}

	cfg.Address = normalizeAddress(cfg.Address)

	if cfg.PushInterval <= 0 {
		cfg.PushInterval = 100 * time.Millisecond
	}
	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}
	if cfg.MetricsHistory <= 0 {
		cfg.MetricsHistory = 200
	}
	if cfg.Rows <= 0 {
		cfg.Rows = config.DefaultDepthLimit
	}

	metricStore := newMetricStore(cfg.MetricsHistory)
	handlerID := metrics.RegisterMetricHandler(metricStore.handle)

	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	return &Server{
		cfg:           cfg,
		log:           log,
		backend:       backend,
		metricStore:   metricStore,
		logStore:      logStore,
		metricHandler: handlerID,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		closing: make(chan struct{}),
	}, nil
}

// Run starts the dashboard HTTP server and blocks until the provided context is
// cancelled or the underlying HTTP server exits with an error.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}

	defer s.cleanup()

	router, err := s.buildRouter(appName)
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	s.log.WithComponent("dashboard").WithFields(logger.Fields{"address": s.cfg.Address}).Info("dashboard listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		close(s.closing)
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
}

// Address reports the network address the dashboard server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) view() depth.View {
	return depth.BuildView(s.backend.Store.State(), s.cfg.Rows)
}

func (s *Server) buildRouter(appName string) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	tmpl := template.Must(template.New("dashboard").ParseFS(embeddedFS, "templates/index.tmpl"))
	router.SetHTMLTemplate(tmpl)

	if assetsFS, err := fsSub("assets"); err == nil {
		router.StaticFS("/assets", http.FS(assetsFS))
	}

	router.GET("/", func(c *gin.Context) {
		c.HTML(http.StatusOK, "index.tmpl", gin.H{
			"AppName":        appName,
			"Pairs":          symbols.Supported(),
			"Selected":       s.backend.Session.Pair(),
			"PushIntervalMs": int(s.cfg.PushInterval / time.Millisecond),
		})
	})

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/api/pairs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"pairs":    symbols.Supported(),
			"selected": s.backend.Session.Pair(),
		})
	})

	router.GET("/api/orderbook", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.view())
	})

	router.POST("/api/pair", s.handleSelectPair)

	router.GET("/ws", s.handleWebsocket)

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

	if s.backend.Metrics != nil {
		router.GET("/metrics", gin.WrapH(s.backend.Metrics))
	}

	return router, nil
}

type selectPairRequest struct {
	Pair string `json:"pair" binding:"required"`
}

func (s *Server) handleSelectPair(c *gin.Context) {
	var req selectPairRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body must be {\"pair\": \"SYMBOL\"}"})
		return
	}

	pair, err := symbols.Parse(req.Pair)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.backend.Session.ChangePair(pair); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, symbols.ErrUnsupportedPair):
			status = http.StatusBadRequest
		case errors.Is(err, session.ErrSessionClosed):
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	s.log.WithComponent("dashboard").WithFields(logger.Fields{"pair": pair}).Info("pair selected from dashboard")
	c.JSON(http.StatusOK, gin.H{"pair": pair})
}

func (s *Server) handleWebsocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithComponent("dashboard").WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	log := s.log.WithComponent("dashboard").WithFields(logger.Fields{
		"client_id": id,
		"remote":    c.Request.RemoteAddr,
	})
	s.trackClient(1)
	defer s.trackClient(-1)
	log.Info("dashboard client connected")
	defer log.Info("dashboard client disconnected")

	wake, cancel := s.backend.Store.Subscribe()
	defer cancel()

	// the browser never sends anything we act on; reading detects close
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := s.push(conn); err != nil {
		log.WithError(err).Debug("initial push failed")
		return
	}

	ticker := time.NewTicker(s.cfg.PushInterval)
	defer ticker.Stop()

	dirty := false
	for {
		select {
		case <-gone:
			return
		case <-s.closing:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case <-wake:
			dirty = true
		case <-ticker.C:
			if !dirty {
				continue
			}
			dirty = false
			if err := s.push(conn); err != nil {
				log.WithError(err).Debug("push failed")
				return
			}
		}
	}
}

func (s *Server) push(conn *websocket.Conn) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(s.view())
}

func (s *Server) trackClient(delta int64) {
	n := atomic.AddInt64(&s.clients, delta)
	metrics.EmitMetric(s.log, "dashboard", metrics.MetricDashboardClients, n, "gauge", nil)
}

func fsSub(path string) (fs.FS, error) {
	sub, err := fs.Sub(embeddedFS, path)
	if err != nil {
		return nil, err
	}
	return sub, nil
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
