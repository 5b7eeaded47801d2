package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"depthflow/config"
	"depthflow/internal/aggregator"
	"depthflow/internal/connection"
	"depthflow/internal/feed"
	"depthflow/internal/fetcher"
	"depthflow/internal/metrics"
	"depthflow/internal/model"
	"depthflow/internal/orderbook"
	"depthflow/logger"
)

const (
	defaultTradeLimit  = 100
	defaultCandleLimit = 500
	maxTradeLimit      = 5000
)

// Reader is the part of the feed served over HTTP.
type Reader interface {
	Instruments() []model.Instrument
	Statuses() []feed.Status
	OrderBookSnapshot(inst model.Instrument) (orderbook.Snapshot, error)
	CandleSeries(inst model.Instrument, res model.Resolution) ([]model.Candle, error)
	TradeFeed(inst model.Instrument) (*aggregator.TradeCursor, error)
	Heatmap(inst model.Instrument, tf model.Timeframe) ([]aggregator.HeatmapColumn, error)
	TickerInfo(ctx context.Context, inst model.Instrument) (model.TickerInfo, error)
	OpenInterest(ctx context.Context, inst model.Instrument) (model.OpenInterest, error)
}

// Server hosts the read API: books, candles, trades and heatmaps for
// collaborators, plus status, metrics, logs and host resources for
// operators.
type Server struct {
	cfg             config.DashboardConfig
	log             *logger.Log
	reader          Reader
	connections     func() []connection.Status
	metricStore     *metricStore
	logStore        *logStore
	metricHandler   metrics.MetricHandlerID
	httpServer      *http.Server
	resourceSampler *resourceSampler
	started         time.Time
}

// NewServer returns nil when the dashboard is disabled. connections may be
// nil.
func NewServer(cfg config.DashboardConfig, log *logger.Log, reader Reader, connections func() []connection.Status) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if reader == nil {
		return nil, errors.New("dashboard requires a feed reader")
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
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

	return &Server{
		cfg:             cfg,
		log:             log,
		reader:          reader,
		connections:     connections,
		metricStore:     metricStore,
		logStore:        logStore,
		metricHandler:   handlerID,
		resourceSampler: newResourceSampler(cfg.MetricsHistory, cfg.RefreshInterval, "/", log),
		started:         time.Now(),
	}, nil
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}
	s.resourceSampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.WithComponent("dashboard").WithFields(logger.Fields{"address": s.cfg.Address}).Info("read api listening")

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
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	s.logStore.close()
	s.resourceSampler.stop()
}

func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", s.health)

	api := router.Group("/api")
	api.GET("/books/:instrument", s.book)
	api.GET("/candles/:instrument", s.candles)
	api.GET("/trades/:instrument", s.trades)
	api.GET("/heatmap/:instrument", s.heatmap)
	api.GET("/ticker/:instrument", s.ticker)
	api.GET("/open-interest/:instrument", s.openInterest)
	api.GET("/status", s.status)
	api.GET("/metrics", s.metrics)
	api.GET("/logs", s.logs)
	api.GET("/resources", s.resources)
	return router, nil
}

func (s *Server) health(c *gin.Context) {
	statuses := s.reader.Statuses()
	live := 0
	for _, st := range statuses {
		if st.Book == orderbook.Live.String() {
			live++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"instruments": len(statuses),
		"live_books":  live,
		"uptime":      time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) book(c *gin.Context) {
	inst, ok := instrumentParam(c)
	if !ok {
		return
	}
	depth, ok := intQuery(c, "depth", 0)
	if !ok {
		return
	}
	snap, err := s.reader.OrderBookSnapshot(inst)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newBookView(snap, depth))
}

func (s *Server) candles(c *gin.Context) {
	inst, ok := instrumentParam(c)
	if !ok {
		return
	}
	res, err := model.ParseResolution(c.DefaultQuery("resolution", "1m"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit, ok := intQuery(c, "limit", defaultCandleLimit)
	if !ok {
		return
	}
	series, err := s.reader.CandleSeries(inst, res)
	if err != nil {
		writeError(c, err)
		return
	}
	if limit > 0 && len(series) > limit {
		series = series[len(series)-limit:]
	}
	footprint := c.Query("footprint") == "true"
	out := make([]candleView, len(series))
	for i, candle := range series {
		out[i] = newCandleView(candle, footprint)
	}
	c.JSON(http.StatusOK, gin.H{
		"instrument": inst.String(),
		"resolution": res.String(),
		"candles":    out,
	})
}

// trades returns the newest retained live trades, oldest first.
func (s *Server) trades(c *gin.Context) {
	inst, ok := instrumentParam(c)
	if !ok {
		return
	}
	limit, ok := intQuery(c, "limit", defaultTradeLimit)
	if !ok {
		return
	}
	if limit <= 0 || limit > maxTradeLimit {
		limit = maxTradeLimit
	}
	cursor, err := s.reader.TradeFeed(inst)
	if err != nil {
		writeError(c, err)
		return
	}
	retained, _ := cursor.Next(0)
	if len(retained) > limit {
		retained = retained[len(retained)-limit:]
	}
	out := make([]tradeView, len(retained))
	for i, t := range retained {
		out[i] = newTradeView(t)
	}
	c.JSON(http.StatusOK, gin.H{"instrument": inst.String(), "trades": out})
}

func (s *Server) heatmap(c *gin.Context) {
	inst, ok := instrumentParam(c)
	if !ok {
		return
	}
	tf, err := model.ParseTimeframe(c.DefaultQuery("timeframe", "1s"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cols, err := s.reader.Heatmap(inst, tf)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]heatmapView, len(cols))
	for i, col := range cols {
		out[i] = newHeatmapView(col)
	}
	c.JSON(http.StatusOK, gin.H{"instrument": inst.String(), "timeframe": tf.String(), "columns": out})
}

func (s *Server) ticker(c *gin.Context) {
	inst, ok := instrumentParam(c)
	if !ok {
		return
	}
	info, err := s.reader.TickerInfo(c.Request.Context(), inst)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"instrument": inst.String(),
		"tick_size":  info.TickSize.String(),
		"min_qty":    info.MinQty.String(),
	})
}

func (s *Server) openInterest(c *gin.Context) {
	inst, ok := instrumentParam(c)
	if !ok {
		return
	}
	oi, err := s.reader.OpenInterest(c.Request.Context(), inst)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"instrument": inst.String(),
		"time":       oi.Time,
		"value":      oi.Value.String(),
	})
}

func (s *Server) status(c *gin.Context) {
	var conns []connectionView
	if s.connections != nil {
		for _, st := range s.connections() {
			conns = append(conns, newConnectionView(st))
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"instruments": s.reader.Statuses(),
		"connections": conns,
	})
}

func (s *Server) metrics(c *gin.Context) {
	snapshot := s.metricStore.query(c.Query("component"), c.Query("name"))
	payload := make([]gin.H, 0, len(snapshot))
	for _, m := range snapshot {
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
}

// logs accepts level (minimum severity), component and instrument filters.
func (s *Server) logs(c *gin.Context) {
	var f logFilter
	if raw := c.Query("level"); raw != "" {
		lvl, err := logrus.ParseLevel(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		f.hasLevel, f.minLevel = true, lvl
	}
	f.component = c.Query("component")
	f.instrument = c.Query("instrument")
	c.JSON(http.StatusOK, gin.H{"logs": s.logStore.query(f)})
}

// resources accepts since as RFC3339 and returns only newer samples.
func (s *Server) resources(c *gin.Context) {
	var since time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		since = t
	}
	c.JSON(http.StatusOK, gin.H{"resources": s.resourceSampler.since(since)})
}

func instrumentParam(c *gin.Context) (model.Instrument, bool) {
	inst, err := model.ParseInstrument(c.Param("instrument"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return model.Instrument{}, false
	}
	return inst, true
}

func intQuery(c *gin.Context, key string, def int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + key + ": " + raw})
		return 0, false
	}
	return n, true
}

func writeError(c *gin.Context, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, feed.ErrUnknownInstrument),
		errors.Is(err, aggregator.ErrUnknownResolution),
		errors.Is(err, aggregator.ErrUnknownHeatmap):
		status = http.StatusNotFound
	case errors.Is(err, fetcher.ErrUnsupported):
		status = http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	c.JSON(status, gin.H{"error": err.Error()})
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
