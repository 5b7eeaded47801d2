package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/joho/godotenv"

	"depthflow/config"
	"depthflow/internal/channel"
	"depthflow/internal/dashboard"
	"depthflow/internal/feed"
	"depthflow/internal/fetcher"
	"depthflow/internal/metrics"
	"depthflow/internal/model"
	"depthflow/internal/mux"
	"depthflow/internal/reader/binance"
	"depthflow/internal/reader/bybit"
	"depthflow/internal/reader/kucoin"
	"depthflow/internal/reader/okx"
	"depthflow/internal/writer"
	"depthflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	env := config.AppEnvironment()
	log.WithFields(logger.Fields{
		"service":     cfg.Depthflow.Name,
		"version":     cfg.Depthflow.Version,
		"environment": env,
	}).Info("starting depthflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	metrics.Configure(cfg.Metrics)
	metrics.Init()
	if cfg.Metrics.Prometheus.Enabled {
		metrics.Serve(cfg.Metrics.Prometheus.Address)
	}
	if cfg.Metrics.CloudWatch.Enabled {
		metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch)
	}

	clk := clock.New()

	f := fetcher.New(cfg.Fetcher, clk)
	f.Register(binance.NewSource(cfg), venueRateLimit(cfg, model.VenueBinance))
	f.Register(bybit.NewSource(cfg), venueRateLimit(cfg, model.VenueBybit))
	f.Register(okx.NewSource(cfg), venueRateLimit(cfg, model.VenueOKX))
	f.Register(kucoin.NewSource(cfg), venueRateLimit(cfg, model.VenueKucoin))

	channels := channel.NewChannels()
	defer channels.Close()
	m := mux.New(ctx, channels, mux.NewFactory(cfg))
	for _, ex := range mux.PrivateExchanges(cfg) {
		if err := m.Authenticate(ex); err != nil {
			log.WithComponent("main").WithError(err).WithFields(logger.Fields{"exchange": ex.Key()}).Warn("private connection not opened")
		}
	}

	sinks, err := writer.NewSinks(ctx, cfg.Storage)
	if err != nil {
		log.WithError(err).Error("failed to create candle sinks")
		os.Exit(1)
	}
	var exporter *writer.Exporter
	var export func(model.Candle)
	if len(sinks) > 0 {
		exporter = writer.NewExporter(cfg.Storage, clk, sinks...)
		if err := exporter.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start candle exporter")
			os.Exit(1)
		}
		export = func(c model.Candle) { exporter.Export(c) }
	} else if config.IsProductionLike(env) {
		log.WithComponent("main").Warn("no candle storage enabled; closed candles are not exported")
	}

	fd, err := feed.New(cfg, m, f, clk, export)
	if err != nil {
		log.WithError(err).Error("failed to create feed")
		os.Exit(1)
	}
	fd.Start(ctx)

	var wg sync.WaitGroup

	dash, err := dashboard.NewServer(cfg.Dashboard, log, fd, m.Connections)
	if err != nil {
		log.WithError(err).Error("failed to create dashboard")
		os.Exit(1)
	}
	if dash != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dash.Run(ctx); err != nil {
				log.WithError(err).Warn("dashboard stopped")
			}
		}()
	}

	if cfg.Metrics.Interval > 0 {
		metrics.StartQueueSizeMetrics(ctx, channels.Samples, cfg.Metrics.Interval)
		wg.Add(1)
		go func() {
			defer wg.Done()
			reportWeights(ctx, m, cfg.Metrics.Interval)
		}()
	}

	subscribed := subscribe(ctx, log, fd, cfg.Subscriptions)
	log.WithFields(logger.Fields{"subscriptions": subscribed}).Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	fd.Stop()
	m.Close()
	cancel()
	if exporter != nil {
		log.Info("flushing candle exporter")
		exporter.Stop()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("depthflow stopped")
}

// subscribe opens the configured subscriptions. A bad entry is logged and
// skipped so one delisted symbol does not keep the rest down.
func subscribe(ctx context.Context, log *logger.Log, fd *feed.Feed, subs []config.SubscriptionConfig) int {
	n := 0
	for _, sub := range subs {
		entry := log.WithComponent("main").WithInstrument(sub.Instrument)
		inst, err := model.ParseInstrument(sub.Instrument)
		if err != nil {
			entry.WithError(err).Warn("skipping subscription")
			continue
		}
		resolutions := make([]model.Resolution, 0, len(sub.Resolutions))
		for _, raw := range sub.Resolutions {
			res, err := model.ParseResolution(raw)
			if err != nil {
				entry.WithError(err).Warn("skipping resolution")
				continue
			}
			resolutions = append(resolutions, res)
		}
		h, err := fd.Subscribe(ctx, inst, resolutions...)
		if err != nil {
			entry.WithError(err).Warn("subscribe failed")
			continue
		}
		entry.WithFields(logger.Fields{"handle": h.String()}).Info("subscribed")
		n++
	}
	return n
}

func reportWeights(ctx context.Context, m *mux.Mux, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ReportWeights()
		}
	}
}

// venueRateLimit returns the REST budget of the first enabled exchange of
// venue; every market kind of a venue shares one limiter.
func venueRateLimit(cfg *config.Config, venue model.Venue) config.RateLimitConfig {
	for _, ex := range model.Exchanges {
		if ex.Venue() != venue {
			continue
		}
		if c, ok := cfg.Exchanges[ex.Key()]; ok && c.Enabled {
			return c.RateLimit
		}
	}
	for _, ex := range model.Exchanges {
		if ex.Venue() == venue {
			if def, ok := config.DefaultExchange(ex.Key()); ok {
				return def.RateLimit
			}
		}
	}
	return config.RateLimitConfig{}
}
