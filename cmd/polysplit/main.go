package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alejandrodnm/polysplit/config"
	"github.com/alejandrodnm/polysplit/internal/adapters/notify"
	"github.com/alejandrodnm/polysplit/internal/adapters/onchain"
	"github.com/alejandrodnm/polysplit/internal/adapters/polymarket"
	"github.com/alejandrodnm/polysplit/internal/adapters/storage"
	"github.com/alejandrodnm/polysplit/internal/application/engine/maker"
	"github.com/alejandrodnm/polysplit/internal/application/feed"
	"github.com/alejandrodnm/polysplit/internal/ports"
)

const recentLimit = 20

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	once := flag.Bool("once", false, "run one detection + processing cycle and exit")
	status := flag.Bool("status", false, "print active and recent positions and exit")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	store, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer store.Close()

	console := notify.NewConsole()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *status {
		if err := printStatus(ctx, store, console); err != nil {
			slog.Error("status failed", "err", err)
			os.Exit(1)
		}
		return
	}

	if cfg.Chain.PrivateKey == "" {
		slog.Error("POLY_PRIVATE_KEY is required to trade")
		os.Exit(1)
	}

	mm := cfg.MarketMaker
	slog.Info("polysplit starting",
		"config", *configPath,
		"split", mm.SplitAmount,
		"offset", mm.OffsetAboveMidpoint,
		"step", mm.PriceStep,
		"merge_threshold", mm.MergeThreshold,
		"poll", cfg.PollInterval(),
		"websocket", *cfg.Feed.UseWebsocket,
		"once", *once,
	)

	auth, err := polymarket.NewAuthClient(cfg.API.CLOBBase, cfg.API.GammaBase, cfg.Chain.PrivateKey)
	if err != nil {
		slog.Error("failed to create auth client", "err", err)
		os.Exit(1)
	}
	if err := auth.EnsureCreds(ctx); err != nil {
		slog.Error("failed to derive API credentials", "err", err)
		os.Exit(1)
	}

	ctf, err := onchain.NewCTFClient(cfg.Chain.RPCURL, cfg.Chain.PrivateKey)
	if err != nil {
		slog.Error("failed to connect to chain", "err", err, "rpc", cfg.Chain.RPCURL)
		os.Exit(1)
	}
	if err := ctf.EnsureApprovals(ctx); err != nil {
		slog.Error("failed to set CTF approvals", "err", err)
		os.Exit(1)
	}
	slog.Info("wallet ready", "address", auth.Address())

	exchange := polymarket.NewExchange(polymarket.NewTradingClient(auth), ctf)

	var push ports.PushBookSource
	if *cfg.Feed.UseWebsocket {
		push = polymarket.NewMarketWS(cfg.Feed.MarketWSURL)
	}
	books := feed.New(push, auth.Client, feed.Options{
		HealthCheckTimeout: config.Seconds(cfg.Feed.HealthCheckTimeout),
		ReconnectDelay:     config.Seconds(cfg.Feed.ReconnectDelay),
		MaxReconnectDelay:  config.Seconds(cfg.Feed.MaxReconnectDelay),
		PollInterval:       cfg.PollInterval(),
		WeightedMidpoint:   mm.UseWeightedMidpoint,
		DepthLevels:        mm.MidpointDepthLevels,
	})

	engine := maker.New(auth.Client, exchange, store, books, console, engineConfig(cfg))
	if *cfg.Feed.UseWebsocketOrderStatus {
		engine.WithOrderEvents(polymarket.NewUserWS(cfg.Feed.UserWSURL, auth))
	}

	if *once {
		if err := runOnce(ctx, engine, books, cfg.PollInterval()); err != nil {
			slog.Error("cycle failed", "err", err)
			os.Exit(1)
		}
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return books.Run(gctx) })
	g.Go(func() error { return engine.Run(gctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("polysplit exited with error", "err", err)
		os.Exit(1)
	}

	slog.Info("polysplit stopped cleanly")
}

// runOnce arranca el feed, ejecuta un ciclo, espera un poll para que los
// tokens recién suscritos tengan precio y ejecuta otro.
func runOnce(ctx context.Context, engine *maker.Engine, books *feed.Feed, poll time.Duration) error {
	feedCtx, stop := context.WithCancel(ctx)
	defer stop()
	go books.Run(feedCtx)

	if err := engine.Resume(ctx); err != nil {
		return err
	}
	if err := engine.RunOnce(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(poll + time.Second):
	}
	if err := engine.RunOnce(ctx); err != nil {
		return err
	}
	slog.Info("single cycle complete", "active", engine.ActiveCount())
	return nil
}

func printStatus(ctx context.Context, store *storage.SQLiteStorage, console *notify.Console) error {
	active, err := store.ListActive(ctx)
	if err != nil {
		return err
	}
	recent, err := store.ListRecent(ctx, recentLimit)
	if err != nil {
		return err
	}
	console.PrintStatus(active, recent, time.Now())
	return nil
}

// engineConfig convierte la configuración (segundos, minutos) a maker.Config.
func engineConfig(cfg *config.Config) maker.Config {
	mm := cfg.MarketMaker
	return maker.Config{
		SplitAmount:       mm.SplitAmount,
		Offset:            mm.OffsetAboveMidpoint,
		PriceStep:         mm.PriceStep,
		MergeThreshold:    mm.MergeThreshold,
		WaitAfterFill:     config.Seconds(mm.WaitAfterFill),
		WaitIfNeither:     config.Seconds(mm.WaitIfNeitherFills),
		WaitBeforeResplit: config.Seconds(mm.WaitBeforeResplit),
		PollInterval:      cfg.PollInterval(),
		MinMinutes:        mm.MinMinutesBeforeResolution,
		MaxMinutes:        mm.MaxMinutesBeforeResolution,
		MaxAdjustments:    mm.MaxAdjustments,
		MaxNeither:        mm.MaxIterationsNeitherFills,
		MaxPositions:      mm.MaxPositions,
		Workers:           mm.Workers,
		MaxPriceAge:       config.Seconds(cfg.Feed.HealthCheckTimeout) * 2,
		DiscoveryInterval: cfg.DiscoveryInterval(),
		RedeemInterval:    config.Seconds(mm.RedeemInterval),
		SlugPrefixes:      cfg.Discovery.SlugPrefixes,
		DiscoveryLimit:    cfg.Discovery.Limit,
	}
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
