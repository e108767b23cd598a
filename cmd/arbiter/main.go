package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/caesar-terminal/arbiter/internal/adapter"
	"github.com/caesar-terminal/arbiter/internal/adapter/aevo"
	"github.com/caesar-terminal/arbiter/internal/adapter/dydx"
	"github.com/caesar-terminal/arbiter/internal/config"
	"github.com/caesar-terminal/arbiter/internal/engine"
	"github.com/caesar-terminal/arbiter/internal/logging"
	"github.com/caesar-terminal/arbiter/internal/metrics"
)

// adapters lists every supported exchange. Adding an exchange means adding
// a decoder package and an entry here.
var adapters = map[string]func() adapter.Adapter{
	"aevo": func() adapter.Adapter { return aevo.New() },
	"dydx": func() adapter.Adapter { return dydx.New() },
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := pflag.NewFlagSet("arbiter", pflag.ContinueOnError)
	fs.BoolP("quiet", "q", false, "suppress trace output (log level info and above)")
	fs.BoolP("continue", "c", false, "keep running after protocol and transport errors")
	fs.String("config", "", "optional config file (yaml, json or toml)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: arbiter [flags]\n\nWatches order books on several exchanges and simulates cross-exchange arbitrage.\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		return 1
	}

	log, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Quiet: cfg.Quiet})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		return 1
	}
	defer log.Sync()

	log.Info("arbiter starting",
		zap.String("env", cfg.Env),
		zap.Strings("exchanges", cfg.Exchanges),
		zap.String("fee_threshold", cfg.Arbitrage.FeeThreshold.String()),
		zap.String("balance", cfg.Arbitrage.StartingBalance.String()),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()
	if cfg.Metrics.Addr != "" {
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Addr); err != nil {
				log.Error("metrics server stopped", zap.Error(err))
			}
		}()
		log.Info("serving metrics", zap.String("addr", cfg.Metrics.Addr))
	}

	opts := []engine.Option{engine.WithLogger(log), engine.WithMetrics(m)}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Warn("redis unreachable, publishing anyway", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		pingCancel()

		writer := adapter.NewRedisWriter(adapter.NewRedisClient(rdb), cfg.Redis.KeyPrefix, log)
		go writer.Run(ctx)
		opts = append(opts, engine.WithPublisher(writer))
	}

	sources := make([]engine.Source, 0, len(cfg.Exchanges))
	clients := make(map[string]*adapter.WSClient, len(cfg.Exchanges))
	for _, name := range cfg.Exchanges {
		feedCfg, ok := cfg.Feed(name)
		if !ok {
			log.Error("no settings for exchange", zap.String("exchange", name))
			return 1
		}
		newAdapter, ok := adapters[name]
		if !ok {
			log.Error("no adapter for exchange", zap.String("exchange", name))
			return 1
		}
		a := newAdapter()
		exLog := log.With(zap.String("exchange", name))

		wsCfg := adapter.DefaultWSConfig(feedCfg.URL)
		wsCfg.HeartbeatTimeout = cfg.WS.HeartbeatTimeout
		if cfg.WS.BackoffInitial > 0 {
			wsCfg.BackoffInitial = cfg.WS.BackoffInitial
		}
		if cfg.WS.BackoffMax > 0 {
			wsCfg.BackoffMax = cfg.WS.BackoffMax
		}
		wsCfg.Keepalive = a.KeepalivePolicy()

		client := adapter.NewWSClient(wsCfg, exLog)
		if err := client.Connect(ctx); err != nil {
			log.Error("connect failed", zap.String("exchange", name), zap.String("url", feedCfg.URL), zap.Error(err))
			return 1
		}
		defer client.Close()
		clients[name] = client
		exLog.Info("connected", zap.String("url", feedCfg.URL))

		sources = append(sources, adapter.NewFeed(a, client, feedCfg.Instrument, log))
	}

	runner, err := engine.NewRunner(engine.Config{
		Policy:          engine.PolicyFor(cfg.Continue),
		FeeThreshold:    cfg.Arbitrage.FeeThreshold,
		StaleAfter:      cfg.Arbitrage.StaleAfter,
		StartingBalance: cfg.Arbitrage.StartingBalance,
	}, sources, opts...)
	if err != nil {
		log.Error("failed to build runner", zap.Error(err))
		return 1
	}

	runErr := runner.Run(ctx)
	for name, client := range clients {
		log.Info("feed state at shutdown", zap.String("exchange", name), zap.Stringer("circuit", client.Circuit()))
	}
	if runErr != nil {
		log.Error("arbiter stopped", zap.Error(runErr))
		return 1
	}
	log.Info("arbiter shutting down")
	return 0
}
