// Package main is the entry point for the Stratum mining server.
// It handles configuration loading, logger initialization, dependency
// wiring for pool/proxy mode, and graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/viddhana/pool/internal/bitcoinrpc"
	"github.com/viddhana/pool/internal/blocksubmit"
	"github.com/viddhana/pool/internal/blockwatch"
	"github.com/viddhana/pool/internal/bouncer"
	"github.com/viddhana/pool/internal/config"
	"github.com/viddhana/pool/internal/eventsink"
	"github.com/viddhana/pool/internal/extranonce"
	"github.com/viddhana/pool/internal/jobsource"
	"github.com/viddhana/pool/internal/registry"
	"github.com/viddhana/pool/internal/server"
	"github.com/viddhana/pool/internal/session"
	"github.com/viddhana/pool/internal/stats"
	"github.com/viddhana/pool/internal/storage"
	"github.com/viddhana/pool/internal/upstream"
	"github.com/viddhana/pool/internal/vardiff"
)

const version = "1.0.0"

// commonOptions are the flags both the pool and proxy subcommands accept.
// CommonOptions is named for spec §6.F's CommonOptions/PoolOptions/
// ProxyOptions flag groups; Go idiom collapses those into one FlagSet
// struct per subcommand, registered by registerCommonFlags and applied by
// applyCommonOptions, rather than three
// separate named types.
type commonOptions struct {
	configPath string
	host       string
	port       int
	chain      string
	dataDir    string
	minDiff    float64
	maxDiff    float64
	startDiff  float64
}

func registerCommonFlags(fs *flag.FlagSet, o *commonOptions) {
	fs.StringVar(&o.configPath, "config", "configs/config.yaml", "Path to configuration file")
	fs.StringVar(&o.host, "host", "", "Listen address (overrides config)")
	fs.IntVar(&o.port, "port", 0, "Stratum port (overrides config)")
	fs.StringVar(&o.chain, "chain", "", "Chain: mainnet, testnet, signet, regtest (overrides config)")
	fs.StringVar(&o.dataDir, "data-dir", "", "Data directory (overrides config)")
	fs.Float64Var(&o.minDiff, "min-diff", 0, "Minimum vardiff difficulty (overrides config)")
	fs.Float64Var(&o.maxDiff, "max-diff", 0, "Maximum vardiff difficulty (overrides config)")
	fs.Float64Var(&o.startDiff, "start-diff", 0, "Initial difficulty (overrides config)")
}

func applyCommonOptions(cfg *config.Config, o commonOptions) {
	if o.host != "" {
		cfg.Server.Host = o.host
	}
	if o.port != 0 {
		cfg.Server.Port = o.port
	}
	if o.chain != "" {
		cfg.Chain = config.Chain(o.chain)
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	if o.minDiff != 0 {
		cfg.Mining.MinDifficulty = o.minDiff
	}
	if o.maxDiff != 0 {
		cfg.Mining.MaxDifficulty = o.maxDiff
	}
	if o.startDiff != 0 {
		cfg.Mining.InitialDifficulty = o.startDiff
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s <pool|proxy> [flags]\n", os.Args[0])
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var common commonOptions
	var rpcURL, rpcUser, rpcPassword, cookiePath string
	var upstreamURL, upstreamUser, upstreamPassword string

	switch os.Args[1] {
	case "pool":
		fs := flag.NewFlagSet("pool", flag.ExitOnError)
		registerCommonFlags(fs, &common)
		fs.StringVar(&rpcURL, "rpc-url", "", "Bitcoin node RPC URL (overrides config)")
		fs.StringVar(&rpcUser, "rpc-user", "", "Bitcoin node RPC username (overrides config)")
		fs.StringVar(&rpcPassword, "rpc-password", "", "Bitcoin node RPC password (overrides config)")
		fs.StringVar(&cookiePath, "cookie", "", "Bitcoin node cookie file path (overrides config)")
		fs.Parse(os.Args[2:])
	case "proxy":
		fs := flag.NewFlagSet("proxy", flag.ExitOnError)
		registerCommonFlags(fs, &common)
		fs.StringVar(&upstreamURL, "upstream-url", "", "Upstream stratum URL (overrides config)")
		fs.StringVar(&upstreamUser, "upstream-user", "", "Upstream stratum username (overrides config)")
		fs.StringVar(&upstreamPassword, "upstream-password", "", "Upstream stratum password (overrides config)")
		fs.Parse(os.Args[2:])
	case "-h", "-help", "--help":
		usage()
		os.Exit(0)
	default:
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load(common.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	applyCommonOptions(cfg, common)

	cfg.Mode = config.Mode(os.Args[1])
	if rpcURL != "" {
		cfg.Node.RPCURL = rpcURL
	}
	if rpcUser != "" {
		cfg.Node.RPCUser = rpcUser
	}
	if rpcPassword != "" {
		cfg.Node.RPCPassword = rpcPassword
	}
	if cookiePath != "" {
		cfg.Node.CookiePath = cookiePath
	}
	if upstreamURL != "" {
		cfg.Upstream.URL = upstreamURL
	}
	if upstreamUser != "" {
		cfg.Upstream.Username = upstreamUser
	}
	if upstreamPassword != "" {
		cfg.Upstream.Password = upstreamPassword
	}

	// config.Load validated the config file as loaded, before the
	// subcommand's mode and flag overrides were applied; re-check the two
	// mode-specific invariants an override could have broken.
	if cfg.Mode == config.ModePool && cfg.Mining.PoolAddress == "" {
		fmt.Fprintln(os.Stderr, "pool mode requires mining.pool_address in the config file")
		os.Exit(1)
	}
	if cfg.Mode == config.ModeProxy && cfg.Upstream.URL == "" {
		fmt.Fprintln(os.Stderr, "proxy mode requires upstream.url (set in the config file or via -upstream-url)")
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting stratum server",
		zap.String("version", version),
		zap.String("mode", string(cfg.Mode)),
		zap.String("chain", string(cfg.Chain)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, cleanup, runners, err := wireDeps(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to wire dependencies", zap.Error(err))
	}
	defer cleanup()

	// group supervises every background loop (job source polling, event
	// sink draining, the listener, metrics) so one failing member cancels
	// ctx for the rest instead of leaking goroutines on a partial failure.
	group, groupCtx := errgroup.WithContext(ctx)
	for _, run := range runners {
		run := run
		group.Go(func() error {
			run(groupCtx)
			return nil
		})
	}

	srv := server.New(cfg.Server, logger, deps)

	group.Go(func() error {
		if err := srv.Start(groupCtx); err != nil {
			logger.Error("server error", zap.Error(err))
			return err
		}
		return nil
	})

	if cfg.Server.Metrics.Enabled {
		group.Go(func() error {
			if err := srv.StartMetricsServer(); err != nil {
				logger.Error("metrics server error", zap.Error(err))
			}
			return nil
		})
	}

	go func() {
		if err := group.Wait(); err != nil {
			cancel()
		}
	}()

	waitForShutdown(logger, srv)
}

// waitForShutdown blocks until SIGINT/SIGTERM, then gives in-flight
// sessions 30s to drain before forcing an exit. A second interrupt signal
// forces an immediate exit.
func waitForShutdown(logger *zap.Logger, srv *server.Server) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("error during shutdown", zap.Error(err))
		}
		close(done)
	}()

	select {
	case <-done:
		logger.Info("server shutdown complete")
	case <-sigChan:
		logger.Warn("second interrupt received, forcing exit")
		os.Exit(1)
	}
}

// runner is a background loop started alongside the listener, e.g. the
// pool-mode getblocktemplate poller or the event sink drain loop.
type runner func(ctx context.Context)

// wireDeps builds every shared dependency a session needs and the set of
// background loops the caller must start, plus a cleanup func releasing
// anything that doesn't take a context (storage clients).
func wireDeps(ctx context.Context, cfg *config.Config, logger *zap.Logger) (session.Deps, func(), []runner, error) {
	chainParams, err := chainParamsFor(cfg.Chain)
	if err != nil {
		return session.Deps{}, nil, nil, err
	}

	allocator, err := extranonce.New(cfg.Mining.Extranonce1Size)
	if err != nil {
		return session.Deps{}, nil, nil, fmt.Errorf("creating extranonce allocator: %w", err)
	}

	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	writers, redisClient, pgClient, sinkCleanup, err := wireEventSink(ctx, cfg, logger)
	if err != nil {
		return session.Deps{}, nil, nil, err
	}
	cleanups = append(cleanups, sinkCleanup)
	sink := eventsink.New(logger, writers)

	deps := session.Deps{
		Log:           logger,
		ServerConfig:  cfg.Server,
		MiningConfig:  cfg.Mining,
		VardiffConfig: vardiff.Config{
			TargetShareTime: cfg.Vardiff.TargetShareTime,
			Window:          cfg.Vardiff.Window,
			SilenceTimeout:  cfg.Vardiff.SilenceTimeout,
		},
		BouncerConfig: bouncer.Config{
			WarnThreshold:      cfg.Bouncer.WarnThreshold,
			ReconnectThreshold: cfg.Bouncer.ReconnectThreshold,
			DropThreshold:      cfg.Bouncer.DropThreshold,
			PreAuthTimeout:     cfg.Bouncer.PreAuthTimeout,
			IdleTimeout:        cfg.Bouncer.IdleTimeout,
			CheckInterval:      cfg.Bouncer.CheckInterval,
		},
		ChainParams: chainParams,
		Allocator:   allocator,
		Registry:    registry.New(cfg.Mining.SessionTTL),
		Sink:        sink,
		Redis:       redisClient,
		Postgres:    pgClient,
	}

	var runners []runner
	runners = append(runners, sink.Run)

	if pgClient != nil {
		runners = append(runners, newShareRetentionRunner(pgClient, cfg.Postgres.ShareRetention, logger))
	}

	switch cfg.Mode {
	case config.ModePool:
		rpc, err := bitcoinrpc.Connect(bitcoinrpc.Config{
			Host:       cfg.Node.RPCURL,
			User:       cfg.Node.RPCUser,
			Password:   cfg.Node.RPCPassword,
			CookiePath: cfg.Node.CookiePath,
			Chain:      string(cfg.Chain),
		}, logger)
		if err != nil {
			cleanup()
			return session.Deps{}, nil, nil, fmt.Errorf("connecting to node: %w", err)
		}
		cleanups = append(cleanups, rpc.Close)

		pool, err := jobsource.NewPoolSource(ctx, jobsource.PoolSourceConfig{
			UpdateInterval: cfg.Node.PollInterval,
			Signet:         cfg.Chain == config.ChainSignet,
			ZMQEnabled:     cfg.ZMQ.Enabled,
			ZMQAddress:     cfg.ZMQ.Address,
		}, rpc, logger)
		if err != nil {
			cleanup()
			return session.Deps{}, nil, nil, fmt.Errorf("starting pool job source: %w", err)
		}

		deps.Broadcaster = pool.Broadcaster()
		deps.BlockSubmitter = blocksubmit.New(rpc, logger)
		runners = append(runners, pool.Run)

		if pgClient != nil {
			watcher := blockwatch.New(rpc, pgClient, logger, cfg.Postgres.BlockCheckInterval)
			runners = append(runners, watcher.Run)
		}

	case config.ModeProxy:
		relay := upstream.New(upstream.Config{
			URL:                  cfg.Upstream.URL,
			Username:             cfg.Upstream.Username,
			Password:             cfg.Upstream.Password,
			UserAgent:            cfg.Upstream.UserAgent,
			ConnectTimeout:       cfg.Upstream.ConnectTimeout,
			Enonce1ExtensionSize: cfg.Upstream.Enonce1ExtensionSize,
		}, logger)

		proxy, err := jobsource.NewProxySource(ctx, relay, logger)
		if err != nil {
			cleanup()
			return session.Deps{}, nil, nil, fmt.Errorf("connecting upstream relay: %w", err)
		}

		deps.Broadcaster = proxy.Broadcaster()
		deps.Relay = relay
		deps.Enonce1Prefix = relay.Enonce1()
		// BlockSubmitter is left nil in proxy mode: the upstream pool owns
		// the block template and submits it itself once it sees the
		// forwarded share.

	default:
		cleanup()
		return session.Deps{}, nil, nil, fmt.Errorf("unknown mode %q", cfg.Mode)
	}

	return deps, cleanup, runners, nil
}

// shareRetentionSweep is how often the retention runner checks for rows to
// delete, independent of how long those rows are kept.
const shareRetentionSweep = 1 * time.Hour

// newShareRetentionRunner returns a runner that periodically deletes share
// rows older than retention. A non-positive retention disables cleanup.
func newShareRetentionRunner(pg *storage.PostgresClient, retention time.Duration, logger *zap.Logger) runner {
	log := logger.Named("retention")
	return func(ctx context.Context) {
		if retention <= 0 {
			return
		}
		ticker := time.NewTicker(shareRetentionSweep)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := pg.CleanupOldShares(ctx, retention)
				if err != nil {
					log.Warn("share cleanup failed", zap.Error(err))
					continue
				}
				if n > 0 {
					log.Info("cleaned up old shares", zap.Int64("deleted", n))
				}
			}
		}
	}
}

// wireEventSink constructs the configured durable writers plus the
// in-memory hashrate aggregator, which is always present. It also returns
// the raw Redis and (if enabled) Postgres clients so callers can reuse them
// for concerns beyond event persistence: session-level dedupe/resume and
// the block confirmation watcher.
func wireEventSink(ctx context.Context, cfg *config.Config, logger *zap.Logger) ([]eventsink.Writer, *storage.RedisClient, *storage.PostgresClient, func(), error) {
	var writers []eventsink.Writer
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	writers = append(writers, stats.NewAggregator())

	if cfg.EventSink.JSONLPath != "" {
		w, err := eventsink.NewJSONLWriter(cfg.EventSink.JSONLPath)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("opening jsonl event writer: %w", err)
		}
		writers = append(writers, w)
	}
	if cfg.EventSink.CSVPath != "" {
		w, err := eventsink.NewCSVWriter(cfg.EventSink.CSVPath)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("opening csv event writer: %w", err)
		}
		writers = append(writers, w)
	}

	redisClient, err := storage.NewRedisClient(ctx, cfg.Redis, logger)
	if err != nil {
		cleanup()
		return nil, nil, nil, nil, fmt.Errorf("connecting to redis: %w", err)
	}
	cleanups = append(cleanups, func() { redisClient.Close() })
	writers = append(writers, eventsink.NewRedisWriter(redisClient, logger))

	var pgClient *storage.PostgresClient
	if cfg.EventSink.UsePostgres {
		pgClient, err = storage.NewPostgresClient(ctx, cfg.Postgres, logger)
		if err != nil {
			cleanup()
			return nil, nil, nil, nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		cleanups = append(cleanups, func() { pgClient.Close() })
		writers = append(writers, eventsink.NewPostgresWriter(pgClient, logger))
	}

	return writers, redisClient, pgClient, cleanup, nil
}

func chainParamsFor(chain config.Chain) (*chaincfg.Params, error) {
	switch chain {
	case config.ChainMainnet:
		return &chaincfg.MainNetParams, nil
	case config.ChainTestnet:
		return &chaincfg.TestNet3Params, nil
	case config.ChainSignet:
		return &chaincfg.SigNetParams, nil
	case config.ChainRegtest:
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown chain %q", chain)
	}
}

// initLogger initializes the zap logger based on configuration.
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
	}
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var writeSyncer zapcore.WriteSyncer
	if cfg.Output == "file" && cfg.FilePath != "" {
		file, err := os.OpenFile(cfg.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writeSyncer = zapcore.AddSync(file)
	} else {
		writeSyncer = zapcore.AddSync(os.Stdout)
	}

	core := zapcore.NewCore(encoder, writeSyncer, level)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logger, nil
}
