package keeper

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"rescuekeeper/observability/logging"
	telemetry "rescuekeeper/observability/otel"
	"rescuekeeper/services/keeper/aave"
	"rescuekeeper/services/keeper/ens"
	"rescuekeeper/services/keeper/executor"
	"rescuekeeper/services/keeper/health"
	"rescuekeeper/services/keeper/history"
	"rescuekeeper/services/keeper/lifi"
	"rescuekeeper/services/keeper/policy"
	"rescuekeeper/services/keeper/quote"
)

// Main initialises and runs the rescue keeper until SIGINT or SIGTERM.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/keeper/config.yaml", "path to keeper configuration (.yaml or .toml)")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("KEEPER_ENV"))
	logger, logCloser := logging.Setup("keeperd", env, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer func() { _ = logCloser.Close() }()

	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "keeperd",
		Environment: env,
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Insecure:    insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	rpc, err := executor.Dial(cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("dial rpc: %w", err)
	}
	defer rpc.Close()
	ensRPC := rpc
	if cfg.ENS.RPCURL != cfg.RPCURL {
		ensRPC, err = executor.Dial(cfg.ENS.RPCURL)
		if err != nil {
			return fmt.Errorf("dial ens rpc: %w", err)
		}
		defer ensRPC.Close()
	}

	key, err := executor.ParseKey(cfg.Signer.Key)
	if err != nil {
		return err
	}
	executorAddr := common.HexToAddress(cfg.Executor)
	submitter, err := executor.NewSubmitter(rpc, executor.Config{
		ChainID:          cfg.ChainID,
		Executor:         executorAddr,
		Key:              key,
		Confirmations:    cfg.Signer.Confirmations,
		PollInterval:     cfg.Signer.PollInterval.Duration,
		GasBufferPercent: cfg.Signer.GasBufferPercent,
	})
	if err != nil {
		return fmt.Errorf("init submitter: %w", err)
	}
	logger.Info("signer loaded",
		slog.String("address", submitter.From().Hex()),
		slog.String("source", logging.SecretSource(cfg.Signer.KeyEnv, cfg.Signer.KeyFile, cfg.Signer.Key)),
	)

	targets := quote.DefaultTrustedTargets()
	for _, target := range cfg.Routing.TrustedTargets {
		targets = targets.With(cfg.ChainID, target)
	}
	if targets.Count(cfg.ChainID) == 0 {
		logger.Warn("no trusted execution targets for chain; every quote will be rejected", slog.Int64("chain_id", cfg.ChainID))
	}
	router := lifi.NewClient(lifi.Config{
		BaseURL:           cfg.Routing.BaseURL,
		APIKey:            cfg.Routing.APIKey,
		Integrator:        cfg.Routing.Integrator,
		FromAddress:       executorAddr,
		FromToken:         cfg.Routing.FromToken,
		Slippage:          cfg.Routing.Slippage,
		Timeout:           cfg.Routing.Timeout.Duration,
		RequestsPerMinute: float64(cfg.Routing.RequestsPerMinute),
		Burst:             cfg.Routing.Burst,
	})
	if cfg.Routing.APIKey != "" {
		logger.Info("routing api key configured", logging.MaskField("api_key", cfg.Routing.APIKey))
	}

	var registry common.Address
	if cfg.ENS.Registry != "" {
		registry = common.HexToAddress(cfg.ENS.Registry)
	}

	deps := Deps{
		Store: ens.NewStore(ensRPC, registry),
		Resolver: policy.Resolver{
			EmergencyOverride: cfg.Policy.EmergencyForceEnable,
			DefaultChains:     cfg.Policy.DefaultChains,
			Logger:            logger,
		},
		Monitor:   health.NewMonitor(aave.NewReader(rpc), health.WithTimeout(cfg.CallTimeout.Duration), health.WithLogger(logger)),
		Validator: quote.NewValidator(router, targets, cfg.CallTimeout.Duration, logger),
		Submitter: submitter,
		Users:     cfg.MonitoredUsers(),
		ChainID:   cfg.ChainID,
		Pool:      common.HexToAddress(cfg.AavePool),
	}
	if cfg.Policy.EmergencyForceEnable {
		logger.Warn("emergency policy override enabled",
			slog.String("component", "policy"),
			slog.Bool("override", true),
			slog.Bool("audit", true),
		)
	}

	var store *history.Store
	if cfg.History.Driver != "" {
		store, err = history.Open(cfg.History.Driver, cfg.History.DSN)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer func() { _ = store.Close() }()
		deps.History = store
	}

	metrics := NewMetrics()
	orchestrator, err := NewOrchestrator(deps,
		WithLogger(logger),
		WithMetrics(metrics),
		WithPolicyTimeout(cfg.CallTimeout.Duration),
		WithSubmitTimeout(cfg.SubmitTimeout.Duration),
		WithHistoryTimeout(cfg.CallTimeout.Duration),
	)
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}
	if cfg.PauseOnStart {
		orchestrator.Pause()
	}
	runner := NewRunner(WithRunnerLogger(logger), WithRunnerMetrics(metrics))

	var auth *Authenticator
	if cfg.Admin.BearerToken != "" {
		if auth, err = NewAuthenticator(cfg.Admin.BearerToken); err != nil {
			return fmt.Errorf("init admin auth: %w", err)
		}
	} else {
		logger.Warn("admin bearer token not configured; control endpoints disabled")
	}
	adminDeps := AdminDeps{Orchestrator: orchestrator, Runner: runner, Auth: auth, Logger: logger}
	if store != nil {
		adminDeps.History = store
	}
	httpServer := &http.Server{
		Addr:         cfg.Admin.Listen,
		Handler:      NewAdminServer(adminDeps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(stopCtx)
	group.Go(func() error {
		logger.Info("admin api listening", slog.String("listen", cfg.Admin.Listen))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin api: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
		}
		return nil
	})
	var stats Stats
	group.Go(func() error {
		stats = runner.RunForever(groupCtx, cfg.PollInterval.Duration, func(ctx context.Context) (CycleResult, error) {
			return orchestrator.Tick(ctx), nil
		})
		return nil
	})
	err = group.Wait()

	logger.Info("keeper stopped",
		slog.Int("ticks", stats.Ticks),
		slog.Int("rescues_succeeded", stats.RescuesSucceeded),
		slog.Int("rescues_failed", stats.RescuesFailed),
		slog.Int("errors", stats.Errors),
		slog.Int("user_errors", stats.UserErrors),
		slog.Duration("uptime", stats.Uptime),
	)
	return err
}
