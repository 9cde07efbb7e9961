package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/terraverify/terraverify/internal/blobs"
	"github.com/terraverify/terraverify/internal/chains"
	"github.com/terraverify/terraverify/internal/chains/evm"
	"github.com/terraverify/terraverify/internal/config"
	"github.com/terraverify/terraverify/internal/observability/metrics"
	"github.com/terraverify/terraverify/internal/reconcile"
	"github.com/terraverify/terraverify/internal/server"
	"github.com/terraverify/terraverify/internal/storage"
	"github.com/terraverify/terraverify/internal/verifier"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "terraverify-server",
		Short:   "terraverify server - plot verification and carbon credit claims",
		Version: version,
	}

	// Default behavior (no subcommand) is to serve
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runServe()
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newSweepCmd())
	rootCmd.AddCommand(newKeysCmd())

	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server and the reconciliation sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func newSweepCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation sweep and exit",
		Long: `Resolve claims left in claim_pending or carrying an unresolved
transaction, using the same rules as the background sweeper.

EXAMPLES:
  terraverify-server sweep
  terraverify-server sweep --limit 500
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd.Context(), limit)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "maximum records to reconcile (default: RECONCILE_BATCH_LIMIT)")
	return cmd
}

// runtime holds everything built from configuration that both serve and
// sweep need.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   storage.Store
	monitor *chains.Monitor
	closers []func()
}

func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

func setup(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	rt := &runtime{cfg: cfg, logger: setupLogger(cfg)}

	store, err := storage.New(cfg.Storage, rt.logger)
	if err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	rt.store = store
	rt.closers = append(rt.closers, func() { store.Close() })

	if err := store.Migrate(ctx); err != nil {
		rt.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	submitter, err := newSubmitter(ctx, cfg.Chain, rt.logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if s, ok := submitter.(*evm.Submitter); ok {
		rt.closers = append(rt.closers, s.Close)
	}

	rt.monitor = chains.NewMonitor(submitter, chains.MonitorConfig{
		Confirmations: cfg.Chain.Confirmations,
		Timeout:       cfg.Chain.ConfirmTimeout(),
		PollInterval:  cfg.Chain.PollInterval(),
	}, rt.logger)

	return rt, nil
}

// newSubmitter connects to the configured chain. Without a signing key the
// in-memory chain is used so the service can run locally.
func newSubmitter(ctx context.Context, cfg config.ChainConfig, logger *slog.Logger) (chains.Submitter, error) {
	if cfg.PrivateKey == "" {
		logger.Warn("CHAIN_PRIVATE_KEY not set, claims go to an in-memory chain and are not real")
		return chains.NewFakeSubmitter(), nil
	}

	sub, err := evm.Dial(ctx, evm.Config{
		RPCURL:          cfg.RPCURL,
		PrivateKeyHex:   cfg.PrivateKey,
		ContractAddress: cfg.ContractAddress,
		Decimals:        cfg.TokenDecimals,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to chain: %w", err)
	}
	logger.Info("claim submitter ready", "rpc", cfg.RPCURL, "contract", cfg.ContractAddress)
	return sub, nil
}

// newSweeper builds the reconciliation sweeper. Records are only picked up
// once they have been pending for twice the confirmation deadline, so an
// orchestrator still waiting on its transaction is never raced.
func newSweeper(rt *runtime, limit int) *reconcile.Sweeper {
	if limit <= 0 {
		limit = rt.cfg.Reconcile.BatchLimit
	}
	return reconcile.New(rt.store, rt.monitor, reconcile.Config{
		Schedule:    rt.cfg.Reconcile.Schedule,
		BatchLimit:  limit,
		Concurrency: rt.cfg.Reconcile.Concurrency,
		PendingAge:  2 * rt.monitor.Timeout(),
	}, rt.logger)
}

// sweepChainReady refuses a one-shot sweep without a real chain. A fresh
// in-memory chain knows none of the pending transactions, so every one of
// them would be treated as dropped.
func sweepChainReady(cfg config.ChainConfig) error {
	if cfg.PrivateKey == "" {
		return errors.New("sweep requires CHAIN_PRIVATE_KEY: the in-memory chain cannot see pending transactions")
	}
	return nil
}

func runSweep(ctx context.Context, limit int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := sweepChainReady(rt.cfg.Chain); err != nil {
		return err
	}

	report, err := newSweeper(rt, limit).Sweep(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Scanned %d record(s)\n", report.Scanned)
	for _, a := range []reconcile.Action{
		reconcile.ActionClaimed,
		reconcile.ActionFailed,
		reconcile.ActionReleased,
		reconcile.ActionCleared,
		reconcile.ActionSkipped,
		reconcile.ActionError,
	} {
		if n := report.Count(a); n > 0 {
			fmt.Printf("  %-9s %d\n", a, n)
		}
	}
	if report.Count(reconcile.ActionError) > 0 {
		return errors.New("some records could not be reconciled, see logs")
	}
	return nil
}

// Server command

func runServe() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	cfg, logger := rt.cfg, rt.logger
	logger.Info("starting terraverify-server", "version", version)

	metrics.Init(cfg.Metrics.Enabled, "terraverify")

	plots, err := blobs.New(ctx, cfg.Storage.Blobs, logger)
	if err != nil {
		return fmt.Errorf("initializing plot storage: %w", err)
	}

	client := verifier.New(cfg.Verifier.URL,
		verifier.WithTimeout(time.Duration(cfg.Verifier.TimeoutSeconds)*time.Second),
		verifier.WithRateLimit(cfg.Verifier.RatePerSec),
	)

	srv := server.New(cfg, rt.store, server.Dependencies{
		Verifier: client,
		Blobs:    plots,
		Monitor:  rt.monitor,
	}, logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if cfg.Reconcile.Enabled {
		sweeper := newSweeper(rt, 0)
		g.Go(func() error {
			return sweeper.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

func setupLogger(cfg *config.Config) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Logging.Level),
	}

	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
