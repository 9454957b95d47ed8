// Command policyplane runs the policy-distribution control plane: the
// bundle builder and distribution server, the constraint evaluator, and
// the optional replay worker, wired against one policy authority.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/noumena/policyplane/internal/config"
	"github.com/noumena/policyplane/pkg/authority"
	"github.com/noumena/policyplane/pkg/bearerauth"
	"github.com/noumena/policyplane/pkg/bundle"
	"github.com/noumena/policyplane/pkg/constraints"
	"github.com/noumena/policyplane/pkg/distserver"
	"github.com/noumena/policyplane/pkg/eventstream"
	"github.com/noumena/policyplane/pkg/latch"
	"github.com/noumena/policyplane/pkg/observability"
	"github.com/noumena/policyplane/pkg/rebuild"
	"github.com/noumena/policyplane/pkg/replaywork"
	"github.com/noumena/policyplane/pkg/tokencache"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startRun, startServer, startEvaluator, startReplay are variables so tests
// can mock subcommand dispatch without actually binding ports.
var (
	startRun       = runAll
	startServer    = runServer
	startEvaluator = runEvaluator
	startReplay    = runReplay
)

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startRun()
	}

	switch args[1] {
	case "run":
		return startRun()
	case "server":
		return startServer()
	case "evaluator":
		return startEvaluator()
	case "replay":
		return startReplay()
	case "health":
		return runHealthCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "policyplane — policy-distribution control plane")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  policyplane <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  run        Run every surface: distribution, evaluator, replay (default)")
	fmt.Fprintln(w, "  server     Run only the bundle builder and distribution server")
	fmt.Fprintln(w, "  evaluator  Run only the constraint cache and evaluator HTTP service")
	fmt.Fprintln(w, "  replay     Run only the replay worker")
	fmt.Fprintln(w, "  health     Check the distribution server's /health endpoint")
	fmt.Fprintln(w, "  help       Show this help")
	fmt.Fprintln(w, "")
}

// components bundles everything main wires together so each subcommand can
// start the subset it needs.
type components struct {
	cfg     *config.Config
	logger  *slog.Logger
	authz   *authority.Client
	tokens  *tokencache.Cache
	obs     *observability.Provider
	rebuildTrigger *latch.Latch
	replayTrigger  *latch.Latch
}

func wire(ctx context.Context, cfg *config.Config) (*components, error) {
	logger := slog.Default()

	obsConfig := observability.DefaultConfig()
	obsConfig.OTLPEndpoint = cfg.OTLPEndpoint
	obsConfig.Enabled = cfg.OTLPEndpoint != ""
	obs, err := observability.New(ctx, obsConfig)
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}

	fetcher := newIdentityFetcher(cfg.IdentityBaseURL, cfg.IdentityRealm, gatewayClientID, cfg.GatewayUsername, cfg.GatewayPassword)
	tokens := tokencache.New(fetcher)
	authz := authority.New(cfg.AuthorityBaseURL, tokens)

	return &components{
		cfg:            cfg,
		logger:         logger,
		authz:          authz,
		tokens:         tokens,
		obs:            obs,
		rebuildTrigger: latch.New(),
		replayTrigger:  latch.New(),
	}, nil
}

// runDistribution wires and runs the bundle builder, event-stream consumer,
// reconciler, and distribution HTTP server. Blocks until ctx is canceled.
func runDistribution(ctx context.Context, c *components) error {
	builder, err := bundle.NewBuilder()
	if err != nil {
		return fmt.Errorf("bundle builder: %w", err)
	}

	source := newBundleDataSource(c.authz)
	consumer := eventstream.New(c.authz.BaseURL(), "/subscribe", eventstream.NewSSEClient(), c.authz.Tokens().GetToken, c.rebuildTrigger, c.replayTrigger, c.logger).
		WithObservability(c.obs)

	coordinator := rebuild.New(source, builder, c.cfg.BundleName, c.rebuildTrigger, consumer.LastEventID, c.logger).
		WithObservability(c.obs)

	go coordinator.Run(ctx)
	go coordinator.RunReconciler(ctx, c.cfg.ReconcileInterval)
	go consumer.Run(ctx)

	validator, err := bearerauth.NewValidator(c.cfg.BundleJWTPublicKey)
	if err != nil {
		return fmt.Errorf("bundle jwt validator: %w", err)
	}

	server := distserver.New(coordinator.Served(), c.cfg.BundleName, consumer, c.cfg.StalenessThreshold)
	mux := http.NewServeMux()
	server.Routes(mux)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", c.cfg.DistributionPort),
		Handler: bearerauth.Middleware(validator)(mux),
	}
	return serveUntilCanceled(ctx, httpServer, c.logger, "distribution")
}

// runEvaluatorSurface wires and runs the constraint cache and evaluator HTTP server.
func runEvaluatorSurface(ctx context.Context, c *components) error {
	var mirror constraints.Mirror
	if c.cfg.ConstraintCacheRedisAddr != "" {
		mirror = constraints.NewRedisMirror(c.cfg.ConstraintCacheRedisAddr)
	}

	cache := constraints.NewCache(c.authz, mirror, c.logger).WithObservability(c.obs)
	go cache.Run(ctx, c.cfg.ConstraintCacheTTL)

	evaluator := constraints.NewEvaluator(cache, c.authz).WithObservability(c.obs)

	validator, err := bearerauth.NewValidator(c.cfg.EvaluatorJWTPublicKey)
	if err != nil {
		return fmt.Errorf("evaluator jwt validator: %w", err)
	}

	mux := http.NewServeMux()
	evaluator.Routes(mux)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", c.cfg.EvaluatorPort),
		Handler: bearerauth.Middleware(validator)(mux),
	}
	return serveUntilCanceled(ctx, httpServer, c.logger, "evaluator")
}

// runReplaySurface wires and runs the replay worker, if enabled.
func runReplaySurface(ctx context.Context, c *components) error {
	if !c.cfg.ReplayEnabled {
		c.logger.InfoContext(ctx, "replay worker disabled")
		<-ctx.Done()
		return nil
	}

	dispatcher := replaywork.NewHTTPDispatcher(&http.Client{})
	worker := replaywork.New(c.authz, dispatcher, c.cfg.BackendMap, c.replayTrigger, c.cfg.ReplayPollInterval, c.logger).
		WithObservability(c.obs)
	worker.Run(ctx)
	return nil
}

func serveUntilCanceled(ctx context.Context, server *http.Server, logger *slog.Logger, name string) error {
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("%s server: %w", name, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logger.InfoContext(ctx, "shutting down", "server", name)
		return server.Shutdown(shutdownCtx)
	}
}

func withSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runAll() int {
	ctx, cancel := withSignalContext()
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return 1
	}

	c, err := wire(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup error: %v\n", err)
		return 1
	}
	defer c.obs.Shutdown(context.Background())

	errCh := make(chan error, 3)
	go func() { errCh <- runDistribution(ctx, c) }()
	go func() { errCh <- runEvaluatorSurface(ctx, c) }()
	go func() { errCh <- runReplaySurface(ctx, c) }()

	for i := 0; i < 3; i++ {
		if err := <-errCh; err != nil {
			c.logger.ErrorContext(ctx, "surface exited with error", "error", err)
		}
	}
	return 0
}

func runServer() int {
	ctx, cancel := withSignalContext()
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return 1
	}
	c, err := wire(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup error: %v\n", err)
		return 1
	}
	defer c.obs.Shutdown(context.Background())

	if err := runDistribution(ctx, c); err != nil {
		c.logger.ErrorContext(ctx, "distribution server exited with error", "error", err)
		return 1
	}
	return 0
}

func runEvaluator() int {
	ctx, cancel := withSignalContext()
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return 1
	}
	c, err := wire(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup error: %v\n", err)
		return 1
	}
	defer c.obs.Shutdown(context.Background())

	if err := runEvaluatorSurface(ctx, c); err != nil {
		c.logger.ErrorContext(ctx, "evaluator server exited with error", "error", err)
		return 1
	}
	return 0
}

func runReplay() int {
	ctx, cancel := withSignalContext()
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return 1
	}
	c, err := wire(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup error: %v\n", err)
		return 1
	}
	defer c.obs.Shutdown(context.Background())

	if err := runReplaySurface(ctx, c); err != nil {
		c.logger.ErrorContext(ctx, "replay worker exited with error", "error", err)
		return 1
	}
	return 0
}

func runHealthCmd(out, errOut io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(errOut, "config error: %v\n", err)
		return 1
	}

	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/health", cfg.DistributionPort))
	if err != nil {
		fmt.Fprintf(errOut, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(out, "OK")
	return 0
}
