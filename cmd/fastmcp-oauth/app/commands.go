// Package app assembles the fastmcp-oauth command tree.
package app

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gazzadownunder/fastmcp-oauth/pkg/audit"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/auth"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/config"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/delegation"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/delegation/kerberos"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/delegation/postgres"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/dispatch"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/errors"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/logger"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/session"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/tokenexchange"
)

// Process exit codes.
const (
	ExitOK            = 0
	ExitConfigError   = 1
	ExitStartupFailed = 2
)

// startupError marks failures of required startup steps (IDP discovery,
// JWKS reachability) so main can exit with the dedicated code.
type startupError struct {
	err error
}

func (e *startupError) Error() string { return e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

// ExitCode maps a command error to the documented process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var startup *startupError
	if stderrors.As(err, &startup) {
		return ExitStartupFailed
	}
	return ExitConfigError
}

// NewRootCmd builds the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "fastmcp-oauth",
		Short:         "OAuth 2.1 delegation gateway for legacy backends",
		Long:          "fastmcp-oauth authenticates OIDC callers, exchanges their tokens per RFC 8693 and delegates calls to PostgreSQL and Kerberos backends under the caller's identity.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
	}
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.AddCommand(newServeCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE:  runServe,
	}
	serveCmd.Flags().String("config", "config.json", "Path to the configuration file")
	_ = viper.BindPFlag("config", serveCmd.Flags().Lookup("config"))
	_ = viper.BindEnv("config", "CONFIG_PATH")
	return serveCmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	path := viper.GetString("config")
	cfg, err := config.Load(ctx, path, nil)
	if err != nil {
		return err
	}
	logger.Infow("configuration loaded", "path", path, "environment", cfg.Environment)

	sink := audit.NewLogSink()
	store := config.NewStore(cfg, path, nil, sink)
	store.Subscribe(func(*config.Config) {
		// IDP and module topology are built at startup; a reload updates the
		// snapshot for future consumers but topology changes need a restart.
		logger.Infow("configuration snapshot updated")
	})
	if err := store.Watch(ctx); err != nil {
		logger.Warnw("configuration watch unavailable", "error", err)
	}

	registry, err := auth.NewRegistry(ctx, &cfg.Auth, nil)
	if err != nil {
		return &startupError{err: err}
	}
	jwks, err := auth.NewJWKSCache(ctx, registry, time.Duration(cfg.Auth.JWKSRefreshSec)*time.Second, nil)
	if err != nil {
		return &startupError{err: err}
	}
	validator := auth.NewValidator(registry, jwks, sink)

	sessions := session.NewManager(cfg.Auth.Sessions, sink)
	defer sessions.Stop()

	exchanger := tokenexchange.NewExchanger(cfg.Delegation.TokenExchange, nil)
	tokenCache := tokenexchange.NewCache(cfg.Delegation.TokenExchange, sink)
	tokens := tokenexchange.NewClient(exchanger, tokenCache, sink)
	sessions.OnDestroy(func(sessionID string) {
		tokens.PurgeSession(context.Background(), sessionID)
	})

	modules := delegation.NewRegistry(sink)
	for name, moduleCfg := range cfg.Delegation.Modules {
		switch moduleCfg.Type {
		case config.ModuleTypePostgres:
			if err := modules.Register(postgres.NewModule(name, moduleCfg, tokens, sink)); err != nil {
				return err
			}
		case config.ModuleTypeKerberos:
			krb := kerberos.NewModule(name, moduleCfg, tokens, sink)
			if err := modules.Register(krb); err != nil {
				return err
			}
			sessions.OnDestroy(krb.PurgeSession)
		default:
			return errors.Newf(errors.ErrConfigInvalid, "module %q: unknown type %q", name, moduleCfg.Type)
		}
	}
	modules.InitializeAll(ctx)
	defer modules.ShutdownAll(context.Background())

	dispatcher := dispatch.NewDispatcher(validator, sessions, modules,
		time.Duration(cfg.MCP.RequestTimeoutSec)*time.Second)
	srv := dispatch.NewServer(cfg, dispatcher, modules)

	httpServer := &http.Server{
		Addr:              cfg.MCP.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infow("gateway listening", "addr", cfg.MCP.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return &startupError{err: fmt.Errorf("http server failed: %w", err)}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("http server shutdown failed", "error", err)
	}
	return nil
}
