package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/umauth/pkg/clientauth"
	"github.com/stacklok/umauth/pkg/config"
	"github.com/stacklok/umauth/pkg/flow"
	"github.com/stacklok/umauth/pkg/jose"
	"github.com/stacklok/umauth/pkg/logger"
	"github.com/stacklok/umauth/pkg/server"
	"github.com/stacklok/umauth/pkg/storage"
	"github.com/stacklok/umauth/pkg/token"
	"github.com/stacklok/umauth/pkg/uma"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the authorization server",
	Long: `Start the authorization server. It exposes the OAuth token, authorization,
introspection and revocation endpoints, the UMA permission and policy
endpoints, and the discovery documents.`,
	RunE: runServe,
}

const (
	defaultGracefulTimeout = 30 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 15 * time.Second
	serverIdleTimeout      = 60 * time.Second
)

func init() {
	serveCmd.Flags().String("config", "", "Path to a config file")
	serveCmd.Flags().String("address", "", "Address to listen on")
	serveCmd.Flags().String("issuer", "", "Issuer identifier of this server")

	for _, name := range []string{"address", "issuer"} {
		if err := viper.BindPFlag(name, serveCmd.Flags().Lookup(name)); err != nil {
			logger.Fatalf("Failed to bind %s flag: %v", name, err)
		}
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	logger.Initialize()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The memory store backs every repository; Redis, when enabled, takes
	// over the hot token and ticket paths.
	mem := storage.NewMemoryStore()
	defer mem.Close()

	var tokens storage.TokenStore = mem
	var tickets storage.TicketStore = mem
	if cfg.Redis.Enabled {
		rds, err := storage.NewRedisStore(ctx, storage.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return err
		}
		defer rds.Close()
		tokens = rds
		tickets = rds
		logger.Infof("Using Redis token and ticket store at %s", cfg.Redis.Addr)
	}

	engine := jose.NewEngine(mem, tokens)
	if err := engine.EnsureDefaultKeys(ctx); err != nil {
		return err
	}

	issuer := token.NewIssuer(tokens, mem, engine, cfg.Issuer,
		token.WithAccessTokenTTL(cfg.AccessTokenTTL))
	authenticator := clientauth.New(mem, cfg.Issuer)
	flowController := flow.NewController(mem, mem, mem, issuer,
		flow.WithCodeTTL(cfg.AuthCodeTTL))
	registry := uma.NewRegistry(tickets, mem,
		uma.WithTicketLifetime(cfg.TicketTTL))

	scripts, err := uma.NewScriptEvaluator()
	if err != nil {
		return err
	}
	claims, err := uma.NewClaimsResolver(ctx, engine)
	if err != nil {
		return err
	}
	policies := uma.NewEngine(tickets, mem, mem, mem, scripts, claims)

	metrics := server.NewMetrics()
	handler := server.NewHandler(server.Config{
		Authenticator: authenticator,
		Issuer:        issuer,
		Flow:          flowController,
		Registry:      registry,
		Policies:      policies,
		Engine:        engine,
		Resources:     mem,
		PolicySt:      mem,
		IssuerURL:     cfg.Issuer,
		Metrics:       metrics,
	})

	srv := &http.Server{
		Addr:         cfg.Address,
		Handler:      handler.Routes(),
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Infof("Authorization server listening on %s (issuer %s)", cfg.Address, cfg.Issuer)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	var metricsSrv *http.Server
	if cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{
			Addr:        cfg.MetricsAddress,
			Handler:     mux,
			ReadTimeout: serverReadTimeout,
		}
		group.Go(func() error {
			logger.Infof("Metrics listening on %s", cfg.MetricsAddress)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		logger.Info("Shutting down server...")
	case <-groupCtx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	if err := group.Wait(); err != nil {
		return err
	}
	logger.Info("Server shutdown complete")
	return nil
}
