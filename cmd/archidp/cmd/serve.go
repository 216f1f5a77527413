package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	archid "github.com/pilab-dev/arch-idp"
	"github.com/pilab-dev/arch-idp/client"
	"github.com/pilab-dev/arch-idp/config"
	"github.com/pilab-dev/arch-idp/grant"
	"github.com/pilab-dev/arch-idp/internal/audit"
	"github.com/pilab-dev/arch-idp/internal/auth"
	"github.com/pilab-dev/arch-idp/internal/metrics"
	"github.com/pilab-dev/arch-idp/internal/server"
	"github.com/pilab-dev/arch-idp/log"
	"github.com/pilab-dev/arch-idp/resource"
	"github.com/pilab-dev/arch-idp/seed"
	"github.com/pilab-dev/arch-idp/signing"
	"github.com/pilab-dev/arch-idp/token"
	"github.com/pilab-dev/arch-idp/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(cfgFile)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.ServerConfig) error {
	logger := log.Setup(cfg.LogLevel, cfg.LogPretty, os.Stdout)
	logger.Info(ctx, "Starting arch-idp", log.Fields{
		"issuer":      cfg.Issuer,
		"http_addr":   cfg.HTTPAddr,
		"store":       cfg.Store,
		"grant_store": cfg.GrantStore,
		"dev_mode":    cfg.DevMode,
	})

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracerProvider(cfg.OtelServiceName, nil)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := tracing.Shutdown(shutdownCtx, tp); err != nil {
				logger.Error(shutdownCtx, "TracerProvider shutdown error", err)
			}
		}()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics.InitCustomMetrics(reg)

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := b.Close(closeCtx); err != nil {
			logger.Error(closeCtx, "Failed to close storage", err)
		}
	}()

	hasher := auth.NewBcryptSecretHasher(bcrypt.DefaultCost)

	if cfg.SeedFile != "" {
		file, err := seed.Load(cfg.SeedFile)
		if err != nil {
			return err
		}
		if _, err := seed.Apply(ctx, file, b.resources, b.clients, client.NewClientService(b.clients, hasher)); err != nil {
			return err
		}
	}

	var auditLog *audit.Logger
	if cfg.AuditLog {
		auditLog = audit.New(os.Stdout)
	}

	engine, signer, grants, err := buildEngine(ctx, cfg, b, hasher, archid.WithAuditLogger(auditLog))
	if err != nil {
		return err
	}

	go signer.Run(ctx)
	go grant.NewSweeper(grants, cfg.SweepInterval).Run(ctx)

	srv := server.NewHTTPServer(archid.NewOAuth2API(engine, nil), server.Options{
		Addr:         cfg.HTTPAddr,
		Logger:       logger,
		Gatherer:     reg,
		HealthChecks: b.health,
		HSTS:         strings.HasPrefix(cfg.Issuer, "https://"),
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "HTTP server listening", log.Fields{"addr": cfg.HTTPAddr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info(context.Background(), "Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "HTTP server shutdown error", err)
		return err
	}

	logger.Info(shutdownCtx, "Server gracefully stopped")

	return nil
}

// buildEngine assembles the registries, signer, grant store and issuer.
func buildEngine(ctx context.Context, cfg *config.ServerConfig, b *backends, hasher auth.SecretHasher,
	opts ...archid.EngineOption,
) (*archid.Engine, *signing.Service, *grant.Store, error) {
	clients, err := client.NewRegistry(b.clients, hasher)
	if err != nil {
		return nil, nil, nil, err
	}

	resources := resource.NewRegistry(b.resources)
	if err := resources.Reload(ctx); err != nil {
		return nil, nil, nil, err
	}

	signer, err := signing.NewService(signing.Config{
		KeyFile:          cfg.SigningKeyFile,
		DevMode:          cfg.DevMode,
		Algorithm:        cfg.SigningAlgorithm,
		RotationInterval: cfg.KeyRotationInterval,
		Retention:        cfg.KeyRetention,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	grants := grant.NewStore(b.grants)

	var issuerOpts []token.Option
	if b.cache != nil {
		issuerOpts = append(issuerOpts, token.WithCache(b.cache))
	}

	issuer := token.NewIssuer(token.Config{
		Issuer:               cfg.Issuer,
		AccessTokenLifetime:  cfg.AccessTokenTTL,
		IDTokenLifetime:      cfg.IDTokenTTL,
		RefreshTokenLifetime: cfg.RefreshTokenTTL,
		RotateRefreshTokens:  cfg.RefreshTokenRotation,
	}, grants, resources, signer, issuerOpts...)

	engine := archid.NewEngine(archid.EngineConfig{
		Issuer:                    cfg.Issuer,
		AuthorizationCodeLifetime: cfg.AuthCodeTTL,
		AllowPlainPKCE:            cfg.AllowPlainPKCE,
	}, clients, resources, grants, b.consents, issuer, signer, opts...)

	return engine, signer, grants, nil
}
