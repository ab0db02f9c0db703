package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-router"
	"github.com/goliatone/go-sso"
	"github.com/goliatone/go-sso/activitymap"
	"github.com/goliatone/go-sso/config"
	"github.com/goliatone/go-sso/noncestore"
	"github.com/goliatone/go-sso/repository"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var configPath string

var rootCmd = &cobra.Command{
	Use:   "ssod",
	Short: "Directory single sign-on service",
	Long: `ssod signs users in with id tokens from the directory provider,
maps them to local accounts and links existing accounts on request.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML configuration file")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	lgr := glog.NewLogger(
		glog.WithLoggerTypePretty(),
		glog.WithLevel(glog.Info),
		glog.WithName("ssod"),
		glog.WithAddSource(false),
		glog.WithRichErrorHandler(errors.ToSlogAttributes),
	)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer stop()

	return run(ctx, cfg, lgr)
}

// run serves until ctx is done or the listener fails.
func run(ctx context.Context, cfg *config.Config, lgr *glog.BaseLogger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	db, err := openDatabase(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	store := repository.NewStore(db)
	if err := store.Validate(); err != nil {
		return err
	}
	if err := store.CreateSchema(ctx); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	nonces, closeNonces := nonceStore(cfg)
	defer closeNonces()

	settings := cfg.Settings()
	activityLogger := lgr.GetLogger("activity")

	auth := sso.NewAuthenticator(
		settings,
		store,
		sso.NewFlowStateCodec(cfg.State.Key, cfg.State.HMACKey, settings.StateTTL),
		sso.WithAuthenticatorLogger(lgr.GetLogger("auth")),
		sso.WithNonceStore(nonces),
		sso.WithKeySetProvider(newKeySetProvider(cfg, lgr.GetLogger("keys"))),
		sso.WithAuthenticatorActivitySink(activitymap.Sink(func(_ context.Context, record activitymap.Normalized) error {
			activityLogger.Info(record.Verb,
				"actor", record.ActorID,
				"object", record.ObjectID,
				"channel", record.Channel,
				"metadata", record.Metadata,
			)
			return nil
		})),
	)

	sessions := sso.NewSessionTokens([]byte(cfg.Session.Key), cfg.Session.TTL, settings.BaseURI, lgr.GetLogger("session"))
	controller := sso.NewHTTPController(auth, sessions, httpConfig(cfg))

	srv := router.NewFiberAdapter(func(a *fiber.App) *fiber.App {
		return router.DefaultFiberOptions(fiber.New(fiber.Config{
			UnescapePath:  true,
			StrictRouting: false,
		}))
	})
	srv.Router().WithLogger(lgr.GetLogger("router"))
	srv.Router().Use(controller.SessionMiddleware())
	srv.Router().Use(controller.NoticeRedirect())

	controller.RegisterRoutes(srv.Router().Group(cfg.Server.RoutePrefix))

	log := lgr.GetLogger("ssod")
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", "addr", cfg.Server.Addr, "routes", cfg.Server.RoutePrefix)
		return srv.Serve(cfg.Server.Addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newKeySetProvider(cfg *config.Config, logger sso.Logger) *sso.HTTPKeySetProvider {
	return sso.NewHTTPKeySetProvider(
		sso.WithKeySetEndpoint(cfg.KeysEndpoint),
		sso.WithKeySetHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}),
		sso.WithKeySetLogger(logger),
	)
}

func httpConfig(cfg *config.Config) sso.HTTPConfig {
	return sso.HTTPConfig{
		SessionCookieName: cfg.Session.CookieName,
		CookieSecure:      cfg.Session.Secure,
		LoginPath:         cfg.Server.LoginPath(),
	}
}

func openDatabase(dsn string) (*bun.DB, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return bun.NewDB(sqldb, sqlitedialect.New()), nil
}

func nonceStore(cfg *config.Config) (sso.NonceStore, func()) {
	if cfg.Redis.Addr == "" {
		return noncestore.NewMemory(cfg.State.TTL), func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return noncestore.NewRedis(client, cfg.Redis.Prefix), func() { _ = client.Close() }
}
