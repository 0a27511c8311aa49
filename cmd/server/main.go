package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/omerlefaruk/CasareRPA-sub017/internal/api"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/auth"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/config"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/db"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/dispatcher"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/events"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/maintenance"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/metrics"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/queue"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/registry"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/repositories"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/scheduler"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type serverConfig struct {
	httpAddr  string
	robotAddr string
	dbDriver  string
	dbDSN     string
	logLevel  string

	tlsCert     string
	tlsKey      string
	tlsClientCA string

	jwtPrivateKey string
	jwtPublicKey  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &serverConfig{}

	root := &cobra.Command{
		Use:   "casare-server",
		Short: "CasareRPA orchestration server",
		Long: `CasareRPA server is the control plane of the robot fleet. It owns the
job queue, robot registry, cron scheduler and dispatcher, exposes the
administrative REST API, and terminates the mTLS robot transport.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newMigrateCmd(cfg))

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("CASARE_HTTP_ADDR", ":8080"), "HTTP API listen address")
	root.PersistentFlags().StringVar(&cfg.robotAddr, "robot-addr", envOrDefault("CASARE_ROBOT_ADDR", ":9443"), "robot mTLS transport listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("CASARE_DB_DRIVER", "sqlite"), "database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("CASARE_DB_DSN", "./casare.db"), "database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("CASARE_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.tlsCert, "tls-cert", envOrDefault("CASARE_TLS_CERT", ""), "server certificate for the robot transport")
	root.PersistentFlags().StringVar(&cfg.tlsKey, "tls-key", envOrDefault("CASARE_TLS_KEY", ""), "server private key for the robot transport")
	root.PersistentFlags().StringVar(&cfg.tlsClientCA, "tls-client-ca", envOrDefault("CASARE_TLS_CLIENT_CA", ""), "CA bundle that signs robot client certificates")
	root.PersistentFlags().StringVar(&cfg.jwtPrivateKey, "jwt-private-key", envOrDefault("CASARE_JWT_PRIVATE_KEY", ""), "RSA private key PEM for session tokens (empty = ephemeral)")
	root.PersistentFlags().StringVar(&cfg.jwtPublicKey, "jwt-public-key", envOrDefault("CASARE_JWT_PUBLIC_KEY", ""), "RSA public key PEM for session tokens")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("casare-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func newMigrateCmd(cfg *serverConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(cfg.logLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			driver := cfg.dbDriver
			if driver == "" {
				driver = "sqlite"
			}
			// database/sql driver names differ from ours: modernc registers
			// "sqlite", the pgx stdlib shim registers "pgx".
			sqlName := driver
			if driver == "postgres" {
				sqlName = "pgx"
			}
			sqlDB, err := sql.Open(sqlName, cfg.dbDSN)
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			defer sqlDB.Close()
			return db.RunMigrations(sqlDB, driver, logger)
		},
	}
}

func run(ctx context.Context, cfg *serverConfig) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	orch, err := config.FromEnv()
	if err != nil {
		return err
	}

	logger.Info("starting casare server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("robot_addr", cfg.robotAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Database and repositories.
	database, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormlogger.Warn,
	})
	if err != nil {
		return err
	}

	jobRepo := repositories.NewJobRepository(database)
	robotRepo := repositories.NewRobotRepository(database)
	assignRepo := repositories.NewAssignmentRepository(database)
	schedRepo := repositories.NewScheduleRepository(database)
	dlqRepo := repositories.NewDLQRepository(database)
	logRepo := repositories.NewRobotLogRepository(database)
	keyRepo := repositories.NewAPIKeyRepository(database)

	// Observability.
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	hub := events.NewHub()
	go hub.Run(ctx)

	// Auth: session tokens and API keys.
	var jwtMgr *auth.JWTManager
	if cfg.jwtPrivateKey != "" && cfg.jwtPublicKey != "" {
		jwtMgr, err = auth.NewJWTManagerFromFiles(cfg.jwtPrivateKey, cfg.jwtPublicKey, "casare-server")
	} else {
		logger.Warn("using ephemeral JWT signing keys; robot session tokens will not survive restarts")
		jwtMgr, err = auth.NewJWTManagerGenerated("casare-server")
	}
	if err != nil {
		return err
	}
	authSvc := auth.NewService(keyRepo, jwtMgr)

	// Core services.
	reg := registry.NewService(robotRepo, assignRepo, orch, jwtMgr, hub, m, logger)
	q := queue.NewService(jobRepo, robotRepo, dlqRepo, orch, hub, m, logger)

	ts, err := transport.NewServer(orch, transport.TLSConfig{
		CertFile:     cfg.tlsCert,
		KeyFile:      cfg.tlsKey,
		ClientCAFile: cfg.tlsClientCA,
	}, reg, authSvc, m, logger)
	if err != nil {
		return err
	}

	disp := dispatcher.New(q, reg, ts, jobRepo, logRepo, orch, m, logger)
	ts.SetHandler(disp)

	sched := scheduler.New(schedRepo, q, orch, m, logger)

	maint, err := maintenance.New(q, reg, dlqRepo, robotRepo, logRepo, orch, m, logger, disp.Wake)
	if err != nil {
		return err
	}

	// HTTP API.
	router := api.NewRouter(api.RouterConfig{
		DB:          database,
		Auth:        authSvc,
		Queue:       q,
		Registry:    reg,
		Scheduler:   sched,
		Dispatcher:  disp,
		Hub:         hub,
		Jobs:        jobRepo,
		Robots:      robotRepo,
		Assignments: assignRepo,
		Schedules:   schedRepo,
		DLQ:         dlqRepo,
		RobotLogs:   logRepo,
		PromReg:     promReg,
		Logger:      logger,
		Version:     version,
	})
	httpServer := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// First boot on an empty database: mint the bootstrap admin key.
	if err := bootstrapAdminKey(ctx, authSvc, keyRepo, logger); err != nil {
		return err
	}

	errCh := make(chan error, 2)

	go func() {
		logger.Info("http api listening", zap.String("addr", cfg.httpAddr))
		if serr := httpServer.ListenAndServe(); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", serr)
		}
	}()
	go func() {
		if serr := ts.Serve(ctx, cfg.robotAddr); serr != nil {
			errCh <- serr
		}
	}()
	go disp.Run(ctx)
	go sched.Run(ctx)
	if err := maint.Start(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case err = <-errCh:
		cancel()
	}

	logger.Info("shutting down casare server")

	// Shutdown order: stop accepting robots, drain in-flight sessions, stop
	// the loops, then the HTTP surface last so health stays observable.
	ts.DrainAll()
	if merr := maint.Stop(); merr != nil {
		logger.Warn("maintenance shutdown", zap.Error(merr))
	}
	ts.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if herr := httpServer.Shutdown(shutdownCtx); herr != nil {
		logger.Warn("http shutdown", zap.Error(herr))
	}

	return err
}

// bootstrapAdminKey mints a one-time admin API key when no key exists yet,
// printing the plaintext to the log once. Without it a fresh deployment has
// no way to call the authenticated API.
func bootstrapAdminKey(ctx context.Context, authSvc *auth.Service, keys repositories.APIKeyRepository, logger *zap.Logger) error {
	_, total, err := keys.List(ctx, "", repositories.ListOptions{Limit: 1})
	if err != nil {
		return err
	}
	if total > 0 {
		return nil
	}
	_, plaintext, err := authSvc.GenerateKey(ctx, "", "bootstrap admin", auth.RoleAdmin, nil, nil)
	if err != nil {
		return err
	}
	logger.Info("bootstrap admin api key created, store it now: it is not shown again",
		zap.String("api_key", plaintext))
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
