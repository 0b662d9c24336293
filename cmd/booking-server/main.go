package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/medify/booking/internal/config"
	"github.com/medify/booking/internal/domain/doctor"
	"github.com/medify/booking/internal/domain/scheduling"
	"github.com/medify/booking/internal/platform/auth"
	"github.com/medify/booking/internal/platform/db"
	"github.com/medify/booking/internal/platform/events"
	"github.com/medify/booking/internal/platform/middleware"
	"github.com/medify/booking/internal/platform/sandbox"
	"github.com/medify/booking/internal/platform/telemetry"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "booking-server",
		Short:        "Medify appointment booking API",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(adminCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the booking API server and the expiry sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}
	cmd.PersistentFlags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")

	withMigrator := func(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator) error) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = cfg.MigrationsDir
		}

		ctx := context.Background()
		pool, err := openPool(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()
		return fn(ctx, db.NewMigrator(pool, dir))
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	})

	// migrate down - keep as warning
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is destructive and not supported by the built-in runner.")
			fmt.Println("Write a new forward migration that reverts the change instead.")
			return nil
		},
	})

	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Fail stale PENDING bookings once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Env)

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			publisher := newPublisher(cfg, logger)
			defer publisher.Close()

			sweeper := scheduling.NewSweeper(db.NewTxManager(pool, cfg.DBAcquireWait),
				scheduling.NewSlotRepoPG(pool), scheduling.NewBookingRepoPG(pool),
				publisher, logger, cfg.SweepInterval, cfg.PendingTTL)
			n, err := sweeper.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Expired %d pending booking(s).\n", n)
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	defaults := sandbox.DefaultSeedConfig()
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert demo doctors and open slots",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Env)

			seedCfg := defaults
			seedCfg.DoctorCount, _ = cmd.Flags().GetInt("doctors")
			seedCfg.Days, _ = cmd.Flags().GetInt("days")
			seedCfg.SlotsPerDay, _ = cmd.Flags().GetInt("slots-per-day")
			seedCfg.Seed, _ = cmd.Flags().GetInt64("seed")

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			// Invalidate a shared redis directory cache so a running server sees the new doctors.
			cache, closeCache := newDoctorCache(ctx, cfg, logger)
			defer closeCache()

			doctorSvc := doctor.NewService(doctor.NewRepoPG(pool), cache, logger)
			schedSvc := scheduling.NewService(db.NewTxManager(pool, cfg.DBAcquireWait),
				scheduling.NewSlotRepoPG(pool), scheduling.NewBookingRepoPG(pool),
				doctorSvc, events.NewLogPublisher(logger), logger, scheduling.Options{})

			res, err := sandbox.NewSeeder(seedCfg, doctorSvc, schedSvc).Run(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Seeded %d doctor(s) and %d slot(s).\n", len(res.Doctors), res.Slots)
			return nil
		},
	}
	cmd.Flags().Int("doctors", defaults.DoctorCount, "Number of doctors")
	cmd.Flags().Int("days", defaults.Days, "Days of slots starting tomorrow")
	cmd.Flags().Int("slots-per-day", defaults.SlotsPerDay, "Slots per doctor per day")
	cmd.Flags().Int64("seed", defaults.Seed, "Random seed")
	return cmd
}

func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage admin accounts",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an admin user",
		RunE: func(cmd *cobra.Command, args []string) error {
			username, _ := cmd.Flags().GetString("username")
			password, _ := cmd.Flags().GetString("password")
			if username == "" || password == "" {
				return fmt.Errorf("--username and --password are required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			user, err := auth.NewPGAdminStore(pool).Create(ctx, username, hash)
			if err != nil {
				return err
			}
			fmt.Printf("Created admin %q (id %d).\n", user.Username, user.ID)
			return nil
		},
	}
	createCmd.Flags().String("username", "", "Admin username")
	createCmd.Flags().String("password", "", "Admin password")

	cmd.AddCommand(createCmd)
	return cmd
}

func newPublisher(cfg *config.Config, logger zerolog.Logger) events.Publisher {
	var pubs events.Multi
	if cfg.AMQPURL != "" {
		p, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			logger.Warn().Err(err).Msg("rabbitmq unavailable, booking events will not reach the broker")
		} else {
			logger.Info().Str("exchange", cfg.AMQPExchange).Msg("publishing booking events to rabbitmq")
			pubs = append(pubs, p)
		}
	}
	if len(cfg.WebhookURLs) > 0 {
		p, err := events.NewWebhookPublisher(cfg.WebhookURLs, cfg.WebhookSecret)
		if err != nil {
			logger.Warn().Err(err).Msg("webhooks disabled")
		} else {
			logger.Info().Int("endpoints", len(cfg.WebhookURLs)).Msg("delivering booking events to webhooks")
			pubs = append(pubs, p)
		}
	}

	switch len(pubs) {
	case 0:
		return events.NewLogPublisher(logger)
	case 1:
		return pubs[0]
	default:
		return pubs
	}
}

func newDoctorCache(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (doctor.ListCache, func()) {
	if cfg.RedisURL == "" {
		return doctor.NewMemoryCache(cfg.DoctorCacheTTL), func() {}
	}
	client, err := doctor.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, using in-memory doctor cache")
		return doctor.NewMemoryCache(cfg.DoctorCacheTTL), func() {}
	}
	return doctor.NewRedisCache(client, cfg.DoctorCacheTTL), func() { _ = client.Close() }
}

// app holds what the HTTP layer needs; tests build it over in-memory stores.
type app struct {
	doctors    *doctor.Service
	scheduling *scheduling.Service
	login      *auth.LoginHandler
	pinger     db.Pinger
	poolStats  func() *db.PoolStats
}

func newEcho(cfg *config.Config, logger zerolog.Logger, a *app) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(telemetry.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	health := func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	}
	e.GET("/health", health)
	e.GET("/health/db", db.HealthHandler(a.pinger, a.poolStats))

	api := e.Group("/api")
	api.GET("/health", health)

	admin := api.Group("/admin", auth.RequireAdmin(auth.GateConfig{
		SigningKey: cfg.SigningKey(),
		DevBypass:  cfg.ResolvedAuthMode() == "development",
		Skipper:    auth.AuthSkipper,
	}))

	a.login.RegisterRoutes(api)
	doctor.NewHandler(a.doctors).RegisterRoutes(api, admin)
	scheduling.NewHandler(a.scheduling).RegisterRoutes(api, admin)

	return e
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	// Database
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info().Int32("max_conns", cfg.DBMaxConns).Msg("connected to database")

	if cfg.AutoMigrate {
		n, err := db.NewMigrator(pool, cfg.MigrationsDir).Up(ctx)
		if err != nil {
			return fmt.Errorf("auto-migrate: %w", err)
		}
		logger.Info().Int("applied", n).Msg("migrations up to date")
	}

	publisher := newPublisher(cfg, logger)
	defer publisher.Close()

	cache, closeCache := newDoctorCache(ctx, cfg, logger)
	defer closeCache()

	txm := db.NewTxManager(pool, cfg.DBAcquireWait)
	slots := scheduling.NewSlotRepoPG(pool)
	bookings := scheduling.NewBookingRepoPG(pool)

	doctorSvc := doctor.NewService(doctor.NewRepoPG(pool), cache, logger)
	schedSvc := scheduling.NewService(txm, slots, bookings, doctorSvc, publisher, logger, scheduling.Options{
		DeferSlotlessConfirmation: cfg.DeferSlotlessConfirmation,
	})
	sweeper := scheduling.NewSweeper(txm, slots, bookings, publisher, logger, cfg.SweepInterval, cfg.PendingTTL)

	e := newEcho(cfg, logger, &app{
		doctors:    doctorSvc,
		scheduling: schedSvc,
		login:      auth.NewLoginHandler(auth.NewPGAdminStore(pool), cfg.SigningKey(), logger),
		pinger:     pool,
		poolStats:  func() *db.PoolStats { return db.GetPoolStats(pool) },
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		sweeper.Start(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
