package dbleader

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	promclient "github.com/prometheus/client_golang/prometheus"
	redisfailover "github.com/kalbasit/dbleader/pkg/failover/redis"

	"github.com/kalbasit/dbleader/pkg/database"
	"github.com/kalbasit/dbleader/pkg/failover"
	"github.com/kalbasit/dbleader/pkg/lock"
	"github.com/kalbasit/dbleader/pkg/lock/dialect"
	"github.com/kalbasit/dbleader/pkg/maxprocs"
	"github.com/kalbasit/dbleader/pkg/otel"
	"github.com/kalbasit/dbleader/pkg/prometheus"
	"github.com/kalbasit/dbleader/pkg/server"
	"github.com/kalbasit/dbleader/pkg/telemetry"
)

const serverShutdownTimeout = 10 * time.Second

func runCommand(flagSources flagSourcesFn, registerShutdown registerShutdownFn) *cli.Command {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:     "database-url",
			Usage:    "The URL of the database holding the lock table",
			Sources:  flagSources("database.url", "DATABASE_URL"),
			Required: true,
		},
		&cli.IntFlag{
			Name:    "database-pool-max-open-conns",
			Usage:   "Maximum number of open connections to the database (0 = use database-specific defaults)",
			Sources: flagSources("database.pool.max-open-conns", "DATABASE_POOL_MAX_OPEN_CONNS"),
		},
		&cli.IntFlag{
			Name:    "database-pool-max-idle-conns",
			Usage:   "Maximum number of idle connections in the pool (0 = use database-specific defaults)",
			Sources: flagSources("database.pool.max-idle-conns", "DATABASE_POOL_MAX_IDLE_CONNS"),
		},
		&cli.StringFlag{
			Name:    "lock-table",
			Usage:   "The table holding the lock row",
			Sources: flagSources("lock.table", "LOCK_TABLE"),
			Value:   lock.DefaultLockTableName,
		},
		&cli.BoolFlag{
			Name:    "lock-create-table",
			Usage:   "Create the lock table and its row if they do not exist",
			Sources: flagSources("lock.create-table", "LOCK_CREATE_TABLE"),
		},
		&cli.DurationFlag{
			Name:    "lock-poll-interval",
			Usage:   "The delay between two lock attempts",
			Sources: flagSources("lock.poll-interval", "LOCK_POLL_INTERVAL"),
			Value:   lock.DefaultPollInterval,
		},
		&cli.DurationFlag{
			Name:    "lock-wait-timeout",
			Usage:   "How long a single lock attempt blocks in the database (0 = use the database default)",
			Sources: flagSources("lock.wait-timeout", "LOCK_WAIT_TIMEOUT"),
		},
		&cli.DurationFlag{
			Name:    "lock-reconnect-max-delay",
			Usage:   "Back off exponentially up to this delay while the database keeps failing (0 = disabled)",
			Sources: flagSources("lock.reconnect.max-delay", "LOCK_RECONNECT_MAX_DELAY"),
		},
		&cli.StringFlag{
			Name:    "instance-id",
			Usage:   "The identifier of this instance in logs, metrics and events (default: a random UUID)",
			Sources: flagSources("instance.id", "INSTANCE_ID"),
		},
		&cli.StringFlag{
			Name:    "server-addr",
			Usage:   "The address of the status server (empty to disable)",
			Sources: flagSources("server.addr", "SERVER_ADDR"),
			Value:   ":8501",
		},
		&cli.StringFlag{
			Name:    "on-active-exec",
			Usage:   "Shell command run when this instance becomes active",
			Sources: flagSources("failover.on-active-exec", "ON_ACTIVE_EXEC"),
		},
		&cli.StringFlag{
			Name:    "on-inactive-exec",
			Usage:   "Shell command run when this instance becomes inactive",
			Sources: flagSources("failover.on-inactive-exec", "ON_INACTIVE_EXEC"),
		},
		&cli.DurationFlag{
			Name:    "hook-timeout",
			Usage:   "Maximum runtime of an --on-active-exec or --on-inactive-exec command",
			Sources: flagSources("failover.hook-timeout", "HOOK_TIMEOUT"),
			Value:   failover.DefaultHookTimeout,
		},
		&cli.DurationFlag{
			Name:    "exec-grace-period",
			Usage:   "How long the supervised command may take to exit after SIGTERM before it is killed",
			Sources: flagSources("failover.exec-grace-period", "EXEC_GRACE_PERIOD"),
			Value:   failover.DefaultGracePeriod,
		},
		&cli.DurationFlag{
			Name: "failover-stop-delay",
			//nolint:lll
			Usage:   "How long a demotion is held back before the handlers are stopped; absorbs the demotion preceding every lock re-validation. A lost lock or a shutdown stops the handlers before the lock is released",
			Sources: flagSources("failover.stop-delay", "FAILOVER_STOP_DELAY"),
			Value:   time.Second,
		},
	}

	return &cli.Command{
		Name:      "run",
		Aliases:   []string{"r"},
		Usage:     "compete for the lock and run the failover handlers while active",
		ArgsUsage: "[-- command [args...]]",
		Action:    runAction(registerShutdown),
		Flags:     append(flags, redisFlags(flagSources)...),
	}
}

func runAction(registerShutdown registerShutdownFn) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		instanceID := cmd.String("instance-id")
		if instanceID == "" {
			instanceID = uuid.NewString()
		}

		logger := zerolog.Ctx(ctx).
			With().
			Str("cmd", "run").
			Str("instance", instanceID).
			Logger()

		ctx = logger.WithContext(ctx)

		db, dbType, err := openDatabase(ctx, cmd)
		if err != nil {
			return err
		}

		registerShutdown("database", func(context.Context) error { return db.Close() })

		gatherer, err := setupTelemetry(ctx, cmd, instanceID, dbType, registerShutdown)
		if err != nil {
			return err
		}

		manager, err := newManager(cmd, db, dbType, instanceID)
		if err != nil {
			return err
		}

		handler, publisher, err := newFailoverHandler(ctx, cmd, instanceID)
		if err != nil {
			return err
		}

		if publisher != nil {
			registerShutdown("redis", func(context.Context) error { return publisher.Close() })
		}

		if err := manager.SetFailoverHandler(handler); err != nil {
			return err
		}

		g, ctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			return maxprocs.AutoMaxProcs(ctx, 30*time.Second, logger)
		})

		if err := manager.Start(ctx); err != nil {
			return fmt.Errorf("error starting the lock manager: %w", err)
		}

		if addr := cmd.String("server-addr"); addr != "" {
			srv := server.New(instanceID, manager)

			if gatherer != nil {
				srv.SetPrometheusGatherer(gatherer)
			}

			if publisher != nil {
				srv.SetLeaderSource(publisher)
			}

			serveStatus(ctx, g, addr, srv)
		}

		<-ctx.Done()

		// the handlers are stopped before the lock is released.
		manager.Stop()
		<-manager.Done()

		return g.Wait()
	}
}

func openDatabase(ctx context.Context, cmd *cli.Command) (*sql.DB, database.Type, error) {
	var poolCfg *database.PoolConfig

	maxOpen := cmd.Int("database-pool-max-open-conns")

	maxIdle := cmd.Int("database-pool-max-idle-conns")
	if maxOpen > 0 || maxIdle > 0 {
		poolCfg = &database.PoolConfig{
			MaxOpenConns: maxOpen,
			MaxIdleConns: maxIdle,
		}
	}

	db, dbType, err := database.Open(cmd.String("database-url"), poolCfg)
	if err != nil {
		return nil, database.TypeUnknown, err
	}

	if cmd.Bool("lock-create-table") {
		if err := database.EnsureLockTable(ctx, db, cmd.String("lock-table")); err != nil {
			db.Close()

			return nil, database.TypeUnknown, fmt.Errorf("error creating the lock table: %w", err)
		}
	}

	zerolog.Ctx(ctx).
		Info().
		Str("database_type", dbType.String()).
		Msg("database opened")

	return db, dbType, nil
}

// setupTelemetry installs the OpenTelemetry pipelines and returns the
// Prometheus gatherer when Prometheus is enabled.
func setupTelemetry(
	ctx context.Context,
	cmd *cli.Command,
	instanceID string,
	dbType database.Type,
	registerShutdown registerShutdownFn,
) (promclient.Gatherer, error) {
	res, err := telemetry.NewResource(
		ctx,
		cmd.Root().Name,
		Version,
		instanceID,
		attribute.String("db.system", dbType.String()),
		attribute.String("lock.table", cmd.String("lock-table")),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating a new otel resource: %w", err)
	}

	otelShutdown, err := otel.SetupOTelSDK(
		ctx,
		cmd.Root().Bool("otel-enabled"),
		cmd.Root().String("otel-grpc-url"),
		res,
	)

	registerShutdown("open telemetry", otelShutdown)

	if err != nil {
		return nil, err
	}

	if !cmd.Root().Bool("prometheus-enabled") {
		return nil, nil
	}

	gatherer, shutdown, err := prometheus.SetupPrometheusMetrics(ctx, res)
	if err != nil {
		return nil, fmt.Errorf("error setting up Prometheus metrics: %w", err)
	}

	registerShutdown("prometheus", shutdown)

	zerolog.Ctx(ctx).
		Info().
		Msg("Prometheus metrics enabled at /metrics")

	return gatherer, nil
}

func newManager(cmd *cli.Command, db *sql.DB, dbType database.Type, instanceID string) (*lock.Manager, error) {
	d, err := dialect.ForType(dbType, cmd.Duration("lock-wait-timeout"))
	if err != nil {
		return nil, err
	}

	source, err := lock.NewSQLSource(db)
	if err != nil {
		return nil, err
	}

	m := lock.NewManager(source, d)

	backoff := lock.ReconnectBackoff{}
	if maxDelay := cmd.Duration("lock-reconnect-max-delay"); maxDelay > 0 {
		backoff = lock.DefaultReconnectBackoff()
		backoff.InitialDelay = min(backoff.InitialDelay, maxDelay)
		backoff.MaxDelay = maxDelay
	}

	for _, set := range []func() error{
		func() error { return m.SetInstanceID(instanceID) },
		func() error { return m.SetLockTableName(cmd.String("lock-table")) },
		func() error { return m.SetPollInterval(cmd.Duration("lock-poll-interval")) },
		func() error { return m.SetReconnectBackoff(backoff) },
	} {
		if err := set(); err != nil {
			return nil, fmt.Errorf("error configuring the lock manager: %w", err)
		}
	}

	return m, nil
}

// newFailoverHandler composes the handlers selected on the command line.
//
// The hooks and the supervised command only see real transitions while the
// Redis publisher sees every Start so its leader key keeps being refreshed.
// All of them share the stop delay absorbing the demotion that precedes every
// lock re-validation.
func newFailoverHandler(
	ctx context.Context,
	cmd *cli.Command,
	instanceID string,
) (*failover.Debounced, *redisfailover.Publisher, error) {
	var transitional []failover.Handler

	if cmd.String("on-active-exec") != "" || cmd.String("on-inactive-exec") != "" {
		transitional = append(transitional, &failover.Hooks{
			OnActive:   cmd.String("on-active-exec"),
			OnInactive: cmd.String("on-inactive-exec"),
			InstanceID: instanceID,
			Timeout:    cmd.Duration("hook-timeout"),
		})
	}

	if args := cmd.Args().Slice(); len(args) > 0 {
		p, err := failover.NewProcess(args, cmd.Duration("exec-grace-period"))
		if err != nil {
			return nil, nil, err
		}

		transitional = append(transitional, p)
	}

	var handlers []failover.Handler

	if len(transitional) > 0 {
		handlers = append(handlers, failover.OnTransition(failover.Multi(transitional...)))
	}

	var publisher *redisfailover.Publisher

	if cfg, ok := redisConfig(cmd); ok {
		var err error

		publisher, err = redisfailover.NewPublisher(ctx, cfg, instanceID)
		if err != nil {
			return nil, nil, fmt.Errorf("error creating the Redis publisher: %w", err)
		}

		handlers = append(handlers, publisher)
	}

	if len(handlers) == 0 {
		zerolog.Ctx(ctx).
			Warn().
			Msg("no failover handler configured, only the status server reflects the leadership")
	}

	return failover.Debounce(failover.Multi(handlers...), cmd.Duration("failover-stop-delay")), publisher, nil
}

func serveStatus(ctx context.Context, g *errgroup.Group, addr string, handler http.Handler) {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		zerolog.Ctx(ctx).
			Info().
			Str("server_addr", addr).
			Msg("Server started")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("error starting the HTTP listener: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serverShutdownTimeout)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})
}
