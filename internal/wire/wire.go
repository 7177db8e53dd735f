// Package wire builds the service graph shared by the API server and the
// reconcile CLI.
package wire

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/hospital-frontdesk/internal/appointment"
	"github.com/hackgods/hospital-frontdesk/internal/checkin"
	"github.com/hackgods/hospital-frontdesk/internal/config"
	"github.com/hackgods/hospital-frontdesk/internal/db"
	"github.com/hackgods/hospital-frontdesk/internal/eventlog"
	"github.com/hackgods/hospital-frontdesk/internal/notify"
	"github.com/hackgods/hospital-frontdesk/internal/payment"
	redisclient "github.com/hackgods/hospital-frontdesk/internal/redis"
)

const notifyTimeout = 3 * time.Second

type App struct {
	Pool         *pgxpool.Pool
	Redis        *redis.Client
	Appointments *appointment.Service
	CheckIns     *checkin.Coordinator
}

// Wiring connects to Postgres and Redis, applies the schema and assembles
// the services. Close releases both connections.
func Wiring(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	pgCtx, cancelPg := context.WithTimeout(ctx, 10*time.Second)
	pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		return nil, fmt.Errorf("postgres connection: %w", err)
	}
	log.Info("connected to Postgres")

	if err := db.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	rdb, err := redisclient.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("redis connection: %w", err)
	}
	log.Info("connected to Redis", zap.String("addr", cfg.RedisAddr))

	recorder := eventlog.NewRecorder(eventlog.NewPgWriter(pool), log)
	var sink notify.Emitter = notify.NewLogEmitter(log)
	if cfg.NotifyChannel != "" {
		sink = notify.NewRedisEmitter(rdb, cfg.NotifyChannel)
	}
	notifier := notify.NewFireAndForget(sink, log, notifyTimeout)

	var payments checkin.PaymentProcessor = payment.NewLedger(pool)
	if cfg.PaymentGatewayURL != "" {
		payments = payment.NewGateway(cfg.PaymentGatewayURL, nil)
		log.Info("using external payment gateway", zap.String("url", cfg.PaymentGatewayURL))
	}

	coordinator := checkin.NewCoordinator(
		checkin.NewPgCheckInStore(pool),
		payments,
		checkin.NewPgAttemptStore(pool),
		redisclient.NewRedisLocker(rdb, "saga", cfg.LockTTL, cfg.StepTimeout),
		log,
		checkin.WithStepTimeout(cfg.StepTimeout),
		checkin.WithEventRecorder(recorder),
		checkin.WithNotifier(notifier),
	)

	appointments := appointment.NewService(
		appointment.NewPgRepository(pool),
		log,
		appointment.WithCheckInTracker(coordinator),
		appointment.WithEventRecorder(recorder),
		appointment.WithNotifier(notifier),
		appointment.WithMaxConflictRetries(cfg.MaxConflictRetries),
	)

	return &App{
		Pool:         pool,
		Redis:        rdb,
		Appointments: appointments,
		CheckIns:     coordinator,
	}, nil
}

func (a *App) Close(log *zap.Logger) {
	if err := a.Redis.Close(); err != nil {
		log.Warn("error closing redis", zap.Error(err))
	}
	a.Pool.Close()
}
