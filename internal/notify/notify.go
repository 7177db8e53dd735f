// Package notify publishes best-effort notifications about appointment and
// check-in outcomes. Delivery to patients happens downstream of the channel.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Event struct {
	Type      string            `json:"type"`
	PatientID string            `json:"patient_id"`
	Subject   string            `json:"subject"`
	Data      map[string]string `json:"data,omitempty"`
	At        time.Time         `json:"at"`
}

type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

type RedisEmitter struct {
	client  *redis.Client
	channel string
}

func NewRedisEmitter(client *redis.Client, channel string) *RedisEmitter {
	return &RedisEmitter{client: client, channel: channel}
}

func (e *RedisEmitter) Emit(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := e.client.Publish(ctx, e.channel, data).Err(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// LogEmitter writes events to the log instead of publishing them.
type LogEmitter struct {
	log *zap.Logger
}

func NewLogEmitter(log *zap.Logger) *LogEmitter {
	return &LogEmitter{log: log.With(zap.String("component", "notify"))}
}

func (e *LogEmitter) Emit(_ context.Context, ev Event) error {
	e.log.Info("notification",
		zap.String("type", ev.Type),
		zap.String("patient_id", ev.PatientID),
		zap.String("subject", ev.Subject),
		zap.Any("data", ev.Data),
	)
	return nil
}

// FireAndForget runs the wrapped emitter on its own goroutine with a bounded
// timeout. Emit always returns nil; failures are only logged.
type FireAndForget struct {
	next    Emitter
	log     *zap.Logger
	timeout time.Duration
}

func NewFireAndForget(next Emitter, log *zap.Logger, timeout time.Duration) *FireAndForget {
	return &FireAndForget{
		next:    next,
		log:     log.With(zap.String("component", "notify")),
		timeout: timeout,
	}
}

func (f *FireAndForget) Emit(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	go func() {
		emitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
		defer cancel()
		if err := f.next.Emit(emitCtx, ev); err != nil {
			f.log.Warn("notification dropped",
				zap.String("type", ev.Type),
				zap.String("patient_id", ev.PatientID),
				zap.Error(err),
			)
		}
	}()
	return nil
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(context.Context, Event) error { return nil }
