package transport

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"telegram-mtengine/internal/mtproto/mterr"
)

// BackoffConfig: политика переподключения.
type BackoffConfig struct {
	Base       time.Duration // первая задержка
	Max        time.Duration // потолок задержки
	MaxElapsed time.Duration // общий лимит; 0, без лимита
	Jitter     float64       // доля случайного разброса, 0..1
}

// DefaultBackoff: политика по умолчанию.
var DefaultBackoff = BackoffConfig{
	Base:       500 * time.Millisecond,
	Max:        30 * time.Second,
	MaxElapsed: 5 * time.Minute,
	Jitter:     0.5,
}

// NewBackOff строит экспоненциальную задержку cenkalti/backoff по конфигурации.
func (c BackoffConfig) NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if c.Base > 0 {
		b.InitialInterval = c.Base
	}
	if c.Max > 0 {
		b.MaxInterval = c.Max
	}
	b.MaxElapsedTime = c.MaxElapsed
	if c.Jitter >= 0 && c.Jitter <= 1 {
		b.RandomizationFactor = c.Jitter
	}
	b.Reset()
	return b
}

// Supervisor устанавливает соединение, повторяя попытки с экспоненциальной
// задержкой. Прикладные запросы он не повторяет: это решает вызывающий.
type Supervisor struct {
	Addr    string
	Dial    DialFunc
	Backoff BackoffConfig
	Log     *zap.Logger
}

// Connect возвращает первое успешно открытое соединение. Если лимит времени
// исчерпан, возвращает *mterr.ConnectivityError с числом попыток.
func (s *Supervisor) Connect(ctx context.Context) (Conn, error) {
	dial := s.Dial
	if dial == nil {
		dial = Dial
	}
	log := s.Log
	if log == nil {
		log = zap.NewNop()
	}

	var (
		conn     Conn
		attempts int
	)
	op := func() error {
		attempts++
		c, err := dial(ctx, s.Addr)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		log.Debug("connect failed, retrying",
			zap.String("addr", s.Addr),
			zap.Int("attempt", attempts),
			zap.Duration("next", next),
			zap.Error(err))
	}

	err := backoff.RetryNotify(op, backoff.WithContext(s.Backoff.NewBackOff(), ctx), notify)
	if err == nil {
		if attempts > 1 {
			log.Info("connected after retries", zap.String("addr", s.Addr), zap.Int("attempts", attempts))
		}
		return conn, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	var ce *mterr.ConnectivityError
	if errors.As(err, &ce) {
		return nil, &mterr.ConnectivityError{Addr: s.Addr, Attempts: attempts, Err: ce.Err}
	}
	return nil, &mterr.ConnectivityError{Addr: s.Addr, Attempts: attempts, Err: err}
}
