package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/go-faster/errors"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	"github.com/gotd/td/telegram"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"telegram-mtengine/internal/client"
	"telegram-mtengine/internal/infra/config"
	"telegram-mtengine/internal/infra/logger"
	"telegram-mtengine/internal/infra/storage"
	"telegram-mtengine/internal/mtproto/session"
	"telegram-mtengine/internal/mtproto/transport"
)

// app: собранный клиент и ресурсы, которые нужно освободить после него.
type app struct {
	client *client.Client
	waiter *floodwait.Waiter
	closer func() error
}

// parseServerKey принимает ключ сервера в hex или base64 (std/url).
func parseServerKey(raw string) (ed25519.PublicKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("SERVER_PUBLIC_KEY is not set")
	}
	decoders := []func(string) ([]byte, error){
		hex.DecodeString,
		base64.StdEncoding.DecodeString,
		base64.RawStdEncoding.DecodeString,
		base64.URLEncoding.DecodeString,
		base64.RawURLEncoding.DecodeString,
	}
	for _, decode := range decoders {
		if key, err := decode(raw); err == nil && len(key) == ed25519.PublicKeySize {
			return ed25519.PublicKey(key), nil
		}
	}
	return nil, errors.Errorf("SERVER_PUBLIC_KEY: want %d bytes in hex or base64", ed25519.PublicKeySize)
}

// openStore выбирает хранилище сессии по SESSION_BACKEND. closer
// освобождает соединения хранилища (bolt, redis).
func openStore(cfg config.ClientEnv) (session.Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.SessionBackend {
	case config.BackendMemory:
		return &session.MemoryStore{}, noop, nil
	case config.BackendString:
		return session.NewStringStore(cfg.SessionString), noop, nil
	case config.BackendBolt:
		if err := storage.EnsureDir(cfg.SessionFile); err != nil {
			return nil, nil, err
		}
		st, err := session.OpenBoltStore(cfg.SessionFile, cfg.SessionKey)
		if err != nil {
			return nil, nil, errors.Wrap(err, "open bolt session store")
		}
		return st, st.Close, nil
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return session.NewRedisStore(rdb, "mtengine:session:"+cfg.SessionKey), rdb.Close, nil
	default:
		return session.NewFileStore(cfg.SessionFile), noop, nil
	}
}

// newApp собирает клиент из настроек. FLOOD_WAIT обрабатывает waiter из
// gotd/contrib, частоту запросов ограничивает ratelimit.
func newApp(cfg config.ClientEnv) (*app, error) {
	key, err := parseServerKey(cfg.ServerPublicKey)
	if err != nil {
		return nil, err
	}
	store, closer, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	waiter := floodwait.NewWaiter().
		WithMaxRetries(max(cfg.FloodWaitRetries, 0)).
		WithMaxWait(cfg.FloodWaitMaxDelay)
	mws := []telegram.Middleware{waiter}
	if cfg.ThrottleRPS > 0 {
		mws = append(mws, ratelimit.New(rate.Limit(cfg.ThrottleRPS), cfg.ThrottleRPS*2)) //nolint:mnd // burst = 2*rate
	}

	c, err := client.New(client.Options{
		Addr:           cfg.ServerAddr,
		ServerKey:      key,
		Store:          store,
		RequestTimeout: cfg.RequestTimeout,
		Backoff: transport.BackoffConfig{
			Base:       cfg.ReconnectBase,
			Max:        cfg.ReconnectMax,
			MaxElapsed: cfg.ReconnectElapsed,
			Jitter:     transport.DefaultBackoff.Jitter,
		},
		GapWait:         cfg.GapWait,
		MaxBuffered:     cfg.GapMaxBuffer,
		DifferenceLimit: int32(min(cfg.DifferenceLimit, 1<<20)), //nolint:gosec // ограничено сверху
		Middlewares:     mws,
		Logger:          logger.Logger(),
	})
	if err != nil {
		_ = closer()
		return nil, err
	}
	return &app{client: c, waiter: waiter, closer: closer}, nil
}

func (a *app) close() {
	if err := a.closer(); err != nil {
		logger.Warn("close session store", zap.Error(err))
	}
}

// withClient подключается, выполняет fn и отключается, сохранив сессию.
func withClient(ctx context.Context, cfg config.ClientEnv, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()
	return a.waiter.Run(ctx, func(ctx context.Context) error {
		return a.client.Run(ctx, func(ctx context.Context) error {
			return fn(ctx, a)
		})
	})
}
