// Package client реализует клиент RPC-бэкенда. Клиент владеет соединением, ключом сессии,
// таблицей ожидающих запросов, упорядочиванием апдейтов и обработчиками.
//
// Горутины клиента (под одним errgroup):
//   - connLoop, держит соединение: handshake, чтение входящих кадров,
//     переподключение с backoff, повторный handshake после инвалидации ключа;
//   - writeLoop, единственный писатель в соединение;
//   - sequencer, упорядочивание апдейтов и дозапрос пропусков;
//   - resyncLoop, GetDifference после каждого восстановления связи;
//   - dispatchLoop, вызов обработчиков из неограниченной очереди, поэтому
//     обработчик может вызывать Invoke, не блокируя чтение ответа.
package client

import (
	"context"
	"crypto/ed25519"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"telegram-mtengine/internal/mtproto/correlator"
	"telegram-mtengine/internal/mtproto/crypto"
	"telegram-mtengine/internal/mtproto/dispatch"
	"telegram-mtengine/internal/mtproto/mterr"
	"telegram-mtengine/internal/mtproto/sequencer"
	"telegram-mtengine/internal/mtproto/session"
	"telegram-mtengine/internal/mtproto/transport"
	"telegram-mtengine/internal/mtproto/wire"
)

// Options: параметры клиента. Нулевые значения заменяются значениями по умолчанию.
type Options struct {
	// Addr задаёт адрес сервера: host:port, tcp://host:port, ws://… или wss://….
	Addr string
	// ServerKey: закреплённый ключ сервера для проверки handshake.
	ServerKey ed25519.PublicKey
	// Store: хранилище сессии; по умолчанию MemoryStore.
	Store session.Store
	// Dial: открытие соединения; по умолчанию transport.Dial.
	Dial transport.DialFunc

	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
	Backoff          transport.BackoffConfig

	GapWait        time.Duration
	MaxBuffered    int
	MaxGapAttempts int
	// DifferenceLimit: сколько апдейтов просить за один GetDifference.
	DifferenceLimit int32

	// Middlewares оборачивают все RPC-хелперы клиента (первое, внешнее),
	// например floodwait и ratelimit из gotd/contrib.
	Middlewares []telegram.Middleware

	Logger *zap.Logger
	Rand   io.Reader
}

func (o *Options) setDefaults() {
	if o.Store == nil {
		o.Store = &session.MemoryStore{}
	}
	if o.Dial == nil {
		o.Dial = transport.Dial
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 15 * time.Second
	}
	if o.Backoff == (transport.BackoffConfig{}) {
		o.Backoff = transport.DefaultBackoff
	}
	if o.GapWait == 0 {
		o.GapWait = 500 * time.Millisecond
	}
	if o.DifferenceLimit <= 0 {
		o.DifferenceLimit = 100
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Client: сессия с RPC-бэкендом. Создаётся New, запускается Start или Run.
type Client struct {
	opts Options
	log  *zap.Logger

	engine  *crypto.Engine
	corr    *correlator.Correlator
	disp    *dispatch.Dispatcher
	gate    *transport.Gate
	seq     *sequencer.Sequencer
	ids     *wire.MsgIDGen
	super   *transport.Supervisor
	invoker tg.Invoker

	out    chan outbound
	events *eventQueue

	connMu sync.Mutex
	conn   transport.Conn

	started  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
}

// New проверяет параметры и создаёт клиент. Сеть не трогается до Start.
func New(opts Options) (*Client, error) {
	if opts.Addr == "" {
		return nil, errors.New("client: empty server address")
	}
	opts.setDefaults()

	log := opts.Logger.Named("client").With(zap.String("instance", uuid.NewString()))
	c := &Client{
		opts:   opts,
		log:    log,
		corr:   correlator.New(correlator.Options{Timeout: opts.RequestTimeout, Logger: log.Named("correlator")}),
		disp:   dispatch.New(log.Named("dispatch")),
		gate:   transport.NewGate(log.Named("gate")),
		ids:    wire.NewMsgIDGen(nil),
		out:    make(chan outbound, 64),
		events: newEventQueue(),
		done:   make(chan struct{}),
		super: &transport.Supervisor{
			Addr:    opts.Addr,
			Dial:    opts.Dial,
			Backoff: opts.Backoff,
			Log:     log.Named("transport"),
		},
	}
	c.invoker = c.Invoker(opts.Middlewares...)
	return c, nil
}

// Start загружает сессию, подключается (при необходимости выполняя
// handshake) и запускает горутины клиента. ctx ограничивает только запуск.
func (c *Client) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("client: already started")
	}

	sess, err := c.opts.Store.Load(ctx)
	if err != nil {
		c.log.Warn("stored session unusable, starting fresh", zap.Error(err))
		sess = nil
	}
	if c.engine, err = crypto.NewEngine(sess, c.opts.Rand); err != nil {
		return errors.Wrap(err, "init engine")
	}
	initial := wire.State{}
	if sess != nil {
		initial = wire.State{Seq: sess.UpdateSeq, Date: sess.UpdateDate}
	}
	c.seq = sequencer.New(initial, (*sink)(c), (*fetcher)(c), sequencer.Options{
		GapWait:        c.opts.GapWait,
		MaxBuffered:    c.opts.MaxBuffered,
		MaxGapAttempts: c.opts.MaxGapAttempts,
		Logger:         c.log.Named("sequencer"),
	})

	conn, err := c.connect(ctx)
	if err != nil {
		c.stopped.Store(true)
		close(c.done)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return c.connLoop(gctx, conn) })
	g.Go(func() error { return c.writeLoop(gctx) })
	g.Go(func() error { return c.dispatchLoop(gctx) })

	if initial.Seq == 0 {
		// Новая сессия: история до текущего момента не нужна.
		st, err := c.initialState(ctx)
		if err != nil {
			cancel()
			_ = conn.Close()
			_ = g.Wait()
			c.stopped.Store(true)
			c.gate.Close()
			c.corr.FailAll(mterr.ErrDisconnected)
			close(c.done)
			return errors.Wrap(err, "initial get state")
		}
		c.seq.Sync(ctx, st)
	} else {
		c.seq.Poke(ctx)
	}
	g.Go(func() error { return c.seq.Run(gctx) })
	g.Go(func() error { return c.resyncLoop(gctx) })

	go func() {
		err := g.Wait()
		if err != nil {
			c.log.Error("client stopped", zap.Error(err))
		}
		c.err = err
		c.stopped.Store(true)
		c.gate.Close()
		c.corr.FailAll(mterr.ErrDisconnected)
		close(c.done)
	}()

	c.log.Info("client started", zap.String("addr", c.opts.Addr))
	return nil
}

// initialState запрашивает состояние апдейтов, повторяя попытки по политике
// Backoff. Без него новая сессия начала бы с seq 0 и приняла бы всю
// историю сервера за пропуск.
func (c *Client) initialState(ctx context.Context) (wire.State, error) {
	op := func() (wire.State, error) {
		st, err := c.GetState(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return wire.State{}, backoff.Permanent(ctx.Err())
			}
			return wire.State{}, err
		}
		return *st, nil
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn("initial get state failed, retrying", zap.Error(err), zap.Duration("wait", wait))
	}
	return backoff.RetryNotifyWithData(op, backoff.WithContext(c.opts.Backoff.NewBackOff(), ctx), notify)
}

// Stop отменяет ожидающие запросы (mterr.ErrDisconnected), прекращает
// переподключения и сохраняет сессию.
func (c *Client) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		c.stopped.Store(true)
		c.gate.Close()
		if c.cancel != nil {
			c.cancel()
		}
		if conn := c.currentConn(); conn != nil {
			_ = conn.Close()
		}
	})
	if c.started.Load() {
		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.corr.FailAll(mterr.ErrDisconnected)
	return c.persist(ctx)
}

// Run запускает клиент, выполняет fn и останавливает клиент. Возвращает
// ошибку fn либо ошибку, с которой клиент остановился раньше.
func (c *Client) Run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := c.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if stopErr := c.Stop(stopCtx); err == nil {
			err = stopErr
		}
	}()

	fnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	result := make(chan error, 1)
	go func() { result <- fn(fnCtx) }()

	select {
	case err := <-result:
		return err
	case <-c.done:
		cancel()
		<-result
		if c.err != nil {
			return c.err
		}
		return mterr.ErrDisconnected
	}
}

// Done закрывается, когда клиент остановлен.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err возвращает причину остановки после закрытия Done.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// On регистрирует обработчик событий.
func (c *Client) On(pred dispatch.Predicate, h dispatch.Handler) *dispatch.Registration {
	return c.disp.Register(pred, h)
}

// Off снимает регистрацию.
func (c *Client) Off(reg *dispatch.Registration) bool {
	return c.disp.Remove(reg)
}

// Session возвращает копию текущей сессии (nil до handshake).
func (c *Client) Session() *session.Session {
	if c.engine == nil {
		return nil
	}
	return c.engine.Snapshot()
}

// ExportSession возвращает строку сессии для переноса на другой хост.
func (c *Client) ExportSession() (string, error) {
	s := c.Session()
	if s == nil {
		return "", crypto.ErrNoSession
	}
	return session.EncodeString(s)
}

// Online сообщает, есть ли сейчас соединение.
func (c *Client) Online() bool { return c.gate.Online() }

// Logout уничтожает ключ на сервере, очищает хранилище и останавливает клиент.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.invoker.Invoke(ctx, &wire.Logout{}, &wire.BoolTrue{}); err != nil {
		return errors.Wrap(err, "logout")
	}
	c.engine.Invalidate()
	if err := c.opts.Store.Clear(ctx); err != nil {
		return errors.Wrap(err, "clear session")
	}
	return c.Stop(ctx)
}

// persist сохраняет текущую сессию; без ключа ничего не делает.
func (c *Client) persist(ctx context.Context) error {
	if c.engine == nil {
		return nil
	}
	s := c.engine.Snapshot()
	if s == nil {
		return nil
	}
	if err := c.opts.Store.Save(ctx, s); err != nil {
		return errors.Wrap(err, "save session")
	}
	return nil
}

func (c *Client) persistOrLog(ctx context.Context) {
	if err := c.persist(ctx); err != nil {
		c.log.Warn("session not saved", zap.Error(err))
	}
}

func (c *Client) currentConn() transport.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

func (c *Client) setConn(conn transport.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}
