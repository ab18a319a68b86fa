package client

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	"github.com/gotd/td/bin"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"telegram-mtengine/internal/mtproto/dispatch"
	"telegram-mtengine/internal/mtproto/mterr"
	"telegram-mtengine/internal/mtproto/session"
	"telegram-mtengine/internal/mtproto/transport"
	"telegram-mtengine/internal/mtproto/wire"
	"telegram-mtengine/internal/server"
)

var fastBackoff = transport.BackoffConfig{
	Base:       10 * time.Millisecond,
	Max:        100 * time.Millisecond,
	MaxElapsed: 5 * time.Second,
}

func startServer(t *testing.T, opts server.Options) (*server.Server, string) {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	opts.Key = key
	srv, err := server.New(opts)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv, ln.Addr().String()
}

func startClient(t *testing.T, srv *server.Server, addr string, tune func(*Options)) *Client {
	t.Helper()
	opts := Options{
		Addr:      addr,
		ServerKey: srv.PublicKey(),
		Backoff:   fastBackoff,
		GapWait:   50 * time.Millisecond,
	}
	if tune != nil {
		tune(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Start(ctx))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Stop(ctx)
	})
	return c
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// collect подписывается на события и отдаёт их в канал.
func collect(c *Client, pred dispatch.Predicate) <-chan *dispatch.Event {
	ch := make(chan *dispatch.Event, 64)
	c.On(pred, func(_ context.Context, ev *dispatch.Event) error {
		ch <- ev
		return nil
	})
	return ch
}

func next(t *testing.T, ch <-chan *dispatch.Event) *dispatch.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
		return nil
	}
}

// countingDial считает кадры handshake, отправленные клиентом.
func countingDial(plain *atomic.Int32) transport.DialFunc {
	return func(ctx context.Context, addr string) (transport.Conn, error) {
		conn, err := transport.Dial(ctx, addr)
		if err != nil {
			return nil, err
		}
		return &countingConn{Conn: conn, plain: plain}, nil
	}
}

type countingConn struct {
	transport.Conn
	plain *atomic.Int32
}

func (c *countingConn) Send(ctx context.Context, frame []byte) error {
	if wire.IsPlain(frame) {
		c.plain.Add(1)
	}
	return c.Conn.Send(ctx, frame)
}

// doublingConn отдаёт каждый зашифрованный кадр сервера дважды, как
// если бы его повторил посредник.
type doublingConn struct {
	transport.Conn
	again []byte
}

func (c *doublingConn) Recv(ctx context.Context) ([]byte, error) {
	if c.again != nil {
		frame := c.again
		c.again = nil
		return frame, nil
	}
	frame, err := c.Conn.Recv(ctx)
	if err != nil {
		return nil, err
	}
	if _, isErr := wire.AsTransportError(frame); !isErr && !wire.IsPlain(frame) {
		c.again = append([]byte(nil), frame...)
	}
	return frame, nil
}

func TestClient_Invoke(t *testing.T) {
	t.Parallel()
	srv, addr := startServer(t, server.Options{})
	store := &session.MemoryStore{}
	c := startClient(t, srv, addr, func(o *Options) { o.Store = store })
	ctx := testCtx(t)

	text, err := c.Echo(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", text)

	rtt, err := c.Ping(ctx)
	require.NoError(t, err)
	assert.True(t, rtt > 0)
	assert.True(t, c.Online())

	saved, err := store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, c.Session().AuthKeyID, saved.AuthKeyID)
	assert.Equal(t, addr, saved.ServerAddr)
}

func TestClient_LargeBodyIsPacked(t *testing.T) {
	t.Parallel()
	srv, addr := startServer(t, server.Options{})
	c := startClient(t, srv, addr, nil)

	big := make([]byte, 4*wire.GzipThreshold)
	for i := range big {
		big[i] = 'a' + byte(i%26)
	}
	text, err := c.Echo(testCtx(t), string(big))
	require.NoError(t, err)
	assert.Equal(t, string(big), text)
}

func TestClient_ServerErrors(t *testing.T) {
	t.Parallel()
	srv, addr := startServer(t, server.Options{FloodRate: rate.Every(time.Hour), FloodBurst: 1})
	c := startClient(t, srv, addr, nil)
	ctx := testCtx(t)

	_, err := c.SendMessage(ctx, 1, wire.ChatPrivate, "")
	var se *mterr.ServerError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, mterr.CodeBadRequest, se.Code())
	assert.Equal(t, "MESSAGE_EMPTY", se.Type())
	assert.True(t, mterr.IsInvalidParameter(err))

	_, err = c.SendMessage(ctx, 1, wire.ChatPrivate, "first")
	require.NoError(t, err)
	_, err = c.SendMessage(ctx, 1, wire.ChatPrivate, "second")
	assert.True(t, mterr.IsRateLimited(err))
}

func TestClient_RequestTimeout(t *testing.T) {
	t.Parallel()
	srv, addr := startServer(t, server.Options{
		Hold: func(typeID uint32) bool { return typeID == wire.EchoTypeID },
	})
	c := startClient(t, srv, addr, func(o *Options) { o.RequestTimeout = 100 * time.Millisecond })

	_, err := c.Echo(testCtx(t), "lost")
	require.Error(t, err)
	assert.True(t, mterr.IsTimeout(err))

	// Соединение при этом живо.
	_, err = c.Ping(testCtx(t))
	require.NoError(t, err)
}

func TestClient_DisconnectFailsInFlight(t *testing.T) {
	t.Parallel()
	var held atomic.Int32
	srv, addr := startServer(t, server.Options{
		Hold: func(typeID uint32) bool {
			if typeID == wire.EchoTypeID {
				held.Add(1)
				return true
			}
			return false
		},
	})
	c := startClient(t, srv, addr, nil)
	ctx := testCtx(t)

	const n = 5
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for range n {
		wg.Go(func() {
			_, err := c.Echo(ctx, "pending")
			errs <- err
		})
	}
	require.Eventually(t, func() bool { return held.Load() == n }, 5*time.Second, 10*time.Millisecond)

	srv.DropConnections()
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.ErrorIs(t, err, mterr.ErrDisconnected)
	}

	// Клиент переподключается сам.
	_, err := c.Ping(ctx)
	require.NoError(t, err)
}

func TestClient_UpdatesInOrder(t *testing.T) {
	t.Parallel()
	srv, addr := startServer(t, server.Options{})
	alice := startClient(t, srv, addr, nil)
	bob := startClient(t, srv, addr, nil)
	aliceEvents := collect(alice, dispatch.Outgoing())
	bobEvents := collect(bob, dispatch.Incoming())
	ctx := testCtx(t)

	for _, text := range []string{"one", "two", "three"} {
		_, err := alice.SendMessage(ctx, 42, wire.ChatGroup, text)
		require.NoError(t, err)
	}

	for i, text := range []string{"one", "two", "three"} {
		ev := next(t, bobEvents)
		assert.Equal(t, dispatch.KindNewMessage, ev.Kind)
		assert.Equal(t, int32(i+1), ev.Seq)
		assert.Equal(t, text, ev.Message.Text)
		assert.False(t, ev.Message.Out)

		own := next(t, aliceEvents)
		assert.Equal(t, int32(i+1), own.Seq)
		assert.True(t, own.Message.Out)
	}
	assert.Equal(t, int32(3), bob.Session().UpdateSeq)
}

func TestClient_GapFilledByDifference(t *testing.T) {
	t.Parallel()
	srv, addr := startServer(t, server.Options{
		SkipLive: func(seq int32) bool { return seq == 2 },
	})
	c := startClient(t, srv, addr, nil)
	events := collect(c, dispatch.Any())
	ctx := testCtx(t)

	for _, text := range []string{"a", "b", "c"} {
		_, err := srv.Publish(ctx, 1000, 7, wire.ChatPrivate, text)
		require.NoError(t, err)
	}
	for i, text := range []string{"a", "b", "c"} {
		ev := next(t, events)
		assert.Equal(t, int32(i+1), ev.Seq)
		assert.Equal(t, text, ev.Message.Text)
	}
}

func TestClient_EditAndDelete(t *testing.T) {
	t.Parallel()
	srv, addr := startServer(t, server.Options{})
	c := startClient(t, srv, addr, nil)
	events := collect(c, dispatch.Any())
	ctx := testCtx(t)

	sent, err := c.SendMessage(ctx, 5, wire.ChatPrivate, "draft")
	require.NoError(t, err)
	_, err = c.EditMessage(ctx, 5, sent.MessageID, "final")
	require.NoError(t, err)
	_, err = c.DeleteMessages(ctx, 5, sent.MessageID)
	require.NoError(t, err)

	assert.Equal(t, dispatch.KindNewMessage, next(t, events).Kind)
	edit := next(t, events)
	assert.Equal(t, dispatch.KindEditMessage, edit.Kind)
	assert.Equal(t, "final", edit.Message.Text)
	del := next(t, events)
	assert.Equal(t, dispatch.KindDeleteMessages, del.Kind)
	assert.Equal(t, []int32{sent.MessageID}, del.DeletedIDs)
}

func TestClient_HandlerIsolation(t *testing.T) {
	t.Parallel()
	srv, addr := startServer(t, server.Options{})
	c := startClient(t, srv, addr, nil)

	c.On(dispatch.Any(), func(context.Context, *dispatch.Event) error {
		panic("boom")
	})
	c.On(dispatch.Any(), func(context.Context, *dispatch.Event) error {
		return errors.New("handler failed")
	})
	echoed := make(chan string, 1)
	c.On(dispatch.MustPattern(`^echo (\w+)$`), func(ctx context.Context, ev *dispatch.Event) error {
		// Вызов RPC изнутри обработчика не должен блокировать клиент.
		text, err := c.Echo(ctx, ev.Match[1])
		if err != nil {
			return err
		}
		echoed <- text
		return nil
	})

	_, err := srv.Publish(testCtx(t), 1000, 9, wire.ChatPrivate, "echo marco")
	require.NoError(t, err)
	select {
	case text := <-echoed:
		assert.Equal(t, "marco", text)
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not run")
	}
}

func TestClient_ExportedSessionSkipsHandshake(t *testing.T) {
	t.Parallel()
	srv, addr := startServer(t, server.Options{})
	first := startClient(t, srv, addr, nil)
	_, err := first.Echo(testCtx(t), "x")
	require.NoError(t, err)

	token, err := first.ExportSession()
	require.NoError(t, err)
	store := session.NewStringStore(token)

	var plain atomic.Int32
	second := startClient(t, srv, addr, func(o *Options) {
		o.Store = store
		o.Dial = countingDial(&plain)
	})
	text, err := second.Echo(testCtx(t), "reused")
	require.NoError(t, err)
	assert.Equal(t, "reused", text)
	assert.Zero(t, plain.Load())
	assert.Equal(t, first.Session().AuthKeyID, second.Session().AuthKeyID)
}

func TestClient_SaltRotation(t *testing.T) {
	t.Parallel()
	srv, addr := startServer(t, server.Options{})
	c := startClient(t, srv, addr, nil)
	ctx := testCtx(t)

	_, err := c.Echo(ctx, "before")
	require.NoError(t, err)
	require.NoError(t, srv.RotateSalt())

	text, err := c.Echo(ctx, "after")
	require.NoError(t, err)
	assert.Equal(t, "after", text)
	assert.Equal(t, srv.Salt(), c.Session().ServerSalt)
}

func TestClient_ServerForgetsKey(t *testing.T) {
	t.Parallel()
	srv, addr := startServer(t, server.Options{})
	store := &session.MemoryStore{}
	c := startClient(t, srv, addr, func(o *Options) { o.Store = store })
	ctx := testCtx(t)

	_, err := c.Echo(ctx, "x")
	require.NoError(t, err)
	oldKey := c.Session().AuthKeyID
	require.NoError(t, srv.ForgetKeys())

	_, err = c.Echo(ctx, "rejected")
	assert.ErrorIs(t, err, mterr.ErrDisconnected)

	text, err := c.Echo(ctx, "fresh key")
	require.NoError(t, err)
	assert.Equal(t, "fresh key", text)
	assert.NotEqual(t, oldKey, c.Session().AuthKeyID)

	saved, err := store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, c.Session().AuthKeyID, saved.AuthKeyID)
}

func TestClient_Logout(t *testing.T) {
	t.Parallel()
	srv, addr := startServer(t, server.Options{})
	store := &session.MemoryStore{}
	c := startClient(t, srv, addr, func(o *Options) { o.Store = store })
	ctx := testCtx(t)

	require.NoError(t, c.Logout(ctx))
	saved, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, saved)

	_, err = c.Echo(ctx, "after logout")
	assert.ErrorIs(t, err, mterr.ErrDisconnected)
}

func TestClient_Run(t *testing.T) {
	t.Parallel()
	srv, addr := startServer(t, server.Options{})
	c, err := New(Options{Addr: addr, ServerKey: srv.PublicKey(), Backoff: fastBackoff})
	require.NoError(t, err)

	err = c.Run(testCtx(t), func(ctx context.Context) error {
		_, err := c.Echo(ctx, "inside")
		return err
	})
	require.NoError(t, err)
	<-c.Done()

	_, err = c.Echo(testCtx(t), "outside")
	assert.ErrorIs(t, err, mterr.ErrDisconnected)
}

func TestClient_WrongServerKey(t *testing.T) {
	t.Parallel()
	_, addr := startServer(t, server.Options{})
	other, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	c, err := New(Options{Addr: addr, ServerKey: other, Backoff: fastBackoff})
	require.NoError(t, err)
	err = c.Start(testCtx(t))
	require.Error(t, err)
	assert.True(t, mterr.IsIntegrity(err))
}

func TestClient_WebSocket(t *testing.T) {
	t.Parallel()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	srv, err := server.New(server.Options{Key: key})
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.ServeWS(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	c := startClient(t, srv, "ws://"+ln.Addr().String()+"/", nil)
	text, err := c.Echo(testCtx(t), "over ws")
	require.NoError(t, err)
	assert.Equal(t, "over ws", text)
}

func TestClient_Middlewares(t *testing.T) {
	srv, addr := startServer(t, server.Options{})
	var calls atomic.Int32
	counter := telegram.MiddlewareFunc(func(next tg.Invoker) telegram.InvokeFunc {
		return func(ctx context.Context, input bin.Encoder, output bin.Decoder) error {
			calls.Add(1)
			return next.Invoke(ctx, input, output)
		}
	})
	c := startClient(t, srv, addr, func(o *Options) {
		o.Middlewares = []telegram.Middleware{counter}
	})

	// Начальный GetState в Start тоже проходит через цепочку.
	assert.Equal(t, int32(1), calls.Load())

	ctx := testCtx(t)
	_, err := c.Echo(ctx, "a")
	require.NoError(t, err)
	_, err = c.SendMessage(ctx, 1, 0, "b")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_RateLimitMiddleware(t *testing.T) {
	t.Parallel()
	srv, addr := startServer(t, server.Options{})
	c := startClient(t, srv, addr, func(o *Options) {
		o.Middlewares = []telegram.Middleware{ratelimit.New(rate.Every(200*time.Millisecond), 1)}
	})

	ctx := testCtx(t)
	start := time.Now()
	for _, text := range []string{"a", "b", "c"} {
		got, err := c.Echo(ctx, text)
		require.NoError(t, err)
		assert.Equal(t, text, got)
	}
	// Токен первого вызова израсходован GetState при старте.
	assert.GreaterOrEqual(t, time.Since(start), 350*time.Millisecond)
}

func TestClient_FloodWaitRetried(t *testing.T) {
	srv, addr := startServer(t, server.Options{FloodRate: 1, FloodBurst: 1})
	c := startClient(t, srv, addr, func(o *Options) {
		o.Middlewares = []telegram.Middleware{floodwait.NewSimpleWaiter()}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := c.SendMessage(ctx, 1, 0, "first")
	require.NoError(t, err)
	// Второй запрос получает FLOOD_WAIT_1 и повторяется после паузы.
	sent, err := c.SendMessage(ctx, 1, 0, "second")
	require.NoError(t, err)
	assert.Equal(t, int32(2), sent.Seq)
}

func TestClient_ReplayedFramesDropped(t *testing.T) {
	t.Parallel()
	srv, addr := startServer(t, server.Options{})
	var plain atomic.Int32
	c := startClient(t, srv, addr, func(o *Options) {
		o.Dial = func(ctx context.Context, addr string) (transport.Conn, error) {
			conn, err := countingDial(&plain)(ctx, addr)
			if err != nil {
				return nil, err
			}
			return &doublingConn{Conn: conn}, nil
		}
	})
	events := collect(c, dispatch.Any())
	ctx := testCtx(t)

	for _, text := range []string{"one", "two"} {
		_, err := c.SendMessage(ctx, 3, wire.ChatPrivate, text)
		require.NoError(t, err)
	}
	for i, text := range []string{"one", "two"} {
		ev := next(t, events)
		assert.Equal(t, int32(i+1), ev.Seq)
		assert.Equal(t, text, ev.Message.Text)
	}
	select {
	case ev := <-events:
		t.Fatalf("duplicate event delivered: seq %d", ev.Seq)
	case <-time.After(200 * time.Millisecond):
	}

	got, err := c.Echo(ctx, "still connected")
	require.NoError(t, err)
	assert.Equal(t, "still connected", got)
	// Повторы не рвут соединение: handshake был один (ReqPQ + SetClientDH).
	assert.Equal(t, int32(2), plain.Load())
	assert.True(t, c.Online())
}

// failingState отвечает ошибкой на первые n запросов GetState.
func failingState(n int32, calls *atomic.Int32) telegram.Middleware {
	return telegram.MiddlewareFunc(func(next tg.Invoker) telegram.InvokeFunc {
		return func(ctx context.Context, input bin.Encoder, output bin.Decoder) error {
			if _, ok := input.(*wire.GetState); ok && calls.Add(1) <= n {
				return errors.New("state unavailable")
			}
			return next.Invoke(ctx, input, output)
		}
	})
}

func TestClient_InitialStateRetried(t *testing.T) {
	t.Parallel()
	srv, addr := startServer(t, server.Options{})
	ctx := testCtx(t)
	for _, text := range []string{"old 1", "old 2", "old 3"} {
		_, err := srv.Publish(ctx, 1000, 7, wire.ChatPrivate, text)
		require.NoError(t, err)
	}

	var calls atomic.Int32
	c := startClient(t, srv, addr, func(o *Options) {
		o.Middlewares = []telegram.Middleware{failingState(2, &calls)}
	})
	assert.Equal(t, int32(3), calls.Load())
	require.Eventually(t, func() bool { return c.seq.State().Seq == 3 }, time.Second, 10*time.Millisecond)

	events := collect(c, dispatch.Any())
	_, err := srv.Publish(ctx, 1000, 7, wire.ChatPrivate, "new")
	require.NoError(t, err)
	ev := next(t, events)
	assert.Equal(t, int32(4), ev.Seq)
	assert.Equal(t, "new", ev.Message.Text)
}

func TestClient_InitialStateUnavailable(t *testing.T) {
	t.Parallel()
	srv, addr := startServer(t, server.Options{})
	var calls atomic.Int32
	c, err := New(Options{
		Addr:        addr,
		ServerKey:   srv.PublicKey(),
		Backoff:     transport.BackoffConfig{Base: 10 * time.Millisecond, Max: 20 * time.Millisecond, MaxElapsed: 100 * time.Millisecond},
		Middlewares: []telegram.Middleware{failingState(1000, &calls)},
	})
	require.NoError(t, err)

	err = c.Start(testCtx(t))
	require.ErrorContains(t, err, "state unavailable")
	assert.Greater(t, calls.Load(), int32(1))
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("client not stopped")
	}
	_, err = c.Echo(testCtx(t), "x")
	assert.ErrorIs(t, err, mterr.ErrDisconnected)
}

func TestClient_ReconnectFetchesMissed(t *testing.T) {
	t.Parallel()
	srv, addr := startServer(t, server.Options{
		SkipLive: func(int32) bool { return true },
	})
	c := startClient(t, srv, addr, nil)
	events := collect(c, dispatch.Any())
	ctx := testCtx(t)

	for _, text := range []string{"lost 1", "lost 2"} {
		_, err := srv.Publish(ctx, 1000, 7, wire.ChatPrivate, text)
		require.NoError(t, err)
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected live event: seq %d", ev.Seq)
	case <-time.After(100 * time.Millisecond):
	}

	require.Equal(t, 1, srv.DropConnections())
	for i, text := range []string{"lost 1", "lost 2"} {
		ev := next(t, events)
		assert.Equal(t, int32(i+1), ev.Seq)
		assert.Equal(t, text, ev.Message.Text)
	}
	require.Eventually(t, func() bool { return c.seq.State().Seq == 2 }, time.Second, 10*time.Millisecond)
}
