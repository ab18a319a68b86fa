// Package server реализует локальный бэкенд для клиента: handshake, схема RPC,
// рассылка апдейтов, история для GetDifference, ротация соли и FLOOD_WAIT.
// Используется в интеграционных тестах и бинарнике mtserver.
package server

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"telegram-mtengine/internal/mtproto/transport"
)

// Options настраивает сервер.
type Options struct {
	// Key: долговременный ключ подписи handshake. Обязателен.
	Key ed25519.PrivateKey
	// Keys хранит выданные auth key; nil означает хранение в памяти.
	Keys KeyStore
	// HistoryLimit: сколько последних апдейтов доступно GetDifference.
	HistoryLimit int
	// SaltRotation: период смены соли в Run; 0 отключает ротацию.
	SaltRotation time.Duration
	// FloodRate и FloodBurst ограничивают отправку сообщений одним
	// пользователем; FloodRate == 0 снимает ограничение.
	FloodRate  rate.Limit
	FloodBurst int

	// Hold говорит, что запрос с данным конструктором нужно принять, но
	// оставить без ответа.
	Hold func(typeID uint32) bool
	// SkipLive говорит, что апдейт с данным seq нужно записать в историю,
	// но не рассылать подписчикам.
	SkipLive func(seq int32) bool

	Logger *zap.Logger
	Rand   io.Reader
	Now    func() time.Time
}

// Server обслуживает соединения клиентов.
type Server struct {
	opts Options
	log  *zap.Logger
	keys KeyStore
	salt atomic.Int64

	mu       sync.Mutex
	peers    map[*peer]struct{}
	limiters map[int64]*rate.Limiter

	feed *feed
}

// New создаёт сервер.
func New(opts Options) (*Server, error) {
	if len(opts.Key) != ed25519.PrivateKeySize {
		return nil, errors.New("server: signing key required")
	}
	if opts.Keys == nil {
		opts.Keys = newMemoryKeys()
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 1000
	}
	if opts.FloodBurst <= 0 {
		opts.FloodBurst = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Server{
		opts:     opts,
		log:      opts.Logger.Named("server").With(zap.String("instance", uuid.NewString())),
		keys:     opts.Keys,
		peers:    make(map[*peer]struct{}),
		limiters: make(map[int64]*rate.Limiter),
		feed:     newFeed(opts.HistoryLimit, opts.Now),
	}
	if err := s.RotateSalt(); err != nil {
		return nil, err
	}
	return s, nil
}

// PublicKey возвращает открытую часть ключа подписи.
func (s *Server) PublicKey() ed25519.PublicKey {
	return s.opts.Key.Public().(ed25519.PublicKey)
}

// Salt возвращает действующую соль.
func (s *Server) Salt() int64 { return s.salt.Load() }

// RotateSalt выпускает новую соль; сообщения со старой получат BadServerSalt.
func (s *Server) RotateSalt() error {
	var b [8]byte
	if _, err := io.ReadFull(s.opts.Rand, b[:]); err != nil {
		return errors.Wrap(err, "read salt")
	}
	salt := int64(binary.LittleEndian.Uint64(b[:]))
	s.salt.Store(salt)
	s.log.Debug("salt rotated", zap.Int64("salt", salt))
	return nil
}

// ForgetKeys забывает все выданные ключи; клиенты получат -404.
func (s *Server) ForgetKeys() error {
	return s.keys.Reset()
}

// DropConnections разрывает все текущие соединения.
func (s *Server) DropConnections() int {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		_ = p.conn.Close()
	}
	return len(peers)
}

// Publish рассылает апдейт от имени пользователя sender, как если бы он
// отправил сообщение. Нужен для сценариев, где отправитель не клиент.
func (s *Server) Publish(ctx context.Context, sender, chatID int64, chatType int32, text string) (int32, error) {
	ev, err := s.feed.newMessage(sender, chatID, chatType, text)
	if err != nil {
		return 0, err
	}
	s.fanOut(ctx, ev)
	return ev.seq, nil
}

// State возвращает текущее состояние ленты апдейтов.
func (s *Server) State() (seq, date int32) {
	st := s.feed.state()
	return st.Seq, st.Date
}

// Run обслуживает TCP-листенер и, если задан, WebSocket-листенер до отмены
// ctx; параллельно ротирует соль.
func (s *Server) Run(ctx context.Context, tcp, ws net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	if tcp != nil {
		g.Go(func() error { return s.Serve(ctx, tcp) })
	}
	if ws != nil {
		g.Go(func() error { return s.ServeWS(ctx, ws) })
	}
	if s.opts.SaltRotation > 0 {
		g.Go(func() error { return s.rotateSalts(ctx) })
	}
	return g.Wait()
}

func (s *Server) rotateSalts(ctx context.Context) error {
	t := time.NewTicker(s.opts.SaltRotation)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := s.RotateSalt(); err != nil {
				s.log.Warn("salt rotation failed", zap.Error(err))
			}
		}
	}
}

// Serve принимает TCP-соединения из ln до отмены ctx.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		wg.Go(func() { s.ServeConn(ctx, transport.NewStreamConn(c)) })
	}
}

// Handler возвращает http.Handler, поднимающий WebSocket-соединения.
func (s *Server) Handler(ctx context.Context) http.Handler {
	upgrader := websocket.Upgrader{
		Subprotocols: []string{transport.Subprotocol},
		CheckOrigin:  func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Debug("websocket upgrade failed", zap.Error(err))
			return
		}
		s.ServeConn(ctx, transport.NewWSConn(c))
	})
}

// ServeWS обслуживает WebSocket-соединения на ln до отмены ctx.
func (s *Server) ServeWS(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() { _ = srv.Close() })
	defer stop()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "serve websocket")
	}
	return nil
}

// ServeConn обслуживает одно соединение до его закрытия.
func (s *Server) ServeConn(ctx context.Context, conn transport.Conn) {
	p := newPeer(s, conn)
	s.track(p, true)
	defer s.track(p, false)
	defer func() { _ = conn.Close() }()

	log := s.log.With(zap.String("remote", conn.RemoteAddr()))
	log.Debug("connection accepted")
	if err := p.serve(ctx); err != nil {
		log.Debug("connection closed", zap.Error(err))
	}
}

func (s *Server) track(p *peer, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.peers[p] = struct{}{}
	} else {
		delete(s.peers, p)
	}
}

// subscribers: соединения с установленной сессией.
func (s *Server) subscribers() []*peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		if p.subscribed() {
			out = append(out, p)
		}
	}
	return out
}

// allow резервирует отправку для user. Если квоты нет, возвращает, сколько
// ждать; иначе функцию, отменяющую резерв.
func (s *Server) allow(user int64) (refund func(), wait time.Duration, ok bool) {
	if s.opts.FloodRate == 0 {
		return func() {}, 0, true
	}
	s.mu.Lock()
	l, found := s.limiters[user]
	if !found {
		l = rate.NewLimiter(s.opts.FloodRate, s.opts.FloodBurst)
		s.limiters[user] = l
	}
	s.mu.Unlock()

	now := s.opts.Now()
	r := l.ReserveN(now, 1)
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return nil, d, false
	}
	// Отмена на момент резерва: позже rate.Reservation токен не вернёт.
	return func() { r.CancelAt(now) }, 0, true
}
