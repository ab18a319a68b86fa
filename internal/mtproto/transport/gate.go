package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"telegram-mtengine/internal/mtproto/mterr"
)

// Gate: состояние online/offline одного клиента.
//
// Ожидание построено на «поколениях» канала: пока клиент офлайн, waitCh
// открыт; при восстановлении связи он закрывается, снимая всех
// ожидателей сразу, а следующий разрыв создаёт новый открытый канал.
// Ожидатель, проснувшийся на закрытом канале старого поколения, ждёт дальше.
type Gate struct {
	connected  atomic.Bool
	everOnline atomic.Bool

	mu       sync.RWMutex
	waitCh   chan struct{}
	restored chan struct{}
	closed   bool

	log *zap.Logger
}

// NewGate создаёт Gate в состоянии offline.
func NewGate(log *zap.Logger) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{
		waitCh:   make(chan struct{}),
		restored: make(chan struct{}, 1),
		log:      log,
	}
}

// Online сообщает текущее состояние.
func (g *Gate) Online() bool { return g.connected.Load() }

// Restored сигналит о каждом переходе offline → online после первого
// подключения. Сигналы не копятся: пропущенный сигнал сливается со следующим.
func (g *Gate) Restored() <-chan struct{} { return g.restored }

// MarkConnected переводит Gate в online и снимает ожидателей. Идемпотентен.
func (g *Gate) MarkConnected() {
	g.mu.Lock()
	if g.closed || g.connected.Swap(true) {
		g.mu.Unlock()
		return
	}
	if !isClosed(g.waitCh) {
		close(g.waitCh)
	}
	g.mu.Unlock()

	if g.everOnline.Swap(true) {
		select {
		case g.restored <- struct{}{}:
		default:
		}
	}
	g.log.Debug("connection online")
}

// MarkDisconnected переводит Gate в offline. Идемпотентен.
func (g *Gate) MarkDisconnected() {
	if !g.connected.CompareAndSwap(true, false) {
		return
	}
	g.mu.Lock()
	if !g.closed {
		g.waitCh = make(chan struct{})
	}
	g.mu.Unlock()
	g.log.Debug("connection lost, waiting for restore")
}

// WaitOnline блокируется до перехода в online, закрытия Gate или отмены ctx.
func (g *Gate) WaitOnline(ctx context.Context) error {
	for {
		if g.connected.Load() {
			return nil
		}
		ch, closed := g.current()
		if closed {
			return mterr.ErrDisconnected
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
			if cur, _ := g.current(); cur == ch && g.connected.Load() {
				return nil
			}
		}
	}
}

// Close окончательно переводит Gate в offline и будит ожидателей: они
// получают mterr.ErrDisconnected.
func (g *Gate) Close() {
	g.connected.Store(false)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	if !isClosed(g.waitCh) {
		close(g.waitCh)
	}
}

func (g *Gate) current() (<-chan struct{}, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.waitCh, g.closed
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// IsNetworkError сообщает, что err означает потерю соединения, а не ошибку
// прикладного уровня. Отмена контекста сетевой ошибкой не считается.
func IsNetworkError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, mterr.ErrDisconnected) || errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var ce *mterr.ConnectivityError
	if errors.As(err, &ce) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
