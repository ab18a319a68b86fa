// Package transport отвечает за доставку кадров между клиентом и сервером.
//
// Поддерживаются два транспорта: TCP с кадрированием «intermediate»
// (tcp://host:port или просто host:port) и WebSocket с бинарными
// сообщениями (ws://, wss://). Поверх соединения работают Supervisor,
// переподключающий с экспоненциальной задержкой, и Gate, через который
// остальной код ждёт восстановления связи.
package transport

import (
	"context"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/gorilla/websocket"

	"telegram-mtengine/internal/mtproto/mterr"
	"telegram-mtengine/internal/mtproto/wire"
)

// Conn: одно соединение с сервером. Send и Recv можно вызывать из разных
// горутин, но каждый из них, только из одной.
type Conn interface {
	// Send отправляет кадр целиком.
	Send(ctx context.Context, frame []byte) error
	// Recv блокируется до получения полного кадра. Разрыв соединения
	// возвращается как ошибка, удовлетворяющая errors.Is(err, mterr.ErrDisconnected).
	// Отмена ctx посреди кадра оставляет соединение непригодным.
	Recv(ctx context.Context) ([]byte, error)
	Close() error
	RemoteAddr() string
}

// DialFunc открывает соединение.
type DialFunc func(ctx context.Context, addr string) (Conn, error)

// Dial открывает соединение по адресу addr; схема выбирает транспорт.
func Dial(ctx context.Context, addr string) (Conn, error) {
	switch {
	case strings.HasPrefix(addr, "ws://"), strings.HasPrefix(addr, "wss://"):
		return dialWS(ctx, addr)
	default:
		return dialTCP(ctx, strings.TrimPrefix(addr, "tcp://"))
	}
}

func dialTCP(ctx context.Context, hostport string) (Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", hostport)
	if err != nil {
		return nil, &mterr.ConnectivityError{Addr: hostport, Err: err}
	}
	return NewStreamConn(c), nil
}

func dialWS(ctx context.Context, raw string) (Conn, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &mterr.ConnectivityError{Addr: raw, Err: err}
	}
	d := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{Subprotocol},
	}
	c, resp, err := d.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, &mterr.ConnectivityError{Addr: raw, Err: err}
	}
	return NewWSConn(c), nil
}

// Subprotocol: имя подпротокола WebSocket.
const Subprotocol = "mtengine.binary"

// disconnected приводит ошибку ввода-вывода к mterr.ErrDisconnected,
// сохраняя причину в тексте.
func disconnected(err error) error {
	if errors.Is(err, mterr.ErrDisconnected) {
		return err
	}
	return errors.Wrap(mterr.ErrDisconnected, err.Error())
}

// watch прерывает блокирующую операцию при отмене ctx через дедлайн.
// Возвращает функцию, снимающую наблюдение.
func watch(ctx context.Context, setDeadline func(time.Time) error) func() bool {
	if dl, ok := ctx.Deadline(); ok {
		_ = setDeadline(dl)
	} else {
		_ = setDeadline(time.Time{})
	}
	return context.AfterFunc(ctx, func() {
		_ = setDeadline(time.Unix(1, 0))
	})
}

// ioError выбирает, что вернуть после ошибки ввода-вывода: ошибку контекста,
// если операция прервана им, иначе, разрыв соединения.
func ioError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
		return context.DeadlineExceeded
	}
	return disconnected(err)
}

// streamConn: TCP-соединение с кадрами «intermediate».
type streamConn struct {
	c       net.Conn
	writeMu sync.Mutex
}

// NewStreamConn оборачивает потоковое соединение кадрированием wire.
func NewStreamConn(c net.Conn) Conn {
	return &streamConn{c: c}
}

func (s *streamConn) Send(ctx context.Context, frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	stop := watch(ctx, s.c.SetWriteDeadline)
	defer stop()
	if err := wire.WriteFrame(s.c, frame); err != nil {
		if errors.Is(err, wire.ErrFrameTooLarge) {
			return err
		}
		return ioError(ctx, err)
	}
	return nil
}

func (s *streamConn) Recv(ctx context.Context) ([]byte, error) {
	stop := watch(ctx, s.c.SetReadDeadline)
	defer stop()
	frame, err := wire.ReadFrame(s.c)
	if err != nil {
		if errors.Is(err, wire.ErrFrameTooLarge) {
			return nil, err
		}
		return nil, ioError(ctx, err)
	}
	return frame, nil
}

func (s *streamConn) Close() error       { return s.c.Close() }
func (s *streamConn) RemoteAddr() string { return s.c.RemoteAddr().String() }

// wsConn: WebSocket-соединение, один кадр = одно бинарное сообщение.
type wsConn struct {
	c       *websocket.Conn
	writeMu sync.Mutex
}

// NewWSConn оборачивает установленное WebSocket-соединение.
func NewWSConn(c *websocket.Conn) Conn {
	c.SetReadLimit(wire.MaxFrameSize)
	return &wsConn{c: c}
}

func (w *wsConn) Send(ctx context.Context, frame []byte) error {
	if len(frame) > wire.MaxFrameSize {
		return wire.ErrFrameTooLarge
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	stop := watch(ctx, w.c.SetWriteDeadline)
	defer stop()
	if err := w.c.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return ioError(ctx, err)
	}
	return nil
}

func (w *wsConn) Recv(ctx context.Context) ([]byte, error) {
	stop := watch(ctx, w.c.SetReadDeadline)
	defer stop()
	for {
		kind, data, err := w.c.ReadMessage()
		if err != nil {
			return nil, ioError(ctx, err)
		}
		if kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (w *wsConn) Close() error {
	_ = w.c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return w.c.Close()
}

func (w *wsConn) RemoteAddr() string { return w.c.RemoteAddr().String() }
