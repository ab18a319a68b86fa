package client

import (
	"context"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"telegram-mtengine/internal/mtproto/crypto"
	"telegram-mtengine/internal/mtproto/mterr"
	"telegram-mtengine/internal/mtproto/sequencer"
	"telegram-mtengine/internal/mtproto/transport"
	"telegram-mtengine/internal/mtproto/wire"
)

// errAuthKeyUnknown: сервер не знает наш ключ (транспортная ошибка -404).
var errAuthKeyUnknown = errors.New("client: server does not know auth key")

// outbound: сообщение для writeLoop.
type outbound struct {
	msgID int64
	body  []byte
}

// connect открывает соединение и при отсутствии ключа выполняет handshake.
func (c *Client) connect(ctx context.Context) (transport.Conn, error) {
	conn, err := c.super.Connect(ctx)
	if err != nil {
		return nil, err
	}
	if c.engine.HasKey() {
		return conn, nil
	}

	hsCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()
	res, err := crypto.ClientHandshake{
		ServerKey: c.opts.ServerKey,
		Rand:      c.opts.Rand,
		MsgID:     c.ids,
	}.Run(hsCtx, conn)
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "handshake")
	}

	prev := c.seq.State()
	if err := c.engine.Install(res, c.opts.Addr); err != nil {
		_ = conn.Close()
		return nil, err
	}
	// Ключ новый, но последовательность апдейтов аккаунта прежняя.
	c.engine.SetUpdateState(prev.Seq, prev.Date)
	c.persistOrLog(ctx)
	c.log.Info("handshake complete", zap.Int64("auth_key_id", res.AuthKeyID))
	return conn, nil
}

// connLoop обслуживает соединение: читает кадры, а после разрыва
// переподключается. Возвращает ошибку, только если переподключиться не удалось.
func (c *Client) connLoop(ctx context.Context, conn transport.Conn) error {
	for {
		c.setConn(conn)
		c.gate.MarkConnected()

		err := c.readLoop(ctx, conn)

		c.setConn(nil)
		c.gate.MarkDisconnected()
		_ = conn.Close()
		failed := c.corr.FailAll(mterr.ErrDisconnected)
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("connection lost", zap.Error(err), zap.Int("failed_requests", failed))

		if mterr.IsIntegrity(err) || errors.Is(err, errAuthKeyUnknown) {
			c.invalidate(ctx, err)
		}

		if conn, err = c.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// resyncLoop после каждого восстановления связи дозапрашивает апдейты,
// потерянные вместе с прежним соединением.
func (c *Client) resyncLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.gate.Restored():
			c.seq.Poke(ctx)
		}
	}
}

// invalidate сбрасывает ключ и хранилище. Повторный вызов по уже
// сброшенному ключу ничего не делает.
func (c *Client) invalidate(ctx context.Context, cause error) {
	if !c.engine.Invalidate() {
		return
	}
	c.log.Warn("session invalidated", zap.Error(cause))
	if err := c.opts.Store.Clear(ctx); err != nil {
		c.log.Warn("session store not cleared", zap.Error(err))
	}
}

// readLoop читает и разбирает кадры до ошибки соединения или целостности.
func (c *Client) readLoop(ctx context.Context, conn transport.Conn) error {
	for {
		frame, err := conn.Recv(ctx)
		if err != nil {
			return err
		}
		if te, ok := wire.AsTransportError(frame); ok {
			if te.Code == wire.TransportAuthKeyUnknown {
				return errAuthKeyUnknown
			}
			return te
		}
		p, err := c.engine.Open(frame)
		if errors.Is(err, crypto.ErrReplay) {
			c.log.Warn("replayed message dropped")
			continue
		}
		if err != nil {
			return err
		}
		c.engine.ObserveInbound(p.SeqNo)
		if err := c.handleMessage(ctx, p.MsgID, p.Body); err != nil {
			c.log.Warn("bad message from server", zap.Int64("msg_id", p.MsgID), zap.Error(err))
		}
	}
}

func (c *Client) handleMessage(ctx context.Context, msgID int64, body []byte) error {
	body, err := wire.Unpack(body)
	if err != nil {
		return err
	}
	id, err := wire.PeekID(body)
	if err != nil {
		return err
	}

	switch id {
	case wire.RPCResultTypeID:
		var res wire.RPCResult
		if err := wire.Decode(body, &res); err != nil {
			return err
		}
		return c.handleResult(&res)
	case wire.UpdateShortTypeID:
		var u wire.UpdateShort
		if err := wire.Decode(body, &u); err != nil {
			return err
		}
		c.seq.Push(ctx, sequencer.Envelope{Seq: u.Seq, Date: u.Date, Payload: u.Update})
	case wire.BadServerSaltTypeID:
		var bad wire.BadServerSalt
		if err := wire.Decode(body, &bad); err != nil {
			return err
		}
		c.handleBadSalt(ctx, &bad)
	case wire.NewSessionCreatedTypeID:
		var ns wire.NewSessionCreated
		if err := wire.Decode(body, &ns); err != nil {
			return err
		}
		c.engine.SetSalt(ns.ServerSalt)
		c.persistOrLog(ctx)
		c.log.Debug("new server session", zap.Int64("first_msg_id", ns.FirstMsgID))
	default:
		c.log.Debug("unhandled message", zap.Int64("msg_id", msgID), zap.Uint32("type_id", id))
	}
	return nil
}

func (c *Client) handleResult(res *wire.RPCResult) error {
	result, err := wire.Unpack(res.Result)
	if err != nil {
		c.corr.Reject(res.ReqMsgID, err)
		return err
	}
	if id, _ := wire.PeekID(result); id == wire.RPCErrorTypeID {
		var rpcErr wire.RPCError
		if err := wire.Decode(result, &rpcErr); err != nil {
			c.corr.Reject(res.ReqMsgID, err)
			return err
		}
		c.corr.Reject(res.ReqMsgID, mterr.NewServerError(res.ReqMsgID, int(rpcErr.ErrorCode), rpcErr.ErrorMessage))
		return nil
	}
	c.corr.Resolve(res.ReqMsgID, result)
	return nil
}

// handleBadSalt принимает новую соль и переотправляет отвергнутое сообщение
// под новым msg_id; ожидающий вызывающий этого не замечает.
func (c *Client) handleBadSalt(ctx context.Context, bad *wire.BadServerSalt) {
	c.engine.SetSalt(bad.NewServerSalt)
	c.persistOrLog(ctx)

	p, ok := c.corr.Get(bad.BadMsgID)
	if !ok {
		return
	}
	newID := c.ids.New(wire.MsgFromClient)
	if !c.corr.Rekey(bad.BadMsgID, newID) {
		return
	}
	c.log.Debug("resending with new salt", zap.Int64("old_msg_id", bad.BadMsgID), zap.Int64("msg_id", newID))
	// Очередь записи может быть полна, а читатель блокироваться не должен.
	go c.enqueue(ctx, outbound{msgID: newID, body: p.Payload})
}

// enqueue ставит сообщение в очередь writeLoop. Если клиент остановлен
// раньше, запрос завершается mterr.ErrDisconnected.
func (c *Client) enqueue(ctx context.Context, m outbound) {
	select {
	case c.out <- m:
	case <-ctx.Done():
		c.corr.Reject(m.msgID, ctx.Err())
	case <-c.done:
		c.corr.Reject(m.msgID, mterr.ErrDisconnected)
	}
}

// writeLoop единственный пишет в соединение: шифрует и отправляет сообщения в
// порядке очереди. Ошибка отправки завершает соответствующий запрос.
func (c *Client) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-c.out:
			conn := c.currentConn()
			if conn == nil {
				c.corr.Reject(m.msgID, mterr.ErrDisconnected)
				continue
			}
			frame, err := c.engine.Seal(m.msgID, c.engine.NextSeqNo(true), m.body)
			if err == nil {
				err = conn.Send(ctx, frame)
			}
			if err != nil {
				c.corr.Reject(m.msgID, err)
				if transport.IsNetworkError(err) {
					// Читатель получит ошибку и запустит переподключение.
					_ = conn.Close()
				}
			}
		}
	}
}

// dispatchLoop передаёт события обработчикам по одному, в порядке очереди.
func (c *Client) dispatchLoop(ctx context.Context) error {
	for {
		ev, ok := c.events.pop(ctx)
		if !ok {
			return nil
		}
		c.disp.Dispatch(ctx, ev)
	}
}
