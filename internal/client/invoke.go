package client

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"

	"telegram-mtengine/internal/mtproto/correlator"
	"telegram-mtengine/internal/mtproto/mterr"
	"telegram-mtengine/internal/mtproto/wire"
)

var _ tg.Invoker = (*Client)(nil)

// Invoke отправляет input и декодирует ответ в output. Сигнатура совпадает
// с tg.Invoker, поэтому к клиенту применимы middleware из gotd/contrib.
func (c *Client) Invoke(ctx context.Context, input bin.Encoder, output bin.Decoder) error {
	body, err := wire.Encode(input)
	if err != nil {
		return errors.Wrap(err, "encode request")
	}
	resp, err := c.InvokeRaw(ctx, body)
	if err != nil {
		return err
	}
	if output == nil {
		return nil
	}
	if err := wire.Decode(resp, output); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}

// InvokeRaw отправляет сериализованный запрос и возвращает
// сериализованный результат.
//
// Ошибки: *mterr.ServerError (ответ бэкенда), *mterr.TimeoutError (нет
// ответа за RequestTimeout), mterr.ErrDisconnected (соединение потеряно,
// пока запрос был в полёте, или клиент остановлен).
func (c *Client) InvokeRaw(ctx context.Context, body []byte) ([]byte, error) {
	if c.stopped.Load() || !c.started.Load() {
		return nil, mterr.ErrDisconnected
	}
	if err := c.gate.WaitOnline(ctx); err != nil {
		return nil, err
	}
	packed, err := wire.Pack(body)
	if err != nil {
		return nil, err
	}

	msgID := c.ids.New(wire.MsgFromClient)
	p, err := c.corr.Register(msgID, packed)
	if err != nil {
		if errors.Is(err, correlator.ErrDuplicate) {
			return nil, errors.Wrap(err, "msg id reuse")
		}
		return nil, err
	}
	c.enqueue(ctx, outbound{msgID: msgID, body: packed})
	return c.corr.Wait(ctx, p)
}

// Invoker возвращает клиент, обёрнутый middleware (первое, внешнее).
func (c *Client) Invoker(mws ...telegram.Middleware) tg.Invoker {
	var inv tg.Invoker = c
	for i := len(mws) - 1; i >= 0; i-- {
		inv = mws[i].Handle(inv)
	}
	return inv
}
