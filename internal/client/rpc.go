package client

import (
	"context"
	"time"

	"telegram-mtengine/internal/mtproto/wire"
)

// Ping измеряет время обхода до сервера.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	var pong wire.Pong
	if err := c.invoker.Invoke(ctx, &wire.Ping{PingID: start.UnixNano()}, &pong); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Echo возвращает text, отражённый сервером.
func (c *Client) Echo(ctx context.Context, text string) (string, error) {
	var res wire.EchoResult
	if err := c.invoker.Invoke(ctx, &wire.Echo{Text: text}, &res); err != nil {
		return "", err
	}
	return res.Text, nil
}

// SendMessage публикует сообщение в чат.
func (c *Client) SendMessage(ctx context.Context, chatID int64, chatType int32, text string) (*wire.MessageSent, error) {
	var res wire.MessageSent
	if err := c.invoker.Invoke(ctx, &wire.SendMessage{ChatID: chatID, ChatType: chatType, Text: text}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// EditMessage меняет текст сообщения.
func (c *Client) EditMessage(ctx context.Context, chatID int64, messageID int32, text string) (*wire.MessageSent, error) {
	var res wire.MessageSent
	if err := c.invoker.Invoke(ctx, &wire.EditMessage{ChatID: chatID, MessageID: messageID, Text: text}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// DeleteMessages удаляет сообщения чата.
func (c *Client) DeleteMessages(ctx context.Context, chatID int64, ids ...int32) (*wire.MessageSent, error) {
	var res wire.MessageSent
	if err := c.invoker.Invoke(ctx, &wire.DeleteMessages{ChatID: chatID, IDs: ids}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetState возвращает текущее состояние апдейтов на сервере.
func (c *Client) GetState(ctx context.Context) (*wire.State, error) {
	var st wire.State
	if err := c.invoker.Invoke(ctx, &wire.GetState{}, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// GetDifference возвращает апдейты начиная с fromSeq.
func (c *Client) GetDifference(ctx context.Context, fromSeq int32) (wire.DifferenceClass, error) {
	var box wire.DifferenceBox
	req := &wire.GetDifference{FromSeq: fromSeq, Limit: c.opts.DifferenceLimit}
	if err := c.invoker.Invoke(ctx, req, &box); err != nil {
		return nil, err
	}
	return box.Difference, nil
}
