package server

import (
	"context"
	"fmt"
	"math"

	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
	"go.uber.org/zap"

	"telegram-mtengine/internal/mtproto/wire"
)

var (
	errInputInvalid  = &wire.RPCError{ErrorCode: 400, ErrorMessage: "INPUT_REQUEST_INVALID"}
	errMethodInvalid = &wire.RPCError{ErrorCode: 400, ErrorMessage: "METHOD_INVALID"}
	errInternal      = &wire.RPCError{ErrorCode: 500, ErrorMessage: "INTERNAL"}
)

// handle выполняет запрос и возвращает результат либо RPCError.
func (s *Server) handle(ctx context.Context, p *peer, user, reqMsgID int64, typeID uint32, body []byte) bin.Encoder {
	switch typeID {
	case wire.PingTypeID:
		var req wire.Ping
		if err := wire.Decode(body, &req); err != nil {
			return errInputInvalid
		}
		return &wire.Pong{MsgID: reqMsgID, PingID: req.PingID}

	case wire.EchoTypeID:
		var req wire.Echo
		if err := wire.Decode(body, &req); err != nil {
			return errInputInvalid
		}
		return &wire.EchoResult{Text: req.Text}

	case wire.SendMessageTypeID:
		var req wire.SendMessage
		if err := wire.Decode(body, &req); err != nil {
			return errInputInvalid
		}
		return s.mutate(ctx, user, func() (*event, error) {
			return s.feed.newMessage(user, req.ChatID, req.ChatType, req.Text)
		})

	case wire.EditMessageTypeID:
		var req wire.EditMessage
		if err := wire.Decode(body, &req); err != nil {
			return errInputInvalid
		}
		return s.mutate(ctx, user, func() (*event, error) {
			return s.feed.editMessage(user, req.ChatID, req.MessageID, req.Text)
		})

	case wire.DeleteMessagesTypeID:
		var req wire.DeleteMessages
		if err := wire.Decode(body, &req); err != nil {
			return errInputInvalid
		}
		return s.mutate(ctx, user, func() (*event, error) {
			return s.feed.deleteMessages(user, req.ChatID, req.IDs)
		})

	case wire.GetStateTypeID:
		st := s.feed.state()
		return &st

	case wire.GetDifferenceTypeID:
		var req wire.GetDifference
		if err := wire.Decode(body, &req); err != nil {
			return errInputInvalid
		}
		return s.feed.difference(user, req.FromSeq, req.Limit)

	case wire.LogoutTypeID:
		p.mu.Lock()
		keyID := p.cipher.AuthKeyID()
		p.mu.Unlock()
		if err := s.keys.Delete(keyID); err != nil {
			s.log.Warn("logout failed", zap.Error(err))
			return errInternal
		}
		s.log.Info("auth key revoked", zap.Int64("auth_key_id", keyID), zap.Int64("user_id", user))
		return &wire.BoolTrue{}
	}
	return errMethodInvalid
}

// commit рассылает апдейт и формирует ответ отправителю.
func (s *Server) commit(ctx context.Context, ev *event, err error) bin.Encoder {
	if err != nil {
		var rpcErr *wire.RPCError
		if errors.As(err, &rpcErr) {
			return rpcErr
		}
		s.log.Warn("request failed", zap.Error(err))
		return errInternal
	}
	s.fanOut(ctx, ev)

	sent := &wire.MessageSent{Seq: ev.seq, Date: ev.date}
	if m, ok := ev.update.(*wire.UpdateNewMessage); ok {
		sent.MessageID = m.Message.ID
	}
	if m, ok := ev.update.(*wire.UpdateEditMessage); ok {
		sent.MessageID = m.Message.ID
	}
	return sent
}

// fanOut отправляет апдейт всем соединениям с установленной сессией.
func (s *Server) fanOut(ctx context.Context, ev *event) {
	if skip := s.opts.SkipLive; skip != nil && skip(ev.seq) {
		return
	}
	for _, p := range s.subscribers() {
		u := ev.forUser(p.userID())
		if err := p.send(ctx, &u, wire.MsgServerUpdate, true); err != nil {
			s.log.Debug("update not delivered", zap.Int32("seq", ev.seq), zap.Error(err))
		}
	}
}

// mutate применяет изменение ленты от имени user. Квота отправки
// списывается только за принятый запрос: отклонённый лентой возвращает
// резерв лимитеру.
func (s *Server) mutate(ctx context.Context, user int64, apply func() (*event, error)) bin.Encoder {
	refund, wait, ok := s.allow(user)
	if !ok {
		secs := max(int(math.Ceil(wait.Seconds())), 1)
		return &wire.RPCError{ErrorCode: 420, ErrorMessage: fmt.Sprintf("FLOOD_WAIT_%d", secs)}
	}
	ev, err := apply()
	if err != nil {
		refund()
	}
	return s.commit(ctx, ev, err)
}
