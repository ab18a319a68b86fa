package server

import (
	"context"
	"encoding/binary"
	"io"
	"sync"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"telegram-mtengine/internal/mtproto/crypto"
	"telegram-mtengine/internal/mtproto/transport"
	"telegram-mtengine/internal/mtproto/wire"
)

// badSaltCode: код BadServerSalt «неверная соль».
const badSaltCode = 48

var errUnknownKey = errors.New("unknown auth key")

// peer: состояние одного соединения.
type peer struct {
	srv  *Server
	conn transport.Conn
	ids  *wire.MsgIDGen
	hs   crypto.ServerHandshake

	mu      sync.Mutex
	cipher  *crypto.Cipher
	user    int64
	session int64
	seqNo   int32
	// replay: msg_id клиента, уже принятые под текущим ключом.
	replay crypto.ReplayWindow
}

func newPeer(s *Server, conn transport.Conn) *peer {
	return &peer{
		srv:  s,
		conn: conn,
		ids:  wire.NewMsgIDGen(s.opts.Now),
		hs:   crypto.ServerHandshake{Key: s.opts.Key, Rand: s.opts.Rand},
	}
}

func (p *peer) subscribed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session != 0 && p.cipher != nil
}

func (p *peer) serve(ctx context.Context) error {
	for {
		frame, err := p.conn.Recv(ctx)
		if err != nil {
			return err
		}
		if wire.IsPlain(frame) {
			err = p.handlePlain(ctx, frame)
		} else {
			err = p.handleEncrypted(ctx, frame)
		}
		if err != nil {
			return err
		}
	}
}

func (p *peer) handlePlain(ctx context.Context, frame []byte) error {
	_, body, err := wire.DecodePlain(frame)
	if err != nil {
		return err
	}
	id, err := wire.PeekID(body)
	if err != nil {
		return err
	}

	var reply wire.Object
	switch id {
	case wire.ReqPQTypeID:
		var req wire.ReqPQ
		if err := wire.Decode(body, &req); err != nil {
			return err
		}
		if reply, err = p.hs.HandleReqPQ(&req); err != nil {
			return err
		}
	case wire.SetClientDHTypeID:
		var req wire.SetClientDH
		if err := wire.Decode(body, &req); err != nil {
			return err
		}
		ok, res, err := p.hs.HandleSetClientDH(&req, p.srv.Salt())
		if err != nil {
			reply = &wire.DHGenFail{Nonce: req.Nonce, ServerNonce: req.ServerNonce, Reason: err.Error()}
			break
		}
		rec, err := p.srv.keys.Issue(res.AuthKeyID, res.AuthKey)
		if err != nil {
			return err
		}
		p.srv.log.Info("auth key issued", zap.Int64("auth_key_id", res.AuthKeyID), zap.Int64("user_id", rec.UserID))
		reply = ok
	default:
		return errors.Errorf("unexpected plain message %#x", id)
	}

	out, err := wire.Encode(reply)
	if err != nil {
		return err
	}
	return p.conn.Send(ctx, wire.EncodePlain(p.ids.New(wire.MsgServerResponse), out))
}

// bind находит ключ для кадра и готовит шифр соединения.
func (p *peer) bind(keyID int64) (*crypto.Cipher, int64, error) {
	rec, err := p.srv.keys.Get(keyID)
	if err != nil {
		return nil, 0, err
	}
	if rec == nil {
		return nil, 0, errUnknownKey
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cipher == nil || p.cipher.AuthKeyID() != keyID {
		c, err := crypto.NewCipher(rec.Key, p.srv.opts.Rand)
		if err != nil {
			return nil, 0, err
		}
		p.cipher, p.session, p.seqNo = c, 0, 0
		p.replay.Reset()
	}
	p.user = rec.UserID
	return p.cipher, p.user, nil
}

func (p *peer) handleEncrypted(ctx context.Context, frame []byte) error {
	keyID, ok := wire.AuthKeyIDOf(frame)
	if !ok {
		return errors.New("short frame")
	}
	cipher, user, err := p.bind(keyID)
	if errors.Is(err, errUnknownKey) {
		_ = p.conn.Send(ctx, wire.EncodeTransportError(wire.TransportAuthKeyUnknown))
		return err
	}
	if err != nil {
		return err
	}
	msg, err := cipher.Decrypt(crypto.SideClient, frame)
	if err != nil {
		return err
	}
	if err := p.replay.Accept(msg.MsgID); err != nil {
		p.srv.log.Warn("replayed message dropped", zap.Int64("msg_id", msg.MsgID), zap.Int64("user_id", user))
		return nil
	}

	if p.startSession(msg.SessionID) {
		unique, err := p.random64()
		if err != nil {
			return err
		}
		created := &wire.NewSessionCreated{FirstMsgID: msg.MsgID, UniqueID: unique, ServerSalt: p.srv.Salt()}
		if err := p.send(ctx, created, wire.MsgServerUpdate, false); err != nil {
			return err
		}
	}
	if salt := p.srv.Salt(); msg.Salt != salt {
		bad := &wire.BadServerSalt{
			BadMsgID:      msg.MsgID,
			BadMsgSeqNo:   msg.SeqNo,
			ErrorCode:     badSaltCode,
			NewServerSalt: salt,
		}
		return p.send(ctx, bad, wire.MsgServerResponse, false)
	}

	body, err := wire.Unpack(msg.Body)
	if err != nil {
		return err
	}
	typeID, err := wire.PeekID(body)
	if err != nil {
		return err
	}
	if hold := p.srv.opts.Hold; hold != nil && hold(typeID) {
		return nil
	}

	result := p.srv.handle(ctx, p, user, msg.MsgID, typeID, body)
	encoded, err := wire.Encode(result)
	if err != nil {
		return err
	}
	return p.send(ctx, &wire.RPCResult{ReqMsgID: msg.MsgID, Result: encoded}, wire.MsgServerResponse, true)
}

// startSession запоминает сессию клиента; true, если она новая для
// этого соединения.
func (p *peer) startSession(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == id {
		return false
	}
	p.session = id
	p.seqNo = 0
	return true
}

// send шифрует и отправляет o в текущую сессию соединения.
func (p *peer) send(ctx context.Context, o wire.Object, kind wire.MsgKind, contentRelated bool) error {
	body, err := wire.Encode(o)
	if err != nil {
		return err
	}
	if body, err = wire.Pack(body); err != nil {
		return err
	}

	p.mu.Lock()
	cipher, session := p.cipher, p.session
	seq := p.seqNo * 2
	if contentRelated {
		seq++
		p.seqNo++
	}
	p.mu.Unlock()
	if cipher == nil {
		return errors.New("no auth key bound")
	}

	frame, err := cipher.Encrypt(crypto.SideServer, crypto.Plaintext{
		Salt:      p.srv.Salt(),
		SessionID: session,
		MsgID:     p.ids.New(kind),
		SeqNo:     seq,
		Body:      body,
	})
	if err != nil {
		return err
	}
	return p.conn.Send(ctx, frame)
}

func (p *peer) random64() (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(p.srv.opts.Rand, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

// userID возвращает пользователя, к ключу которого привязано соединение.
func (p *peer) userID() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.user
}
