package crypto

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"io"

	"github.com/go-faster/errors"
	"golang.org/x/crypto/curve25519"

	"telegram-mtengine/internal/mtproto/mterr"
	"telegram-mtengine/internal/mtproto/wire"
)

// Exchanger: двунаправленный канал кадров; transport.Conn ему удовлетворяет.
type Exchanger interface {
	Send(ctx context.Context, frame []byte) error
	Recv(ctx context.Context) ([]byte, error)
}

// Result: итог handshake.
type Result struct {
	AuthKey    []byte
	AuthKeyID  int64
	ServerSalt int64
}

// ClientHandshake выполняет клиентскую половину обмена ключами.
type ClientHandshake struct {
	// ServerKey: закреплённый долговременный ключ сервера. Если задан,
	// подпись ResPQ обязательна к проверке.
	ServerKey ed25519.PublicKey
	// Rand: источник случайности; nil означает crypto/rand.
	Rand io.Reader
	// MsgID: генератор идентификаторов; nil означает новый генератор.
	MsgID *wire.MsgIDGen
}

// Run выполняет ReqPQ → ResPQ → SetClientDH → DHGenOK поверх conn.
func (h ClientHandshake) Run(ctx context.Context, conn Exchanger) (*Result, error) {
	random := h.Rand
	if random == nil {
		random = rand.Reader
	}
	ids := h.MsgID
	if ids == nil {
		ids = wire.NewMsgIDGen(nil)
	}

	nonce := make([]byte, wire.NonceSize)
	if _, err := io.ReadFull(random, nonce); err != nil {
		return nil, errors.Wrap(err, "read nonce")
	}

	var resPQ wire.ResPQ
	if err := exchangePlain(ctx, conn, ids, &wire.ReqPQ{Nonce: nonce}, &resPQ); err != nil {
		return nil, errors.Wrap(err, "req_pq")
	}
	if !bytes.Equal(resPQ.Nonce, nonce) {
		return nil, mterr.NewIntegrityError("res_pq nonce mismatch")
	}
	if h.ServerKey != nil {
		if !ed25519.Verify(h.ServerKey, signedPayload(resPQ.Nonce, resPQ.ServerNonce, resPQ.ServerPublic), resPQ.Signature) {
			return nil, mterr.NewIntegrityError("server signature mismatch")
		}
	}

	priv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(random, priv); err != nil {
		return nil, errors.Wrap(err, "read private key")
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, errors.Wrap(err, "x25519 public")
	}
	shared, err := curve25519.X25519(priv, resPQ.ServerPublic)
	if err != nil {
		return nil, mterr.NewIntegrityError("bad server public key: %v", err)
	}
	authKey, err := DeriveAuthKey(shared, nonce, resPQ.ServerNonce)
	if err != nil {
		return nil, err
	}

	req := &wire.SetClientDH{Nonce: nonce, ServerNonce: resPQ.ServerNonce, ClientPublic: pub}
	reply, err := roundTripPlain(ctx, conn, ids, req)
	if err != nil {
		return nil, errors.Wrap(err, "set_client_dh")
	}
	id, err := wire.PeekID(reply)
	if err != nil {
		return nil, errors.Wrap(err, "set_client_dh reply")
	}
	if id == wire.DHGenFailTypeID {
		var fail wire.DHGenFail
		if err := wire.Decode(reply, &fail); err != nil {
			return nil, errors.Wrap(err, "decode dh_gen_fail")
		}
		return nil, errors.Errorf("handshake rejected: %s", fail.Reason)
	}
	var ok wire.DHGenOK
	if err := wire.Decode(reply, &ok); err != nil {
		return nil, errors.Wrap(err, "decode dh_gen_ok")
	}
	if !bytes.Equal(ok.Nonce, nonce) || !bytes.Equal(ok.ServerNonce, resPQ.ServerNonce) {
		return nil, mterr.NewIntegrityError("dh_gen_ok nonce mismatch")
	}
	if subtle.ConstantTimeCompare(ok.NewNonceHash, NewNonceHash(authKey, nonce)) != 1 {
		return nil, mterr.NewIntegrityError("new_nonce_hash mismatch")
	}

	return &Result{AuthKey: authKey, AuthKeyID: AuthKeyID(authKey), ServerSalt: ok.ServerSalt}, nil
}

// ServerHandshake: серверная половина обмена для одного соединения.
type ServerHandshake struct {
	Key  ed25519.PrivateKey
	Rand io.Reader

	nonce       []byte
	serverNonce []byte
	priv        []byte
}

// HandleReqPQ отвечает на ReqPQ эфемерным ключом и подписью.
func (h *ServerHandshake) HandleReqPQ(req *wire.ReqPQ) (*wire.ResPQ, error) {
	random := h.random()
	h.nonce = append([]byte(nil), req.Nonce...)
	h.serverNonce = make([]byte, wire.NonceSize)
	if _, err := io.ReadFull(random, h.serverNonce); err != nil {
		return nil, errors.Wrap(err, "read server nonce")
	}
	h.priv = make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(random, h.priv); err != nil {
		return nil, errors.Wrap(err, "read private key")
	}
	pub, err := curve25519.X25519(h.priv, curve25519.Basepoint)
	if err != nil {
		return nil, errors.Wrap(err, "x25519 public")
	}
	return &wire.ResPQ{
		Nonce:        h.nonce,
		ServerNonce:  h.serverNonce,
		ServerPublic: pub,
		Signature:    ed25519.Sign(h.Key, signedPayload(h.nonce, h.serverNonce, pub)),
	}, nil
}

// HandleSetClientDH завершает обмен: вырабатывает ключ и подтверждает его.
func (h *ServerHandshake) HandleSetClientDH(req *wire.SetClientDH, salt int64) (*wire.DHGenOK, *Result, error) {
	if h.priv == nil {
		return nil, nil, errors.New("set_client_dh before req_pq")
	}
	if !bytes.Equal(req.Nonce, h.nonce) || !bytes.Equal(req.ServerNonce, h.serverNonce) {
		return nil, nil, mterr.NewIntegrityError("set_client_dh nonce mismatch")
	}
	shared, err := curve25519.X25519(h.priv, req.ClientPublic)
	if err != nil {
		return nil, nil, mterr.NewIntegrityError("bad client public key: %v", err)
	}
	authKey, err := DeriveAuthKey(shared, h.nonce, h.serverNonce)
	if err != nil {
		return nil, nil, err
	}
	ok := &wire.DHGenOK{
		Nonce:        h.nonce,
		ServerNonce:  h.serverNonce,
		NewNonceHash: NewNonceHash(authKey, h.nonce),
		ServerSalt:   salt,
	}
	h.priv = nil
	return ok, &Result{AuthKey: authKey, AuthKeyID: AuthKeyID(authKey), ServerSalt: salt}, nil
}

func (h *ServerHandshake) random() io.Reader {
	if h.Rand == nil {
		return rand.Reader
	}
	return h.Rand
}

func signedPayload(nonce, serverNonce, public []byte) []byte {
	out := make([]byte, 0, len(nonce)+len(serverNonce)+len(public))
	out = append(out, nonce...)
	out = append(out, serverNonce...)
	return append(out, public...)
}

func roundTripPlain(ctx context.Context, conn Exchanger, ids *wire.MsgIDGen, req wire.Object) ([]byte, error) {
	body, err := wire.Encode(req)
	if err != nil {
		return nil, err
	}
	if err := conn.Send(ctx, wire.EncodePlain(ids.New(wire.MsgFromClient), body)); err != nil {
		return nil, err
	}
	frame, err := conn.Recv(ctx)
	if err != nil {
		return nil, err
	}
	if te, ok := wire.AsTransportError(frame); ok {
		return nil, te
	}
	_, reply, err := wire.DecodePlain(frame)
	return reply, err
}

func exchangePlain(ctx context.Context, conn Exchanger, ids *wire.MsgIDGen, req wire.Object, resp wire.Object) error {
	reply, err := roundTripPlain(ctx, conn, ids, req)
	if err != nil {
		return err
	}
	return wire.Decode(reply, resp)
}
