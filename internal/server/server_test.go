package server

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
	"golang.org/x/time/rate"

	"telegram-mtengine/internal/mtproto/crypto"
	"telegram-mtengine/internal/mtproto/transport"
	"telegram-mtengine/internal/mtproto/wire"
)

func testKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return priv
}

// startServer поднимает сервер на 127.0.0.1:0 и возвращает адрес TCP.
func startServer(t *testing.T, opts Options) (*Server, string) {
	t.Helper()
	if opts.Key == nil {
		opts.Key = testKey(t)
	}
	srv, err := New(opts)
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

// rawClient говорит с сервером напрямую, без движка клиента.
type rawClient struct {
	t       *testing.T
	conn    transport.Conn
	cipher  *crypto.Cipher
	ids     *wire.MsgIDGen
	session int64
	salt    int64
	seq     int32
	inbox   [][]byte
	// last: последний отправленный кадр, как он ушёл в сеть.
	last []byte
}

func dialRaw(t *testing.T, srv *Server, addr string) *rawClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := transport.Dial(ctx, addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ids := wire.NewMsgIDGen(nil)
	res, err := crypto.ClientHandshake{ServerKey: srv.PublicKey(), MsgID: ids}.Run(ctx, conn)
	require.NoError(t, err)
	cipher, err := crypto.NewCipher(res.AuthKey, nil)
	require.NoError(t, err)

	return &rawClient{
		t:       t,
		conn:    conn,
		cipher:  cipher,
		ids:     ids,
		session: time.Now().UnixNano(),
		salt:    res.ServerSalt,
	}
}

func (c *rawClient) send(req wire.Object) int64 {
	c.t.Helper()
	body, err := wire.Encode(req)
	require.NoError(c.t, err)
	msgID := c.ids.New(wire.MsgFromClient)
	c.seq++
	frame, err := c.cipher.Encrypt(crypto.SideClient, crypto.Plaintext{
		Salt:      c.salt,
		SessionID: c.session,
		MsgID:     msgID,
		SeqNo:     c.seq*2 - 1,
		Body:      body,
	})
	require.NoError(c.t, err)
	c.last = frame
	c.resend(frame)
	return msgID
}

// resend отправляет готовый кадр без изменений.
func (c *rawClient) resend(frame []byte) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(c.t, c.conn.Send(ctx, frame))
}

// recv возвращает следующее сообщение сервера либо транспортную ошибку.
func (c *rawClient) recv() ([]byte, *wire.TransportError) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	frame, err := c.conn.Recv(ctx)
	require.NoError(c.t, err)
	if te, ok := wire.AsTransportError(frame); ok {
		return nil, te
	}
	p, err := c.cipher.Decrypt(crypto.SideServer, frame)
	require.NoError(c.t, err)
	require.Equal(c.t, c.session, p.SessionID)
	body, err := wire.Unpack(p.Body)
	require.NoError(c.t, err)
	return body, nil
}

// call отправляет запрос и ждёт его RPCResult; прочие сообщения
// складываются в inbox.
func (c *rawClient) call(req wire.Object) []byte {
	c.t.Helper()
	msgID := c.send(req)
	for {
		body, te := c.recv()
		require.Nil(c.t, te)
		if id, _ := wire.PeekID(body); id == wire.RPCResultTypeID {
			var res wire.RPCResult
			require.NoError(c.t, wire.Decode(body, &res))
			if res.ReqMsgID == msgID {
				return res.Result
			}
		}
		c.inbox = append(c.inbox, body)
	}
}

// nextUpdate возвращает первый апдейт из inbox или из соединения.
func (c *rawClient) nextUpdate() *wire.UpdateShort {
	c.t.Helper()
	for {
		var body []byte
		if len(c.inbox) > 0 {
			body, c.inbox = c.inbox[0], c.inbox[1:]
		} else {
			var te *wire.TransportError
			body, te = c.recv()
			require.Nil(c.t, te)
		}
		if id, _ := wire.PeekID(body); id == wire.UpdateShortTypeID {
			var u wire.UpdateShort
			require.NoError(c.t, wire.Decode(body, &u))
			return &u
		}
	}
}

func TestServer_HandshakeAndEcho(t *testing.T) {
	t.Parallel()
	srv, addr := startServer(t, Options{})
	c := dialRaw(t, srv, addr)

	var res wire.EchoResult
	require.NoError(t, wire.Decode(c.call(&wire.Echo{Text: "hello"}), &res))
	assert.Equal(t, "hello", res.Text)

	require.NotEmpty(t, c.inbox)
	var created wire.NewSessionCreated
	require.NoError(t, wire.Decode(c.inbox[0], &created))
	assert.Equal(t, srv.Salt(), created.ServerSalt)

	var pong wire.Pong
	require.NoError(t, wire.Decode(c.call(&wire.Ping{PingID: 7}), &pong))
	assert.Equal(t, int64(7), pong.PingID)
}

func TestServer_FanOut(t *testing.T) {
	t.Parallel()
	srv, addr := startServer(t, Options{})
	alice := dialRaw(t, srv, addr)
	bob := dialRaw(t, srv, addr)
	alice.call(&wire.Ping{})
	bob.call(&wire.Ping{})

	var sent wire.MessageSent
	require.NoError(t, wire.Decode(alice.call(&wire.SendMessage{ChatID: 10, ChatType: wire.ChatGroup, Text: "hi"}), &sent))
	assert.Equal(t, int32(1), sent.Seq)
	assert.NotZero(t, sent.MessageID)

	own := alice.nextUpdate()
	assert.Equal(t, int32(1), own.Seq)
	msg := own.Update.(*wire.UpdateNewMessage).Message
	assert.True(t, msg.Out)
	assert.Equal(t, "hi", msg.Text)

	other := bob.nextUpdate()
	msg = other.Update.(*wire.UpdateNewMessage).Message
	assert.False(t, msg.Out)
	assert.Equal(t, sent.MessageID, msg.ID)

	var st wire.State
	require.NoError(t, wire.Decode(bob.call(&wire.GetState{}), &st))
	assert.Equal(t, int32(1), st.Seq)
}

func TestServer_BadSalt(t *testing.T) {
	t.Parallel()
	srv, addr := startServer(t, Options{})
	c := dialRaw(t, srv, addr)
	c.call(&wire.Ping{})

	require.NoError(t, srv.RotateSalt())
	msgID := c.send(&wire.Echo{Text: "x"})
	body, te := c.recv()
	require.Nil(t, te)

	var bad wire.BadServerSalt
	require.NoError(t, wire.Decode(body, &bad))
	assert.Equal(t, msgID, bad.BadMsgID)
	assert.Equal(t, srv.Salt(), bad.NewServerSalt)

	c.salt = bad.NewServerSalt
	var res wire.EchoResult
	require.NoError(t, wire.Decode(c.call(&wire.Echo{Text: "x"}), &res))
	assert.Equal(t, "x", res.Text)
}

func TestServer_UnknownKey(t *testing.T) {
	t.Parallel()
	srv, addr := startServer(t, Options{})
	c := dialRaw(t, srv, addr)
	c.call(&wire.Ping{})

	require.NoError(t, srv.ForgetKeys())
	c.send(&wire.Ping{})
	_, te := c.recv()
	require.NotNil(t, te)
	assert.Equal(t, int32(wire.TransportAuthKeyUnknown), te.Code)
}

func TestServer_Logout(t *testing.T) {
	t.Parallel()
	srv, addr := startServer(t, Options{})
	c := dialRaw(t, srv, addr)

	var ok wire.BoolTrue
	require.NoError(t, wire.Decode(c.call(&wire.Logout{}), &ok))

	c.send(&wire.Ping{})
	_, te := c.recv()
	require.NotNil(t, te)
	assert.Equal(t, int32(wire.TransportAuthKeyUnknown), te.Code)
}

func TestServer_FloodWait(t *testing.T) {
	t.Parallel()
	srv, addr := startServer(t, Options{FloodRate: rate.Every(time.Hour), FloodBurst: 1})
	c := dialRaw(t, srv, addr)

	var sent wire.MessageSent
	require.NoError(t, wire.Decode(c.call(&wire.SendMessage{ChatID: 1, Text: "a"}), &sent))

	var rpcErr wire.RPCError
	require.NoError(t, wire.Decode(c.call(&wire.SendMessage{ChatID: 1, Text: "b"}), &rpcErr))
	assert.Equal(t, int32(420), rpcErr.ErrorCode)
	assert.Equal(t, "FLOOD_WAIT_3600", rpcErr.ErrorMessage)
}

func TestServer_RejectedRequestKeepsQuota(t *testing.T) {
	t.Parallel()
	srv, addr := startServer(t, Options{FloodRate: rate.Every(time.Hour), FloodBurst: 1})
	c := dialRaw(t, srv, addr)

	for _, req := range []wire.Object{
		&wire.SendMessage{ChatID: 1},
		&wire.SendMessage{Text: "x"},
		&wire.EditMessage{ChatID: 1, MessageID: 99, Text: "x"},
		&wire.DeleteMessages{ChatID: 1, IDs: []int32{99}},
	} {
		var rpcErr wire.RPCError
		require.NoError(t, wire.Decode(c.call(req), &rpcErr))
		assert.Equal(t, int32(400), rpcErr.ErrorCode, rpcErr.ErrorMessage)
	}

	var sent wire.MessageSent
	require.NoError(t, wire.Decode(c.call(&wire.SendMessage{ChatID: 1, Text: "accepted"}), &sent))
	assert.Equal(t, int32(1), sent.Seq)

	var rpcErr wire.RPCError
	require.NoError(t, wire.Decode(c.call(&wire.SendMessage{ChatID: 1, Text: "over quota"}), &rpcErr))
	assert.Equal(t, "FLOOD_WAIT_3600", rpcErr.ErrorMessage)
}

func TestServer_RequestErrors(t *testing.T) {
	t.Parallel()
	srv, addr := startServer(t, Options{})
	c := dialRaw(t, srv, addr)

	tests := []struct {
		name string
		req  wire.Object
		code int32
		msg  string
	}{
		{"empty text", &wire.SendMessage{ChatID: 1}, 400, "MESSAGE_EMPTY"},
		{"no chat", &wire.SendMessage{Text: "x"}, 400, "PEER_ID_INVALID"},
		{"unknown message", &wire.EditMessage{ChatID: 1, MessageID: 99, Text: "x"}, 400, "MESSAGE_ID_INVALID"},
		{"unknown method", &wire.Pong{}, 400, "METHOD_INVALID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rpcErr wire.RPCError
			require.NoError(t, wire.Decode(c.call(tt.req), &rpcErr))
			assert.Equal(t, tt.code, rpcErr.ErrorCode)
			assert.Equal(t, tt.msg, rpcErr.ErrorMessage)
		})
	}
}

func TestServer_Hold(t *testing.T) {
	t.Parallel()
	srv, addr := startServer(t, Options{
		Hold: func(typeID uint32) bool { return typeID == wire.EchoTypeID },
	})
	c := dialRaw(t, srv, addr)

	c.send(&wire.Echo{Text: "never"})
	var pong wire.Pong
	require.NoError(t, wire.Decode(c.call(&wire.Ping{PingID: 1}), &pong))
	for _, body := range c.inbox {
		id, _ := wire.PeekID(body)
		assert.NotEqual(t, uint32(wire.RPCResultTypeID), id)
	}
}

func TestServer_WebSocket(t *testing.T) {
	t.Parallel()
	srv, err := New(Options{Key: testKey(t)})
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ServeWS(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	c := dialRaw(t, srv, "ws://"+ln.Addr().String()+"/")
	var res wire.EchoResult
	require.NoError(t, wire.Decode(c.call(&wire.Echo{Text: "ws"}), &res))
	assert.Equal(t, "ws", res.Text)
}

func TestServer_DropConnections(t *testing.T) {
	t.Parallel()
	srv, addr := startServer(t, Options{})
	c := dialRaw(t, srv, addr)
	c.call(&wire.Ping{})

	assert.Equal(t, 1, srv.DropConnections())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.conn.Recv(ctx)
	require.Error(t, err)
}

func TestBoltKeyStore(t *testing.T) {
	t.Parallel()
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "keys.db"), 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	keys, err := NewBoltKeyStore(db)
	require.NoError(t, err)
	testKeyStore(t, keys)
}

func TestMemoryKeyStore(t *testing.T) {
	t.Parallel()
	testKeyStore(t, newMemoryKeys())
}

func testKeyStore(t *testing.T, keys KeyStore) {
	first, err := keys.Issue(1, []byte("key-one"))
	require.NoError(t, err)
	second, err := keys.Issue(2, []byte("key-two"))
	require.NoError(t, err)
	assert.NotEqual(t, first.UserID, second.UserID)

	got, err := keys.Get(1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("key-one"), got.Key)
	assert.Equal(t, first.UserID, got.UserID)

	require.NoError(t, keys.Delete(1))
	got, err = keys.Get(1)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, keys.Reset())
	got, err = keys.Get(2)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestServer_ReplayedFrameIgnored(t *testing.T) {
	t.Parallel()
	srv, addr := startServer(t, Options{})
	c := dialRaw(t, srv, addr)

	var sent wire.MessageSent
	require.NoError(t, wire.Decode(c.call(&wire.SendMessage{ChatID: 1, ChatType: wire.ChatPrivate, Text: "once"}), &sent))
	assert.Equal(t, int32(1), sent.Seq)
	seq, _ := srv.State()
	require.Equal(t, int32(1), seq)

	// Тот же кадр байт в байт: MAC верный, но msg_id уже принят.
	c.resend(c.last)

	// Соединение живо, а следующий запрос обрабатывается после повтора.
	var pong wire.Pong
	require.NoError(t, wire.Decode(c.call(&wire.Ping{PingID: 1}), &pong))
	seq, _ = srv.State()
	assert.Equal(t, int32(1), seq, "replayed message must not be posted again")
	// Ответ на повтор тоже не приходит.
	for _, body := range c.inbox {
		id, _ := wire.PeekID(body)
		assert.NotEqual(t, wire.RPCResultTypeID, id)
	}
}
