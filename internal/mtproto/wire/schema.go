package wire

import (
	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
)

// Идентификаторы конструкторов схемы. Служебные совпадают с MTProto там,
// где смысл совпадает; остальные принадлежат схеме этого бэкенда.
const (
	ReqPQTypeID       = 0xbe7e8ef1
	ResPQTypeID       = 0x05162463
	SetClientDHTypeID = 0xf5045f1f
	DHGenOKTypeID     = 0x3bcbf734
	DHGenFailTypeID   = 0xa69dae02

	RPCResultTypeID         = 0xf35c6d01
	RPCErrorTypeID          = 0x2144ca19
	BadServerSaltTypeID     = 0xedab447b
	NewSessionCreatedTypeID = 0x9ec20908
	GzipPackedTypeID        = 0x3072cfa1
	UpdateShortTypeID       = 0x78d4dec1

	PingTypeID              = 0x7abe77ec
	PongTypeID              = 0x347773c5
	EchoTypeID              = 0x1c3d5f2a
	EchoResultTypeID        = 0x5a2b9e01
	SendMessageTypeID       = 0x280d096f
	EditMessageTypeID       = 0x48f71778
	DeleteMessagesTypeID    = 0xe58e95d2
	MessageSentTypeID       = 0x9cd81144
	GetStateTypeID          = 0xedd4882a
	StateTypeID             = 0xa56c2a3e
	GetDifferenceTypeID     = 0x25939651
	DifferenceTypeID        = 0x00f49ca0
	DifferenceEmptyTypeID   = 0x5d75a138
	DifferenceTooLongTypeID = 0x4afe8f6d
	LogoutTypeID            = 0x3e72ba19
	BoolTrueTypeID          = 0x997275b5

	MessageTypeID              = 0x38116ee0
	UpdateNewMessageTypeID     = 0x1f2b0afd
	UpdateEditMessageTypeID    = 0xe40370a3
	UpdateDeleteMessagesTypeID = 0xa20db0e5
)

// Типы чатов, в которых может находиться сообщение.
const (
	ChatPrivate int32 = 1
	ChatGroup   int32 = 2
	ChatChannel int32 = 3
)

// Object: любой конструктор схемы.
type Object interface {
	bin.Encoder
	bin.Decoder
	TypeID() uint32
}

// Encode сериализует объект в новый срез.
func Encode(o bin.Encoder) ([]byte, error) {
	var b bin.Buffer
	if err := o.Encode(&b); err != nil {
		return nil, err
	}
	return b.Buf, nil
}

// Decode разбирает data в o.
func Decode(data []byte, o bin.Decoder) error {
	return o.Decode(&bin.Buffer{Buf: data})
}

// PeekID возвращает идентификатор конструктора в начале data.
func PeekID(data []byte) (uint32, error) {
	b := bin.Buffer{Buf: data}
	return b.PeekID()
}

func consumeID(b *bin.Buffer, want uint32) error {
	got, err := b.ID()
	if err != nil {
		return err
	}
	if got != want {
		return errors.Errorf("unexpected constructor %#x, want %#x", got, want)
	}
	return nil
}

// fixedBytes читает байтовую строку и проверяет её длину.
func fixedBytes(b *bin.Buffer, field string, n int) ([]byte, error) {
	v, err := b.Bytes()
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", field)
	}
	if len(v) != n {
		return nil, errors.Errorf("%s: want %d bytes, got %d", field, n, len(v))
	}
	return append([]byte(nil), v...), nil
}

// Размеры полей handshake.
const (
	NonceSize     = 16
	PublicKeySize = 32
	SignatureSize = 64
)

// ReqPQ открывает handshake: клиент присылает случайный nonce.
type ReqPQ struct {
	Nonce []byte
}

func (*ReqPQ) TypeID() uint32 { return ReqPQTypeID }

func (r *ReqPQ) Encode(b *bin.Buffer) error {
	b.PutID(ReqPQTypeID)
	b.PutBytes(r.Nonce)
	return nil
}

func (r *ReqPQ) Decode(b *bin.Buffer) (err error) {
	if err = consumeID(b, ReqPQTypeID); err != nil {
		return err
	}
	r.Nonce, err = fixedBytes(b, "nonce", NonceSize)
	return err
}

// ResPQ содержит ответ сервера: его nonce, эфемерный X25519-ключ и подпись Ed25519
// над nonce ‖ server_nonce ‖ server_public долговременным ключом сервера.
type ResPQ struct {
	Nonce        []byte
	ServerNonce  []byte
	ServerPublic []byte
	Signature    []byte
}

func (*ResPQ) TypeID() uint32 { return ResPQTypeID }

func (r *ResPQ) Encode(b *bin.Buffer) error {
	b.PutID(ResPQTypeID)
	b.PutBytes(r.Nonce)
	b.PutBytes(r.ServerNonce)
	b.PutBytes(r.ServerPublic)
	b.PutBytes(r.Signature)
	return nil
}

func (r *ResPQ) Decode(b *bin.Buffer) (err error) {
	if err = consumeID(b, ResPQTypeID); err != nil {
		return err
	}
	if r.Nonce, err = fixedBytes(b, "nonce", NonceSize); err != nil {
		return err
	}
	if r.ServerNonce, err = fixedBytes(b, "server_nonce", NonceSize); err != nil {
		return err
	}
	if r.ServerPublic, err = fixedBytes(b, "server_public", PublicKeySize); err != nil {
		return err
	}
	r.Signature, err = fixedBytes(b, "signature", SignatureSize)
	return err
}

// SetClientDH передаёт эфемерный X25519-ключ клиента.
type SetClientDH struct {
	Nonce        []byte
	ServerNonce  []byte
	ClientPublic []byte
}

func (*SetClientDH) TypeID() uint32 { return SetClientDHTypeID }

func (s *SetClientDH) Encode(b *bin.Buffer) error {
	b.PutID(SetClientDHTypeID)
	b.PutBytes(s.Nonce)
	b.PutBytes(s.ServerNonce)
	b.PutBytes(s.ClientPublic)
	return nil
}

func (s *SetClientDH) Decode(b *bin.Buffer) (err error) {
	if err = consumeID(b, SetClientDHTypeID); err != nil {
		return err
	}
	if s.Nonce, err = fixedBytes(b, "nonce", NonceSize); err != nil {
		return err
	}
	if s.ServerNonce, err = fixedBytes(b, "server_nonce", NonceSize); err != nil {
		return err
	}
	s.ClientPublic, err = fixedBytes(b, "client_public", PublicKeySize)
	return err
}

// DHGenOK подтверждает выработку ключа: хеш доказывает, что сервер получил
// тот же auth key, а ServerSalt, первая соль сессии.
type DHGenOK struct {
	Nonce        []byte
	ServerNonce  []byte
	NewNonceHash []byte
	ServerSalt   int64
}

func (*DHGenOK) TypeID() uint32 { return DHGenOKTypeID }

func (d *DHGenOK) Encode(b *bin.Buffer) error {
	b.PutID(DHGenOKTypeID)
	b.PutBytes(d.Nonce)
	b.PutBytes(d.ServerNonce)
	b.PutBytes(d.NewNonceHash)
	b.PutLong(d.ServerSalt)
	return nil
}

func (d *DHGenOK) Decode(b *bin.Buffer) (err error) {
	if err = consumeID(b, DHGenOKTypeID); err != nil {
		return err
	}
	if d.Nonce, err = fixedBytes(b, "nonce", NonceSize); err != nil {
		return err
	}
	if d.ServerNonce, err = fixedBytes(b, "server_nonce", NonceSize); err != nil {
		return err
	}
	if d.NewNonceHash, err = fixedBytes(b, "new_nonce_hash", NonceSize); err != nil {
		return err
	}
	d.ServerSalt, err = b.Long()
	return err
}

// DHGenFail: сервер отказал в handshake.
type DHGenFail struct {
	Nonce       []byte
	ServerNonce []byte
	Reason      string
}

func (*DHGenFail) TypeID() uint32 { return DHGenFailTypeID }

func (d *DHGenFail) Encode(b *bin.Buffer) error {
	b.PutID(DHGenFailTypeID)
	b.PutBytes(d.Nonce)
	b.PutBytes(d.ServerNonce)
	b.PutString(d.Reason)
	return nil
}

func (d *DHGenFail) Decode(b *bin.Buffer) (err error) {
	if err = consumeID(b, DHGenFailTypeID); err != nil {
		return err
	}
	if d.Nonce, err = fixedBytes(b, "nonce", NonceSize); err != nil {
		return err
	}
	if d.ServerNonce, err = fixedBytes(b, "server_nonce", NonceSize); err != nil {
		return err
	}
	d.Reason, err = b.String()
	return err
}
