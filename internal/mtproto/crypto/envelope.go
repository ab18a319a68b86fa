package crypto

import (
	"crypto/aes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"math/big"

	"github.com/go-faster/errors"
	"github.com/gotd/ige"

	"telegram-mtengine/internal/mtproto/mterr"
)

// Side: отправитель сообщения; определяет смещение x в KDF.
type Side int

const (
	SideClient Side = iota // клиент → сервер, x = 0
	SideServer             // сервер → клиент, x = 8
)

func (s Side) x() int {
	if s == SideServer {
		return 8
	}
	return 0
}

// Размеры частей конверта.
const (
	msgKeySize      = 16
	macSize         = sha256.Size
	envelopeHeader  = 8 + msgKeySize
	plaintextHeader = 32 // salt + session_id + msg_id + seq_no + length
	minPadding      = 12
	maxPadding      = 1024
)

// Plaintext: расшифрованное содержимое конверта.
type Plaintext struct {
	Salt      int64
	SessionID int64
	MsgID     int64
	SeqNo     int32
	Body      []byte
}

// Cipher шифрует и расшифровывает конверты одним auth key. Потокобезопасен.
type Cipher struct {
	authKey []byte
	id      int64
	macKey  []byte
	rand    io.Reader
}

// NewCipher готовит шифр для ключа authKey. rand == nil означает crypto/rand.
func NewCipher(authKey []byte, random io.Reader) (*Cipher, error) {
	if len(authKey) != AuthKeySize {
		return nil, errors.Errorf("auth key must be %d bytes, got %d", AuthKeySize, len(authKey))
	}
	macKey, err := deriveMACKey(authKey)
	if err != nil {
		return nil, err
	}
	if random == nil {
		random = rand.Reader
	}
	return &Cipher{
		authKey: append([]byte(nil), authKey...),
		id:      AuthKeyID(authKey),
		macKey:  macKey,
		rand:    random,
	}, nil
}

// AuthKeyID возвращает идентификатор ключа шифра.
func (c *Cipher) AuthKeyID() int64 { return c.id }

// Encrypt формирует конверт auth_key_id ‖ msg_key ‖ ciphertext ‖ mac от имени from.
func (c *Cipher) Encrypt(from Side, p Plaintext) ([]byte, error) {
	pad, err := c.paddingLen(len(p.Body))
	if err != nil {
		return nil, err
	}
	plain := make([]byte, plaintextHeader+len(p.Body)+pad)
	binary.LittleEndian.PutUint64(plain[0:], uint64(p.Salt))
	binary.LittleEndian.PutUint64(plain[8:], uint64(p.SessionID))
	binary.LittleEndian.PutUint64(plain[16:], uint64(p.MsgID))
	binary.LittleEndian.PutUint32(plain[24:], uint32(p.SeqNo))
	binary.LittleEndian.PutUint32(plain[28:], uint32(len(p.Body)))
	copy(plain[plaintextHeader:], p.Body)
	if _, err := io.ReadFull(c.rand, plain[plaintextHeader+len(p.Body):]); err != nil {
		return nil, errors.Wrap(err, "read padding")
	}

	msgKey := c.msgKey(from, plain)
	key, iv := c.aesKeyIV(from, msgKey)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "aes")
	}

	out := make([]byte, envelopeHeader+len(plain), envelopeHeader+len(plain)+macSize)
	binary.LittleEndian.PutUint64(out, uint64(c.id))
	copy(out[8:], msgKey)
	ige.NewIGEEncrypter(block, iv).CryptBlocks(out[envelopeHeader:], plain)

	return append(out, c.mac(out)...), nil
}

// Decrypt проверяет и расшифровывает конверт, отправленный стороной from.
// Любое нарушение целостности возвращается как *mterr.IntegrityError.
func (c *Cipher) Decrypt(from Side, frame []byte) (*Plaintext, error) {
	if len(frame) < envelopeHeader+plaintextHeader+minPadding+macSize {
		return nil, mterr.NewIntegrityError("envelope too short: %d bytes", len(frame))
	}
	if id := int64(binary.LittleEndian.Uint64(frame)); id != c.id {
		return nil, mterr.NewIntegrityError("unknown auth key id %#x", uint64(id))
	}
	body, tag := frame[:len(frame)-macSize], frame[len(frame)-macSize:]
	if !hmac.Equal(c.mac(body), tag) {
		return nil, mterr.NewIntegrityError("mac mismatch")
	}
	encrypted := body[envelopeHeader:]
	if len(encrypted)%aes.BlockSize != 0 {
		return nil, mterr.NewIntegrityError("ciphertext is not block aligned")
	}

	msgKey := body[8:envelopeHeader]
	key, iv := c.aesKeyIV(from, msgKey)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "aes")
	}
	plain := make([]byte, len(encrypted))
	ige.NewIGEDecrypter(block, iv).CryptBlocks(plain, encrypted)

	if !hmac.Equal(c.msgKey(from, plain), msgKey) {
		return nil, mterr.NewIntegrityError("msg_key mismatch")
	}
	n := int(binary.LittleEndian.Uint32(plain[28:]))
	pad := len(plain) - plaintextHeader - n
	if n < 0 || pad < minPadding || pad > maxPadding {
		return nil, mterr.NewIntegrityError("bad body length %d", n)
	}
	return &Plaintext{
		Salt:      int64(binary.LittleEndian.Uint64(plain[0:])),
		SessionID: int64(binary.LittleEndian.Uint64(plain[8:])),
		MsgID:     int64(binary.LittleEndian.Uint64(plain[16:])),
		SeqNo:     int32(binary.LittleEndian.Uint32(plain[24:])),
		Body:      plain[plaintextHeader : plaintextHeader+n],
	}, nil
}

// paddingLen выбирает длину паддинга: не меньше minPadding, выравнивание по
// блоку AES и случайная добавка из нескольких блоков.
func (c *Cipher) paddingLen(bodyLen int) (int, error) {
	pad := minPadding
	if rem := (plaintextHeader + bodyLen + pad) % aes.BlockSize; rem != 0 {
		pad += aes.BlockSize - rem
	}
	extra, err := rand.Int(c.rand, big.NewInt(4))
	if err != nil {
		return 0, errors.Wrap(err, "random padding")
	}
	return pad + int(extra.Int64())*aes.BlockSize, nil
}

// msgKey: средние 128 бит SHA256(auth_key[88+x:120+x] ‖ plaintext).
func (c *Cipher) msgKey(from Side, plain []byte) []byte {
	x := from.x()
	h := sha256.New()
	h.Write(c.authKey[88+x : 120+x])
	h.Write(plain)
	return h.Sum(nil)[8:24]
}

// aesKeyIV: KDF MTProto 2.0.
func (c *Cipher) aesKeyIV(from Side, msgKey []byte) (key, iv []byte) {
	x := from.x()

	ha := sha256.New()
	ha.Write(msgKey)
	ha.Write(c.authKey[x : x+36])
	a := ha.Sum(nil)

	hb := sha256.New()
	hb.Write(c.authKey[40+x : 76+x])
	hb.Write(msgKey)
	b := hb.Sum(nil)

	key = make([]byte, 0, 32)
	key = append(key, a[0:8]...)
	key = append(key, b[8:24]...)
	key = append(key, a[24:32]...)

	iv = make([]byte, 0, 32)
	iv = append(iv, b[0:8]...)
	iv = append(iv, a[8:24]...)
	iv = append(iv, b[24:32]...)
	return key, iv
}

func (c *Cipher) mac(data []byte) []byte {
	m := hmac.New(sha256.New, c.macKey)
	m.Write(data)
	return m.Sum(nil)
}
