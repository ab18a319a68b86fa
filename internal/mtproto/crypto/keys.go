// Package crypto отвечает за выработку auth key и шифрование сообщений сессии.
//
// Ключ вырабатывается обменом X25519 с подписью сервера Ed25519 и
// расширяется HKDF-SHA256 до 256 байт. Сообщения шифруются AES-256-IGE с
// ключом и IV из msg_key по схеме MTProto 2.0 и дополнительно закрываются
// HMAC-SHA256 (encrypt-then-MAC).
package crypto

import (
	"crypto/sha1" //nolint:gosec // auth_key_id по протоколу берётся из SHA1
	"crypto/sha256"
	"encoding/binary"
	"io"

	"github.com/go-faster/errors"
	"golang.org/x/crypto/hkdf"

	"telegram-mtengine/internal/mtproto/session"
)

// AuthKeySize: длина auth key.
const AuthKeySize = session.AuthKeySize

var (
	authKeyInfo = []byte("mtengine auth key")
	macKeyInfo  = []byte("mac")
)

// DeriveAuthKey расширяет общий секрет X25519 до auth key.
// Соль HKDF: nonce ‖ server_nonce, что привязывает ключ к конкретному handshake.
func DeriveAuthKey(shared, nonce, serverNonce []byte) ([]byte, error) {
	salt := make([]byte, 0, len(nonce)+len(serverNonce))
	salt = append(salt, nonce...)
	salt = append(salt, serverNonce...)

	key := make([]byte, AuthKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, authKeyInfo), key); err != nil {
		return nil, errors.Wrap(err, "hkdf auth key")
	}
	return key, nil
}

// AuthKeyID: младшие 64 бита SHA1(auth_key).
func AuthKeyID(authKey []byte) int64 {
	sum := sha1.Sum(authKey) //nolint:gosec
	return int64(binary.LittleEndian.Uint64(sum[12:20]))
}

// NewNonceHash подтверждает ключ: первые 16 байт SHA256(auth_key ‖ nonce).
func NewNonceHash(authKey, nonce []byte) []byte {
	h := sha256.New()
	h.Write(authKey)
	h.Write(nonce)
	return h.Sum(nil)[:16]
}

func deriveMACKey(authKey []byte) ([]byte, error) {
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, authKey, nil, macKeyInfo), key); err != nil {
		return nil, errors.Wrap(err, "hkdf mac key")
	}
	return key, nil
}
