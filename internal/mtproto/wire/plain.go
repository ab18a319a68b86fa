package wire

import (
	"encoding/binary"

	"github.com/go-faster/errors"
)

// plainHeaderSize: auth_key_id(8) + msg_id(8) + length(4).
const plainHeaderSize = 20

// EncodePlain упаковывает незашифрованное сообщение (только для handshake):
// auth_key_id = 0, msg_id, длина тела, тело.
func EncodePlain(msgID int64, body []byte) []byte {
	buf := make([]byte, plainHeaderSize+len(body))
	binary.LittleEndian.PutUint64(buf[8:], uint64(msgID))
	binary.LittleEndian.PutUint32(buf[16:], uint32(len(body)))
	copy(buf[plainHeaderSize:], body)
	return buf
}

// IsPlain сообщает, что кадр несёт незашифрованное сообщение (auth_key_id == 0).
func IsPlain(frame []byte) bool {
	return len(frame) >= 8 && binary.LittleEndian.Uint64(frame) == 0
}

// AuthKeyIDOf читает auth_key_id из начала кадра.
func AuthKeyIDOf(frame []byte) (int64, bool) {
	if len(frame) < 8 {
		return 0, false
	}
	return int64(binary.LittleEndian.Uint64(frame)), true
}

// DecodePlain разбирает незашифрованное сообщение.
func DecodePlain(frame []byte) (msgID int64, body []byte, err error) {
	if len(frame) < plainHeaderSize {
		return 0, nil, errors.Errorf("plain message too short: %d bytes", len(frame))
	}
	if !IsPlain(frame) {
		return 0, nil, errors.New("plain message has non-zero auth key id")
	}
	msgID = int64(binary.LittleEndian.Uint64(frame[8:]))
	n := int(binary.LittleEndian.Uint32(frame[16:]))
	if n != len(frame)-plainHeaderSize {
		return 0, nil, errors.Errorf("plain message length mismatch: header %d, actual %d", n, len(frame)-plainHeaderSize)
	}
	return msgID, frame[plainHeaderSize:], nil
}
