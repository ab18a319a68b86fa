// Package wire описывает бинарный формат обмена с RPC-бэкендом: кадрирование потока,
// генерация идентификаторов сообщений, незашифрованные сообщения handshake и
// TL-подобная схема запросов/ответов/апдейтов поверх gotd bin.Buffer.
//
// Кадр «intermediate»: 4 байта длины (little-endian) + полезная нагрузка.
// Кадр ровно из 4 байт с отрицательным значением, транспортная ошибка сервера
// (например, -404: неизвестный auth key), по аналогии с MTProto.
package wire

import (
	"encoding/binary"
	"io"
	"strconv"

	"github.com/go-faster/errors"
)

// MaxFrameSize ограничивает размер одного кадра; всё больше считается битым потоком.
const MaxFrameSize = 16 << 20

// frameHeaderSize: длина префикса кадра.
const frameHeaderSize = 4

// Коды транспортных ошибок.
const (
	TransportAuthKeyUnknown = -404
	TransportFlood          = -429
)

// ErrFrameTooLarge: заявленная длина кадра превышает MaxFrameSize.
var ErrFrameTooLarge = errors.New("wire: frame too large")

// TransportError: 4-байтовый кадр-код ошибки транспорта.
type TransportError struct {
	Code int32
}

func (e *TransportError) Error() string {
	return "wire: transport error " + strconv.Itoa(int(e.Code))
}

// WriteFrame пишет payload с префиксом длины одной операцией Write, чтобы
// параллельные писатели (при их ошибочном появлении) не перемешивали кадры.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)
	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

// ReadFrame читает один полный кадр. Блокируется до прихода всех байт кадра
// или ошибки чтения (io.EOF при штатном закрытии соединения).
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// EncodeTransportError формирует полезную нагрузку кадра-ошибки.
func EncodeTransportError(code int32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(code))
	return buf
}

// AsTransportError распознаёт кадр-ошибку: ровно 4 байта с отрицательным кодом.
func AsTransportError(payload []byte) (*TransportError, bool) {
	if len(payload) != 4 {
		return nil, false
	}
	code := int32(binary.LittleEndian.Uint32(payload))
	if code >= 0 {
		return nil, false
	}
	return &TransportError{Code: code}, true
}
