package wire

import (
	"bytes"
	"io"

	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
	"github.com/klauspost/compress/gzip"
)

// GzipThreshold: тела длиннее этого значения упаковываются в GzipPacked.
const GzipThreshold = 1024

// maxUnpacked ограничивает размер распакованного тела.
const maxUnpacked = MaxFrameSize

// GzipPacked: сжатое тело произвольного объекта.
type GzipPacked struct {
	Data []byte
}

func (*GzipPacked) TypeID() uint32 { return GzipPackedTypeID }

func (g *GzipPacked) Encode(b *bin.Buffer) error {
	b.PutID(GzipPackedTypeID)
	b.PutBytes(g.Data)
	return nil
}

func (g *GzipPacked) Decode(b *bin.Buffer) (err error) {
	if err = consumeID(b, GzipPackedTypeID); err != nil {
		return err
	}
	v, err := b.Bytes()
	if err != nil {
		return err
	}
	g.Data = append([]byte(nil), v...)
	return nil
}

// Pack сжимает body, если оно длиннее GzipThreshold; иначе возвращает как есть.
func Pack(body []byte) ([]byte, error) {
	if len(body) <= GzipThreshold {
		return body, nil
	}
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(body); err != nil {
		return nil, errors.Wrap(err, "gzip write")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "gzip close")
	}
	return Encode(&GzipPacked{Data: buf.Bytes()})
}

// Unpack раскрывает GzipPacked (в том числе вложенный); прочие тела
// возвращаются без изменений.
func Unpack(body []byte) ([]byte, error) {
	for {
		id, err := PeekID(body)
		if err != nil || id != GzipPackedTypeID {
			return body, nil
		}
		var g GzipPacked
		if err := Decode(body, &g); err != nil {
			return nil, errors.Wrap(err, "decode gzip_packed")
		}
		r, err := gzip.NewReader(bytes.NewReader(g.Data))
		if err != nil {
			return nil, errors.Wrap(err, "gzip reader")
		}
		out, err := io.ReadAll(io.LimitReader(r, maxUnpacked+1))
		_ = r.Close()
		if err != nil {
			return nil, errors.Wrap(err, "gunzip")
		}
		if len(out) > maxUnpacked {
			return nil, ErrFrameTooLarge
		}
		body = out
	}
}
