package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"sync"

	"github.com/go-faster/errors"

	"telegram-mtengine/internal/mtproto/mterr"
	"telegram-mtengine/internal/mtproto/session"
)

// ErrNoSession: у движка нет действующего ключа, нужен handshake.
var ErrNoSession = errors.New("crypto: no active session")

// Engine: единственный владелец Session клиента. Все изменения состояния
// (соль, счётчики seq_no, состояние апдейтов, инвалидация) проходят через
// него; наружу отдаются только копии.
type Engine struct {
	mux       sync.Mutex
	s         *session.Session
	cipher    *Cipher
	sessionID int64
	rand      io.Reader
	// replay: msg_id сервера, уже принятые в текущей сессии.
	replay ReplayWindow
}

// NewEngine создаёт движок. s == nil (или сессия без ключа), движок ждёт
// Install после handshake. random == nil означает crypto/rand.
func NewEngine(s *session.Session, random io.Reader) (*Engine, error) {
	if random == nil {
		random = rand.Reader
	}
	e := &Engine{rand: random}
	if s.Valid() {
		if err := e.install(s.Clone()); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Install заменяет сессию результатом нового handshake. Счётчики и
// состояние апдейтов начинаются заново, адрес сервера сохраняется.
func (e *Engine) Install(res *Result, addr string) error {
	s := &session.Session{
		Version:    session.Version,
		AuthKey:    append([]byte(nil), res.AuthKey...),
		AuthKeyID:  res.AuthKeyID,
		ServerSalt: res.ServerSalt,
		ServerAddr: addr,
	}
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.install(s)
}

func (e *Engine) install(s *session.Session) error {
	c, err := NewCipher(s.AuthKey, e.rand)
	if err != nil {
		return err
	}
	if c.AuthKeyID() != s.AuthKeyID {
		return mterr.NewIntegrityError("auth key id does not match auth key")
	}
	var buf [8]byte
	if _, err := io.ReadFull(e.rand, buf[:]); err != nil {
		return errors.Wrap(err, "read session id")
	}
	e.s = s
	e.cipher = c
	e.sessionID = int64(binary.LittleEndian.Uint64(buf[:]))
	e.replay.Reset()
	return nil
}

// HasKey сообщает, есть ли действующий ключ.
func (e *Engine) HasKey() bool {
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.s != nil
}

// Snapshot возвращает неизменяемую копию сессии (nil, если ключа нет).
func (e *Engine) Snapshot() *session.Session {
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.s.Clone()
}

// SessionID: идентификатор текущей сессии соединения (не сохраняется).
func (e *Engine) SessionID() int64 {
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.sessionID
}

// NextSeqNo возвращает seq_no для исходящего сообщения. Сообщения, требующие
// подтверждения (contentRelated), получают нечётный номер и сдвигают счётчик.
func (e *Engine) NextSeqNo(contentRelated bool) int32 {
	e.mux.Lock()
	defer e.mux.Unlock()
	if e.s == nil {
		return 0
	}
	if !contentRelated {
		return e.s.OutSeqNo * 2
	}
	seq := e.s.OutSeqNo*2 + 1
	e.s.OutSeqNo++
	return seq
}

// ObserveInbound учитывает seq_no входящего сообщения и сообщает, продвинул
// ли он счётчик.
func (e *Engine) ObserveInbound(seq int32) bool {
	e.mux.Lock()
	defer e.mux.Unlock()
	if e.s == nil || seq <= e.s.InSeqNo {
		return false
	}
	e.s.InSeqNo = seq
	return true
}

// SetSalt сохраняет новую соль сервера.
func (e *Engine) SetSalt(salt int64) {
	e.mux.Lock()
	defer e.mux.Unlock()
	if e.s != nil {
		e.s.ServerSalt = salt
	}
}

// SetUpdateState запоминает последнее применённое состояние апдейтов.
func (e *Engine) SetUpdateState(seq, date int32) {
	e.mux.Lock()
	defer e.mux.Unlock()
	if e.s != nil {
		e.s.UpdateSeq = seq
		e.s.UpdateDate = date
	}
}

// Invalidate уничтожает ключ. Возвращает true только для вызова, который
// действительно сбросил действующую сессию, поэтому повторные сбои по тому же
// ключу не приводят к повторной очистке хранилища.
func (e *Engine) Invalidate() bool {
	e.mux.Lock()
	defer e.mux.Unlock()
	if e.s == nil {
		return false
	}
	e.s = nil
	e.cipher = nil
	e.sessionID = 0
	return true
}

// Seal шифрует тело исходящего сообщения текущими солью и session_id.
func (e *Engine) Seal(msgID int64, seqNo int32, body []byte) ([]byte, error) {
	e.mux.Lock()
	if e.s == nil {
		e.mux.Unlock()
		return nil, ErrNoSession
	}
	c := e.cipher
	p := Plaintext{Salt: e.s.ServerSalt, SessionID: e.sessionID, MsgID: msgID, SeqNo: seqNo, Body: body}
	e.mux.Unlock()
	return c.Encrypt(SideClient, p)
}

// Open расшифровывает входящий конверт сервера и проверяет, что он
// адресован текущей сессии. Повтор уже принятого msg_id даёт ErrReplay:
// такой кадр нужно отбросить, сессия при этом не инвалидируется.
func (e *Engine) Open(frame []byte) (*Plaintext, error) {
	e.mux.Lock()
	c, sid := e.cipher, e.sessionID
	e.mux.Unlock()
	if c == nil {
		return nil, ErrNoSession
	}
	p, err := c.Decrypt(SideServer, frame)
	if err != nil {
		return nil, err
	}
	if p.SessionID != sid {
		return nil, mterr.NewIntegrityError("session id mismatch")
	}
	if err := e.replay.Accept(p.MsgID); err != nil {
		return nil, err
	}
	return p, nil
}
