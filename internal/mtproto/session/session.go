// Package session хранит состояние MTProto-сессии.
//
// Session создаётся handshake-ом, живёт в crypto.Engine и сохраняется через
// Store после каждого изменения, которое нужно пережить рестарт: новой соли,
// нового состояния апдейтов, нового ключа. Формат записи, версионированный
// JSON; строковый вид, тот же JSON в base64 URL-safe с префиксом версии.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/go-faster/errors"
)

// Version: текущая версия формата записи.
const Version = 1

// AuthKeySize: длина auth key в байтах.
const AuthKeySize = 256

// tokenPrefix: префикс строкового представления текущей версии.
const tokenPrefix = "1"

// ErrInvalidToken: строка сессии повреждена или имеет неизвестную версию.
var ErrInvalidToken = errors.New("session: invalid session string")

// Session: состояние сессии. AuthKey неизменен на всём времени жизни
// сессии; при смене ключа создаётся новая Session.
type Session struct {
	Version    int    `json:"v"`
	AuthKey    []byte `json:"auth_key"`
	AuthKeyID  int64  `json:"auth_key_id"`
	ServerSalt int64  `json:"server_salt"`
	OutSeqNo   int32  `json:"out_seq_no"`
	InSeqNo    int32  `json:"in_seq_no"`
	UpdateSeq  int32  `json:"update_seq"`
	UpdateDate int32  `json:"update_date"`
	ServerAddr string `json:"server_addr,omitempty"`
}

// Clone возвращает глубокую копию.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.AuthKey = append([]byte(nil), s.AuthKey...)
	return &c
}

// Valid сообщает, что сессия несёт пригодный ключ.
func (s *Session) Valid() bool {
	return s != nil && len(s.AuthKey) == AuthKeySize && s.AuthKeyID != 0
}

// Marshal сериализует сессию в JSON текущей версии.
func Marshal(s *Session) ([]byte, error) {
	if s == nil {
		return nil, errors.New("session: nil session")
	}
	c := *s
	c.Version = Version
	data, err := json.Marshal(&c)
	if err != nil {
		return nil, errors.Wrap(err, "marshal session")
	}
	return data, nil
}

// Unmarshal разбирает JSON-запись и проверяет версию и ключ.
func Unmarshal(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, "unmarshal session")
	}
	if s.Version != Version {
		return nil, errors.Errorf("session: unsupported version %d", s.Version)
	}
	if !s.Valid() {
		return nil, errors.New("session: record has no valid auth key")
	}
	return &s, nil
}

// EncodeString возвращает переносимую строку сессии: её можно передать на
// другой хост и продолжить работу без нового handshake.
func EncodeString(s *Session) (string, error) {
	data, err := Marshal(s)
	if err != nil {
		return "", err
	}
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeString разбирает строку, полученную от EncodeString.
func DecodeString(token string) (*Session, error) {
	if len(token) < 2 || token[:1] != tokenPrefix {
		return nil, ErrInvalidToken
	}
	data, err := base64.RawURLEncoding.DecodeString(token[1:])
	if err != nil {
		return nil, errors.Wrap(ErrInvalidToken, err.Error())
	}
	s, err := Unmarshal(data)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidToken, err.Error())
	}
	return s, nil
}

// Store хранит одну сессию. Load возвращает (nil, nil), если сессии нет.
// Save атомарен относительно Load: читатель видит либо старую запись, либо новую.
type Store interface {
	Load(ctx context.Context) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Clear(ctx context.Context) error
}
