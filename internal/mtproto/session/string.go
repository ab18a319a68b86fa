package session

import (
	"context"
	"sync"
)

// StringStore хранит сессию в виде переносимой строки. Начальное значение
// задаётся строкой (например, из SESSION_STRING), актуальное можно забрать
// через Token.
type StringStore struct {
	mux   sync.Mutex
	token string
}

var _ Store = (*StringStore)(nil)

// NewStringStore создаёт хранилище из строки; пустая строка означает
// отсутствие сессии. Строка проверяется при первом Load.
func NewStringStore(token string) *StringStore {
	return &StringStore{token: token}
}

func (s *StringStore) Load(context.Context) (*Session, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.token == "" {
		return nil, nil
	}
	return DecodeString(s.token)
}

func (s *StringStore) Save(_ context.Context, sess *Session) error {
	token, err := EncodeString(sess)
	if err != nil {
		return err
	}
	s.mux.Lock()
	s.token = token
	s.mux.Unlock()
	return nil
}

func (s *StringStore) Clear(context.Context) error {
	s.mux.Lock()
	s.token = ""
	s.mux.Unlock()
	return nil
}

// Token возвращает последнюю сохранённую строку.
func (s *StringStore) Token() string {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.token
}
