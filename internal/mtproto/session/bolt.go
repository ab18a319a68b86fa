package session

import (
	"context"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"
)

// sessionsBucket: bucket с записями сессий, ключ, имя сессии.
var sessionsBucket = []byte("sessions")

// BoltStore хранит сессию в bbolt; одна база может держать несколько
// сессий под разными именами.
type BoltStore struct {
	db   *bbolt.DB
	name []byte
	own  bool
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore использует уже открытую базу. Закрывать её должен вызывающий.
func NewBoltStore(db *bbolt.DB, name string) (*BoltStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "create sessions bucket")
	}
	return &BoltStore{db: db, name: []byte(name)}, nil
}

// OpenBoltStore открывает (создаёт) базу по пути path.
func OpenBoltStore(path, name string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open bolt %s", path)
	}
	s, err := NewBoltStore(db, name)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.own = true
	return s, nil
}

func (s *BoltStore) Load(context.Context) (*Session, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(sessionsBucket).Get(s.name); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "bolt view")
	}
	if data == nil {
		return nil, nil
	}
	return Unmarshal(data)
}

func (s *BoltStore) Save(_ context.Context, sess *Session) error {
	data, err := Marshal(sess)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put(s.name, data)
	})
}

func (s *BoltStore) Clear(context.Context) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete(s.name)
	})
}

// Close закрывает базу, если она открыта через OpenBoltStore.
func (s *BoltStore) Close() error {
	if !s.own {
		return nil
	}
	return s.db.Close()
}
