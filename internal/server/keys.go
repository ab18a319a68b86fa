package server

import (
	"encoding/binary"
	"encoding/json"
	"sync"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"
)

// authRecord: выданный ключ и пользователь, которому он принадлежит.
type authRecord struct {
	Key    []byte `json:"key"`
	UserID int64  `json:"user_id"`
}

// KeyStore хранит выданные auth key.
type KeyStore interface {
	// Issue сохраняет новый ключ и назначает ему нового пользователя.
	Issue(id int64, key []byte) (*authRecord, error)
	Get(id int64) (*authRecord, error)
	Delete(id int64) error
	// Reset забывает все ключи.
	Reset() error
}

// memoryKeys: ключи в памяти процесса.
type memoryKeys struct {
	mu       sync.RWMutex
	keys     map[int64]*authRecord
	lastUser int64
}

func newMemoryKeys() *memoryKeys {
	return &memoryKeys{keys: make(map[int64]*authRecord)}
}

func (m *memoryKeys) Issue(id int64, key []byte) (*authRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastUser++
	rec := &authRecord{Key: append([]byte(nil), key...), UserID: m.lastUser}
	m.keys[id] = rec
	return rec, nil
}

func (m *memoryKeys) Get(id int64) (*authRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keys[id], nil
}

func (m *memoryKeys) Delete(id int64) error {
	m.mu.Lock()
	delete(m.keys, id)
	m.mu.Unlock()
	return nil
}

func (m *memoryKeys) Reset() error {
	m.mu.Lock()
	m.keys = make(map[int64]*authRecord)
	m.mu.Unlock()
	return nil
}

var authKeysBucket = []byte("auth_keys")

// boltKeys: ключи в bbolt; переживают рестарт сервера. Номер пользователя
// берётся из последовательности bucket-а.
type boltKeys struct {
	db *bbolt.DB
}

// NewBoltKeyStore открывает хранилище ключей в db.
func NewBoltKeyStore(db *bbolt.DB) (KeyStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(authKeysBucket)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "create auth keys bucket")
	}
	return &boltKeys{db: db}, nil
}

func keyOf(id int64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(id))
	return k[:]
}

func (b *boltKeys) Issue(id int64, key []byte) (*authRecord, error) {
	var rec *authRecord
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(authKeysBucket)
		user, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		rec = &authRecord{Key: append([]byte(nil), key...), UserID: int64(user)}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return bucket.Put(keyOf(id), data)
	})
	if err != nil {
		return nil, errors.Wrap(err, "issue auth key")
	}
	return rec, nil
}

func (b *boltKeys) Get(id int64) (*authRecord, error) {
	var rec *authRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(authKeysBucket).Get(keyOf(id))
		if data == nil {
			return nil
		}
		rec = &authRecord{}
		return json.Unmarshal(data, rec)
	})
	if err != nil {
		return nil, errors.Wrap(err, "load auth key")
	}
	return rec, nil
}

func (b *boltKeys) Delete(id int64) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(authKeysBucket).Delete(keyOf(id))
	})
}

func (b *boltKeys) Reset() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(authKeysBucket); err != nil && !errors.Is(err, berrors.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket(authKeysBucket)
		return err
	})
}
