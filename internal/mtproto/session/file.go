package session

import (
	"context"
	"sync"

	"telegram-mtengine/internal/infra/storage"

	"github.com/go-faster/errors"
	tdsession "github.com/gotd/td/session"
)

// FileStore хранит сессию в файле на диске. Запись атомарна (temp + fsync +
// rename). Тот же файл доступен как сырое tdsession.Storage.
type FileStore struct {
	Path string
	mux  sync.Mutex
}

var (
	_ Store             = (*FileStore)(nil)
	_ tdsession.Storage = (*FileStore)(nil)
)

// NewFileStore создаёт хранилище по пути path. Файловая система не трогается
// до первого обращения.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

func (f *FileStore) Load(ctx context.Context) (*Session, error) {
	data, err := f.LoadSession(ctx)
	if errors.Is(err, tdsession.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}

func (f *FileStore) Save(ctx context.Context, s *Session) error {
	data, err := Marshal(s)
	if err != nil {
		return err
	}
	return f.StoreSession(ctx, data)
}

func (f *FileStore) Clear(_ context.Context) error {
	if f == nil {
		return errors.New("nil session storage is invalid")
	}
	f.mux.Lock()
	defer f.mux.Unlock()
	return storage.Remove(f.Path)
}

// LoadSession читает сырую запись с диска.
func (f *FileStore) LoadSession(_ context.Context) ([]byte, error) {
	if f == nil {
		return nil, errors.New("nil session storage is invalid")
	}
	f.mux.Lock()
	defer f.mux.Unlock()

	data, err := storage.ReadFile(f.Path)
	if err != nil {
		return nil, errors.Wrap(err, "read session")
	}
	if len(data) == 0 {
		return nil, tdsession.ErrNotFound
	}
	return data, nil
}

// StoreSession атомарно заменяет сырую запись.
func (f *FileStore) StoreSession(_ context.Context, data []byte) error {
	if f == nil {
		return errors.New("nil session storage is invalid")
	}
	f.mux.Lock()
	defer f.mux.Unlock()

	if err := storage.AtomicWriteFile(f.Path, data); err != nil {
		return errors.Wrap(err, "atomic write session")
	}
	return nil
}
