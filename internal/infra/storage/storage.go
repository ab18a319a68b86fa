// Package storage безопасно записывает файлы состояния: сессии клиента,
// ключи и базу сервера. Частично записанный файл недопустим, поэтому запись
// идёт через временный файл и rename.
package storage

import (
	"os"
	"path/filepath"

	"github.com/go-faster/errors"
)

// FilePerm задаёт права итоговых файлов; они содержат ключи, доступ только владельцу.
const FilePerm = 0o600

// EnsureDir создаёт каталог для файла path, если путь его содержит.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrapf(err, "create dir %s", dir)
	}
	return nil
}

// AtomicWriteFile записывает data в path так, что на диске остаётся либо
// старое содержимое, либо новое целиком.
//
// Порядок: temp в том же каталоге → write → fsync → chmod → close → rename →
// fsync каталога. Ошибка fsync каталога не возвращается: часть ФС его не умеет.
func AtomicWriteFile(path string, data []byte) error {
	clean := filepath.Clean(path)
	if err := EnsureDir(clean); err != nil {
		return err
	}
	dir := filepath.Dir(clean)

	tmp, err := os.CreateTemp(dir, ".atomic-*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := writeAndSync(tmp, data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp file")
	}
	if err := os.Rename(tmpName, clean); err != nil {
		return errors.Wrap(err, "rename temp file")
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

func writeAndSync(f *os.File, data []byte) error {
	if _, err := f.Write(data); err != nil {
		return errors.Wrap(err, "write temp file")
	}
	if err := f.Sync(); err != nil {
		return errors.Wrap(err, "fsync temp file")
	}
	if err := f.Chmod(FilePerm); err != nil {
		return errors.Wrap(err, "chmod temp file")
	}
	return nil
}

// ReadFile читает файл; отсутствие файла возвращается как (nil, nil).
func ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return data, nil
}

// Remove удаляет файл; отсутствие файла ошибкой не считается.
func Remove(path string) error {
	if err := os.Remove(filepath.Clean(path)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove %s", path)
	}
	return nil
}
