package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"os"
	"strings"

	"github.com/go-faster/errors"

	"telegram-mtengine/internal/infra/storage"
)

// Файл ключа хранит seed ed25519 в hex одной строкой.

func generateKey(path string, force bool) (ed25519.PublicKey, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return nil, errors.Errorf("%s already exists, use --force to replace it", path)
		}
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate key")
	}
	if err := storage.AtomicWriteFile(path, []byte(hex.EncodeToString(priv.Seed())+"\n")); err != nil {
		return nil, err
	}
	return pub, nil
}

func loadKey(path string) (ed25519.PrivateKey, error) {
	data, err := storage.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, errors.Errorf("%s not found, run mtserver keygen first", path)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, errors.Errorf("%s: want %d-byte hex seed", path, ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
