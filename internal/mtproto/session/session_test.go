package session

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func testSession() *Session {
	return &Session{
		AuthKey:    bytes.Repeat([]byte{0xab}, AuthKeySize),
		AuthKeyID:  0x1122334455667788,
		ServerSalt: -42,
		OutSeqNo:   7,
		InSeqNo:    9,
		UpdateSeq:  120,
		UpdateDate: 1_700_000_000,
		ServerAddr: "127.0.0.1:4430",
	}
}

func TestStringRoundTrip(t *testing.T) {
	t.Parallel()

	s := testSession()
	token, err := EncodeString(s)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "1"))
	assert.NotContains(t, token, "+")
	assert.NotContains(t, token, "/")

	got, err := DecodeString(token)
	require.NoError(t, err)
	want := s.Clone()
	want.Version = Version
	assert.Equal(t, want, got)
}

func TestDecodeStringRejectsGarbage(t *testing.T) {
	t.Parallel()

	for _, token := range []string{"", "1", "2abc", "1!!!", "1" + strings.Repeat("A", 40)} {
		_, err := DecodeString(token)
		assert.ErrorIs(t, err, ErrInvalidToken, "token %q", token)
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()

	s := testSession()
	c := s.Clone()
	c.AuthKey[0] = 0
	assert.Equal(t, byte(0xab), s.AuthKey[0])
	assert.Nil(t, (*Session)(nil).Clone())
}

func storeRoundTrip(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()

	got, err := st.Load(ctx)
	require.NoError(t, err)
	require.Nil(t, got, "empty store must report absence as nil, nil")

	s := testSession()
	require.NoError(t, st.Save(ctx, s))
	got, err = st.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, s.AuthKey, got.AuthKey)
	assert.Equal(t, s.AuthKeyID, got.AuthKeyID)
	assert.Equal(t, s.UpdateSeq, got.UpdateSeq)

	s.ServerSalt = 99
	require.NoError(t, st.Save(ctx, s))
	got, err = st.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(99), got.ServerSalt)

	require.NoError(t, st.Clear(ctx))
	got, err = st.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStores(t *testing.T) {
	t.Parallel()

	t.Run("memory", func(t *testing.T) {
		storeRoundTrip(t, &MemoryStore{})
	})
	t.Run("string", func(t *testing.T) {
		storeRoundTrip(t, NewStringStore(""))
	})
	t.Run("file", func(t *testing.T) {
		storeRoundTrip(t, NewFileStore(filepath.Join(t.TempDir(), "s", "session.json")))
	})
	t.Run("bolt", func(t *testing.T) {
		st, err := OpenBoltStore(filepath.Join(t.TempDir(), "session.db"), "main")
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
		storeRoundTrip(t, st)
	})
	t.Run("redis", func(t *testing.T) {
		addr := os.Getenv("REDIS_ADDR")
		if addr == "" {
			t.Skip("REDIS_ADDR not set")
		}
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		t.Cleanup(func() { _ = rdb.Close() })
		storeRoundTrip(t, NewRedisStore(rdb, "mtengine:test:"+t.Name()))
	})
}

func TestBoltStoreKeepsSessionsApart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db, err := bbolt.Open(filepath.Join(t.TempDir(), "shared.db"), 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	a, err := NewBoltStore(db, "a")
	require.NoError(t, err)
	b, err := NewBoltStore(db, "b")
	require.NoError(t, err)

	require.NoError(t, a.Save(ctx, testSession()))
	got, err := b.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
	require.NoError(t, b.Close(), "borrowed db is not closed by the store")
}

func TestStringStoreTokenMovesBetweenHosts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	hostA := NewStringStore("")
	require.NoError(t, hostA.Save(ctx, testSession()))

	hostB := NewStringStore(hostA.Token())
	got, err := hostB.Load(ctx)
	require.NoError(t, err)
	require.True(t, got.Valid())
	assert.Equal(t, testSession().AuthKeyID, got.AuthKeyID)
}

func TestFileStoreRejectsCorruptRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"v":7}`), 0o600))
	_, err := NewFileStore(path).Load(ctx)
	assert.Error(t, err)
}
