package state

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/dotsetgreg/chatrelay/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
			require.NoError(t, err)
			return s
		},
		"bolt": func(t *testing.T) Store {
			s, err := OpenBolt(filepath.Join(t.TempDir(), "state.bolt"), JSONCodec{})
			require.NoError(t, err)
			return s
		},
		"bolt-cbor": func(t *testing.T) Store {
			s, err := OpenBolt(filepath.Join(t.TempDir(), "state.bolt"), CBORCodec{})
			require.NoError(t, err)
			return s
		},
		"badger": func(t *testing.T) Store {
			s, err := OpenBadger(t.TempDir(), JSONCodec{})
			require.NoError(t, err)
			return s
		},
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			s, err := OpenRedis(context.Background(), config.RedisConfig{Addr: mr.Addr(), Prefix: "test:"}, CBORCodec{})
			require.NoError(t, err)
			return s
		},
	}
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			t.Cleanup(func() { _ = store.Close() })

			_, ok, err := store.Get(ctx, "discord:1")
			require.NoError(t, err)
			assert.False(t, ok, "unknown key must report missing")

			st, err := store.GetOrDefault(ctx, "discord:1")
			require.NoError(t, err)
			assert.Equal(t, Default(), st)
			_, ok, err = store.Get(ctx, "discord:1")
			require.NoError(t, err)
			assert.False(t, ok, "GetOrDefault must not write")

			for stateName, want := range sampleStates() {
				require.NoError(t, store.Update(ctx, "discord:1", want), stateName)
				got, ok, err := store.Get(ctx, "discord:1")
				require.NoError(t, err, stateName)
				require.True(t, ok, stateName)
				assert.Equal(t, want, got, stateName)
			}

			require.NoError(t, store.Update(ctx, "discord:2", Suspended{}))
			require.NoError(t, store.Reset(ctx, "discord:2"))
			got, err := store.GetOrDefault(ctx, "discord:2")
			require.NoError(t, err)
			assert.Equal(t, Default(), got)

			err = store.Update(ctx, "", Default())
			var storeErr *StoreError
			require.True(t, errors.As(err, &storeErr))
			assert.True(t, errors.Is(err, ErrEmptyKey))

			assert.Error(t, store.Update(ctx, "discord:3", nil))
		})
	}
}

func TestStoreConcurrentDistinctKeys(t *testing.T) {
	ctx := context.Background()
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			t.Cleanup(func() { _ = store.Close() })

			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					key := fmt.Sprintf("discord:%d", i)
					for j := 0; j < 5; j++ {
						st, err := store.GetOrDefault(ctx, key)
						if err != nil {
							t.Errorf("get %s: %v", key, err)
							return
						}
						active := st.(Active)
						active.History = append(active.History, ChatMessage{Role: RoleUser, Content: fmt.Sprint(j)})
						if err := store.Update(ctx, key, active); err != nil {
							t.Errorf("update %s: %v", key, err)
							return
						}
					}
				}(i)
			}
			wg.Wait()

			for i := 0; i < 8; i++ {
				st, err := store.GetOrDefault(ctx, fmt.Sprintf("discord:%d", i))
				require.NoError(t, err)
				assert.Len(t, st.(Active).History, 5)
			}
		})
	}
}

func TestStoresSurviveReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	want := Active{History: History{{Role: RoleUser, Content: "persist me"}}}

	reopeners := map[string]func() (Store, error){
		"sqlite": func() (Store, error) { return OpenSQLite(filepath.Join(dir, "state.db")) },
		"bolt":   func() (Store, error) { return OpenBolt(filepath.Join(dir, "state.bolt"), JSONCodec{}) },
		"badger": func() (Store, error) { return OpenBadger(filepath.Join(dir, "badger"), JSONCodec{}) },
	}
	for name, reopen := range reopeners {
		t.Run(name, func(t *testing.T) {
			s, err := reopen()
			require.NoError(t, err)
			require.NoError(t, s.Update(ctx, "discord:9", want))
			require.NoError(t, s.Close())

			s, err = reopen()
			require.NoError(t, err)
			defer s.Close()
			got, ok, err := s.Get(ctx, "discord:9")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, ConversationState(want), got)
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Update(ctx, "k", Active{History: History{{Role: RoleUser, Content: "a"}}}))

	st, _, err := store.Get(ctx, "k")
	require.NoError(t, err)
	st.(Active).History[0].Content = "mutated"

	again, _, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "a", again.(Active).History[0].Content)
	assert.Equal(t, 1, store.Len())
}

func TestStore_CorruptRecordIsStoreError(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	s, err := OpenRedis(ctx, config.RedisConfig{Addr: mr.Addr(), Prefix: "p:"}, CBORCodec{})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, mr.Set("p:discord:1", "\xff\x00"))
	_, _, err = s.Get(ctx, "discord:1")
	var storeErr *StoreError
	require.True(t, errors.As(err, &storeErr))
	assert.Equal(t, "get", storeErr.Op)
	assert.Equal(t, "discord:1", storeErr.Key)
}

func TestStore_RedisUsesPrefix(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	s, err := OpenRedis(ctx, config.RedisConfig{Addr: mr.Addr(), Prefix: "chatrelay:state:"}, CBORCodec{})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Update(ctx, "discord:7", Suspended{}))
	assert.True(t, mr.Exists("chatrelay:state:discord:7"))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, config.StateConfig{Backend: "memory"})
	require.NoError(t, err)
	_, isMemory := s.(*MemoryStore)
	assert.True(t, isMemory)

	s, err = Open(ctx, config.StateConfig{Backend: "sqlite", Path: filepath.Join(t.TempDir(), "x.db")})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(ctx, config.StateConfig{Backend: "sqlite", Path: filepath.Join(t.TempDir(), "x.db"), Codec: "cbor"})
	assert.Error(t, err)

	_, err = Open(ctx, config.StateConfig{Backend: "bolt", Path: filepath.Join(t.TempDir(), "x.bolt"), Codec: "xml"})
	assert.Error(t, err)

	_, err = Open(ctx, config.StateConfig{Backend: "mongo"})
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	s, err = Open(ctx, config.StateConfig{Backend: "redis", Redis: config.RedisConfig{Addr: mr.Addr()}})
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestFileBackendsSyncWrites(t *testing.T) {
	b, err := openSQLiteBackend(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer b.close()

	var level int
	require.NoError(t, b.db.QueryRow(`PRAGMA synchronous;`).Scan(&level))
	assert.Equal(t, 2, level, "synchronous=FULL")

	assert.True(t, badgerOptions(t.TempDir()).SyncWrites)
}
