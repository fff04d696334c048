package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

type badgerBackend struct {
	db *badger.DB
}

// OpenBadger opens a badger directory store at dir.
func OpenBadger(dir string, codec Codec) (Store, error) {
	db, err := badger.Open(badgerOptions(dir))
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}
	return newCodecStore(&badgerBackend{db: db}, codec), nil
}

// badgerOptions syncs every write so Update returns only once the value
// log is on disk.
func badgerOptions(dir string) badger.Options {
	return badger.DefaultOptions(dir).
		WithSyncWrites(true).
		WithLoggingLevel(badger.ERROR)
}

func (b *badgerBackend) load(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (b *badgerBackend) save(ctx context.Context, key string, _ Mode, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

func (b *badgerBackend) close() error {
	return b.db.Close()
}
