package state

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var conversationsBucket = []byte("conversations")

type boltBackend struct {
	db *bolt.DB
}

// OpenBolt opens a single-file bbolt store. The file is locked, so only
// one process can use it at a time.
func OpenBolt(path string, codec Codec) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state db dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, errCreate := tx.CreateBucketIfNotExists(conversationsBucket)
		return errCreate
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create conversations bucket: %w", err)
	}
	return newCodecStore(&boltBackend{db: db}, codec), nil
}

func (b *boltBackend) load(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(conversationsBucket)
		if bucket == nil {
			return nil
		}
		// Values are only valid for the life of the transaction.
		if v := bucket.Get([]byte(key)); v != nil {
			out = bytes.Clone(v)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

func (b *boltBackend) save(ctx context.Context, key string, _ Mode, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(conversationsBucket)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), data)
	})
}

func (b *boltBackend) close() error {
	return b.db.Close()
}
