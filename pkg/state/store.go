package state

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dotsetgreg/chatrelay/pkg/config"
	"github.com/dotsetgreg/chatrelay/pkg/logger"
)

// Store persists one ConversationState per dialogue key. Implementations
// must tolerate concurrent calls for distinct keys; callers serialise
// read-modify-write cycles for a single key.
type Store interface {
	// Get returns ok=false when key was never written.
	Get(ctx context.Context, key string) (ConversationState, bool, error)
	// GetOrDefault returns Default() for unknown keys without writing it.
	GetOrDefault(ctx context.Context, key string) (ConversationState, error)
	// Update replaces the state and returns once the backend considers it
	// durable.
	Update(ctx context.Context, key string, s ConversationState) error
	// Reset is Update(key, Default()).
	Reset(ctx context.Context, key string) error
	Close() error
}

// StoreError wraps every persistence failure.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("state %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("state %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

var (
	ErrEmptyKey = errors.New("empty dialogue key")
	errNilState = errors.New("nil state")
)

// blobBackend is the byte-level contract shared by the durable backends.
type blobBackend interface {
	load(ctx context.Context, key string) ([]byte, bool, error)
	save(ctx context.Context, key string, mode Mode, data []byte) error
	close() error
}

// codecStore adapts a blobBackend to Store by running states through a
// Codec.
type codecStore struct {
	backend blobBackend
	codec   Codec
}

func newCodecStore(backend blobBackend, codec Codec) *codecStore {
	return &codecStore{backend: backend, codec: codec}
}

func (s *codecStore) Get(ctx context.Context, key string) (ConversationState, bool, error) {
	if strings.TrimSpace(key) == "" {
		return nil, false, &StoreError{Op: "get", Err: ErrEmptyKey}
	}
	data, ok, err := s.backend.load(ctx, key)
	if err != nil {
		return nil, false, &StoreError{Op: "get", Key: key, Err: err}
	}
	if !ok {
		return nil, false, nil
	}
	st, err := s.codec.Decode(data)
	if err != nil {
		return nil, false, &StoreError{Op: "get", Key: key, Err: err}
	}
	return st, true, nil
}

func (s *codecStore) GetOrDefault(ctx context.Context, key string) (ConversationState, error) {
	st, ok, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return Default(), nil
	}
	return st, nil
}

func (s *codecStore) Update(ctx context.Context, key string, st ConversationState) error {
	if strings.TrimSpace(key) == "" {
		return &StoreError{Op: "update", Err: ErrEmptyKey}
	}
	if st == nil {
		return &StoreError{Op: "update", Key: key, Err: errNilState}
	}
	data, err := s.codec.Encode(st)
	if err != nil {
		return &StoreError{Op: "update", Key: key, Err: err}
	}
	if err := s.backend.save(ctx, key, st.Mode(), data); err != nil {
		return &StoreError{Op: "update", Key: key, Err: err}
	}
	return nil
}

func (s *codecStore) Reset(ctx context.Context, key string) error {
	return s.Update(ctx, key, Default())
}

func (s *codecStore) Close() error {
	if err := s.backend.close(); err != nil {
		return &StoreError{Op: "close", Err: err}
	}
	return nil
}

// Open builds the store named by cfg.Backend.
func Open(ctx context.Context, cfg config.StateConfig) (Store, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	path := config.ExpandHome(strings.TrimSpace(cfg.Path))

	var (
		store Store
		err   error
	)
	switch backend {
	case "memory":
		store = NewMemoryStore()
	case "sqlite":
		if cfg.Codec != "" && !strings.EqualFold(cfg.Codec, "json") {
			return nil, fmt.Errorf("sqlite state backend stores json, got codec %q", cfg.Codec)
		}
		store, err = OpenSQLite(path)
	case "bolt":
		var codec Codec
		if codec, err = CodecByName(cfg.Codec, JSONCodec{}); err == nil {
			store, err = OpenBolt(path, codec)
		}
	case "badger":
		var codec Codec
		if codec, err = CodecByName(cfg.Codec, JSONCodec{}); err == nil {
			store, err = OpenBadger(path, codec)
		}
	case "redis":
		var codec Codec
		if codec, err = CodecByName(cfg.Codec, CBORCodec{}); err == nil {
			store, err = OpenRedis(ctx, cfg.Redis, codec)
		}
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s state store: %w", backend, err)
	}

	logger.InfoCF("state", "Context store opened", map[string]interface{}{
		"backend": backend,
		"path":    path,
	})
	return store, nil
}
