package json

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/devicelab-dev/simfleet/lock"
	"github.com/devicelab-dev/simfleet/storage"
	"github.com/devicelab-dev/simfleet/utils"
)

// Store provides lock-protected read/modify/write access to a JSON file.
// T is the top-level structure stored in the file (exported fields with json
// tags). If *T implements storage.Initer, Init() is called after loading.
type Store[T any] struct {
	filePath string
	locker   lock.Locker
}

var _ storage.Store[struct{}] = (*Store[struct{}])(nil)

// New creates a Store over filePath guarded by locker.
func New[T any](filePath string, locker lock.Locker) *Store[T] {
	return &Store[T]{filePath: filePath, locker: locker}
}

// With loads the JSON file under lock and passes the deserialized data to fn.
// If the file does not exist, fn receives a zero-value T.
// The lock is held for the duration of fn.
func (s *Store[T]) With(ctx context.Context, fn func(*T) error) error {
	return lock.WithLock(ctx, s.locker, func() error {
		return s.load(fn)
	})
}

// Update performs a read-modify-write under lock.
// If fn returns nil the data is atomically written back.
func (s *Store[T]) Update(ctx context.Context, fn func(*T) error) error {
	return s.With(ctx, func(data *T) error {
		if err := fn(data); err != nil {
			return err
		}
		return utils.AtomicWriteJSON(s.filePath, data)
	})
}

func (s *Store[T]) load(fn func(*T) error) error {
	var data T
	raw, err := os.ReadFile(s.filePath) //nolint:gosec // internal metadata
	if err != nil {
		if os.IsNotExist(err) {
			initData(&data)
			return fn(&data)
		}
		return fmt.Errorf("read %s: %w", s.filePath, err)
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parse %s: %w", s.filePath, err)
	}
	initData(&data)
	return fn(&data)
}

func initData[T any](data *T) {
	if initer, ok := any(data).(storage.Initer); ok {
		initer.Init()
	}
}
