package storage

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("Key not found")

// Update is sent to listeners whenever a key is set.
type Update struct {
	Key   []byte
	Value []byte
}

// Store is a JSON document of keys to values. Values are stored as JSON and
// read back as raw JSON.
type Store interface {
	Set(ctx context.Context, key []byte, value interface{}) error
	Get(ctx context.Context, key []byte) ([]byte, error)
	Delete(ctx context.Context, key []byte) error

	Restore(values []byte) error
	Backup() ([]byte, error)

	ListenToUpdates() <-chan *Update
	StopListening(updateChan <-chan *Update)

	Close() error
}
