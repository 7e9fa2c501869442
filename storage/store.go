package storage

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("Key not found")

// Update is sent to listeners whenever a key is written.
type Update struct {
	Key   []byte
	Value []byte
}

// Store holds raw JSON values by key. It is used to keep the results of
// background jobs until someone collects them.
type Store interface {
	Set(ctx context.Context, key []byte, value []byte) error
	Get(ctx context.Context, key []byte) ([]byte, error)
	Delete(ctx context.Context, key []byte) error

	Restore(values []byte) error
	Backup() ([]byte, error)

	ListenToUpdates() <-chan *Update
	StopListening(updates <-chan *Update)

	Close() error
}
