package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/luma/switchboard/protocol"
)

const updateBufferSize = 255

// InmemoryStore keeps every value in a single JSON document.
type InmemoryStore struct {
	mu     sync.RWMutex
	values []byte

	listenersMu sync.Mutex
	updateChans []chan *Update

	// stop willl be closed when Close() is called
	stop     chan struct{}
	stopOnce sync.Once
}

func NewInmemoryStore() *InmemoryStore {
	return &InmemoryStore{
		values:      []byte("{}"),
		stop:        make(chan struct{}),
		updateChans: make([]chan *Update, 0),
	}
}

func (i *InmemoryStore) Close() error {
	i.stopOnce.Do(func() {
		close(i.stop)

		i.listenersMu.Lock()
		defer i.listenersMu.Unlock()

		for _, updateChan := range i.updateChans {
			close(updateChan)
		}
		i.updateChans = nil
	})

	return nil
}

// Set stores value, which must be valid JSON, under key and notifies every
// listener. Listeners that are not keeping up miss the update rather than
// blocking the writer.
func (i *InmemoryStore) Set(ctx context.Context, key []byte, value []byte) error {
	if !gjson.ValidBytes(value) {
		return fmt.Errorf("Failed to set '%s': value is not valid JSON", string(key))
	}

	i.mu.Lock()
	values, err := sjson.SetRawBytes(i.values, protocol.EscapePath(string(key)), value)
	if err != nil {
		i.mu.Unlock()
		return fmt.Errorf("Failed to set '%s': %w", string(key), err)
	}
	i.values = values
	i.mu.Unlock()

	if !i.isRunning() {
		return nil
	}

	i.listenersMu.Lock()
	defer i.listenersMu.Unlock()

	for _, updateChan := range i.updateChans {
		select {
		case updateChan <- &Update{Key: key, Value: value}:
		default:
		}
	}

	return nil
}

func (i *InmemoryStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	result := gjson.GetBytes(i.values, protocol.EscapePath(string(key)))
	if !result.Exists() {
		return nil, ErrNotFound
	}

	return []byte(result.Raw), nil
}

func (i *InmemoryStore) Delete(ctx context.Context, key []byte) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	values, err := sjson.DeleteBytes(i.values, protocol.EscapePath(string(key)))
	if err != nil {
		return fmt.Errorf("Failed to delete '%s': %w", string(key), err)
	}

	i.values = values
	return nil
}

// ListenToUpdates returns a channel receiving every future update. It is
// closed by StopListening or Close.
func (i *InmemoryStore) ListenToUpdates() <-chan *Update {
	i.listenersMu.Lock()
	defer i.listenersMu.Unlock()

	updateChan := make(chan *Update, updateBufferSize)
	if !i.isRunning() {
		close(updateChan)
		return updateChan
	}

	i.updateChans = append(i.updateChans, updateChan)
	return updateChan
}

func (i *InmemoryStore) StopListening(updates <-chan *Update) {
	i.listenersMu.Lock()
	defer i.listenersMu.Unlock()

	for n, updateChan := range i.updateChans {
		if updateChan == updates {
			close(updateChan)
			i.updateChans = append(i.updateChans[:n], i.updateChans[n+1:]...)
			return
		}
	}
}

func (i *InmemoryStore) Restore(values []byte) error {
	if !gjson.ValidBytes(values) || !gjson.ParseBytes(values).IsObject() {
		return fmt.Errorf("Failed to restore: not a JSON object")
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	i.values = append([]byte(nil), values...)
	return nil
}

func (i *InmemoryStore) Backup() ([]byte, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return append([]byte(nil), i.values...), nil
}

// isRunning returns true if Close has not been called
func (i *InmemoryStore) isRunning() bool {
	select {
	case <-i.stop:
		return false

	default:
		return true
	}
}

var _ Store = (*InmemoryStore)(nil)
