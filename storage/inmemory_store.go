package storage

import (
	"context"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/luma/esl/internal/jsonpath"
)

const UpdateBufferSize = 255

type InmemoryStore struct {
	mu          sync.RWMutex
	values      []byte
	updateChans []chan *Update

	// stop willl be closed when Close() is called
	stop chan struct{}
}

func NewInmemoryStore() *InmemoryStore {
	return &InmemoryStore{
		values:      []byte("{}"),
		stop:        make(chan struct{}),
		updateChans: make([]chan *Update, 0),
	}
}

func (i *InmemoryStore) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.isRunning() {
		return nil
	}

	close(i.stop)

	for _, updateChan := range i.updateChans {
		close(updateChan)
	}

	i.updateChans = nil

	return nil
}

// Set stores value under key and tells every listener. Listeners that are
// not keeping up miss the update rather than block the writer.
func (i *InmemoryStore) Set(ctx context.Context, key []byte, value interface{}) (err error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	path := jsonpath.Escape(string(key))

	values, err := sjson.SetBytes(i.values, path, value)
	if err != nil {
		return err
	}

	i.values = values

	if !i.isRunning() {
		return nil
	}

	update := &Update{
		Key:   append([]byte(nil), key...),
		Value: []byte(gjson.GetBytes(i.values, path).Raw),
	}

	for _, updateChan := range i.updateChans {
		select {
		case updateChan <- update:
		default:
		}
	}

	return nil
}

func (i *InmemoryStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	result := gjson.GetBytes(i.values, jsonpath.Escape(string(key)))
	if !result.Exists() {
		return nil, ErrNotFound
	}

	return []byte(result.Raw), nil
}

func (i *InmemoryStore) Delete(ctx context.Context, key []byte) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	values, err := sjson.DeleteBytes(i.values, jsonpath.Escape(string(key)))
	if err != nil {
		return err
	}

	i.values = values
	return nil
}

func (i *InmemoryStore) ListenToUpdates() <-chan *Update {
	i.mu.Lock()
	defer i.mu.Unlock()

	updateChan := make(chan *Update, UpdateBufferSize)
	if !i.isRunning() {
		close(updateChan)
		return updateChan
	}

	i.updateChans = append(i.updateChans, updateChan)

	return updateChan
}

func (i *InmemoryStore) StopListening(updateChan <-chan *Update) {
	i.mu.Lock()
	defer i.mu.Unlock()

	for idx, c := range i.updateChans {
		if c == updateChan {
			close(c)
			i.updateChans = append(i.updateChans[:idx], i.updateChans[idx+1:]...)
			return
		}
	}
}

func (i *InmemoryStore) Restore(values []byte) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if len(values) == 0 {
		values = []byte("{}")
	}

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
