package client

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"
)

// Registry tracks named connections. Callers that need at most one
// connection per name can check it before dialing. A connection leaves the
// registry by itself once it closes.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*Conn),
	}
}

func (r *Registry) Add(name string, conn *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.conns[name]; ok {
		return fmt.Errorf("Failed to add '%s' (%s): %w", name, existing.RemoteAddr(), ErrAlreadyRegistered)
	}

	r.conns[name] = conn

	go func() {
		<-conn.Done()
		r.remove(name, conn)
	}()

	return nil
}

func (r *Registry) Get(name string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[name]
	return conn, ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.conns))
	for name := range r.conns {
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}

// CloseAll closes every registered connection.
func (r *Registry) CloseAll() (err error) {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		err = multierr.Append(err, conn.Close())
	}

	return err
}

func (r *Registry) remove(name string, conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conns[name] == conn {
		delete(r.conns, name)
	}
}
