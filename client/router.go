package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/esl/protocol"
)

// DefaultEvent is the reserved event name that Register treats as
// SetDefaultHandler.
const DefaultEvent = "*"

// Handler handles events routed to it by a Router.
type Handler interface {
	HandleEvent(ctx context.Context, ev *protocol.Event) error
}

type HandlerFunc func(ctx context.Context, ev *protocol.Event) error

func (f HandlerFunc) HandleEvent(ctx context.Context, ev *protocol.Event) error {
	return f(ctx, ev)
}

type RouterOptions struct {
	// Registerer receives the handler error counter, may be nil
	Registerer prometheus.Registerer

	Log *zap.Logger
}

// Router maps event names to ordered lists of handlers. Events whose name has
// no handlers go to the default handler instead.
//
// Handlers may be registered at any time, including while events are being
// dispatched. A Router can be shared by several connections.
type Router struct {
	mu       sync.RWMutex
	table    map[string][]Handler
	fallback Handler

	handlerErrors *prometheus.CounterVec

	log *zap.Logger
}

func NewRouter(options RouterOptions) *Router {
	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	reg := options.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	r := &Router{
		table: make(map[string][]Handler),
		handlerErrors: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "handler_errors_total",
			Help:      "Total number of event handler failures, by event name",
		}, []string{"event"})),
		log: log,
	}

	r.fallback = HandlerFunc(func(ctx context.Context, ev *protocol.Event) error {
		r.log.Debug("No handler for event", zap.String("event", ev.Name))
		return nil
	})

	return r
}

// Register appends h to the handlers for name. Registering DefaultEvent
// replaces the default handler.
func (r *Router) Register(name string, h Handler) {
	if name == DefaultEvent {
		r.SetDefaultHandler(h)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.table[name] = append(r.table[name], h)
	r.log.Info("Registered event handler", zap.String("event", name), zap.Int("handlers", len(r.table[name])))
}

func (r *Router) RegisterFunc(name string, f func(ctx context.Context, ev *protocol.Event) error) {
	r.Register(name, HandlerFunc(f))
}

// SetDefaultHandler sets the handler for events with no registered handlers.
func (r *Router) SetDefaultHandler(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.fallback = h
}

// Handlers returns the handlers that Dispatch would invoke for name.
func (r *Router) Handlers(name string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if handlers := r.table[name]; len(handlers) > 0 {
		return append([]Handler(nil), handlers...)
	}

	if r.fallback == nil {
		return nil
	}

	return []Handler{r.fallback}
}

// Dispatch invokes, in registration order, every handler registered for the
// event's name, or the default handler if there are none. A failing or
// panicking handler does not stop the others. The failures are logged and
// returned together.
func (r *Router) Dispatch(ctx context.Context, ev *protocol.Event) (err error) {
	for _, h := range r.Handlers(ev.Name) {
		if herr := r.invoke(ctx, h, ev); herr != nil {
			r.handlerErrors.WithLabelValues(ev.Name).Inc()
			r.log.Warn("Event handler failed", zap.String("event", ev.Name), zap.Error(herr))
			err = multierr.Append(err, herr)
		}
	}

	return err
}

func (r *Router) invoke(ctx context.Context, h Handler, ev *protocol.Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: panic: %v", ErrHandler, p)
		}
	}()

	if herr := h.HandleEvent(ctx, ev); herr != nil {
		return fmt.Errorf("%w: %w", ErrHandler, herr)
	}

	return nil
}
