package client

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/luma/esl/protocol"
)

const DefaultDispatchWorkers = 8

type Options struct {
	// Credentials answers the engine's auth request
	Credentials CredentialsProvider

	// Observer is told when the connection is ready, fails to authenticate or
	// closes. May be nil.
	Observer Observer

	// Router routes events to handlers. A new Router is created if nil.
	Router *Router

	// DispatchWorkers is the number of goroutines running event handlers
	DispatchWorkers int

	// CommandTimeout bounds how long SendBlocking waits for a reply. Zero
	// means only the caller's context bounds it.
	CommandTimeout time.Duration

	// MaxLineSize and MaxBodySize bound incoming frames
	MaxLineSize int
	MaxBodySize int

	// BodyDecoders decode event bodies by sub-format, defaults to
	// protocol.DefaultBodyDecoders()
	BodyDecoders protocol.BodyDecoders

	// Registerer receives the connection metrics. May be nil.
	Registerer prometheus.Registerer

	// TracerProvider creates a span per command, defaults to the global provider
	TracerProvider trace.TracerProvider

	Log *zap.Logger
}
