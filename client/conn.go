package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/esl/protocol"
	"github.com/luma/esl/transport"
)

const tracerName = "github.com/luma/esl/client"

// State of a connection. A connection only ever moves forward through the
// states, and always ends up Closed.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is a client connection to the engine. It owns exactly one transport
// link; a new link needs a new Conn.
//
// A single read loop decodes frames in order. Replies go to the oldest
// pending command, events go to the Router on a pool of dispatch workers, and
// auth requests and disconnect notices drive the connection state.
type Conn struct {
	ctx    context.Context
	cancel context.CancelFunc

	conn       io.ReadWriteCloser
	remoteAddr string

	state atomic.Int32

	correlator *correlator
	router     *Router
	dispatch   *workerPool[*protocol.Message]
	notify     *workerPool[LifecycleEvent]
	decoders   protocol.BodyDecoders

	decoderOptions protocol.DecoderOptions
	commandTimeout time.Duration

	credentials CredentialsProvider
	observer    Observer

	// ready is closed once authenticated, done once the read loop has exited
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	abortMu  sync.Mutex
	aborted  bool
	cause    error
	closeErr error

	metrics *metrics
	tracer  trace.Tracer

	log *zap.Logger
}

// Dial connects to the engine described by transportOptions and starts a Conn
// on the new link.
func Dial(ctx context.Context, transportOptions transport.Options, options Options) (*Conn, error) {
	tcp, err := transport.Dial(ctx, transportOptions)
	if err != nil {
		return nil, transportError(err)
	}

	return New(tcp, options), nil
}

// New starts a Conn on an established link. The Conn takes ownership of conn
// and closes it when the connection closes.
func New(conn io.ReadWriteCloser, options Options) *Conn {
	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	router := options.Router
	if router == nil {
		router = NewRouter(RouterOptions{Registerer: options.Registerer, Log: log.Named("router")})
	}

	decoders := options.BodyDecoders
	if decoders == nil {
		decoders = protocol.DefaultBodyDecoders()
	}

	workers := options.DispatchWorkers
	if workers < 1 {
		workers = DefaultDispatchWorkers
	}

	tp := options.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	remoteAddr := ""
	if nc, ok := conn.(net.Conn); ok && nc.RemoteAddr() != nil {
		remoteAddr = nc.RemoteAddr().String()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := newMetrics(options.Registerer)

	c := &Conn{
		ctx:        ctx,
		cancel:     cancel,
		conn:       conn,
		remoteAddr: remoteAddr,
		correlator: newCorrelator(conn, m),
		router:     router,
		decoders:   decoders,
		decoderOptions: protocol.DecoderOptions{
			MaxLineSize: options.MaxLineSize,
			MaxBodySize: options.MaxBodySize,
		},
		commandTimeout: options.CommandTimeout,
		credentials:    options.Credentials,
		observer:       options.Observer,
		ready:          make(chan struct{}),
		done:           make(chan struct{}),
		metrics:        m,
		tracer:         tp.Tracer(tracerName),
		log:            log.With(zap.String("remoteAddr", remoteAddr)),
	}

	c.dispatch = newWorkerPool(workers, m.dispatchQueue, c.dispatchEvent)
	c.notify = newWorkerPool(1, nil, c.notifyObserver)

	go c.readLoop()

	return c
}

func (c *Conn) State() State {
	return State(c.state.Load())
}

func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

func (c *Conn) Router() *Router {
	return c.router
}

// Done is closed once the connection has fully closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Cause returns why the connection closed, nil while it is open or if it was
// closed by a local call to Close.
func (c *Conn) Cause() error {
	c.abortMu.Lock()
	defer c.abortMu.Unlock()

	return c.cause
}

// WaitReady blocks until the connection has authenticated. It returns an
// error if the connection closes first.
func (c *Conn) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil

	case <-c.done:
		return closedError(c.Cause())

	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the connection and waits for the read loop to exit. Pending
// commands fail with ErrClosed.
func (c *Conn) Close() error {
	c.abort(nil)
	<-c.done

	c.abortMu.Lock()
	defer c.abortMu.Unlock()

	return c.closeErr
}

// SendBlocking writes a single line command and blocks until its reply
// arrives, the command timeout elapses, ctx is done or the connection closes.
//
// A command containing a line break fails with protocol.ErrInvalidCommand
// and nothing is written.
func (c *Conn) SendBlocking(ctx context.Context, command string) (*protocol.Message, error) {
	if err := protocol.ValidateCommand(command); err != nil {
		return nil, err
	}

	return c.send(ctx, commandVerb(command), protocol.EncodeCommand(command))
}

// SendMultiLine is SendBlocking for multi line commands such as sendmsg.
// Blank lines are refused, the engine would read them as the end of the
// command.
func (c *Conn) SendMultiLine(ctx context.Context, lines []string) (*protocol.Message, error) {
	if err := protocol.ValidateMultiLineCommand(lines); err != nil {
		return nil, err
	}

	return c.send(ctx, commandVerb(lines[0]), protocol.EncodeMultiLineCommand(lines))
}

// SendJob sends a background command and returns the job id from the
// reply's Job-UUID header. The job result arrives later as a BACKGROUND_JOB
// event carrying the same id, see JobTracker.
//
// A reply without a Job-UUID breaks the protocol contract and closes the
// connection with ErrMissingJobUUID.
func (c *Conn) SendJob(ctx context.Context, command string) (string, error) {
	reply, err := c.SendBlocking(ctx, command)
	if err != nil {
		return "", err
	}

	id, ok := reply.JobUUID()
	if !ok {
		err := ErrMissingJobUUID
		if rerr := reply.ErrorOrNil(); rerr != nil {
			err = fmt.Errorf("%w: %w", ErrMissingJobUUID, rerr)
		}

		c.log.Error("Background command reply has no job id", zap.String("command", commandVerb(command)))
		c.abort(err)

		return "", err
	}

	return id, nil
}

// API runs `api <command>` and returns the response body.
func (c *Conn) API(ctx context.Context, command string) (string, error) {
	reply, err := c.SendBlocking(ctx, "api "+command)
	if err != nil {
		return "", err
	}

	return string(reply.Body), reply.ErrorOrNil()
}

// BackgroundAPI runs `bgapi <command>` and returns the job id.
func (c *Conn) BackgroundAPI(ctx context.Context, command string) (string, error) {
	return c.SendJob(ctx, "bgapi "+command)
}

// SubscribeEvents asks the engine to send the named events in format. With
// no names every event is subscribed to.
func (c *Conn) SubscribeEvents(ctx context.Context, format protocol.Format, names ...string) error {
	if format == "" {
		format = protocol.FormatPlain
	}

	if len(names) == 0 {
		names = []string{"ALL"}
	}

	return c.sendOk(ctx, fmt.Sprintf("event %s %s", format, strings.Join(names, " ")))
}

// Filter restricts subscribed events to those where header equals value.
func (c *Conn) Filter(ctx context.Context, header, value string) error {
	return c.sendOk(ctx, fmt.Sprintf("filter %s %s", header, value))
}

// Exit asks the engine to close the connection. The engine replies, then
// sends a disconnect notice.
func (c *Conn) Exit(ctx context.Context) error {
	return c.sendOk(ctx, "exit")
}

func (c *Conn) sendOk(ctx context.Context, command string) error {
	reply, err := c.SendBlocking(ctx, command)
	if err != nil {
		return err
	}

	return reply.ErrorOrNil()
}

func (c *Conn) send(ctx context.Context, verb string, payload []byte) (*protocol.Message, error) {
	ctx, span := c.tracer.Start(ctx, "esl.command",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("esl.command", verb)))
	defer span.End()

	msg, err := c.roundTrip(ctx, verb, payload)

	switch {
	case err == nil:
		c.metrics.commands.WithLabelValues("ok").Inc()

	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		c.metrics.commands.WithLabelValues("timeout").Inc()

	case errors.Is(err, ErrClosed):
		c.metrics.commands.WithLabelValues("closed").Inc()

	default:
		c.metrics.commands.WithLabelValues("error").Inc()
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	return msg, nil
}

func (c *Conn) roundTrip(ctx context.Context, verb string, payload []byte) (*protocol.Message, error) {
	p, err := c.correlator.enqueue(verb, payload)
	if err != nil {
		if errors.Is(err, ErrTransport) {
			c.abort(err)
		}

		return nil, err
	}

	c.log.Debug("Command sent", zap.String("command", verb))

	return c.correlator.wait(ctx, p, c.commandTimeout)
}

func (c *Conn) readLoop() {
	log := c.log.Named("readLoop")

	defer close(c.done)

	err := c.decodeLoop(log)

	c.abort(c.readCause(err))
	cause := c.Cause()

	c.correlator.failAll(closedError(cause))
	c.cancel()

	// Let queued events drain, but take no more
	c.dispatch.stop()

	c.setState(StateClosed)

	if cause != nil {
		log.Warn("Connection closed", zap.Error(cause))
	} else {
		log.Info("Connection closed")
	}

	c.notify.submit(LifecycleEvent{Kind: EventClosed, RemoteAddr: c.remoteAddr, Cause: cause})
	c.notify.stop()
}

// decodeLoop returns the error that ended the connection.
func (c *Conn) decodeLoop(log *zap.Logger) error {
	dec := protocol.NewDecoder(c.conn, c.decoderOptions)

	for {
		msg, err := dec.ReadMessage()
		if err != nil {
			return err
		}

		kind := protocol.Classify(msg)
		c.metrics.frames.WithLabelValues(kind.String()).Inc()

		switch kind {
		case protocol.KindCommandReply, protocol.KindAPIResponse:
			if err := c.correlator.deliver(msg); err != nil {
				log.Error("Reply could not be correlated", zap.Error(err))
				return err
			}

		case protocol.KindEvent:
			c.dispatch.submit(msg)

		case protocol.KindAuthRequest:
			if err := c.handleAuthRequest(log); err != nil {
				return err
			}

		case protocol.KindDisconnectNotice:
			log.Info("Disconnect notice received")
			return ErrRemoteDisconnect

		case protocol.KindRudeRejection:
			log.Warn("Connection rejected", zap.ByteString("reason", msg.Body))
			return ErrRejected

		default:
			c.metrics.unknownContentTypes.WithLabelValues(msg.ContentType()).Inc()
			log.Warn("Unexpected message content type", zap.String("contentType", msg.ContentType()))
		}
	}
}

// readCause turns the error that ended the read loop into a close cause.
func (c *Conn) readCause(err error) error {
	switch {
	case errors.Is(err, ErrRemoteDisconnect), errors.Is(err, ErrRejected), errors.Is(err, ErrProtocolViolation),
		errors.Is(err, ErrAuthenticationFailure), errors.Is(err, ErrTransport):
		return err

	case errors.Is(err, protocol.ErrDecode):
		return err

	default:
		return transportError(err)
	}
}

// handleAuthRequest answers the engine's auth request. The reply is handled
// on the read loop, so the outcome is settled before the next frame is read.
func (c *Conn) handleAuthRequest(log *zap.Logger) error {
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateAuthenticating)) {
		log.Warn("Ignoring auth request", zap.Stringer("state", c.State()))
		return nil
	}

	log.Info("Auth request received")

	if c.credentials == nil {
		return c.authFailed(log, ErrNoCredentials)
	}

	secret, err := c.credentials.ProvideCredentials(c.ctx)
	if err != nil {
		return c.authFailed(log, err)
	}

	command := "auth " + secret
	if err := protocol.ValidateCommand(command); err != nil {
		return c.authFailed(log, err)
	}

	err = c.correlator.enqueueFunc("auth", protocol.EncodeCommand(command), func(reply *protocol.Message) {
		c.onAuthReply(log, reply)
	})

	// An ErrClosed here means we are already closing
	if errors.Is(err, ErrTransport) {
		return err
	}

	return nil
}

func (c *Conn) onAuthReply(log *zap.Logger, reply *protocol.Message) {
	if !strings.HasPrefix(reply.ReplyText(), protocol.ReplyOk) {
		c.metrics.commands.WithLabelValues("error").Inc()

		// the read loop carries on until the closed transport stops it
		_ = c.authFailed(log, errors.New(reply.ReplyText()))
		return
	}

	c.metrics.commands.WithLabelValues("ok").Inc()

	if !c.state.CompareAndSwap(int32(StateAuthenticating), int32(StateReady)) {
		return
	}

	log.Info("Connection ready")
	c.readyOnce.Do(func() { close(c.ready) })
	c.notify.submit(LifecycleEvent{Kind: EventReady, RemoteAddr: c.remoteAddr})
}

// authFailed notifies the observer and starts closing the connection. It
// returns the failure.
func (c *Conn) authFailed(log *zap.Logger, reason error) error {
	err := fmt.Errorf("%w: %w", ErrAuthenticationFailure, reason)

	log.Warn("Authentication failed", zap.Error(err))
	c.notify.submit(LifecycleEvent{Kind: EventAuthFailed, RemoteAddr: c.remoteAddr, Cause: err})
	c.abort(err)

	return err
}

// abort starts closing the connection. The first cause wins; a nil cause
// means a local Close. The read loop notices the closed transport and
// finishes the teardown.
func (c *Conn) abort(cause error) {
	c.abortMu.Lock()
	defer c.abortMu.Unlock()

	if c.aborted {
		return
	}

	c.aborted = true
	c.cause = cause
	c.setState(StateClosing)

	// Fail new commands straight away rather than writing to a dying link
	c.correlator.failAll(closedError(cause))

	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.closeErr = multierr.Append(c.closeErr, err)
	}
}

func (c *Conn) setState(to State) {
	for {
		from := State(c.state.Load())
		if from >= to {
			return
		}

		if c.state.CompareAndSwap(int32(from), int32(to)) {
			c.log.Debug("State changed", zap.Stringer("from", from), zap.Stringer("to", to))
			return
		}
	}
}

func (c *Conn) dispatchEvent(msg *protocol.Message) {
	ev := c.decoders.NewEvent(msg)
	if ev.DecodeErr != nil {
		c.log.Warn("Failed to decode event body",
			zap.String("event", ev.Name),
			zap.String("format", string(ev.Format)),
			zap.Error(ev.DecodeErr))
	}

	// Router.Dispatch logs each handler failure itself
	_ = c.router.Dispatch(c.ctx, ev)
}

func (c *Conn) notifyObserver(ev LifecycleEvent) {
	if c.observer == nil {
		return
	}

	defer func() {
		if p := recover(); p != nil {
			c.log.Error("Lifecycle observer panicked", zap.Any("panic", p))
		}
	}()

	c.observer.OnConnectionEvent(ev)
}

// commandVerb is the first word of a command, safe to log and trace.
func commandVerb(command string) string {
	command = strings.TrimSpace(command)
	if idx := strings.IndexAny(command, " \n"); idx >= 0 {
		return command[:idx]
	}

	return command
}
