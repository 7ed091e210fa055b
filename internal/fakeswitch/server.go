package fakeswitch

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"

	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/esl/protocol"
)

// Server is a minimal event socket engine for tests and local development.
// It authenticates clients, answers api and bgapi commands from a script and
// publishes events to subscribed connections.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	listener   net.Listener
	stopWaiter sync.WaitGroup

	password    string
	omitJobUUID bool
	reject      bool

	mu          sync.Mutex
	responses   map[string]string
	activeConns map[*serverConn]struct{}
	commands    []string

	log *zap.Logger
}

// Listen binds the server and starts accepting connections.
func Listen(options Options) (*Server, error) {
	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	addr := options.Addr
	if addr == "" {
		addr = "127.0.0.1:0"
	}

	password := options.Password
	if password == "" {
		password = DefaultPassword
	}

	listener, err := reuseport.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		ctx:         ctx,
		cancel:      cancel,
		listener:    listener,
		password:    password,
		omitJobUUID: options.OmitJobUUID,
		reject:      options.Reject,
		responses:   make(map[string]string),
		activeConns: make(map[*serverConn]struct{}),
		log:         log,
	}

	for command, body := range options.APIResponses {
		s.responses[command] = body
	}

	s.stopWaiter.Add(1)
	go func() {
		defer s.stopWaiter.Done()

		if err := s.acceptLoop(); err != nil {
			log.Error("Failed to accept", zap.Error(err))
		}
	}()

	log.Info("Listening", zap.String("addr", s.Addr()))

	return s, nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr())
	return host
}

func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr())
	p, _ := strconv.Atoi(port)
	return p
}

// SetAPIResponse scripts the response body for `api <command>`.
func (s *Server) SetAPIResponse(command, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.responses[command] = body
}

// Commands returns every command received so far, in order of arrival. Auth
// commands are recorded without their secret.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.commands...)
}

// Connections returns the number of open client connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.activeConns)
}

// Publish sends ev to every authenticated connection subscribed to it.
func (s *Server) Publish(ev Event) (err error) {
	for _, conn := range s.conns() {
		if perr := conn.publish(ev); perr != nil {
			err = multierr.Append(err, perr)
		}
	}

	return err
}

// Inject writes raw bytes to every connection, frames and all.
func (s *Server) Inject(raw []byte) {
	for _, conn := range s.conns() {
		conn.write(raw)
	}
}

// Disconnect sends a disconnect notice to every connection and hangs up.
func (s *Server) Disconnect() {
	for _, conn := range s.conns() {
		conn.hangup()
	}
}

// Close stops accepting, drops every connection and waits for their loops to
// exit.
func (s *Server) Close() error {
	s.log.Info("Stopping fake switch")
	s.cancel()

	err := s.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}

	for _, conn := range s.conns() {
		conn.Close()
	}

	s.stopWaiter.Wait()
	s.log.Info("Fake switch stopped")

	return err
}

func (s *Server) acceptLoop() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !s.isRunning() {
				// The listener was closed while we were waiting for new
				// connections, that's fine.
				return nil
			}

			return err
		}

		sc := newServerConn(s.ctx, s, conn.(*net.TCPConn), s.log.Named("conn"))
		s.addConn(sc)

		s.stopWaiter.Add(1)
		go func() {
			defer s.stopWaiter.Done()
			defer s.removeConn(sc)

			sc.Start()
		}()
	}
}

func (s *Server) conns() []*serverConn {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := make([]*serverConn, 0, len(s.activeConns))
	for conn := range s.activeConns {
		conns = append(conns, conn)
	}

	return conns
}

func (s *Server) addConn(conn *serverConn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.activeConns[conn] = struct{}{}
}

func (s *Server) removeConn(conn *serverConn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.activeConns, conn)
}

func (s *Server) record(command string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.commands = append(s.commands, command)
}

func (s *Server) apiResponse(command string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	body, ok := s.responses[command]
	return body, ok
}

// isRunning returns true if Close has not been called
func (s *Server) isRunning() bool {
	select {
	case <-s.ctx.Done():
		return false

	default:
		return true
	}
}

func reply(text string) []byte {
	return protocol.EncodeMessage(&protocol.Message{Headers: []protocol.Header{
		{Name: protocol.HeaderContentType, Value: string(protocol.ContentCommandReply)},
		{Name: protocol.HeaderReplyText, Value: text},
	}})
}

func notice(contentType protocol.ContentType, body string) []byte {
	return protocol.EncodeMessage(&protocol.Message{
		Headers: []protocol.Header{{Name: protocol.HeaderContentType, Value: string(contentType)}},
		Body:    []byte(body),
	})
}
