package fakeswitch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/luma/esl/protocol"
)

const writeQueueSize = 127

type serverConn struct {
	ctx        context.Context
	cancel     context.CancelFunc
	loopWaiter sync.WaitGroup

	conn   *net.TCPConn
	server *Server

	// a nil entry tells the write loop to hang up once everything before it
	// has been written
	writeQueue chan []byte

	// only touched by the read loop
	authenticated bool

	mu     sync.Mutex
	format protocol.Format
	events map[string]struct{}

	log *zap.Logger
}

func newServerConn(parentCtx context.Context, server *Server, conn *net.TCPConn, log *zap.Logger) *serverConn {
	ctx, cancel := context.WithCancel(parentCtx)

	return &serverConn{
		ctx:        ctx,
		cancel:     cancel,
		conn:       conn,
		server:     server,
		writeQueue: make(chan []byte, writeQueueSize),
		log:        log.With(zap.String("remoteAddr", conn.RemoteAddr().String())),
	}
}

// Start runs the read and write loops until the connection ends.
func (c *serverConn) Start() {
	c.loopWaiter.Add(2)

	go func() {
		defer c.loopWaiter.Done()
		c.readLoop()
	}()

	go func() {
		defer c.loopWaiter.Done()
		c.writeLoop()
	}()

	if c.server.reject {
		c.write(notice(protocol.ContentRudeRejection, "Access Denied, go away.\n"))
		c.write(nil)
	} else {
		c.write(notice(protocol.ContentAuthRequest, ""))
	}

	c.loopWaiter.Wait()
}

func (c *serverConn) Close() error {
	c.cancel()
	return c.conn.Close()
}

func (c *serverConn) readLoop() {
	log := c.log.Named("readLoop")

	defer func() {
		// let the write loop flush, then hang up
		c.write(nil)
		log.Debug("Read loop exited")
	}()

	r := bufio.NewReader(c.conn)

	for c.isRunning() {
		lines, err := readCommand(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && c.isRunning() {
				log.Debug("Failed to read command", zap.Error(err))
			}

			return
		}

		if !c.handle(lines) {
			return
		}
	}
}

func (c *serverConn) writeLoop() {
	log := c.log.Named("writeLoop")

	defer func() {
		c.cancel()
		c.conn.Close()
		log.Debug("Write loop exited")
	}()

	for {
		select {
		case <-c.ctx.Done():
			return

		case data := <-c.writeQueue:
			if data == nil {
				return
			}

			if _, err := c.conn.Write(data); err != nil {
				log.Debug("Failed to write", zap.Error(err))
				return
			}
		}
	}
}

// write queues data for the write loop. Writes after the connection has
// ended are dropped.
func (c *serverConn) write(data []byte) {
	select {
	case c.writeQueue <- data:
	case <-c.ctx.Done():
	}
}

func (c *serverConn) hangup() {
	c.write(notice(protocol.ContentDisconnectNotice, "Disconnected, goodbye.\nSee you at ClueCon! http://www.cluecon.com/\n"))
	c.write(nil)
}

// handle answers one command. It returns false once the connection should
// stop reading.
func (c *serverConn) handle(lines []string) bool {
	command := lines[0]
	verb, arg, _ := strings.Cut(command, " ")

	if verb == "auth" {
		c.server.record("auth")
	} else {
		c.server.record(command)
	}

	if !c.authenticated {
		if verb != "auth" {
			c.write(reply("-ERR invalid"))
			return true
		}

		if arg != c.server.password {
			c.write(reply("-ERR invalid"))
			c.hangup()
			return false
		}

		c.authenticated = true
		c.write(reply("+OK accepted"))
		return true
	}

	switch verb {
	case "api":
		c.write(c.apiResponse(arg))

	case "bgapi":
		c.backgroundAPI(arg)

	case "event":
		format, names, err := parseSubscription(arg)
		if err != nil {
			c.write(reply("-ERR " + err.Error()))
			return true
		}

		c.subscribe(format, names)
		c.write(reply(fmt.Sprintf("+OK event listener enabled %s", format)))

	case "filter":
		header, value, _ := strings.Cut(arg, " ")
		c.write(reply(fmt.Sprintf("+OK filter added. [%s]=[%s]", header, value)))

	case "exit":
		c.write(reply("+OK bye"))
		c.hangup()
		return false

	default:
		c.write(reply("-ERR command not found"))
	}

	return true
}

func (c *serverConn) apiBody(command string) string {
	if body, ok := c.server.apiResponse(command); ok {
		return body
	}

	verb, _, _ := strings.Cut(command, " ")
	return fmt.Sprintf("-ERR %s Command not found!\n", verb)
}

func (c *serverConn) apiResponse(command string) []byte {
	return protocol.EncodeMessage(&protocol.Message{
		Headers: []protocol.Header{{Name: protocol.HeaderContentType, Value: string(protocol.ContentAPIResponse)}},
		Body:    []byte(c.apiBody(command)),
	})
}

func (c *serverConn) backgroundAPI(command string) {
	id := uuid.NewString()

	if c.server.omitJobUUID {
		c.write(reply("+OK Job-UUID: " + id))
	} else {
		c.write(protocol.EncodeMessage(&protocol.Message{Headers: []protocol.Header{
			{Name: protocol.HeaderContentType, Value: string(protocol.ContentCommandReply)},
			{Name: protocol.HeaderReplyText, Value: "+OK Job-UUID: " + id},
			{Name: protocol.HeaderJobUUID, Value: id},
		}}))
	}

	verb, arg, _ := strings.Cut(command, " ")

	if err := c.publish(Event{
		Name: "BACKGROUND_JOB",
		Headers: []protocol.Header{
			{Name: protocol.HeaderJobUUID, Value: id},
			{Name: "Job-Command", Value: verb},
			{Name: "Job-Command-Arg", Value: arg},
		},
		Body: []byte(c.apiBody(command)),
	}); err != nil {
		c.log.Warn("Failed to publish job result", zap.String("jobUUID", id), zap.Error(err))
	}
}

func (c *serverConn) subscribe(format protocol.Format, names []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.format = format
	if c.events == nil {
		c.events = make(map[string]struct{})
	}

	for _, name := range names {
		c.events[name] = struct{}{}
	}
}

// publish writes ev if this connection is subscribed to it.
func (c *serverConn) publish(ev Event) error {
	c.mu.Lock()
	format := c.format
	_, all := c.events["ALL"]
	_, named := c.events[ev.Name]
	c.mu.Unlock()

	if !all && !named {
		return nil
	}

	frame, err := ev.Encode(format)
	if err != nil {
		return fmt.Errorf("Failed to encode %s: %w", ev.Name, err)
	}

	c.write(frame)
	return nil
}

// isRunning returns true if the connection has not ended
func (c *serverConn) isRunning() bool {
	select {
	case <-c.ctx.Done():
		return false

	default:
		return true
	}
}

// readCommand reads lines up to the blank line ending a command. Blank lines
// before a command are skipped.
func readCommand(r *bufio.Reader) ([]string, error) {
	var lines []string

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(lines) == 0 {
				continue
			}

			return lines, nil
		}

		lines = append(lines, line)
	}
}

func parseSubscription(arg string) (protocol.Format, []string, error) {
	fields := strings.Fields(arg)
	if len(fields) == 0 {
		return "", nil, errors.New("Missing event format")
	}

	format := protocol.Format(fields[0])
	switch format {
	case protocol.FormatPlain, protocol.FormatJSON, protocol.FormatXML:
	default:
		return "", nil, fmt.Errorf("Unsupported format %s", fields[0])
	}

	names := fields[1:]
	if len(names) == 0 {
		names = []string{"ALL"}
	}

	return format, names, nil
}
