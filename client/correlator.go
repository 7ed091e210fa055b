package client

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/luma/esl/protocol"
)

type reply struct {
	msg *protocol.Message
	err error
}

// pendingCommand is a command waiting for its reply. It is fulfilled exactly
// once, by deliver or by failAll.
type pendingCommand struct {
	verb   string
	sentAt time.Time

	// buffered so that fulfilling never blocks, even if the caller gave up
	reply chan reply

	// onReply, if set, receives the reply on the read loop instead of reply
	onReply func(msg *protocol.Message)
}

func (p *pendingCommand) fulfill(r reply) {
	select {
	case p.reply <- r:
	default:
	}
}

// correlator pairs commands with replies purely by order. The engine answers
// the commands on a connection in the order it received them, so the Nth
// reply belongs to the Nth command written.
type correlator struct {
	// mu guards the queue and the writer. Appending to the queue and writing
	// the command happen under one lock so that queue order is write order.
	mu    sync.Mutex
	w     io.Writer
	queue []*pendingCommand

	// err is set once the connection is closing, new commands fail with it
	err error

	metrics *metrics
}

func newCorrelator(w io.Writer, metrics *metrics) *correlator {
	return &correlator{
		w:       w,
		metrics: metrics,
	}
}

// enqueue queues a pending command and writes its payload to the transport.
func (c *correlator) enqueue(verb string, payload []byte) (*pendingCommand, error) {
	return c.push(&pendingCommand{
		verb:  verb,
		reply: make(chan reply, 1),
	}, payload)
}

// enqueueFunc is enqueue for commands whose reply must be handled before the
// read loop reads the next frame. onReply is not called if the connection
// closes first.
func (c *correlator) enqueueFunc(verb string, payload []byte, onReply func(msg *protocol.Message)) error {
	_, err := c.push(&pendingCommand{
		verb:    verb,
		reply:   make(chan reply, 1),
		onReply: onReply,
	}, payload)

	return err
}

func (c *correlator) push(p *pendingCommand, payload []byte) (*pendingCommand, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return nil, c.err
	}

	p.sentAt = time.Now()
	c.queue = append(c.queue, p)

	if _, err := c.w.Write(payload); err != nil {
		// Nothing was queued after us, we are still the tail
		c.queue[len(c.queue)-1] = nil
		c.queue = c.queue[:len(c.queue)-1]
		return nil, transportError(err)
	}

	c.metrics.pendingCommands.Inc()
	return p, nil
}

// deliver hands msg to the oldest pending command. A reply with nothing
// waiting for it means correlation order has been lost.
func (c *correlator) deliver(msg *protocol.Message) error {
	c.mu.Lock()

	if len(c.queue) == 0 {
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", msg.ContentType(), ErrUnexpectedReply)
	}

	p := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	c.mu.Unlock()

	c.metrics.pendingCommands.Dec()
	c.metrics.commandDuration.Observe(time.Since(p.sentAt).Seconds())

	if p.onReply != nil {
		p.onReply(msg)
		return nil
	}

	p.fulfill(reply{msg: msg})
	return nil
}

// failAll fails every pending command with err and makes every later
// enqueue fail with it too.
func (c *correlator) failAll(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}

	queue := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, p := range queue {
		c.metrics.pendingCommands.Dec()
		p.fulfill(reply{err: err})
	}
}

func (c *correlator) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.queue)
}

// wait blocks until p is fulfilled, ctx is done or timeout elapses. A zero
// timeout waits for as long as ctx allows.
//
// Giving up does not remove p from the queue: its reply is still on the way
// and must be consumed to keep the following replies in order.
func (c *correlator) wait(ctx context.Context, p *pendingCommand, timeout time.Duration) (*protocol.Message, error) {
	var expired <-chan time.Time

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case r := <-p.reply:
		return r.msg, r.err

	case <-ctx.Done():
		return nil, ctx.Err()

	case <-expired:
		return nil, fmt.Errorf("%w: '%s' after %s", ErrTimeout, p.verb, timeout)
	}
}
