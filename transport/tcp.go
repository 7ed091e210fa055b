package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"go.uber.org/zap"
)

// Addr returns the host:port to dial.
func (o Options) Addr() string {
	port := o.Port
	if port == 0 {
		port = DefaultPort
	}

	return net.JoinHostPort(o.Host, strconv.Itoa(port))
}

// Dial opens the TCP link to the engine. Nagle is disabled since commands are
// small and latency sensitive, and keepalives are off; the engine's own
// heartbeats tell us whether the link is alive.
func Dial(ctx context.Context, options Options) (*net.TCPConn, error) {
	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	timeout := options.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	dialer := net.Dialer{
		Timeout:   timeout,
		KeepAlive: -1,
	}

	addr := options.Addr()

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("Failed to dial %s: %w", addr, err)
	}

	tcp := conn.(*net.TCPConn)

	if err := configure(tcp, options); err != nil {
		tcp.Close()
		return nil, fmt.Errorf("Failed to configure connection to %s: %w", addr, err)
	}

	log.Info("Connected",
		zap.String("addr", addr),
		zap.Int("sndbuf", options.SendBufferSize),
		zap.Int("rcvbuf", options.ReceiveBufferSize))

	return tcp, nil
}

func configure(tcp *net.TCPConn, options Options) error {
	if err := tcp.SetNoDelay(true); err != nil {
		return err
	}

	if options.SendBufferSize > 0 {
		if err := tcp.SetWriteBuffer(options.SendBufferSize); err != nil {
			return err
		}
	}

	if options.ReceiveBufferSize > 0 {
		if err := tcp.SetReadBuffer(options.ReceiveBufferSize); err != nil {
			return err
		}
	}

	return nil
}
