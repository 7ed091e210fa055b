package transport

import (
	"time"

	"go.uber.org/zap"
)

const (
	DefaultPort           = 8021
	DefaultBufferSize     = 64 * 1024
	DefaultConnectTimeout = 5 * time.Second
)

type Options struct {
	// Host of the engine's event socket
	Host string

	// Port of the engine's event socket, defaults to DefaultPort
	Port int

	// SendBufferSize and ReceiveBufferSize set SO_SNDBUF and SO_RCVBUF. Zero
	// leaves the OS default.
	SendBufferSize    int
	ReceiveBufferSize int

	// ConnectTimeout bounds the dial, defaults to DefaultConnectTimeout
	ConnectTimeout time.Duration

	Log *zap.Logger
}
