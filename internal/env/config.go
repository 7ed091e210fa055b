package env

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"

	"github.com/luma/esl/protocol"
)

const (
	DefaultHost            = "127.0.0.1"
	DefaultPort            = 8021
	DefaultPassword        = "ClueCon"
	DefaultDispatchThreads = 8
	DefaultBufferSize      = 64 * 1024
	DefaultCommandTimeout  = 30 * time.Second
	DefaultConnectTimeout  = 5 * time.Second
	DefaultHTTPAddr        = "127.0.0.1:7362"
	DefaultLogLevel        = "info"
)

// Config is read from an optional TOML file, then from the environment.
// Environment variables win.
type Config struct {
	Host     string `toml:"host" env:"ESL_HOST,overwrite"`
	Port     int    `toml:"port" env:"ESL_PORT,overwrite"`
	Password string `toml:"password" env:"ESL_PASSWORD,overwrite"`

	// Events to subscribe to, in EventFormat
	Events      []string `toml:"events" env:"ESL_EVENTS,overwrite"`
	EventFormat string   `toml:"event_format" env:"ESL_EVENT_FORMAT,overwrite"`

	// WorkerThreads bounds GOMAXPROCS, zero leaves the runtime default
	WorkerThreads   int `toml:"worker_threads" env:"ESL_WORKER_THREADS,overwrite"`
	DispatchThreads int `toml:"dispatch_threads" env:"ESL_DISPATCH_THREADS,overwrite"`

	SendBufferSize    int `toml:"sndbuf" env:"ESL_SNDBUF,overwrite"`
	ReceiveBufferSize int `toml:"rcvbuf" env:"ESL_RCVBUF,overwrite"`

	MaxFrameSize int `toml:"max_frame_size" env:"ESL_MAX_FRAME_SIZE,overwrite"`
	MaxBodySize  int `toml:"max_body_size" env:"ESL_MAX_BODY_SIZE,overwrite"`

	// Durations are written as "30s" in both TOML and the environment
	CommandTimeout time.Duration `toml:"command_timeout" env:"ESL_COMMAND_TIMEOUT,overwrite"`
	ConnectTimeout time.Duration `toml:"connect_timeout" env:"ESL_CONNECT_TIMEOUT,overwrite"`

	HTTPAddr  string `toml:"http_addr" env:"ESL_HTTP_ADDR,overwrite"`
	DebugHTTP bool   `toml:"debug_http" env:"ESL_DEBUG_HTTP,overwrite"`
	LogLevel  string `toml:"log_level" env:"ESL_LOG_LEVEL,overwrite"`
}

// LoadConfig loads .env.local if there is one, then the TOML file at path if
// path is set, then the environment.
func LoadConfig(ctx context.Context, path string) (*Config, error) {
	return loadConfig(ctx, path, envconfig.OsLookuper())
}

func loadConfig(ctx context.Context, path string, lookuper envconfig.Lookuper) (*Config, error) {
	config := Config{}

	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("Failed to load .env.local: %w", err)
		}
	}

	if path != "" {
		if _, err := toml.DecodeFile(path, &config); err != nil {
			return nil, fmt.Errorf("Failed to read config file %s: %w", path, err)
		}
	}

	if err := envconfig.ProcessWith(ctx, &config, lookuper); err != nil {
		return nil, err
	}

	config.withDefaults()

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) withDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}

	if c.Port == 0 {
		c.Port = DefaultPort
	}

	if c.Password == "" {
		c.Password = DefaultPassword
	}

	if len(c.Events) == 0 {
		c.Events = []string{"ALL"}
	}

	if c.EventFormat == "" {
		c.EventFormat = string(protocol.FormatPlain)
	}

	if c.DispatchThreads == 0 {
		c.DispatchThreads = DefaultDispatchThreads
	}

	if c.SendBufferSize == 0 {
		c.SendBufferSize = DefaultBufferSize
	}

	if c.ReceiveBufferSize == 0 {
		c.ReceiveBufferSize = DefaultBufferSize
	}

	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = protocol.DefaultMaxLineSize
	}

	if c.MaxBodySize == 0 {
		c.MaxBodySize = protocol.DefaultMaxBodySize
	}

	if c.CommandTimeout == 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}

	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}

	if c.HTTPAddr == "" {
		c.HTTPAddr = DefaultHTTPAddr
	}

	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
}

func (c *Config) validate() error {
	switch protocol.Format(c.EventFormat) {
	case protocol.FormatPlain, protocol.FormatJSON, protocol.FormatXML:
	default:
		return fmt.Errorf("Unknown event format '%s': %w", c.EventFormat, protocol.ErrUnknownFormat)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("Port %d is out of range", c.Port)
	}

	if c.WorkerThreads < 0 || c.DispatchThreads < 0 {
		return errors.New("Thread counts cannot be negative")
	}

	return nil
}

// Redacted is c without its password, safe to log.
func (c Config) Redacted() Config {
	if c.Password != "" {
		c.Password = "[redacted]"
	}

	return c
}
