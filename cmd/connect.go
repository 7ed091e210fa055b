package cmd

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/luma/esl/client"
	"github.com/luma/esl/internal/env"
	"github.com/luma/esl/transport"
)

// loadEnv reads the config and builds the logger every command starts with.
func loadEnv(ctx context.Context) (*env.Config, *zap.Logger, error) {
	conf, err := env.LoadConfig(ctx, configPath)
	if err != nil {
		return nil, nil, err
	}

	log, err := env.MakeLogger(conf.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	return conf, log, nil
}

// connect dials the engine described by conf and waits until the connection
// has authenticated.
func connect(
	ctx context.Context,
	conf *env.Config,
	router *client.Router,
	observer client.Observer,
	reg prometheus.Registerer,
	log *zap.Logger,
) (*client.Conn, error) {
	transportOptions := transport.Options{
		Host:              conf.Host,
		Port:              conf.Port,
		SendBufferSize:    conf.SendBufferSize,
		ReceiveBufferSize: conf.ReceiveBufferSize,
		ConnectTimeout:    conf.ConnectTimeout,
		Log:               log.Named("transport"),
	}

	conn, err := client.Dial(ctx, transportOptions, client.Options{
		Credentials:     client.Password(conf.Password),
		Observer:        observer,
		Router:          router,
		DispatchWorkers: conf.DispatchThreads,
		CommandTimeout:  conf.CommandTimeout,
		MaxLineSize:     conf.MaxFrameSize,
		MaxBodySize:     conf.MaxBodySize,
		Registerer:      reg,
		Log:             log.Named("conn"),
	})
	if err != nil {
		return nil, err
	}

	readyCtx, cancel := context.WithTimeout(ctx, conf.ConnectTimeout)
	defer cancel()

	if err := conn.WaitReady(readyCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("Connection to %s did not become ready: %w", transportOptions.Addr(), err)
	}

	return conn, nil
}
