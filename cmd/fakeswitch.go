package cmd

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/esl/internal/fakeswitch"
	"github.com/luma/esl/protocol"
)

var (
	// The address the fake switch listens on
	fakeAddr string

	// Scripted api responses, command=body
	fakeResponses map[string]string

	// How often to publish HEARTBEAT, zero disables
	heartbeat time.Duration
)

var FakeSwitchCmd = &cobra.Command{
	Use:   "fakeswitch",
	Short: "Run a fake engine to develop against",
	Long: `Run a fake engine to develop against

It speaks enough of the event socket protocol to authenticate clients,
answer scripted api and bgapi commands and publish heartbeats.

Usage
	esl fakeswitch --addr 127.0.0.1:8021 --response status="UP 0 years"

`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		conf, log, err := loadEnv(ctx)
		if err != nil {
			return err
		}

		server, err := fakeswitch.Listen(fakeswitch.Options{
			Addr:         fakeAddr,
			Password:     conf.Password,
			APIResponses: fakeResponses,
			Log:          log.Named("fakeswitch"),
		})
		if err != nil {
			return err
		}

		var ticks <-chan time.Time
		if heartbeat > 0 {
			ticker := time.NewTicker(heartbeat)
			defer ticker.Stop()
			ticks = ticker.C
		}

		sequence := 0
		for {
			select {
			case <-ctx.Done():
				signalStop()
				log.Info("Shutting down")
				return server.Close()

			case <-ticks:
				sequence++

				err := server.Publish(fakeswitch.Event{
					Name: "HEARTBEAT",
					Headers: []protocol.Header{
						{Name: "Event-Sequence", Value: strconv.Itoa(sequence)},
						{Name: "Up-Time", Value: time.Now().UTC().Format(time.RFC3339)},
					},
				})
				if err != nil {
					log.Warn("Failed to publish heartbeat", zap.Error(err))
				}
			}
		}
	},
}

func init() {
	flags := FakeSwitchCmd.Flags()

	flags.StringVarP(&fakeAddr, "addr", "a", "127.0.0.1:8021", "The address to listen on")
	flags.StringToStringVar(&fakeResponses, "response", nil, "Scripted api response, as command=body")
	flags.DurationVar(&heartbeat, "heartbeat", 20*time.Second, "How often to publish HEARTBEAT, 0 disables")
}
