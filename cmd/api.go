package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/esl/client"
	"github.com/luma/esl/protocol"
	"github.com/luma/esl/storage"
)

// Run the command with bgapi and wait for its BACKGROUND_JOB result
var background bool

var APICmd = &cobra.Command{
	Use:   "api <command> [args...]",
	Short: "Run an api command on the engine and print its output",
	Long: `Run an api command on the engine and print its output

Usage
	esl api status
	esl api --background originate user/1000 &echo

`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		conf, log, err := loadEnv(ctx)
		if err != nil {
			return err
		}

		store := storage.NewInmemoryStore()
		defer store.Close()

		tracker := client.NewJobTracker(store, log.Named("jobs"))

		router := client.NewRouter(client.RouterOptions{Log: log.Named("router")})
		router.Register(client.BackgroundJobEvent, tracker)

		conn, err := connect(ctx, conf, router, nil, nil, log)
		if err != nil {
			return err
		}

		defer func() {
			if cerr := conn.Close(); cerr != nil {
				log.Warn("Connection did not close cleanly", zap.Error(cerr))
			}
		}()

		command := strings.Join(args, " ")

		var output string
		if background {
			output, err = runBackground(ctx, conn, tracker, command)
		} else {
			output, err = conn.API(ctx, command)
		}

		fmt.Fprint(cmd.OutOrStdout(), output)
		return err
	},
}

func runBackground(ctx context.Context, conn *client.Conn, tracker *client.JobTracker, command string) (string, error) {
	if err := conn.SubscribeEvents(ctx, protocol.FormatPlain, client.BackgroundJobEvent); err != nil {
		return "", err
	}

	id, err := conn.BackgroundAPI(ctx, command)
	if err != nil {
		return "", err
	}

	result, err := tracker.Await(ctx, id)
	if err != nil {
		return "", fmt.Errorf("Failed waiting for job %s: %w", id, err)
	}

	return result.Body, nil
}

func init() {
	APICmd.Flags().BoolVarP(&background, "background", "b", false, "Run the command as a background job")
}
