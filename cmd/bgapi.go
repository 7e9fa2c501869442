package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/switchboard/protocol"
)

var jobTimeout time.Duration

func init() {
	BgapiCmd.Flags().DurationVar(&jobTimeout, "job-timeout", time.Minute, "How long to wait for the job result")
}

var BgapiCmd = &cobra.Command{
	Use:   "bgapi <command> [args...]",
	Short: "Run an API command in the background and print its result",
	Long: `Run an API command in the background and print its result once the
switch reports the job as done.

Usage
	switchboard bgapi originate user/1000 &park

`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		conf, log, err := setup(ctx)
		if err != nil {
			return err
		}
		defer log.Sync() //nolint:errcheck

		// The job result arrives as an event
		options := inboundOptions(conf, log)
		options.Events = []string{protocol.BackgroundJob}

		conn, socket, err := connect(ctx, options)
		if err != nil {
			return err
		}
		defer conn.Disconnect() //nolint:errcheck

		ctx, cancel := context.WithTimeout(ctx, jobTimeout)
		defer cancel()

		ev, err := socket.BgapiWait(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}

		log.Debug("Job done", zap.String("jobUUID", ev.Get(protocol.HeaderJobUUID)))

		fmt.Fprint(cmd.OutOrStdout(), string(ev.Body()))
		return nil
	},
}
