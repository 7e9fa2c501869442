package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
)

var ApiCmd = &cobra.Command{
	Use:   "api <command> [args...]",
	Short: "Run an API command on the switch and print its output",
	Long: `Run an API command on the switch and print its output

Usage
	switchboard api status
	switchboard api show channels as json

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

		conn, socket, err := connect(ctx, inboundOptions(conf, log))
		if err != nil {
			return err
		}
		defer conn.Disconnect() //nolint:errcheck

		resp, err := socket.Api(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}

		fmt.Fprint(cmd.OutOrStdout(), resp.Response())
		return nil
	},
}
