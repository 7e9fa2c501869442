package cmd

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/switchboard/protocol"
)

var (
	pretty  bool
	filters []string
)

func init() {
	flags := EventsCmd.Flags()

	flags.BoolVar(&pretty, "pretty", false, "Print headers one per line instead of JSON")
	flags.StringSliceVar(&filters, "filter", nil, "Only show events whose header matches, as Header=value")
}

var EventsCmd = &cobra.Command{
	Use:   "events [event names...]",
	Short: "Stream events from the switch until interrupted",
	Long: `Stream events from the switch until interrupted. Events are printed as
one JSON object per line.

Usage
	switchboard events
	switchboard events CHANNEL_CREATE CHANNEL_HANGUP --filter Caller-Destination-Number=1000

`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		conf, log, err := setup(ctx)
		if err != nil {
			return err
		}
		defer log.Sync() //nolint:errcheck

		options := inboundOptions(conf, log)
		options.Events = conf.Events
		if len(args) > 0 {
			options.Events = args
		}

		for _, filter := range filters {
			header, value, ok := strings.Cut(filter, "=")
			if !ok || header == "" {
				log.Warn("Ignoring filter, expected Header=value", zap.String("filter", filter))
				continue
			}
			options.Filters = append(options.Filters, [2]string{header, value})
		}

		var (
			outMu sync.Mutex
			enc   = json.NewEncoder(cmd.OutOrStdout())
		)

		options.DefaultHandler = func(_ context.Context, ev *protocol.Event) {
			outMu.Lock()
			defer outMu.Unlock()

			if pretty {
				if err := ev.PrettyPrint(cmd.OutOrStdout()); err != nil {
					log.Warn("Failed to print event", zap.Error(err))
				}
				return
			}

			if err := enc.Encode(ev); err != nil {
				log.Warn("Failed to encode event", zap.Error(err))
			}
		}

		conn, _, err := connect(ctx, options)
		if err != nil {
			return err
		}
		defer conn.Disconnect() //nolint:errcheck

		// Reconnect until interrupted
		return conn.Run(ctx)
	},
}
