package cmd

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/switchboard/client"
	"github.com/luma/switchboard/cmd/gen"
	"github.com/luma/switchboard/eventsocket"
	"github.com/luma/switchboard/internal/env"
	"github.com/luma/switchboard/protocol"
	"github.com/luma/switchboard/storage"
)

var (
	// Inbound connection flags, they override the config when set
	addr           string
	password       string
	connectTimeout time.Duration
)

var RootCmd = &cobra.Command{
	Use:   "switchboard",
	Short: "Event Socket client and outbound socket server",
	Long: `switchboard talks to a telephony switch over its Event Socket.

It can serve the outbound connections the switch makes for calls routed to
a socket application, or connect to the switch to run commands and stream
events.`,
	SilenceUsage: true,
}

func init() {
	flags := RootCmd.PersistentFlags()

	flags.StringVar(&addr, "addr", "", "The switch's Event Socket address (default from SWITCHBOARD_ADDR)")
	flags.StringVar(&password, "password", "", "The Event Socket password (default from SWITCHBOARD_PASSWORD)")
	flags.DurationVar(&connectTimeout, "timeout", 0, "Connect and auth timeout (default from SWITCHBOARD_CONNECT_TIMEOUT)")

	RootCmd.AddCommand(ServeCmd)
	RootCmd.AddCommand(ApiCmd)
	RootCmd.AddCommand(BgapiCmd)
	RootCmd.AddCommand(EventsCmd)
	RootCmd.AddCommand(VersionCmd)
	RootCmd.AddCommand(gen.RootCmd)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads the config and builds the logger shared by every command.
func setup(ctx context.Context) (*env.Config, *zap.Logger, error) {
	conf, err := env.LoadConfig(ctx)
	if err != nil {
		return nil, nil, err
	}

	log, err := env.MakeLogger(conf.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	return conf, log, nil
}

// inboundOptions builds the client options from the config and flags.
func inboundOptions(conf *env.Config, log *zap.Logger) client.Options {
	options := client.Options{
		Addr:           conf.Addr,
		Password:       conf.Password,
		ConnectTimeout: conf.ConnectTimeout,
		EventFormat:    protocol.EventFormat(conf.EventFormat),
		MaxHeaderLines: conf.MaxHeaderLines,
		Jobs:           storage.NewInmemoryStore(),
		Log:            log,
	}

	if addr != "" {
		options.Addr = addr
	}

	if password != "" {
		options.Password = password
	}

	if connectTimeout > 0 {
		options.ConnectTimeout = connectTimeout
	}

	return options
}

// connect opens an inbound connection and returns its socket.
func connect(ctx context.Context, options client.Options) (*client.Conn, *eventsocket.Socket, error) {
	conn := client.New(options)
	if err := conn.Connect(ctx); err != nil {
		return nil, nil, err
	}

	return conn, conn.Socket(), nil
}
