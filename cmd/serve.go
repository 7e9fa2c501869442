package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/luma/switchboard/eventsocket"
	"github.com/luma/switchboard/internal/env"
	"github.com/luma/switchboard/metrics"
	"github.com/luma/switchboard/protocol"
	"github.com/luma/switchboard/server"
	"github.com/luma/switchboard/storage"
)

var (
	// The host to listen on
	host string

	// The port to listen for http requests on
	httpPort string

	// The port to listen for outbound connections from the switch on
	port int

	// Application to run on every new session, nothing when empty
	app     string
	appArgs string
)

func init() {
	flags := ServeCmd.PersistentFlags()

	flags.IntVarP(&port, "port", "p", 0, "The port to listen for outbound connections on (default from SWITCHBOARD_PORT)")
	flags.StringVar(&httpPort, "http-port", "", "The port to listen to HTTP requests on (default from SWITCHBOARD_HTTP_PORT)")
	flags.StringVarP(&host, "host", "a", "", "The host to listen on (default from SWITCHBOARD_HOST)")
	flags.StringVar(&app, "app", "", "Application to execute on every session, e.g. park")
	flags.StringVar(&appArgs, "app-args", "", "Arguments of --app")
}

var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve outbound Event Socket connections",
	Long: `Serve outbound Event Socket connections

The switch connects to this server for every call routed to the socket
application. A status server exposes /ping, /metrics and /sessions.

Usage
	switchboard serve --port 8084 --app park

`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		conf, log, err := setup(ctx)
		if err != nil {
			return err
		}
		defer log.Sync() //nolint:errcheck

		applyServeFlags(conf)

		fileLimit, err := setFileLimit()
		if err != nil {
			return err
		}

		log.Info("Set file limit", zap.Uint64("fileLimit", fileLimit))

		jobs := storage.NewInmemoryStore()
		defer jobs.Close()

		srv := server.New(server.Options{
			Host:           conf.Host,
			Port:           conf.Port,
			Reuseport:      true,
			MaxSessions:    conf.MaxSessions,
			QueueWhenFull:  conf.QueueWhenFull,
			AcceptRate:     conf.AcceptRate,
			AcceptBurst:    conf.AcceptBurst,
			ConnectTimeout: conf.ConnectTimeout,
			Linger:         conf.Linger,
			MyEvents:       conf.MyEvents,
			EventFormat:    protocol.EventFormat(conf.EventFormat),
			MaxHeaderLines: conf.MaxHeaderLines,
			Jobs:           jobs,
			Bind:           bindLogging(log),
			Log:            log,
		}, server.HandlerFunc(runApp))

		router := setupRouter(conf.DebugHTTP, log)

		// Ping test
		router.GET("/ping", func(c *gin.Context) {
			c.String(http.StatusOK, "pong")
		})

		router.GET("/metrics", gin.WrapH(metrics.Handler()))

		router.GET("/sessions", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"active":   srv.ActiveSessions(),
				"sessions": srv.Sessions(),
			})
		})

		s := &http.Server{
			Addr:    net.JoinHostPort(conf.Host, conf.HTTPPort),
			Handler: router,
		}

		if err := srv.Start(ctx); err != nil {
			return err
		}

		log.Info("Listening",
			zap.Any("config", conf),
			zap.String("host", conf.Host),
			zap.Int("port", conf.Port),
			zap.String("httpPort", conf.HTTPPort))

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Http server errored", zap.Error(err))
				return err
			}
			return nil
		})

		g.Go(func() error {
			// Listen for the interrupt signal.
			<-gctx.Done()

			// Restore default behavior on the interrupt signal and notify user of shutdown.
			signalStop()
			log.Info("Shutting down gracefully, press Ctrl+C again to force")

			// The context is used to inform the server it has 5 seconds to finish
			// the request it is currently handling
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			s.SetKeepAlivesEnabled(false)

			if err := s.Shutdown(ctx); err != nil {
				log.Error("Http server forced to shutdown", zap.Error(err))
			}

			if err := srv.Close(); err != nil {
				log.Error("Outbound server forced to shutdown", zap.Error(err))
			}

			return nil
		})

		err = g.Wait()
		log.Info("Exiting")
		return err
	},
}

func applyServeFlags(conf *env.Config) {
	if host != "" {
		conf.Host = host
	}

	if port != 0 {
		conf.Port = port
	}

	if httpPort != "" {
		conf.HTTPPort = httpPort
	}

	if connectTimeout > 0 {
		conf.ConnectTimeout = connectTimeout
	}
}

// bindLogging logs the hangup of every session's channel.
func bindLogging(log *zap.Logger) func(session *server.Session) {
	return func(session *server.Session) {
		session.Handle("CHANNEL_HANGUP_COMPLETE", func(_ context.Context, ev *protocol.Event) {
			log.Info("Channel hung up",
				zap.String("uuid", ev.Get(protocol.HeaderUniqueID)),
				zap.String("cause", ev.Get("Hangup-Cause")))
		})
	}
}

// runApp executes --app on the session's channel, then holds the session
// until the switch ends it.
func runApp(ctx context.Context, session *server.Session) {
	log := session.Logger()

	if app != "" {
		resp, err := session.Execute(ctx, app, appArgs, eventsocket.ExecuteOptions{Lock: true})
		if err != nil {
			log.Warn("Failed to execute application", zap.String("app", app), zap.Error(err))
			return
		}

		if !resp.OK() {
			log.Warn("Application rejected", zap.String("app", app), zap.String("reply", resp.ReplyText()))
		}
	}

	<-ctx.Done()
}

func setupRouter(debugHTTP bool, log *zap.Logger) *gin.Engine {
	gin.DisableConsoleColor()
	if !debugHTTP {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Logs all requests, like a combined access and error log, RFC3339 with
	// UTC time format.
	r.Use(ginzap.GinzapWithConfig(log, &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/ping", "/metrics"},
	}))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	r.Use(ginzap.RecoveryWithZap(log, true))

	return r
}

func setFileLimit() (uint64, error) {
	var rLimit syscall.Rlimit

	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	rLimit.Cur = rLimit.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	return rLimit.Cur, nil
}
