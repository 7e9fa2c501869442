// Package client connects to the switch's Event Socket listener (inbound
// mode).
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luma/switchboard/eventsocket"
	"github.com/luma/switchboard/protocol"
	"github.com/luma/switchboard/storage"
	"github.com/luma/switchboard/transport"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultInitialDelay   = 500 * time.Millisecond
	DefaultMaxDelay       = 30 * time.Second
)

var (
	ErrConnClosed       = errors.New("Connection was closed by Disconnect")
	ErrAlreadyConnected = errors.New("Already connected")
)

// ReconnectOptions controls Run.
type ReconnectOptions struct {
	// MaxAttempts is the number of consecutive failed connects before Run
	// gives up, 0 retries forever.
	MaxAttempts int

	InitialDelay time.Duration
	MaxDelay     time.Duration
}

type Options struct {
	// Addr of the switch, e.g. "127.0.0.1:8021"
	Addr     string
	Password string

	// ConnectTimeout bounds dialing and, separately, waiting for the auth
	// request.
	ConnectTimeout time.Duration

	// EventFormat defaults to plain
	EventFormat protocol.EventFormat

	// Events to subscribe to after authenticating. No subscription is made
	// when empty.
	Events []string

	// Filters are installed after the subscription as header/value pairs
	Filters [][2]string

	Handlers       map[string]eventsocket.HandlerFunc
	DefaultHandler eventsocket.HandlerFunc
	Jobs           storage.Store
	MaxHeaderLines int

	Reconnect ReconnectOptions

	Log *zap.Logger
}

// Conn is an inbound connection to the switch.
type Conn struct {
	options Options
	log     *zap.Logger

	mu     sync.Mutex
	socket *eventsocket.Socket
	closed bool
}

func New(options Options) *Conn {
	if options.Log == nil {
		options.Log = zap.NewNop()
	}

	if options.ConnectTimeout <= 0 {
		options.ConnectTimeout = DefaultConnectTimeout
	}

	if options.EventFormat == "" {
		options.EventFormat = protocol.FormatPlain
	}

	if options.Reconnect.InitialDelay <= 0 {
		options.Reconnect.InitialDelay = DefaultInitialDelay
	}

	if options.Reconnect.MaxDelay <= 0 {
		options.Reconnect.MaxDelay = DefaultMaxDelay
	}

	return &Conn{
		options: options,
		log:     options.Log.Named("client").With(zap.String("addr", options.Addr)),
	}
}

// Socket returns the current socket, nil before the first successful
// Connect.
func (c *Conn) Socket() *eventsocket.Socket {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.socket
}

// Connect dials the switch, authenticates and subscribes. Any failure closes
// the attempt and returns an *eventsocket.ConnectError. It returns
// ErrAlreadyConnected while the previous connection is still up.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	closed, live := c.closed, c.isLive()
	c.mu.Unlock()

	if closed {
		return ErrConnClosed
	}

	if live {
		return ErrAlreadyConnected
	}

	socket, err := c.connect(ctx)
	if err != nil {
		return &eventsocket.ConnectError{Addr: c.options.Addr, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		socket.Close()
		return ErrConnClosed
	}

	// Lost a race with a concurrent Connect
	if c.isLive() {
		socket.Close()
		return ErrAlreadyConnected
	}

	c.socket = socket
	return nil
}

// isLive reports whether the current socket is still usable. c.mu must be
// held.
func (c *Conn) isLive() bool {
	return c.socket != nil && c.socket.State() != eventsocket.Disconnected
}

func (c *Conn) connect(ctx context.Context) (*eventsocket.Socket, error) {
	stream, err := transport.Dial(ctx, c.options.Addr, c.options.ConnectTimeout)
	if err != nil {
		return nil, err
	}

	socket := eventsocket.New(stream, eventsocket.Options{
		Mode:           eventsocket.ModeInbound,
		MaxHeaderLines: c.options.MaxHeaderLines,
		Handlers:       c.options.Handlers,
		DefaultHandler: c.options.DefaultHandler,
		Jobs:           c.options.Jobs,
		Log:            c.log,
	})
	socket.Start()

	if err := c.handshake(ctx, socket); err != nil {
		socket.Close()
		return nil, err
	}

	socket.MarkConnected()
	c.log.Info("Connected")

	return socket, nil
}

func (c *Conn) handshake(ctx context.Context, socket *eventsocket.Socket) error {
	authCtx, cancel := context.WithTimeout(ctx, c.options.ConnectTimeout)
	defer cancel()

	select {
	case <-socket.AuthRequest():

	case <-socket.Done():
		if err := socket.Err(); err != nil {
			return err
		}
		return eventsocket.ErrDisconnected

	case <-authCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return eventsocket.ErrAuthTimeout
	}

	resp, err := socket.Auth(authCtx, c.options.Password)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return eventsocket.ErrAuthTimeout
		}
		return err
	}

	if !resp.OK() {
		return fmt.Errorf("%w: %s", eventsocket.ErrAuthRejected, resp.ReplyText())
	}

	if len(c.options.Events) == 0 {
		return nil
	}

	return socket.Subscribe(ctx, c.options.EventFormat, c.options.Events, c.options.Filters)
}

// Disconnect closes the connection and stops Run.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	c.closed = true
	socket := c.socket
	c.mu.Unlock()

	if socket == nil {
		return nil
	}

	return socket.Close()
}

// Run keeps the connection up until ctx is done or Disconnect is called,
// reconnecting with exponential backoff. It returns an error once
// MaxAttempts consecutive connects have failed.
func (c *Conn) Run(ctx context.Context) error {
	log := c.log.Named("run")

	attempts := 0
	delay := c.options.Reconnect.InitialDelay

	for {
		socket := c.Socket()

		if socket == nil || socket.State() == eventsocket.Disconnected {
			err := c.Connect(ctx)
			if errors.Is(err, ErrConnClosed) {
				return nil
			}

			if err != nil {
				attempts++

				if limit := c.options.Reconnect.MaxAttempts; limit > 0 && attempts >= limit {
					return fmt.Errorf("Giving up after %d attempts: %w", attempts, err)
				}

				wait := jitter(delay)
				log.Warn("Failed to connect, retrying",
					zap.Int("attempt", attempts),
					zap.Duration("wait", wait),
					zap.Error(err))

				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return nil
				}

				delay *= 2
				if delay > c.options.Reconnect.MaxDelay {
					delay = c.options.Reconnect.MaxDelay
				}

				continue
			}

			attempts = 0
			delay = c.options.Reconnect.InitialDelay
			socket = c.Socket()
		}

		select {
		case <-ctx.Done():
			return c.Disconnect()

		case <-socket.Done():
			if c.isClosed() {
				return nil
			}

			log.Warn("Connection lost, reconnecting", zap.NamedError("reason", socket.Err()))
		}
	}
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

// jitter spreads d by +-10%
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.9 + 0.2*rand.Float64()))
}
