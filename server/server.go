// Package server accepts the connections the switch makes for calls routed
// to the socket application (outbound mode), one Session per call.
package server

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/luma/switchboard/eventsocket"
	"github.com/luma/switchboard/metrics"
	"github.com/luma/switchboard/protocol"
	"github.com/luma/switchboard/storage"
	"github.com/luma/switchboard/transport"
)

const DefaultConnectTimeout = 5 * time.Second

// Handler serves one session. The session is closed once ServeSession
// returns.
type Handler interface {
	ServeSession(ctx context.Context, session *Session)
}

type HandlerFunc func(ctx context.Context, session *Session)

func (f HandlerFunc) ServeSession(ctx context.Context, session *Session) {
	f(ctx, session)
}

type Options struct {
	Host         string
	Port         int
	Reuseport    bool
	NumListeners int

	// MaxSessions caps concurrent sessions, 0 means no cap
	MaxSessions int64

	// QueueWhenFull makes new connections wait for a free slot instead of
	// being closed when MaxSessions is reached.
	QueueWhenFull bool

	// AcceptRate limits new sessions per second, 0 means no limit
	AcceptRate  float64
	AcceptBurst int

	// ConnectTimeout bounds the handshake
	ConnectTimeout time.Duration

	Linger   bool
	MyEvents bool

	// EventFormat and Events set up a subscription after the handshake.
	// No subscription is made when Events is empty.
	EventFormat protocol.EventFormat
	Events      []string

	MaxHeaderLines int

	// Jobs records background job results for every session. Optional.
	Jobs storage.Store

	// Bind registers event handlers on a new session before its read loop
	// starts.
	Bind func(session *Session)

	Log *zap.Logger
}

type Server struct {
	options Options
	handler Handler
	log     *zap.Logger

	tcp *transport.TCP

	sessions *xsync.MapOf[string, *Session]
	active   atomic.Int64

	slots   *semaphore.Weighted
	limiter *rate.Limiter
}

func New(options Options, handler Handler) *Server {
	if options.Log == nil {
		options.Log = zap.NewNop()
	}

	if options.ConnectTimeout <= 0 {
		options.ConnectTimeout = DefaultConnectTimeout
	}

	if options.EventFormat == "" {
		options.EventFormat = protocol.FormatPlain
	}

	log := options.Log.Named("server")

	s := &Server{
		options:  options,
		handler:  handler,
		log:      log,
		sessions: xsync.NewMapOf[string, *Session](),
		tcp: transport.NewTCP(transport.Options{
			Host:         options.Host,
			Port:         options.Port,
			Reuseport:    options.Reuseport,
			NumListeners: options.NumListeners,
			Log:          log.Named("transport"),
		}),
	}

	if options.MaxSessions > 0 {
		s.slots = semaphore.NewWeighted(options.MaxSessions)
	}

	if options.AcceptRate > 0 {
		burst := options.AcceptBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(options.AcceptRate), burst)
	}

	return s
}

// Start binds the listeners and serves connections in the background until
// ctx is cancelled or Close is called.
func (s *Server) Start(ctx context.Context) error {
	return s.tcp.Start(ctx, s.serveConn)
}

func (s *Server) Addrs() []net.Addr {
	return s.tcp.Addrs()
}

// Close stops accepting and ends every session.
func (s *Server) Close() error {
	var err error

	s.sessions.Range(func(_ string, session *Session) bool {
		err = multierr.Append(err, session.Close())
		return true
	})

	return multierr.Append(err, s.tcp.Close())
}

// Sessions returns the channel UUID of every running session.
func (s *Server) Sessions() []string {
	uuids := make([]string, 0, s.sessions.Size())

	s.sessions.Range(func(uuid string, _ *Session) bool {
		uuids = append(uuids, uuid)
		return true
	})

	return uuids
}

func (s *Server) Lookup(uuid string) (*Session, bool) {
	return s.sessions.Load(uuid)
}

// ActiveSessions counts sessions past their handshake.
func (s *Server) ActiveSessions() int {
	return int(s.active.Load())
}

func (s *Server) serveConn(ctx context.Context, conn *transport.Conn) {
	log := s.log.With(zap.String("remote", conn.RemoteAddr()))

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
	}

	if s.slots != nil {
		if s.options.QueueWhenFull {
			if err := s.slots.Acquire(ctx, 1); err != nil {
				return
			}
		} else if !s.slots.TryAcquire(1) {
			metrics.OutboundRejectedTotal.Inc()
			log.Warn("Rejecting connection, too many sessions", zap.Int64("maxSessions", s.options.MaxSessions))
			return
		}

		defer s.slots.Release(1)
	}

	socket := eventsocket.New(conn, eventsocket.Options{
		Mode:           eventsocket.ModeOutbound,
		MaxHeaderLines: s.options.MaxHeaderLines,
		Jobs:           s.options.Jobs,
		Log:            log,
	})
	defer socket.Close()

	session := newSession(socket, s.options)
	if s.options.Bind != nil {
		s.options.Bind(session)
	}

	socket.Start()

	handshakeCtx, cancel := context.WithTimeout(ctx, s.options.ConnectTimeout)
	err := session.Handshake(handshakeCtx)
	cancel()

	if err != nil {
		log.Warn("Handshake failed", zap.Error(err))
		return
	}

	socket.MarkConnected()

	uuid := session.UUID()
	log = log.With(zap.String("uuid", uuid))

	s.active.Add(1)
	defer s.active.Add(-1)

	// Sessions without a channel id would all share the empty key
	if uuid != "" {
		s.sessions.Store(uuid, session)
		defer s.sessions.Delete(uuid)
	} else {
		log.Warn("Connect reply carries no channel id, session is not registered")
	}

	log.Info("Session started",
		zap.String("callerIDNumber", session.CallerIDNumber()),
		zap.String("destinationNumber", session.DestinationNumber()))

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(socket.Context(), cancel)
	defer stop()

	s.serve(sessionCtx, session, log)

	log.Info("Session ended")
}

func (s *Server) serve(ctx context.Context, session *Session, log *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerPanicsTotal.Inc()
			log.Error("Session handler panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	s.handler.ServeSession(ctx, session)
}
