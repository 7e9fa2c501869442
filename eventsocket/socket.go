// Package eventsocket implements the connection engine shared by inbound and
// outbound Event Socket connections: the read loop, reply correlation, event
// dispatch and the command API.
package eventsocket

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/luma/switchboard/metrics"
	"github.com/luma/switchboard/protocol"
	"github.com/luma/switchboard/storage"
	"github.com/luma/switchboard/transport"
)

// DisconnectNoticeEvent is the handler name receiving text/disconnect-notice
// messages.
const DisconnectNoticeEvent = "DISCONNECT_NOTICE"

// Stream is the transport a Socket runs over.
type Stream interface {
	Write(data []byte) error
	ReadLine() (string, error)
	Read(n int) ([]byte, error)
	Close() error
	RemoteAddr() string
}

// HandlerFunc handles one event. ctx is cancelled when the session ends.
// Handlers run in their own goroutine and may send commands.
type HandlerFunc func(ctx context.Context, ev *protocol.Event)

type Mode string

const (
	ModeInbound  Mode = "inbound"
	ModeOutbound Mode = "outbound"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

type Options struct {
	Mode Mode

	// MaxHeaderLines bounds a single header block, defaults to
	// protocol.DefaultMaxHeaderLines
	MaxHeaderLines int

	// Handlers maps event names to their handler. Names are case
	// insensitive.
	Handlers map[string]HandlerFunc

	// DefaultHandler receives events that have no handler of their own. Such
	// events are dropped if it is nil.
	DefaultHandler HandlerFunc

	// Jobs records BACKGROUND_JOB results so that WaitJob can collect them.
	// Optional.
	Jobs storage.Store

	Log *zap.Logger
}

// Socket is one Event Socket connection.
type Socket struct {
	stream Stream
	reader *protocol.Reader
	mode   Mode
	log    *zap.Logger

	handlers       map[string]HandlerFunc
	defaultHandler HandlerFunc
	jobs           storage.Store

	// writeMu makes enqueueing a command and writing it atomic, so that the
	// order of the pending queue is the order on the wire.
	writeMu sync.Mutex

	// mu guards everything below. The read loop only ever takes mu.
	mu      sync.Mutex
	pending []*PendingCommand
	state   State
	linger  bool
	err     error

	ctx    context.Context
	cancel context.CancelFunc

	started      atomic.Bool
	authRequests chan *protocol.Event
	loopDone     chan struct{}
	done         chan struct{}
	closeOnce    sync.Once
}

func New(stream Stream, options Options) *Socket {
	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	mode := options.Mode
	if mode == "" {
		mode = ModeInbound
	}

	handlers := make(map[string]HandlerFunc, len(options.Handlers))
	for name, handler := range options.Handlers {
		handlers[strings.ToUpper(name)] = handler
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Socket{
		stream:         stream,
		reader:         protocol.NewReader(stream, options.MaxHeaderLines),
		mode:           mode,
		log:            log.With(zap.String("remote", stream.RemoteAddr()), zap.String("mode", string(mode))),
		handlers:       handlers,
		defaultHandler: options.DefaultHandler,
		jobs:           options.Jobs,
		state:          Connecting,
		ctx:            ctx,
		cancel:         cancel,
		authRequests:   make(chan *protocol.Event, 1),
		loopDone:       make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Handle registers handler for the event name. It must be called before
// Start.
func (s *Socket) Handle(name string, handler HandlerFunc) {
	if s.started.Load() {
		panic("eventsocket: Handle called after Start")
	}

	s.handlers[strings.ToUpper(name)] = handler
}

// HandleDefault registers the handler for events without one of their own.
// It must be called before Start.
func (s *Socket) HandleDefault(handler HandlerFunc) {
	if s.started.Load() {
		panic("eventsocket: HandleDefault called after Start")
	}

	s.defaultHandler = handler
}

// Start launches the read loop. The handshake is up to the caller.
func (s *Socket) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	metrics.SessionsTotal.WithLabelValues(string(s.mode)).Inc()
	metrics.SessionsActive.WithLabelValues(string(s.mode)).Inc()

	go s.readLoop()
}

// MarkConnected records that the handshake succeeded.
func (s *Socket) MarkConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Connecting {
		s.state = Connected
	}
}

func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// AuthRequest receives the auth/request sent by the switch when we connect to
// it.
func (s *Socket) AuthRequest() <-chan *protocol.Event {
	return s.authRequests
}

// Done is closed once the session has ended and every pending command was
// resolved.
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason the session ended, nil if it was closed by Close or
// is still running.
func (s *Socket) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

// Context returns a context that is cancelled when the session ends.
func (s *Socket) Context() context.Context {
	return s.ctx
}

func (s *Socket) RemoteAddr() string {
	return s.stream.RemoteAddr()
}

// Logger returns the socket's logger, annotated with the remote address.
func (s *Socket) Logger() *zap.Logger {
	return s.log
}

// Close ends the session. Commands still waiting for a reply receive an empty
// event and ErrDisconnected.
func (s *Socket) Close() error {
	s.shutdown(nil)
	return nil
}

func (s *Socket) readLoop() {
	log := s.log.Named("readLoop")

	defer func() {
		close(s.loopDone)
		log.Debug("Read loop exited")
	}()

	for {
		contentType, ev, err := s.reader.ReadMessage()
		if err != nil {
			if protocol.IsRecoverable(err) {
				log.Warn("Dropping message", zap.Error(err))
				continue
			}

			s.shutdown(err)
			return
		}

		if err := s.process(contentType, ev); err != nil {
			s.shutdown(err)
			return
		}
	}
}

// process routes one message. A non nil error ends the session.
func (s *Socket) process(contentType protocol.ContentType, ev *protocol.Event) error {
	switch {
	case contentType == protocol.AuthRequest:
		select {
		case s.authRequests <- ev:
		default:
			s.log.Warn("Ignoring unexpected auth request")
		}

	case contentType.IsReply():
		pending := s.popPending()
		if pending == nil {
			if s.isClosing() {
				return nil
			}

			s.log.Error("Protocol desync, received a reply with no pending command",
				zap.String("contentType", string(contentType)),
				zap.Stringer("reply", ev))

			return ErrProtocolDesync
		}

		s.log.Debug("Resolved command",
			zap.String("verb", string(pending.Verb)),
			zap.Stringer("token", pending.Token))

		pending.resolve(ev, nil)

	case contentType.IsEvent():
		s.recordJob(ev)
		s.dispatch(ev)

	case contentType == protocol.DisconnectNotice:
		return s.disconnectNotice(ev)
	}

	return nil
}

func (s *Socket) disconnectNotice(ev *protocol.Event) error {
	s.mu.Lock()
	if s.state != Disconnected {
		s.state = Closing
	}
	if s.err == nil {
		s.err = ErrDisconnectNotice
	}
	linger := s.linger
	s.mu.Unlock()

	s.log.Info("Received disconnect notice", zap.Bool("linger", linger))

	if handler, ok := s.handlers[DisconnectNoticeEvent]; ok {
		s.run(DisconnectNoticeEvent, handler, ev)
	}

	if linger {
		// Keep draining the final events until the switch hangs up
		return nil
	}

	return ErrDisconnectNotice
}

func (s *Socket) dispatch(ev *protocol.Event) {
	name := strings.ToUpper(ev.Name())
	metrics.EventsTotal.WithLabelValues(name).Inc()

	handler, ok := s.handlers[name]
	if !ok {
		handler = s.defaultHandler
	}

	if handler == nil {
		s.log.Debug("No handler for event", zap.String("event", name))
		return
	}

	s.run(name, handler, ev)
}

// run calls handler in its own goroutine. A panicking handler is logged and
// does not affect the session.
func (s *Socket) run(name string, handler HandlerFunc, ev *protocol.Event) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				metrics.HandlerPanicsTotal.Inc()
				s.log.Error("Event handler panicked",
					zap.String("event", name),
					zap.Any("panic", r),
					zap.Stack("stack"))
			}
		}()

		handler(s.ctx, ev)
	}()
}

// send enqueues a pending command and writes data, then waits for the reply.
func (s *Socket) send(ctx context.Context, verb protocol.Verb, data []byte) (*protocol.Event, error) {
	s.writeMu.Lock()

	pending, err := s.enqueue(verb)
	if err != nil {
		s.writeMu.Unlock()
		return protocol.EmptyEvent(), err
	}

	if err := s.stream.Write(data); err != nil {
		s.writeMu.Unlock()

		s.log.Warn("Failed to write command", zap.String("verb", string(verb)), zap.Error(err))
		s.removePending(pending)
		pending.resolve(protocol.EmptyEvent(), ErrDisconnected)
		s.shutdown(err)

		return protocol.EmptyEvent(), err
	}

	s.writeMu.Unlock()

	metrics.CommandsTotal.WithLabelValues(string(verb)).Inc()
	start := time.Now()

	ev, err := pending.Wait(ctx)
	if err == nil {
		metrics.CommandDuration.WithLabelValues(string(verb)).Observe(time.Since(start).Seconds())
	}

	return ev, err
}

func (s *Socket) enqueue(verb protocol.Verb) (*PendingCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Closing || s.state == Disconnected {
		return nil, ErrDisconnected
	}

	pending := newPendingCommand(verb)
	s.pending = append(s.pending, pending)

	return pending, nil
}

// popPending removes and returns the oldest pending command, or nil.
func (s *Socket) popPending() *PendingCommand {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil
	}

	pending := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]

	return pending
}

func (s *Socket) removePending(pending *PendingCommand) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, p := range s.pending {
		if p == pending {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

func (s *Socket) setLinger(linger bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.linger = linger
}

func (s *Socket) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state == Closing || s.state == Disconnected
}

// shutdown ends the session once: it stops the read loop by closing the
// stream, then resolves every pending command with an empty event.
func (s *Socket) shutdown(reason error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = Closing
		if s.err == nil {
			s.err = reason
		}
		reason = s.err
		s.mu.Unlock()

		s.cancel()

		if err := s.stream.Close(); err != nil {
			s.log.Debug("Stream did not close cleanly", zap.Error(err))
		}

		s.mu.Lock()
		pending := s.pending
		s.pending = nil
		s.state = Disconnected
		s.mu.Unlock()

		for _, p := range pending {
			p.resolve(protocol.EmptyEvent(), ErrDisconnected)
		}

		if s.started.Load() {
			metrics.SessionsActive.WithLabelValues(string(s.mode)).Dec()
		}
		metrics.DisconnectsTotal.WithLabelValues(disconnectReason(reason)).Inc()

		if reason == nil || errors.Is(reason, ErrDisconnectNotice) || errors.Is(reason, transport.ErrClosed) {
			s.log.Info("Session ended", zap.Int("pending", len(pending)), zap.NamedError("reason", reason))
		} else {
			s.log.Warn("Session ended", zap.Int("pending", len(pending)), zap.Error(reason))
		}

		close(s.done)
	})
}

func disconnectReason(err error) string {
	var (
		limitErr *protocol.LimitExceededError
		connErr  *transport.ConnectionError
	)

	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, ErrDisconnectNotice):
		return "disconnect_notice"
	case errors.Is(err, ErrProtocolDesync):
		return "desync"
	case errors.As(err, &limitErr):
		return "limit_exceeded"
	case errors.As(err, &connErr):
		return "connection"
	default:
		return "error"
	}
}
