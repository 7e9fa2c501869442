package server

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/luma/switchboard/eventsocket"
	"github.com/luma/switchboard/protocol"
)

const (
	headerCallerIDNumber    = "Caller-Caller-ID-Number"
	headerDestinationNumber = "Caller-Destination-Number"
	channelVarPrefix        = "variable_"
)

// Session is one call leg the switch connected to us for. It embeds the
// Socket so the whole command API is available on it.
type Session struct {
	*eventsocket.Socket

	linger      bool
	myEvents    bool
	eventFormat protocol.EventFormat
	events      []string

	// channel is the reply to connect, it carries the channel's data. Bound
	// handlers may read it while the handshake is still running.
	mu      sync.RWMutex
	channel *protocol.Event
}

func newSession(socket *eventsocket.Socket, options Options) *Session {
	return &Session{
		Socket:      socket,
		linger:      options.Linger,
		myEvents:    options.MyEvents,
		eventFormat: options.EventFormat,
		events:      options.Events,
		channel:     protocol.EmptyEvent(),
	}
}

// Handshake sends connect and then, as configured, linger, myevents and the
// event subscription.
func (s *Session) Handshake(ctx context.Context) error {
	fail := func(err error) error {
		return &eventsocket.ConnectError{Addr: s.RemoteAddr(), Err: err}
	}

	resp, err := s.Connect(ctx)
	if err != nil {
		return fail(err)
	}

	if strings.HasPrefix(resp.ReplyText(), "-ERR") || resp.IsEmpty() {
		return fail(fmt.Errorf("%w: %s", eventsocket.ErrConnectRejected, resp.ReplyText()))
	}

	s.mu.Lock()
	s.channel = resp.Event
	s.mu.Unlock()

	if s.linger {
		resp, err := s.Linger(ctx)
		if err != nil {
			return fail(err)
		}

		if !resp.OK() {
			return fail(fmt.Errorf("%w: %s", eventsocket.ErrLingerFailed, resp.ReplyText()))
		}
	}

	if s.myEvents {
		resp, err := s.MyEvents(ctx, "")
		if err != nil {
			return fail(err)
		}

		if !resp.OK() {
			return fail(fmt.Errorf("%w: myevents: %s", eventsocket.ErrSubscribeFailed, resp.ReplyText()))
		}
	}

	if len(s.events) > 0 {
		if err := s.Subscribe(ctx, s.eventFormat, s.events, nil); err != nil {
			return fail(err)
		}
	}

	return nil
}

// UUID is the unique id of the session's channel.
func (s *Session) UUID() string {
	channel := s.Channel()
	return channel.GetOr(protocol.HeaderUniqueID, channel.Get(protocol.HeaderChannelUUID))
}

// Channel returns the channel data received in reply to connect.
func (s *Session) Channel() *protocol.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.channel
}

// ChannelVar returns the channel variable name as it was when the session
// started.
func (s *Session) ChannelVar(name string) string {
	return s.Channel().Get(channelVarPrefix + name)
}

func (s *Session) CallerIDNumber() string {
	return s.Channel().Get(headerCallerIDNumber)
}

func (s *Session) DestinationNumber() string {
	return s.Channel().Get(headerDestinationNumber)
}

// Execute runs app on the session's own channel.
func (s *Session) Execute(ctx context.Context, app, args string, options eventsocket.ExecuteOptions) (protocol.CommandResponse, error) {
	return s.Socket.Execute(ctx, app, args, "", options)
}
