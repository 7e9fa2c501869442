package eventsocket

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/luma/switchboard/protocol"
)

type commandResult struct {
	event *protocol.Event
	err   error
}

// PendingCommand is a command waiting for its reply. It is resolved exactly
// once, either by its reply or by the session ending.
type PendingCommand struct {
	Token uuid.UUID
	Verb  protocol.Verb

	once   sync.Once
	result chan commandResult
}

func newPendingCommand(verb protocol.Verb) *PendingCommand {
	return &PendingCommand{
		Token:  uuid.New(),
		Verb:   verb,
		result: make(chan commandResult, 1),
	}
}

// resolve assigns the result. Later calls are ignored. It never blocks, so
// the read loop cannot be held up by a caller that stopped waiting.
func (p *PendingCommand) resolve(ev *protocol.Event, err error) {
	p.once.Do(func() {
		p.result <- commandResult{event: ev, err: err}
	})
}

// Wait blocks until the command is resolved or ctx is done. The returned
// event is never nil.
func (p *PendingCommand) Wait(ctx context.Context) (*protocol.Event, error) {
	select {
	case res := <-p.result:
		return res.event, res.err

	case <-ctx.Done():
		return protocol.EmptyEvent(), ctx.Err()
	}
}
