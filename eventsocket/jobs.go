package eventsocket

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/luma/switchboard/protocol"
	"github.com/luma/switchboard/storage"
)

// recordJob stores the result of a background job so WaitJob can pick it up.
func (s *Socket) recordJob(ev *protocol.Event) {
	if s.jobs == nil || ev.Name() != protocol.BackgroundJob {
		return
	}

	jobUUID := ev.Get(protocol.HeaderJobUUID)
	if jobUUID == "" {
		s.log.Warn("Background job event without a Job-UUID")
		return
	}

	value, err := ev.MarshalJSON()
	if err != nil {
		s.log.Error("Failed to encode background job", zap.String("jobUUID", jobUUID), zap.Error(err))
		return
	}

	if err := s.jobs.Set(s.ctx, []byte(jobUUID), value); err != nil {
		s.log.Error("Failed to record background job", zap.String("jobUUID", jobUUID), zap.Error(err))
	}
}

// WaitJob waits for the BACKGROUND_JOB event of jobUUID and removes it from
// the job store.
func (s *Socket) WaitJob(ctx context.Context, jobUUID string) (*protocol.Event, error) {
	if s.jobs == nil {
		return protocol.EmptyEvent(), ErrNoJobStore
	}

	key := []byte(jobUUID)

	// Listen before looking so a result recorded in between is not missed
	updates := s.jobs.ListenToUpdates()
	defer s.jobs.StopListening(updates)

	value, err := s.jobs.Get(ctx, key)
	if err == nil {
		return s.takeJob(ctx, key, value)
	}

	if !errors.Is(err, storage.ErrNotFound) {
		return protocol.EmptyEvent(), err
	}

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return protocol.EmptyEvent(), fmt.Errorf("Job store closed while waiting for job %s", jobUUID)
			}

			if string(update.Key) == jobUUID {
				return s.takeJob(ctx, key, update.Value)
			}

		case <-ctx.Done():
			return protocol.EmptyEvent(), ctx.Err()

		case <-s.done:
			return protocol.EmptyEvent(), ErrDisconnected
		}
	}
}

func (s *Socket) takeJob(ctx context.Context, key []byte, value []byte) (*protocol.Event, error) {
	if err := s.jobs.Delete(ctx, key); err != nil {
		s.log.Warn("Failed to delete background job", zap.ByteString("jobUUID", key), zap.Error(err))
	}

	ev, err := protocol.ParseJSONEvent(value)
	if err != nil {
		return protocol.EmptyEvent(), fmt.Errorf("Failed to decode job %s: %w", string(key), err)
	}

	return ev, nil
}

// BgapiWait runs cmd in the background under a fresh Job-UUID and waits for
// its BACKGROUND_JOB event. The command output is the event body.
func (s *Socket) BgapiWait(ctx context.Context, cmd string) (*protocol.Event, error) {
	if s.jobs == nil {
		return protocol.EmptyEvent(), ErrNoJobStore
	}

	jobUUID := uuid.NewString()

	resp, err := s.BgapiWithJobUUID(ctx, cmd, jobUUID)
	if err != nil {
		return protocol.EmptyEvent(), err
	}

	if !resp.OK() {
		return resp.Event, fmt.Errorf("bgapi %s failed: %s", cmd, resp.ReplyText())
	}

	return s.WaitJob(ctx, jobUUID)
}
