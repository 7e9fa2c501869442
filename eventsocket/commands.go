package eventsocket

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/luma/switchboard/protocol"
)

// AllEvents subscribes to every event the switch produces.
const AllEvents = "ALL"

// ExecuteOptions controls how the switch runs an application started with
// Execute.
type ExecuteOptions struct {
	Lock  bool
	Loops int
	Async bool
}

// Send writes a simple command and returns its raw reply.
func (s *Socket) Send(ctx context.Context, verb protocol.Verb, args string) (*protocol.Event, error) {
	data, err := protocol.EncodeCommand(verb, args)
	if err != nil {
		return protocol.EmptyEvent(), err
	}

	return s.send(ctx, verb, data)
}

// SendWithHeaders writes a command followed by extra headers and an optional
// body, and returns its raw reply.
func (s *Socket) SendWithHeaders(ctx context.Context, verb protocol.Verb, args string, headers [][2]string, body []byte) (*protocol.Event, error) {
	data, err := protocol.EncodeCommandWithHeaders(verb, args, headers, body)
	if err != nil {
		return protocol.EmptyEvent(), err
	}

	return s.send(ctx, verb, data)
}

// SendMsg asks the switch to execute an application on a channel.
func (s *Socket) SendMsg(ctx context.Context, msg protocol.SendMsg) (protocol.CommandResponse, error) {
	data, err := protocol.EncodeSendMsg(msg)
	if err != nil {
		return protocol.EmptyEvent().AsCommandResponse(), err
	}

	ev, err := s.send(ctx, protocol.SENDMSG, data)
	return ev.AsCommandResponse(), err
}

func (s *Socket) command(ctx context.Context, verb protocol.Verb, args string) (protocol.CommandResponse, error) {
	ev, err := s.Send(ctx, verb, args)
	return ev.AsCommandResponse(), err
}

// Api runs a blocking API command, the output is the reply body.
func (s *Socket) Api(ctx context.Context, cmd string) (protocol.ApiResponse, error) {
	ev, err := s.Send(ctx, protocol.API, cmd)
	return ev.AsApiResponse(), err
}

// Bgapi runs an API command in the background. The result arrives later as a
// BACKGROUND_JOB event carrying the returned Job-UUID.
func (s *Socket) Bgapi(ctx context.Context, cmd string) (protocol.BgapiResponse, error) {
	ev, err := s.Send(ctx, protocol.BGAPI, cmd)
	return ev.AsBgapiResponse(), err
}

// BgapiWithJobUUID is Bgapi with a caller chosen Job-UUID.
func (s *Socket) BgapiWithJobUUID(ctx context.Context, cmd, jobUUID string) (protocol.BgapiResponse, error) {
	ev, err := s.SendWithHeaders(ctx, protocol.BGAPI, cmd, [][2]string{{protocol.HeaderJobUUID, jobUUID}}, nil)
	return ev.AsBgapiResponse(), err
}

func (s *Socket) Auth(ctx context.Context, password string) (protocol.CommandResponse, error) {
	return s.command(ctx, protocol.AUTH, password)
}

// Connect starts an outbound session. The reply carries the channel data.
func (s *Socket) Connect(ctx context.Context) (protocol.CommandResponse, error) {
	return s.command(ctx, protocol.CONNECT, "")
}

// Event subscribes to events in the given format, all events when none are
// named.
func (s *Socket) Event(ctx context.Context, format protocol.EventFormat, events ...string) (protocol.CommandResponse, error) {
	if len(events) == 0 {
		events = []string{AllEvents}
	}

	return s.command(ctx, protocol.EVENT, string(format)+" "+strings.Join(events, " "))
}

func (s *Socket) EventPlain(ctx context.Context, events ...string) (protocol.CommandResponse, error) {
	return s.Event(ctx, protocol.FormatPlain, events...)
}

func (s *Socket) EventJSON(ctx context.Context, events ...string) (protocol.CommandResponse, error) {
	return s.Event(ctx, protocol.FormatJSON, events...)
}

func (s *Socket) NixEvent(ctx context.Context, events ...string) (protocol.CommandResponse, error) {
	return s.command(ctx, protocol.NIXEVENT, strings.Join(events, " "))
}

func (s *Socket) NoEvents(ctx context.Context) (protocol.CommandResponse, error) {
	return s.command(ctx, protocol.NOEVENTS, "")
}

// Filter only lets through events whose header equals value.
func (s *Socket) Filter(ctx context.Context, header, value string) (protocol.CommandResponse, error) {
	return s.command(ctx, protocol.FILTER, header+" "+value)
}

// FilterDelete removes a filter. An empty value removes every filter on the
// header.
func (s *Socket) FilterDelete(ctx context.Context, header, value string) (protocol.CommandResponse, error) {
	args := "delete " + header
	if value != "" {
		args += " " + value
	}

	return s.command(ctx, protocol.FILTER, args)
}

func (s *Socket) DivertEvents(ctx context.Context, on bool) (protocol.CommandResponse, error) {
	if on {
		return s.command(ctx, protocol.DIVERTEVENTS, "on")
	}

	return s.command(ctx, protocol.DIVERTEVENTS, "off")
}

// MyEvents restricts events to one channel. Outbound sessions pass an empty
// uuid for their own channel.
func (s *Socket) MyEvents(ctx context.Context, uuid string) (protocol.CommandResponse, error) {
	return s.command(ctx, protocol.MYEVENTS, uuid)
}

// Linger keeps the connection open after the channel hangs up so the final
// events are delivered.
func (s *Socket) Linger(ctx context.Context) (protocol.CommandResponse, error) {
	resp, err := s.command(ctx, protocol.LINGER, "")
	if err == nil && resp.OK() {
		s.setLinger(true)
	}

	return resp, err
}

func (s *Socket) NoLinger(ctx context.Context) (protocol.CommandResponse, error) {
	resp, err := s.command(ctx, protocol.NOLINGER, "")
	if err == nil && resp.OK() {
		s.setLinger(false)
	}

	return resp, err
}

func (s *Socket) Resume(ctx context.Context) (protocol.CommandResponse, error) {
	return s.command(ctx, protocol.RESUME, "")
}

func (s *Socket) Exit(ctx context.Context) (protocol.CommandResponse, error) {
	return s.command(ctx, protocol.EXIT, "")
}

func (s *Socket) Log(ctx context.Context, level string) (protocol.CommandResponse, error) {
	return s.command(ctx, protocol.LOG, level)
}

func (s *Socket) NoLog(ctx context.Context) (protocol.CommandResponse, error) {
	return s.command(ctx, protocol.NOLOG, "")
}

// SendEvent fires an event into the switch.
func (s *Socket) SendEvent(ctx context.Context, name string, headers [][2]string, body []byte) (protocol.CommandResponse, error) {
	ev, err := s.SendWithHeaders(ctx, protocol.SENDEVENT, name, headers, body)
	return ev.AsCommandResponse(), err
}

// Subscribe sets up the event subscription and filters of a new session.
func (s *Socket) Subscribe(ctx context.Context, format protocol.EventFormat, events []string, filters [][2]string) error {
	resp, err := s.Event(ctx, format, events...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSubscribeFailed, err)
	}

	if !resp.OK() {
		return fmt.Errorf("%w: %s", ErrSubscribeFailed, resp.ReplyText())
	}

	for _, filter := range filters {
		resp, err := s.Filter(ctx, filter[0], filter[1])
		if err != nil {
			return fmt.Errorf("%w: filter %s: %v", ErrSubscribeFailed, filter[0], err)
		}

		if !resp.OK() {
			return fmt.Errorf("%w: filter %s: %s", ErrSubscribeFailed, filter[0], resp.ReplyText())
		}
	}

	return nil
}

// Execute runs a dialplan application on the channel uuid.
func (s *Socket) Execute(ctx context.Context, app, args, uuid string, options ExecuteOptions) (protocol.CommandResponse, error) {
	return s.SendMsg(ctx, protocol.SendMsg{
		UUID:  uuid,
		App:   app,
		Args:  args,
		Lock:  options.Lock,
		Loops: options.Loops,
		Async: options.Async,
	})
}

// HangupCall hangs up the channel without running an application.
func (s *Socket) HangupCall(ctx context.Context, uuid, cause string) (protocol.CommandResponse, error) {
	data, err := protocol.EncodeHangup(protocol.Hangup{UUID: uuid, Cause: cause})
	if err != nil {
		return protocol.EmptyEvent().AsCommandResponse(), err
	}

	ev, err := s.send(ctx, protocol.SENDMSG, data)
	return ev.AsCommandResponse(), err
}

func (s *Socket) execute(ctx context.Context, app, args, uuid string) (protocol.CommandResponse, error) {
	return s.Execute(ctx, app, args, uuid, ExecuteOptions{})
}

func (s *Socket) Answer(ctx context.Context, uuid string) (protocol.CommandResponse, error) {
	return s.execute(ctx, "answer", "", uuid)
}

func (s *Socket) PreAnswer(ctx context.Context, uuid string) (protocol.CommandResponse, error) {
	return s.execute(ctx, "pre_answer", "", uuid)
}

func (s *Socket) RingReady(ctx context.Context, uuid string) (protocol.CommandResponse, error) {
	return s.execute(ctx, "ring_ready", "", uuid)
}

// Hangup runs the hangup application. cause may be empty.
func (s *Socket) Hangup(ctx context.Context, uuid, cause string) (protocol.CommandResponse, error) {
	return s.execute(ctx, "hangup", cause, uuid)
}

// Playback plays a file. Digits in terminators stop the playback, none when
// empty.
func (s *Socket) Playback(ctx context.Context, uuid, file, terminators string) (protocol.CommandResponse, error) {
	if terminators == "" {
		terminators = "none"
	}

	if resp, err := s.Set(ctx, uuid, "playback_terminators", terminators); err != nil || !resp.OK() {
		return resp, err
	}

	return s.execute(ctx, "playback", file, uuid)
}

func (s *Socket) Set(ctx context.Context, uuid, name, value string) (protocol.CommandResponse, error) {
	return s.execute(ctx, "set", name+"="+value, uuid)
}

func (s *Socket) Unset(ctx context.Context, uuid, name string) (protocol.CommandResponse, error) {
	return s.execute(ctx, "unset", name, uuid)
}

func (s *Socket) Export(ctx context.Context, uuid, name, value string) (protocol.CommandResponse, error) {
	return s.execute(ctx, "export", name+"="+value, uuid)
}

func (s *Socket) SetGlobal(ctx context.Context, uuid, name, value string) (protocol.CommandResponse, error) {
	return s.execute(ctx, "set_global", name+"="+value, uuid)
}

// Bridge connects the channel to endpoint, e.g.
// "{ignore_early_media=true}sofia/gateway/gw/1000".
func (s *Socket) Bridge(ctx context.Context, uuid, endpoint string) (protocol.CommandResponse, error) {
	return s.execute(ctx, "bridge", endpoint, uuid)
}

// Transfer sends the channel to "<extension> [<dialplan> <context>]".
func (s *Socket) Transfer(ctx context.Context, uuid, target string) (protocol.CommandResponse, error) {
	return s.execute(ctx, "transfer", target, uuid)
}

func (s *Socket) Sleep(ctx context.Context, uuid string, milliseconds int) (protocol.CommandResponse, error) {
	return s.execute(ctx, "sleep", strconv.Itoa(milliseconds), uuid)
}

func (s *Socket) Speak(ctx context.Context, uuid, text string) (protocol.CommandResponse, error) {
	return s.execute(ctx, "speak", text, uuid)
}

// Say takes "<language> <type> <method> <text>", e.g. "en number pronounced
// 12345".
func (s *Socket) Say(ctx context.Context, uuid, args string) (protocol.CommandResponse, error) {
	return s.execute(ctx, "say", args, uuid)
}

func (s *Socket) RecordSession(ctx context.Context, uuid, file string) (protocol.CommandResponse, error) {
	return s.execute(ctx, "record_session", file, uuid)
}

func (s *Socket) StopRecordSession(ctx context.Context, uuid, file string) (protocol.CommandResponse, error) {
	return s.execute(ctx, "stop_record_session", file, uuid)
}

// RecordOptions are the arguments of the record application. Zero values are
// left to the switch defaults.
type RecordOptions struct {
	File          string
	TimeLimit     int
	SilenceThresh int
	SilenceHits   int
	Terminators   string
}

func (s *Socket) Record(ctx context.Context, uuid string, options RecordOptions) (protocol.CommandResponse, error) {
	if options.Terminators != "" {
		if resp, err := s.Set(ctx, uuid, "playback_terminators", options.Terminators); err != nil || !resp.OK() {
			return resp, err
		}
	}

	args := options.File
	if options.TimeLimit > 0 {
		args += " " + strconv.Itoa(options.TimeLimit)

		if options.SilenceThresh > 0 {
			args += fmt.Sprintf(" %d %d", options.SilenceThresh, options.SilenceHits)
		}
	}

	return s.Execute(ctx, "record", args, uuid, ExecuteOptions{Lock: true})
}

// Conference joins the channel to "<name>[@<profile>][+<pin>][+flags{...}]".
func (s *Socket) Conference(ctx context.Context, uuid, args string) (protocol.CommandResponse, error) {
	return s.execute(ctx, "conference", args, uuid)
}

func (s *Socket) StartDTMF(ctx context.Context, uuid string) (protocol.CommandResponse, error) {
	return s.execute(ctx, "start_dtmf", "", uuid)
}

func (s *Socket) StopDTMF(ctx context.Context, uuid string) (protocol.CommandResponse, error) {
	return s.execute(ctx, "stop_dtmf", "", uuid)
}

// QueueDTMF queues digits to be sent once the call is bridged.
func (s *Socket) QueueDTMF(ctx context.Context, uuid, digits string) (protocol.CommandResponse, error) {
	return s.execute(ctx, "queue_dtmf", digits, uuid)
}

func (s *Socket) FlushDTMF(ctx context.Context, uuid string) (protocol.CommandResponse, error) {
	return s.execute(ctx, "flush_dtmf", "", uuid)
}

// SchedHangup takes "+<seconds> [<cause>]".
func (s *Socket) SchedHangup(ctx context.Context, uuid, args string) (protocol.CommandResponse, error) {
	return s.execute(ctx, "sched_hangup", args, uuid)
}

// SchedTransfer takes "+<seconds> <extension> [<dialplan> <context>]".
func (s *Socket) SchedTransfer(ctx context.Context, uuid, args string) (protocol.CommandResponse, error) {
	return s.execute(ctx, "sched_transfer", args, uuid)
}

// VerboseEvents makes the switch include every channel variable in the
// channel's events.
func (s *Socket) VerboseEvents(ctx context.Context, uuid string) (protocol.CommandResponse, error) {
	return s.execute(ctx, "verbose_events", "", uuid)
}

// DigitsOptions are the arguments of play_and_get_digits.
type DigitsOptions struct {
	Min, Max    int
	Tries       int
	TimeoutMS   int
	Terminators string

	// Files are played in order. A tone is played instead when empty.
	Files []string

	InvalidFile string
	VarName     string

	// Regexp the digits must match, any digits when empty.
	Regexp string

	// DigitTimeoutMS is the inter digit timeout, defaults to TimeoutMS.
	DigitTimeoutMS int
}

const (
	beepTone       = "tone_stream://%(300,200,700)"
	defaultInvalid = "silence_stream://150"
)

// PlayAndGetDigits plays a prompt and collects digits into VarName. The
// digits arrive in a later CHANNEL_EXECUTE_COMPLETE event.
func (s *Socket) PlayAndGetDigits(ctx context.Context, uuid string, options DigitsOptions) (protocol.CommandResponse, error) {
	prompt := beepTone

	switch len(options.Files) {
	case 0:
	case 1:
		prompt = options.Files[0]
	default:
		if resp, err := s.Set(ctx, uuid, "playback_delimiter", "!"); err != nil || !resp.OK() {
			return resp, err
		}
		prompt = "file_string://" + strings.Join(options.Files, "!")
	}

	invalid := options.InvalidFile
	if invalid == "" {
		invalid = defaultInvalid
	}

	regexp := options.Regexp
	if regexp == "" {
		regexp = `\d+`
	}

	terminators := options.Terminators
	if terminators == "" {
		terminators = "none"
	}

	digitTimeout := options.DigitTimeoutMS
	if digitTimeout == 0 {
		digitTimeout = options.TimeoutMS
	}

	args := fmt.Sprintf("%d %d %d %d %s %s %s %s %s %d",
		options.Min, options.Max, options.Tries, options.TimeoutMS,
		terminators, prompt, invalid, options.VarName, regexp, digitTimeout)

	return s.Execute(ctx, "play_and_get_digits", args, uuid, ExecuteOptions{Lock: true})
}
