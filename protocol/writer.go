package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidCommand = errors.New("Invalid command contains \\r or \\n")
	ErrMissingApp     = errors.New("sendmsg requires an application name")

	Terminal = []byte("\n\n")
)

// SendMsg describes a sendmsg command asking the switch to run a dialplan
// application on a channel.
type SendMsg struct {
	// UUID of the target channel. Empty means the channel of an outbound
	// connection.
	UUID string

	// App is the name of the application to execute
	App string

	// Args is sent as a length framed body so it may contain anything
	Args string

	// Lock asks the switch to finish the application before accepting the
	// next command for the channel (event-lock).
	Lock bool

	// Loops repeats the application, written only when greater than 1
	Loops int

	// Async runs the application without blocking the channel's command
	// queue.
	Async bool
}

// Hangup describes a sendmsg command hanging up a channel without running an
// application.
type Hangup struct {
	UUID  string
	Cause string
}

// EncodeCommand builds a simple command: "<verb> <args>\n\n".
func EncodeCommand(verb Verb, args string) ([]byte, error) {
	if strings.ContainsAny(string(verb), "\r\n") || strings.ContainsAny(args, "\r\n") {
		return nil, fmt.Errorf("Failed to encode '%s': %w", verb, ErrInvalidCommand)
	}

	var buf bytes.Buffer
	buf.WriteString(string(verb))

	if args != "" {
		buf.WriteByte(' ')
		buf.WriteString(args)
	}

	buf.Write(Terminal)
	return buf.Bytes(), nil
}

// EncodeCommandWithHeaders builds a command line followed by extra header
// lines, e.g. a bgapi carrying its own Job-UUID or a sendevent.
func EncodeCommandWithHeaders(verb Verb, args string, headers [][2]string, body []byte) ([]byte, error) {
	cmd, err := EncodeCommand(verb, args)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Write(cmd[:len(cmd)-len(Terminal)])

	for _, h := range headers {
		if strings.ContainsAny(h[0], "\r\n") || strings.ContainsAny(h[1], "\r\n") {
			return nil, fmt.Errorf("Failed to encode header '%s': %w", h[0], ErrInvalidCommand)
		}

		buf.WriteByte('\n')
		buf.WriteString(h[0])
		buf.WriteString(headerSeparator)
		buf.WriteString(h[1])
	}

	if len(body) > 0 {
		buf.WriteString("\n" + HeaderContentLength + headerSeparator)
		buf.WriteString(strconv.Itoa(len(body)))
		buf.Write(Terminal)
		buf.Write(body)
		return buf.Bytes(), nil
	}

	buf.Write(Terminal)
	return buf.Bytes(), nil
}

// EncodeSendMsg builds an execute command:
//
//	sendmsg <uuid>
//	call-command: execute
//	execute-app-name: <name>
//	[event-lock: true]
//	[loops: N]
//	[async: true]
//	content-type: text/plain
//	content-length: <len>
//
//	<args>
func EncodeSendMsg(msg SendMsg) ([]byte, error) {
	if msg.App == "" {
		return nil, ErrMissingApp
	}

	if strings.ContainsAny(msg.UUID, "\r\n") || strings.ContainsAny(msg.App, "\r\n") {
		return nil, fmt.Errorf("Failed to encode sendmsg '%s': %w", msg.App, ErrInvalidCommand)
	}

	var buf bytes.Buffer
	writeSendMsgLine(&buf, msg.UUID)
	buf.WriteString("call-command: execute\n")
	fmt.Fprintf(&buf, "execute-app-name: %s\n", msg.App)

	if msg.Lock {
		buf.WriteString("event-lock: true\n")
	}

	if msg.Loops > 1 {
		fmt.Fprintf(&buf, "loops: %d\n", msg.Loops)
	}

	if msg.Async {
		buf.WriteString("async: true\n")
	}

	buf.WriteString("content-type: text/plain\n")
	fmt.Fprintf(&buf, "content-length: %d\n\n", len(msg.Args))
	buf.WriteString(msg.Args)
	buf.WriteByte('\n')

	return buf.Bytes(), nil
}

// EncodeHangup builds a sendmsg hangup command.
func EncodeHangup(msg Hangup) ([]byte, error) {
	if strings.ContainsAny(msg.UUID, "\r\n") || strings.ContainsAny(msg.Cause, "\r\n") {
		return nil, fmt.Errorf("Failed to encode hangup: %w", ErrInvalidCommand)
	}

	var buf bytes.Buffer
	writeSendMsgLine(&buf, msg.UUID)
	buf.WriteString("call-command: hangup\n")

	if msg.Cause != "" {
		fmt.Fprintf(&buf, "hangup-cause: %s\n", msg.Cause)
	}

	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func writeSendMsgLine(buf *bytes.Buffer, uuid string) {
	buf.WriteString(string(SENDMSG))
	if uuid != "" {
		buf.WriteByte(' ')
		buf.WriteString(uuid)
	}
	buf.WriteByte('\n')
}
