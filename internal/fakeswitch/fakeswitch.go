// Package fakeswitch plays the switch side of an Event Socket connection in
// tests.
package fakeswitch

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Command is one command received from the client.
type Command struct {
	// Line is the first line, e.g. "api status"
	Line    string
	Headers map[string]string
	Body    string
}

// Verb returns the first word of the command line.
func (c Command) Verb() string {
	verb, _, _ := strings.Cut(c.Line, " ")
	return verb
}

// Args returns the command line without its verb.
func (c Command) Args() string {
	_, args, _ := strings.Cut(c.Line, " ")
	return args
}

// Switch is the peer end of a connection.
type Switch struct {
	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex
}

func New(conn net.Conn) *Switch {
	return &Switch{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

// Pipe returns a connected pair: the client end to hand to the code under
// test and the Switch driving the other end.
func Pipe() (net.Conn, *Switch) {
	client, server := net.Pipe()
	return client, New(server)
}

func (s *Switch) Close() error {
	return s.conn.Close()
}

// ReadCommand reads the next command including any header lines and
// length framed body.
func (s *Switch) ReadCommand() (Command, error) {
	var cmd Command
	cmd.Headers = make(map[string]string)

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return cmd, err
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			// Skips the newline trailing sendmsg bodies
			if cmd.Line == "" {
				continue
			}
			break
		}

		if cmd.Line == "" {
			cmd.Line = line
			continue
		}

		if name, value, ok := strings.Cut(line, ": "); ok {
			cmd.Headers[name] = value
		}
	}

	length := cmd.Headers["Content-Length"]
	if length == "" {
		length = cmd.Headers["content-length"]
	}

	if length != "" {
		n, err := strconv.Atoi(length)
		if err != nil {
			return cmd, fmt.Errorf("bad content length %q: %w", length, err)
		}

		body := make([]byte, n)
		if _, err := io.ReadFull(s.reader, body); err != nil {
			return cmd, err
		}
		cmd.Body = string(body)
	}

	return cmd, nil
}

// Write sends raw bytes.
func (s *Switch) Write(data string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := io.WriteString(s.conn, data)
	return err
}

// Send writes a message with the given content type, headers and body.
// Headers are written in sorted order.
func (s *Switch) Send(contentType string, headers map[string]string, body string) error {
	var b strings.Builder

	fmt.Fprintf(&b, "Content-Type: %s\n", contentType)
	writeHeaders(&b, headers)

	if body != "" {
		fmt.Fprintf(&b, "Content-Length: %d\n", len(body))
	}

	b.WriteString("\n")
	b.WriteString(body)

	return s.Write(b.String())
}

func (s *Switch) AuthRequest() error {
	return s.Send("auth/request", nil, "")
}

// Reply answers a command with a command/reply.
func (s *Switch) Reply(replyText string, headers map[string]string) error {
	h := map[string]string{"Reply-Text": replyText}
	for k, v := range headers {
		h[k] = v
	}

	return s.Send("command/reply", h, "")
}

func (s *Switch) OK() error {
	return s.Reply("+OK", nil)
}

// APIResponse answers an api command.
func (s *Switch) APIResponse(body string) error {
	return s.Send("api/response", nil, body)
}

// EventPlain sends a text/event-plain event. Header values must already be
// percent encoded.
func (s *Switch) EventPlain(headers map[string]string, body string) error {
	var inner strings.Builder
	writeHeaders(&inner, headers)

	if body != "" {
		fmt.Fprintf(&inner, "Content-Length: %d\n", len(body))
	}

	inner.WriteString("\n")
	inner.WriteString(body)

	return s.Send("text/event-plain", nil, inner.String())
}

// EventJSON sends a text/event-json event with body as its _body member.
func (s *Switch) EventJSON(headers map[string]string, body string) error {
	keys := sortedKeys(headers)

	parts := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		parts = append(parts, strconv.Quote(k)+":"+strconv.Quote(headers[k]))
	}

	if body != "" {
		parts = append(parts, `"_body":`+strconv.Quote(body))
	}

	return s.Send("text/event-json", nil, "{"+strings.Join(parts, ",")+"}")
}

func (s *Switch) DisconnectNotice() error {
	return s.Send("text/disconnect-notice", nil, "Disconnected, goodbye.\nSee you at ClueCon! http://www.cluecon.com/\n")
}

// Serve answers commands with handle until the connection ends.
func (s *Switch) Serve(handle func(cmd Command) error) error {
	for {
		cmd, err := s.ReadCommand()
		if err != nil {
			return err
		}

		if err := handle(cmd); err != nil {
			return err
		}
	}
}

func writeHeaders(b *strings.Builder, headers map[string]string) {
	for _, k := range sortedKeys(headers) {
		fmt.Fprintf(b, "%s: %s\n", k, headers[k])
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)
	return keys
}
