package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultMaxHeaderLines bounds the number of lines a header block may have
// before the peer is considered broken.
const DefaultMaxHeaderLines = 1000

var (
	ErrUnsupportedContentType = errors.New("Unsupported content type")
	ErrMalformedContentLength = errors.New("Message is malformed, Content-Length is not a valid length")
	ErrMalformedEvent         = errors.New("Event is malformed, its body could not be assembled")
	ErrMalformedJSON          = errors.New("Event is malformed, its body is not a JSON object")

	headerSeparator = ": "
)

// LimitExceededError is returned when a header block is not terminated within
// the configured number of lines.
type LimitExceededError struct {
	Limit int
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("Header block exceeded the limit of %d lines", e.Limit)
}

// LineReader is the read half of a transport.
type LineReader interface {
	// ReadLine returns the next line including its terminator.
	ReadLine() (string, error)

	// Read returns exactly n bytes.
	Read(n int) ([]byte, error)
}

// assembleFunc builds the final Event from the outer headers and the raw
// body of a message.
type assembleFunc func(headers map[string]string, body []byte) (*Event, error)

// assemblers maps each supported content type to its assembly rule. It is
// never modified after initialisation.
var assemblers = map[ContentType]assembleFunc{
	AuthRequest:      assembleRaw,
	APIResponse:      assembleRaw,
	CommandReply:     assembleRaw,
	DisconnectNotice: assembleRaw,
	EventPlain:       assembleEventPlain,
	EventJSON:        assembleEventJSON,
}

// Reader parses messages sent by the switch.
type Reader struct {
	r        LineReader
	maxLines int
}

func NewReader(r LineReader, maxHeaderLines int) *Reader {
	if maxHeaderLines < 1 {
		maxHeaderLines = DefaultMaxHeaderLines
	}

	return &Reader{r: r, maxLines: maxHeaderLines}
}

// ReadMessage reads one complete message: a header block, then, if the block
// declares a Content-Length, exactly that many bytes of body. The message is
// then assembled according to its content type, which is returned alongside
// since event framing replaces the outer headers with the event's own.
//
// Errors for which IsRecoverable returns true leave the stream positioned at
// the next message. Any other error means the stream can no longer be
// trusted.
func (r *Reader) ReadMessage() (ContentType, *Event, error) {
	headers, err := r.readHeaders()
	if err != nil {
		return "", nil, err
	}

	var body []byte
	if v, ok := headers[HeaderContentLength]; ok {
		length, err := parseLength(v)
		if err != nil {
			return "", nil, err
		}

		if length > 0 {
			if body, err = r.r.Read(length); err != nil {
				return "", nil, err
			}
		}
	}

	contentType := ContentType(headers[HeaderContentType])

	assemble, ok := assemblers[contentType]
	if !ok {
		return contentType, NewEvent(headers, body), fmt.Errorf("Failed to assemble '%s': %w",
			string(contentType), ErrUnsupportedContentType)
	}

	ev, err := assemble(headers, body)
	return contentType, ev, err
}

func (r *Reader) readHeaders() (map[string]string, error) {
	headers := make(map[string]string)
	started := false

	for lines := 0; ; lines++ {
		if lines >= r.maxLines {
			return nil, &LimitExceededError{Limit: r.maxLines}
		}

		line, err := r.r.ReadLine()
		if err != nil {
			return nil, err
		}

		line = RemoveTrailingNewline(line)
		if line == "" {
			if !started {
				// Stray blank lines between messages
				continue
			}

			return headers, nil
		}

		started = true
		parseHeaderLine(headers, line)
	}
}

// IsRecoverable returns true if err concerns a single message whose framing
// was intact, so reading may continue with the next message.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrUnsupportedContentType) ||
		errors.Is(err, ErrMalformedEvent) ||
		errors.Is(err, ErrMalformedJSON)
}

func assembleRaw(headers map[string]string, body []byte) (*Event, error) {
	return NewEvent(headers, body), nil
}

// assembleEventPlain handles the switch's double framing of plain events: the
// body is itself a header block, optionally followed by an inner body whose
// size is given by the inner Content-Length.
func assembleEventPlain(_ map[string]string, body []byte) (*Event, error) {
	headers, rest := parseHeaderBlock(body)

	v, ok := headers[HeaderContentLength]
	if !ok {
		return NewEvent(headers, nil), nil
	}

	length, err := parseLength(v)
	if err != nil {
		return nil, fmt.Errorf("Failed to parse inner Content-Length '%s': %w", v, ErrMalformedEvent)
	}

	if length > len(rest) {
		return nil, fmt.Errorf("Inner body is %d bytes, expected %d: %w",
			len(rest), length, ErrMalformedEvent)
	}

	var inner []byte
	if length > 0 {
		inner = rest[:length]
	}

	return NewEvent(headers, inner), nil
}

func assembleEventJSON(_ map[string]string, body []byte) (*Event, error) {
	return ParseJSONEvent(body)
}

// parseHeaderBlock parses the header lines at the start of data, up to the
// first blank line, and returns whatever follows that blank line.
func parseHeaderBlock(data []byte) (map[string]string, []byte) {
	headers := make(map[string]string)

	for len(data) > 0 {
		var line []byte

		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			line, data = data[:i], data[i+1:]
		} else {
			line, data = data, nil
		}

		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(line) == 0 {
			return headers, data
		}

		parseHeaderLine(headers, string(line))
	}

	return headers, nil
}

// parseHeaderLine splits line on the first ": " and stores the percent
// decoded value. Lines without a separator are ignored, later duplicates
// overwrite earlier ones.
func parseHeaderLine(headers map[string]string, line string) {
	i := strings.Index(line, headerSeparator)
	if i < 0 {
		return
	}

	headers[line[:i]] = Unescape(line[i+len(headerSeparator):])
}

// Unescape percent-decodes a header value one escape at a time. '+' is left
// alone so that reply texts such as "+OK" survive, and a '%' that does not
// start a valid escape is kept as is.
func Unescape(value string) string {
	if strings.IndexByte(value, '%') < 0 {
		return value
	}

	var b strings.Builder
	b.Grow(len(value))

	for i := 0; i < len(value); i++ {
		if value[i] == '%' && i+2 < len(value) && isHex(value[i+1]) && isHex(value[i+2]) {
			b.WriteByte(unhex(value[i+1])<<4 | unhex(value[i+2]))
			i += 2
			continue
		}

		b.WriteByte(value[i])
	}

	return b.String()
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

func parseLength(v string) (int, error) {
	length, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || length < 0 {
		return 0, fmt.Errorf("Failed to parse '%s': %w", v, ErrMalformedContentLength)
	}

	return length, nil
}

// RemoveTrailingNewline strips the '\n' and the optional '\r' ending a line.
func RemoveTrailingNewline(line string) string {
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r")
}
