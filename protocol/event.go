package protocol

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Event is one message received from the switch: its headers and an
// optional raw body. Events are immutable once built.
type Event struct {
	headers map[string]string
	body    []byte
}

// NewEvent builds an Event. The event takes ownership of headers.
func NewEvent(headers map[string]string, body []byte) *Event {
	if headers == nil {
		headers = make(map[string]string)
	}

	return &Event{headers: headers, body: body}
}

// EmptyEvent is what callers receive for commands that were pending when
// their connection went away.
func EmptyEvent() *Event {
	return NewEvent(nil, nil)
}

// Get returns the value of the header key, or "" if it is not set.
func (e *Event) Get(key string) string {
	return e.headers[key]
}

// GetOr returns the value of the header key, or defaultValue if it is unset
// or empty.
func (e *Event) GetOr(key, defaultValue string) string {
	if v := e.headers[key]; v != "" {
		return v
	}

	return defaultValue
}

// GetInt returns the value of the header key converted to int.
func (e *Event) GetInt(key string) (int, error) {
	return strconv.Atoi(e.headers[key])
}

func (e *Event) Has(key string) bool {
	_, ok := e.headers[key]
	return ok
}

// Headers returns a copy of the event headers.
func (e *Event) Headers() map[string]string {
	headers := make(map[string]string, len(e.headers))
	for k, v := range e.headers {
		headers[k] = v
	}

	return headers
}

func (e *Event) Body() []byte {
	return e.body
}

// Len returns the number of headers.
func (e *Event) Len() int {
	return len(e.headers)
}

func (e *Event) IsEmpty() bool {
	return len(e.headers) == 0 && len(e.body) == 0
}

// Name returns the Event-Name header.
func (e *Event) Name() string {
	return e.headers[HeaderEventName]
}

func (e *Event) ContentType() ContentType {
	return ContentType(e.headers[HeaderContentType])
}

// ContentLength returns the Content-Length header, and whether a valid one
// was declared.
func (e *Event) ContentLength() (int, bool) {
	v, ok := e.headers[HeaderContentLength]
	if !ok {
		return 0, false
	}

	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, false
	}

	return n, true
}

func (e *Event) String() string {
	if len(e.body) == 0 {
		return fmt.Sprintf("%v", e.headers)
	}

	return fmt.Sprintf("%v body=%s", e.headers, e.body)
}

// PrettyPrint writes the headers, sorted by name, followed by the body.
func (e *Event) PrettyPrint(w io.Writer) error {
	keys := make([]string, 0, len(e.headers))
	for k := range e.headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if _, err := fmt.Fprintf(w, "%s: %#v\n", k, e.headers[k]); err != nil {
			return err
		}
	}

	if len(e.body) > 0 {
		if _, err := fmt.Fprintf(w, "BODY: %#v\n", string(e.body)); err != nil {
			return err
		}
	}

	return nil
}

// MarshalJSON renders the event the way the switch frames text/event-json
// events: one member per header and the body under "_body".
func (e *Event) MarshalJSON() ([]byte, error) {
	var err error

	data := []byte("{}")
	for k, v := range e.headers {
		if data, err = sjson.SetBytes(data, EscapePath(k), v); err != nil {
			return nil, err
		}
	}

	if len(e.body) > 0 {
		if data, err = sjson.SetBytes(data, JSONBodyField, string(e.body)); err != nil {
			return nil, err
		}
	}

	return data, nil
}

// ParseJSONEvent decodes a JSON object into an Event. String members become
// headers as-is, other members keep their raw JSON text, and "_body" becomes
// the body.
func ParseJSONEvent(data []byte) (*Event, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrMalformedJSON
	}

	result := gjson.ParseBytes(data)
	if !result.IsObject() {
		return nil, ErrMalformedJSON
	}

	headers := make(map[string]string)
	var body []byte

	result.ForEach(func(key, value gjson.Result) bool {
		v := value.Raw
		if value.Type == gjson.String {
			v = value.Str
		}

		if key.String() == JSONBodyField {
			body = []byte(v)
		} else {
			headers[key.String()] = v
		}

		return true
	})

	return NewEvent(headers, body), nil
}

// EscapePath escapes a literal key so it can be used as a gjson/sjson path.
func EscapePath(key string) string {
	var b strings.Builder
	b.Grow(len(key))

	for _, r := range key {
		switch r {
		case '\\', '.', '*', '?', '|', '#', '@':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}

	return b.String()
}

// AsCommandResponse reinterprets the event as a command/reply.
func (e *Event) AsCommandResponse() CommandResponse {
	return CommandResponse{Event: e}
}

// AsApiResponse reinterprets the event as an api/response.
func (e *Event) AsApiResponse() ApiResponse {
	return ApiResponse{Event: e}
}

// AsBgapiResponse reinterprets the event as the reply to a bgapi command.
func (e *Event) AsBgapiResponse() BgapiResponse {
	return BgapiResponse{Event: e}
}

// AsJSONEvent reinterprets the event as one decoded from JSON framing.
func (e *Event) AsJSONEvent() JSONEvent {
	return JSONEvent{Event: e}
}
