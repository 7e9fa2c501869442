package protocol

import "strings"

const okPrefix = "+OK"

// CommandResponse is the command/reply answering every command other than
// api.
type CommandResponse struct {
	*Event
}

func (r CommandResponse) ReplyText() string {
	return r.Get(HeaderReplyText)
}

// OK returns true if the Reply-Text starts with +OK.
func (r CommandResponse) OK() bool {
	return strings.HasPrefix(r.ReplyText(), okPrefix)
}

// ApiResponse is the api/response answering an api command. The command
// output is the body.
type ApiResponse struct {
	*Event
}

func (r ApiResponse) Response() string {
	return string(r.Body())
}

// OK returns true if the command output starts with +OK.
func (r ApiResponse) OK() bool {
	return strings.HasPrefix(r.Response(), okPrefix)
}

// BgapiResponse acknowledges a bgapi command. The command result arrives later
// as a BACKGROUND_JOB event carrying the same Job-UUID.
type BgapiResponse struct {
	*Event
}

func (r BgapiResponse) JobUUID() string {
	return r.Get(HeaderJobUUID)
}

func (r BgapiResponse) ReplyText() string {
	return r.Get(HeaderReplyText)
}

func (r BgapiResponse) OK() bool {
	return strings.HasPrefix(r.ReplyText(), okPrefix)
}

// JSONEvent is an event whose headers were decoded from a text/event-json
// body.
type JSONEvent struct {
	*Event
}
