package protocol

// ContentType is the value of the Content-Type header of a message sent by
// the switch. It decides how the rest of the message is assembled.
type ContentType string

const (
	AuthRequest      ContentType = "auth/request"
	APIResponse      ContentType = "api/response"
	CommandReply     ContentType = "command/reply"
	EventPlain       ContentType = "text/event-plain"
	EventJSON        ContentType = "text/event-json"
	DisconnectNotice ContentType = "text/disconnect-notice"
)

// IsReply returns true for the content types that answer a command.
func (c ContentType) IsReply() bool {
	return c == APIResponse || c == CommandReply
}

// IsEvent returns true for unsolicited events.
func (c ContentType) IsEvent() bool {
	return c == EventPlain || c == EventJSON
}

// Verb is the first word of a command sent to the switch.
type Verb string

const (
	API          Verb = "api"
	BGAPI        Verb = "bgapi"
	AUTH         Verb = "auth"
	CONNECT      Verb = "connect"
	EVENT        Verb = "event"
	NIXEVENT     Verb = "nixevent"
	NOEVENTS     Verb = "noevents"
	FILTER       Verb = "filter"
	DIVERTEVENTS Verb = "divert_events"
	MYEVENTS     Verb = "myevents"
	LINGER       Verb = "linger"
	NOLINGER     Verb = "nolinger"
	RESUME       Verb = "resume"
	EXIT         Verb = "exit"
	LOG          Verb = "log"
	NOLOG        Verb = "nolog"
	SENDEVENT    Verb = "sendevent"
	SENDMSG      Verb = "sendmsg"
)

// EventFormat selects how subscribed events are framed by the switch.
type EventFormat string

const (
	FormatPlain EventFormat = "plain"
	FormatJSON  EventFormat = "json"
)

// Well known header names.
const (
	HeaderContentType   = "Content-Type"
	HeaderContentLength = "Content-Length"
	HeaderReplyText     = "Reply-Text"
	HeaderEventName     = "Event-Name"
	HeaderJobUUID       = "Job-UUID"
	HeaderUniqueID      = "Unique-ID"
	HeaderChannelUUID   = "Channel-Unique-ID"

	// JSONBodyField carries the body of a JSON framed event.
	JSONBodyField = "_body"

	// BackgroundJob is the event carrying the result of a bgapi command.
	BackgroundJob = "BACKGROUND_JOB"
)
