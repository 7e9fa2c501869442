package protocol

// This package implements parsing and serialising of the Event Socket
// protocol, the text protocol used to control the switch from an external
// process.
//
// - `Event` - Any message sent by the switch: a set of headers and an
//             optional body.
// - `Command` - An instruction sent to the switch. Every command is answered
//               by exactly one reply, in the order the commands were sent.
// - `Reply` - A message with the content type `command/reply` or
//             `api/response`.
// - `Event` (unsolicited) - A `text/event-plain` or `text/event-json`
//                           message the switch sends whenever something
//                           happens that we subscribed to. These interleave
//                           freely with replies.
//
// === General Syntax
//
// - lines are `\n` delimited, a trailing `\r` is tolerated
// - a message is a block of `Name: value` header lines ended by a blank line
// - header values are percent encoded
// - if the block declares `Content-Length: N` the next N bytes, whatever they
//   contain, are the message body
//
//   ```
//   Content-Type: api/response
//   Content-Length: 13
//
//   +OK accepted
//
//   ```
//
// === Replies
//
//   ```
//   > api status\n\n
//   < Content-Type: api/response\n
//   < Content-Length: <len>\n\n
//   < <command output>
//
//   > event plain ALL\n\n
//   < Content-Type: command/reply\n
//   < Reply-Text: +OK event listener enabled plain\n\n
//   ```
//
// Replies carry no request ID. The switch answers commands strictly in order
// so the reply always belongs to the oldest command still waiting.
//
// === Plain events
//
// Plain events are framed twice. The outer body is itself a header block,
// which may declare its own Content-Length for an inner body.
//
//   ```
//   Content-Length: 87
//   Content-Type: text/event-plain
//
//   Event-Name: BACKGROUND_JOB
//   Job-UUID: 7f4d...
//   Content-Length: 12
//
//   +OK 1234567
//   ```
//
// === JSON events
//
// The outer body is a JSON object. Each member is a header, the reserved
// member `_body` is the body.
//
// === Handshakes
//
// Inbound (we dial the switch): the switch sends `auth/request`, we answer
// `auth <password>` and expect a `+OK` Reply-Text.
//
// Outbound (the switch dials us, once per call): we send `connect` and the
// reply headers describe the channel the connection controls.
//
// === Executing applications
//
//   ```
//   sendmsg <uuid>
//   call-command: execute
//   execute-app-name: playback
//   event-lock: true
//   content-type: text/plain
//   content-length: 14
//
//   /tmp/hello.wav
//   ```
//
// The application arguments are length framed, so they may contain anything.
