package protocol_test

import (
	"bufio"
	"errors"
	"io"
	"strings"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/switchboard/protocol"
)

// stringReader adapts a string to protocol.LineReader
type stringReader struct {
	r *bufio.Reader
}

func newStringReader(data string) *stringReader {
	return &stringReader{r: bufio.NewReader(strings.NewReader(data))}
}

func (s *stringReader) ReadLine() (string, error) {
	line, err := s.r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}

	return line, nil
}

func (s *stringReader) Read(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.r, buf); err != nil {
		return nil, err
	}

	return buf, nil
}

func readEvent(data string) (*protocol.Event, error) {
	_, ev, err := protocol.NewReader(newStringReader(data), 0).ReadMessage()
	return ev, err
}

var _ = Describe("Parser", func() {
	Describe("ReadMessage()", func() {
		It("parses an auth request", func() {
			ev, err := readEvent("Content-Type: auth/request\n\n")
			Expect(err).To(Succeed())
			Expect(ev.ContentType()).To(Equal(protocol.AuthRequest))
			Expect(ev.Body()).To(BeEmpty())
		})

		It("keeps the + of reply texts", func() {
			ev, err := readEvent("Content-Type: command/reply\nReply-Text: +OK accepted\n\n")
			Expect(err).To(Succeed())
			Expect(ev.AsCommandResponse().ReplyText()).To(Equal("+OK accepted"))
			Expect(ev.AsCommandResponse().OK()).To(BeTrue())
		})

		It("percent decodes header values", func() {
			ev, err := readEvent("Content-Type: command/reply\nCaller-Caller-ID-Name: a%20b\n\n")
			Expect(err).To(Succeed())
			Expect(ev.Get("Caller-Caller-ID-Name")).To(Equal("a b"))
		})

		It("keeps values that are not valid escapes", func() {
			ev, err := readEvent("Content-Type: command/reply\nX-Rate: 100%\n\n")
			Expect(err).To(Succeed())
			Expect(ev.Get("X-Rate")).To(Equal("100%"))
		})

		It("splits header lines on the first separator only", func() {
			ev, err := readEvent("Content-Type: command/reply\nReply-Text: -ERR invalid: command\n\n")
			Expect(err).To(Succeed())
			Expect(ev.Get("Reply-Text")).To(Equal("-ERR invalid: command"))
		})

		It("keeps the last value of duplicate headers", func() {
			ev, err := readEvent("Content-Type: command/reply\nX-Dup: one\nX-Dup: two\n\n")
			Expect(err).To(Succeed())
			Expect(ev.Get("X-Dup")).To(Equal("two"))
		})

		It("accepts \\r\\n line endings", func() {
			ev, err := readEvent("Content-Type: command/reply\r\nReply-Text: +OK\r\n\r\n")
			Expect(err).To(Succeed())
			Expect(ev.Get("Reply-Text")).To(Equal("+OK"))
		})

		It("consumes exactly Content-Length bytes, blank lines included", func() {
			body := "line one\n\n\nline four\n"
			data := "Content-Type: api/response\nContent-Length: 21\n\n" + body +
				"Content-Type: command/reply\nReply-Text: +OK\n\n"

			reader := protocol.NewReader(newStringReader(data), 0)

			contentType, ev, err := reader.ReadMessage()
			Expect(err).To(Succeed())
			Expect(contentType).To(Equal(protocol.APIResponse))
			Expect(string(ev.Body())).To(Equal(body))
			Expect(ev.AsApiResponse().Response()).To(Equal(body))

			contentType, next, err := reader.ReadMessage()
			Expect(err).To(Succeed())
			Expect(contentType).To(Equal(protocol.CommandReply))
			Expect(next.Get("Reply-Text")).To(Equal("+OK"))
		})

		It("returns an error when the body is cut short", func() {
			_, err := readEvent("Content-Type: api/response\nContent-Length: 50\n\nshort")
			Expect(err).To(MatchError(io.ErrUnexpectedEOF))
		})

		It("returns an error for a malformed Content-Length", func() {
			_, err := readEvent("Content-Type: api/response\nContent-Length: many\n\n")
			Expect(errors.Is(err, protocol.ErrMalformedContentLength)).To(BeTrue())
			Expect(protocol.IsRecoverable(err)).To(BeFalse())
		})

		It("returns a LimitExceededError when a header block is too long", func() {
			data := "Content-Type: command/reply\nA: 1\nB: 2\nC: 3\n\n"
			_, _, err := protocol.NewReader(newStringReader(data), 3).ReadMessage()

			var limitErr *protocol.LimitExceededError
			Expect(errors.As(err, &limitErr)).To(BeTrue())
			Expect(limitErr.Limit).To(Equal(3))
			Expect(protocol.IsRecoverable(err)).To(BeFalse())
		})

		It("returns the raw event for unsupported content types and carries on", func() {
			data := "Content-Type: text/rude-rejection\nContent-Length: 4\n\nnope" +
				"Content-Type: command/reply\nReply-Text: +OK\n\n"

			reader := protocol.NewReader(newStringReader(data), 0)

			contentType, ev, err := reader.ReadMessage()
			Expect(errors.Is(err, protocol.ErrUnsupportedContentType)).To(BeTrue())
			Expect(contentType).To(Equal(protocol.ContentType("text/rude-rejection")))
			Expect(protocol.IsRecoverable(err)).To(BeTrue())
			Expect(string(ev.Body())).To(Equal("nope"))

			_, next, err := reader.ReadMessage()
			Expect(err).To(Succeed())
			Expect(next.Get("Reply-Text")).To(Equal("+OK"))
		})

		It("returns io.EOF at the end of the stream", func() {
			_, err := readEvent("")
			Expect(err).To(MatchError(io.EOF))
		})

		It("skips stray blank lines between messages", func() {
			ev, err := readEvent("\n\nContent-Type: auth/request\n\n")
			Expect(err).To(Succeed())
			Expect(ev.ContentType()).To(Equal(protocol.AuthRequest))
		})

		Describe("text/event-plain", func() {
			It("uses the inner headers as the event", func() {
				inner := "Event-Name: CHANNEL_ANSWER\nUnique-ID: abc-123\nCaller-Caller-ID-Name: Jane%20Doe\n\n"
				data := "Content-Type: text/event-plain\nContent-Length: " + itoa(len(inner)) + "\n\n" + inner

				contentType, ev, err := protocol.NewReader(newStringReader(data), 0).ReadMessage()
				Expect(err).To(Succeed())
				Expect(contentType).To(Equal(protocol.EventPlain))
				Expect(ev.Name()).To(Equal("CHANNEL_ANSWER"))
				Expect(ev.Get("Unique-ID")).To(Equal("abc-123"))
				Expect(ev.Get("Caller-Caller-ID-Name")).To(Equal("Jane Doe"))
				Expect(ev.Has("Content-Type")).To(BeFalse())
				Expect(ev.Body()).To(BeEmpty())
			})

			It("selects the inner body by the inner Content-Length", func() {
				jobBody := "+OK 7f4db78a\n"
				inner := "Event-Name: BACKGROUND_JOB\nJob-UUID: job-1\nContent-Length: " +
					itoa(len(jobBody)) + "\n\n" + jobBody
				data := "Content-Type: text/event-plain\nContent-Length: " + itoa(len(inner)) + "\n\n" + inner

				ev, err := readEvent(data)
				Expect(err).To(Succeed())
				Expect(ev.Name()).To(Equal(protocol.BackgroundJob))
				Expect(string(ev.Body())).To(Equal(jobBody))
			})

			It("reports an inner body shorter than declared as recoverable", func() {
				inner := "Event-Name: CUSTOM\nContent-Length: 40\n\nshort"
				data := "Content-Type: text/event-plain\nContent-Length: " + itoa(len(inner)) + "\n\n" + inner

				_, err := readEvent(data)
				Expect(errors.Is(err, protocol.ErrMalformedEvent)).To(BeTrue())
				Expect(protocol.IsRecoverable(err)).To(BeTrue())
			})
		})

		Describe("text/event-json", func() {
			It("turns members into headers and _body into the body", func() {
				body := `{"Event-Name":"BACKGROUND_JOB","Job-UUID":"job-2","Event-Sequence":42,"_body":"+OK done\n"}`
				data := "Content-Type: text/event-json\nContent-Length: " + itoa(len(body)) + "\n\n" + body

				ev, err := readEvent(data)
				Expect(err).To(Succeed())
				Expect(ev.Name()).To(Equal(protocol.BackgroundJob))
				Expect(ev.Get("Job-UUID")).To(Equal("job-2"))
				Expect(ev.Get("Event-Sequence")).To(Equal("42"))
				Expect(string(ev.Body())).To(Equal("+OK done\n"))
				Expect(ev.Has(protocol.JSONBodyField)).To(BeFalse())
			})

			It("reports invalid JSON as recoverable", func() {
				body := `{"Event-Name":`
				data := "Content-Type: text/event-json\nContent-Length: " + itoa(len(body)) + "\n\n" + body

				_, err := readEvent(data)
				Expect(errors.Is(err, protocol.ErrMalformedJSON)).To(BeTrue())
				Expect(protocol.IsRecoverable(err)).To(BeTrue())
			})
		})
	})

	Describe("Unescape()", func() {
		It("decodes percent escapes", func() {
			Expect(protocol.Unescape("a%20b%3Ac")).To(Equal("a b:c"))
		})

		It("leaves + alone", func() {
			Expect(protocol.Unescape("+OK")).To(Equal("+OK"))
		})

		It("decodes the valid escapes around a stray percent sign", func() {
			Expect(protocol.Unescape("a%20b 100%")).To(Equal("a b 100%"))
			Expect(protocol.Unescape("50%25 off%")).To(Equal("50% off%"))
			Expect(protocol.Unescape("%zz%41")).To(Equal("%zzA"))
		})
	})
})
