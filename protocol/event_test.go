package protocol_test

import (
	"bytes"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/switchboard/protocol"
)

var _ = Describe("Event", func() {
	It("returns a copy of its headers", func() {
		ev := protocol.NewEvent(map[string]string{"Event-Name": "HEARTBEAT"}, nil)

		headers := ev.Headers()
		headers["Event-Name"] = "CHANGED"

		Expect(ev.Name()).To(Equal("HEARTBEAT"))
	})

	It("is empty when it has neither headers nor body", func() {
		Expect(protocol.EmptyEvent().IsEmpty()).To(BeTrue())
		Expect(protocol.NewEvent(nil, []byte("x")).IsEmpty()).To(BeFalse())
	})

	It("falls back to a default for missing headers", func() {
		ev := protocol.NewEvent(map[string]string{"A": "1"}, nil)

		Expect(ev.GetOr("A", "x")).To(Equal("1"))
		Expect(ev.GetOr("B", "x")).To(Equal("x"))
	})

	It("parses integer headers", func() {
		ev := protocol.NewEvent(map[string]string{"Event-Sequence": "42"}, nil)
		Expect(ev.GetInt("Event-Sequence")).To(Equal(42))
	})

	Describe("MarshalJSON()", func() {
		It("can be decoded by ParseJSONEvent", func() {
			ev := protocol.NewEvent(map[string]string{
				"Event-Name": "BACKGROUND_JOB",
				"Job-UUID":   "job-1",
				"Odd.Key":    "dots",
			}, []byte("+OK\n"))

			data, err := ev.MarshalJSON()
			Expect(err).To(Succeed())

			decoded, err := protocol.ParseJSONEvent(data)
			Expect(err).To(Succeed())
			Expect(decoded.Headers()).To(Equal(ev.Headers()))
			Expect(decoded.Body()).To(Equal(ev.Body()))
		})
	})

	Describe("PrettyPrint()", func() {
		It("writes sorted headers and then the body", func() {
			ev := protocol.NewEvent(map[string]string{"B": "2", "A": "1"}, []byte("body"))

			var buf bytes.Buffer
			Expect(ev.PrettyPrint(&buf)).To(Succeed())
			Expect(buf.String()).To(Equal("A: \"1\"\nB: \"2\"\nBODY: \"body\"\n"))
		})
	})

	Describe("responses", func() {
		It("reads the api output from the body", func() {
			resp := protocol.NewEvent(map[string]string{"Content-Type": "api/response"}, []byte("+OK ready")).AsApiResponse()
			Expect(resp.Response()).To(Equal("+OK ready"))
			Expect(resp.OK()).To(BeTrue())
		})

		It("reads the bgapi Job-UUID", func() {
			resp := protocol.NewEvent(map[string]string{
				"Reply-Text": "+OK Job-UUID: job-1",
				"Job-UUID":   "job-1",
			}, nil).AsBgapiResponse()

			Expect(resp.JobUUID()).To(Equal("job-1"))
			Expect(resp.OK()).To(BeTrue())
		})

		It("is not OK on -ERR", func() {
			resp := protocol.NewEvent(map[string]string{"Reply-Text": "-ERR invalid"}, nil).AsCommandResponse()
			Expect(resp.OK()).To(BeFalse())
		})
	})
})
