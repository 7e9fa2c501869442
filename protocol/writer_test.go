package protocol_test

import (
	"errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/switchboard/protocol"
)

var _ = Describe("Writer", func() {
	Describe("EncodeCommand", func() {
		It("ends the command with a blank line", func() {
			data, err := protocol.EncodeCommand(protocol.API, "status")
			Expect(err).To(Succeed())
			Expect(string(data)).To(Equal("api status\n\n"))
		})

		It("writes the verb alone when there are no args", func() {
			data, err := protocol.EncodeCommand(protocol.LINGER, "")
			Expect(err).To(Succeed())
			Expect(string(data)).To(Equal("linger\n\n"))
		})

		It("rejects args containing a newline", func() {
			_, err := protocol.EncodeCommand(protocol.API, "status\n\nexit")
			Expect(errors.Is(err, protocol.ErrInvalidCommand)).To(BeTrue())

			_, err = protocol.EncodeCommand(protocol.API, "status\r")
			Expect(errors.Is(err, protocol.ErrInvalidCommand)).To(BeTrue())
		})
	})

	Describe("EncodeCommandWithHeaders", func() {
		It("writes headers after the command line", func() {
			data, err := protocol.EncodeCommandWithHeaders(protocol.BGAPI, "status",
				[][2]string{{"Job-UUID", "job-1"}}, nil)
			Expect(err).To(Succeed())
			Expect(string(data)).To(Equal("bgapi status\nJob-UUID: job-1\n\n"))
		})

		It("frames a body with its length", func() {
			data, err := protocol.EncodeCommandWithHeaders(protocol.SENDEVENT, "CUSTOM",
				[][2]string{{"Event-Subclass", "demo::ping"}}, []byte("hello"))
			Expect(err).To(Succeed())
			Expect(string(data)).To(Equal("sendevent CUSTOM\nEvent-Subclass: demo::ping\nContent-Length: 5\n\nhello"))
		})

		It("rejects header values containing a newline", func() {
			_, err := protocol.EncodeCommandWithHeaders(protocol.BGAPI, "status",
				[][2]string{{"Job-UUID", "a\nb"}}, nil)
			Expect(errors.Is(err, protocol.ErrInvalidCommand)).To(BeTrue())
		})
	})

	Describe("EncodeSendMsg", func() {
		It("writes an execute command", func() {
			data, err := protocol.EncodeSendMsg(protocol.SendMsg{
				UUID: "abc-123",
				App:  "playback",
				Args: "/tmp/hello.wav",
			})
			Expect(err).To(Succeed())
			Expect(string(data)).To(Equal("sendmsg abc-123\n" +
				"call-command: execute\n" +
				"execute-app-name: playback\n" +
				"content-type: text/plain\n" +
				"content-length: 14\n\n" +
				"/tmp/hello.wav\n"))
		})

		It("writes the optional flags in order", func() {
			data, err := protocol.EncodeSendMsg(protocol.SendMsg{
				UUID:  "abc-123",
				App:   "speak",
				Args:  "hi",
				Lock:  true,
				Loops: 3,
				Async: true,
			})
			Expect(err).To(Succeed())
			Expect(string(data)).To(Equal("sendmsg abc-123\n" +
				"call-command: execute\n" +
				"execute-app-name: speak\n" +
				"event-lock: true\n" +
				"loops: 3\n" +
				"async: true\n" +
				"content-type: text/plain\n" +
				"content-length: 2\n\n" +
				"hi\n"))
		})

		It("only writes loops when greater than 1", func() {
			data, err := protocol.EncodeSendMsg(protocol.SendMsg{App: "answer", Loops: 1})
			Expect(err).To(Succeed())
			Expect(string(data)).NotTo(ContainSubstring("loops"))
		})

		It("omits the uuid for the connection's own channel", func() {
			data, err := protocol.EncodeSendMsg(protocol.SendMsg{App: "answer"})
			Expect(err).To(Succeed())
			Expect(string(data)).To(HavePrefix("sendmsg\ncall-command: execute\n"))
			Expect(string(data)).To(HaveSuffix("content-length: 0\n\n\n"))
		})

		It("allows anything in the args", func() {
			data, err := protocol.EncodeSendMsg(protocol.SendMsg{App: "set", Args: "a=b\n\nc"})
			Expect(err).To(Succeed())
			Expect(string(data)).To(HaveSuffix("content-length: 6\n\na=b\n\nc\n"))
		})

		It("requires an application", func() {
			_, err := protocol.EncodeSendMsg(protocol.SendMsg{UUID: "abc-123"})
			Expect(err).To(MatchError(protocol.ErrMissingApp))
		})
	})

	Describe("EncodeHangup", func() {
		It("writes a hangup command with its cause", func() {
			data, err := protocol.EncodeHangup(protocol.Hangup{UUID: "abc-123", Cause: "NORMAL_CLEARING"})
			Expect(err).To(Succeed())
			Expect(string(data)).To(Equal("sendmsg abc-123\ncall-command: hangup\nhangup-cause: NORMAL_CLEARING\n\n"))
		})
	})
})
