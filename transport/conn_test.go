package transport_test

import (
	"errors"
	"io"
	"net"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/switchboard/transport"
)

var _ = Describe("Conn", func() {
	var (
		peer net.Conn
		conn *transport.Conn
	)

	BeforeEach(func() {
		var local net.Conn
		local, peer = net.Pipe()
		conn = transport.NewConn(local)
	})

	AfterEach(func() {
		conn.Close()
		peer.Close()
	})

	write := func(data string) {
		go func() {
			defer GinkgoRecover()
			_, err := peer.Write([]byte(data))
			Expect(err).To(Succeed())
		}()
	}

	It("reads lines including their terminator", func() {
		write("Content-Type: auth/request\n\n")

		Expect(conn.ReadLine()).To(Equal("Content-Type: auth/request\n"))
		Expect(conn.ReadLine()).To(Equal("\n"))
	})

	It("reads exactly n bytes", func() {
		write("hello\n\nworld")

		Expect(conn.Read(12)).To(Equal([]byte("hello\n\nworld")))
	})

	It("returns a ConnectionError wrapping io.EOF when the peer hangs up", func() {
		peer.Close()

		line, err := conn.ReadLine()
		Expect(line).To(BeEmpty())

		var connErr *transport.ConnectionError
		Expect(errors.As(err, &connErr)).To(BeTrue())
		Expect(errors.Is(err, io.EOF)).To(BeTrue())
	})

	It("returns io.ErrUnexpectedEOF when the stream ends mid body", func() {
		go func() {
			defer GinkgoRecover()
			_, _ = peer.Write([]byte("abc"))
			peer.Close()
		}()

		_, err := conn.Read(10)
		Expect(errors.Is(err, io.ErrUnexpectedEOF)).To(BeTrue())
	})

	It("writes the whole buffer", func() {
		done := make(chan []byte)
		go func() {
			buf := make([]byte, 12)
			_, _ = io.ReadFull(peer, buf)
			done <- buf
		}()

		Expect(conn.Write([]byte("api status\n\n"))).To(Succeed())
		Eventually(done).Should(Receive(Equal([]byte("api status\n\n"))))
	})

	It("fails writes after Close", func() {
		Expect(conn.Close()).To(Succeed())

		err := conn.Write([]byte("exit\n\n"))
		Expect(errors.Is(err, transport.ErrClosed)).To(BeTrue())
	})

	It("can be closed twice", func() {
		Expect(conn.Close()).To(Succeed())
		Expect(func() { conn.Close() }).NotTo(Panic())
	})

	It("reports ErrClosed to a read interrupted by Close", func() {
		errs := make(chan error, 1)
		go func() {
			_, err := conn.ReadLine()
			errs <- err
		}()

		Expect(conn.Close()).To(Succeed())

		var err error
		Eventually(errs).Should(Receive(&err))
		Expect(errors.Is(err, transport.ErrClosed)).To(BeTrue())
	})
})
