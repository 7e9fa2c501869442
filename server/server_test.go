package server_test

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/luma/switchboard/eventsocket"
	"github.com/luma/switchboard/internal/fakeswitch"
	"github.com/luma/switchboard/protocol"
	"github.com/luma/switchboard/server"
)

// call dials srv the way the switch does for a call routed to the socket
// application. It answers connect with the channel data and every other
// command with +OK, or the args of api commands.
func call(srv *server.Server, uuid string) *fakeswitch.Switch {
	return callWith(srv, map[string]string{
		"Unique-ID":                 uuid,
		"Caller-Caller-ID-Number":   "1000",
		"Caller-Destination-Number": "5000",
		"variable_sip_from_user":    "alice",
	}, nil)
}

// callWith answers connect with channel. beforeConnect, if set, runs before
// the connect reply is written.
func callWith(srv *server.Server, channel map[string]string, beforeConnect func(sw *fakeswitch.Switch) error) *fakeswitch.Switch {
	conn, err := net.Dial("tcp", srv.Addrs()[0].String())
	Expect(err).To(Succeed())

	sw := fakeswitch.New(conn)

	go func() {
		defer GinkgoRecover()

		_ = sw.Serve(func(cmd fakeswitch.Command) error {
			switch cmd.Verb() {
			case "connect":
				if beforeConnect != nil {
					if err := beforeConnect(sw); err != nil {
						return err
					}
				}
				return sw.Reply("+OK", channel)

			case "api":
				return sw.APIResponse(cmd.Args())

			default:
				return sw.OK()
			}
		})
	}()

	return sw
}

func startServer(options server.Options, handler server.Handler) *server.Server {
	options.Host = "127.0.0.1"
	options.Port = 0
	options.Log = zap.NewNop()
	options.ConnectTimeout = time.Second

	srv := server.New(options, handler)
	Expect(srv.Start(context.Background())).To(Succeed())

	return srv
}

// waitForHangup waits for the server to close the connection
func waitForHangup(sw *fakeswitch.Switch) {
	Eventually(func() error {
		_, err := sw.ReadCommand()
		return err
	}, 5*time.Second).Should(HaveOccurred())
}

var _ = Describe("Server", func() {
	It("runs the handshake and exposes the channel data", func() {
		sessions := make(chan *server.Session, 1)
		release := make(chan struct{})

		srv := startServer(server.Options{Linger: true, MyEvents: true},
			server.HandlerFunc(func(ctx context.Context, session *server.Session) {
				sessions <- session

				select {
				case <-release:
				case <-ctx.Done():
				}
			}))
		defer srv.Close()

		sw := call(srv, "abc-123")
		defer sw.Close()

		var session *server.Session
		Eventually(sessions).Should(Receive(&session))

		Expect(session.UUID()).To(Equal("abc-123"))
		Expect(session.CallerIDNumber()).To(Equal("1000"))
		Expect(session.DestinationNumber()).To(Equal("5000"))
		Expect(session.ChannelVar("sip_from_user")).To(Equal("alice"))
		Expect(session.State()).To(Equal(eventsocket.Connected))

		found, ok := srv.Lookup("abc-123")
		Expect(ok).To(BeTrue())
		Expect(found).To(BeIdenticalTo(session))

		close(release)

		Eventually(srv.ActiveSessions).Should(BeZero())
		_, ok = srv.Lookup("abc-123")
		Expect(ok).To(BeFalse())
	})

	It("keeps concurrent sessions apart", func() {
		const calls = 10

		var (
			mu      sync.Mutex
			replies = make(map[string]string)
			release = make(chan struct{})
		)

		srv := startServer(server.Options{},
			server.HandlerFunc(func(ctx context.Context, session *server.Session) {
				resp, err := session.Api(ctx, session.UUID())

				mu.Lock()
				if err != nil {
					replies[session.UUID()] = err.Error()
				} else {
					replies[session.UUID()] = resp.Response()
				}
				mu.Unlock()

				<-release
			}))
		defer srv.Close()

		for i := 0; i < calls; i++ {
			sw := call(srv, fmt.Sprintf("call-%d", i))
			defer sw.Close()
		}

		Eventually(srv.ActiveSessions, 5*time.Second).Should(Equal(calls))
		Expect(srv.Sessions()).To(HaveLen(calls))

		Eventually(func() int {
			mu.Lock()
			defer mu.Unlock()
			return len(replies)
		}).Should(Equal(calls))

		mu.Lock()
		for uuid, reply := range replies {
			Expect(reply).To(Equal(uuid))
		}
		mu.Unlock()

		close(release)
		Eventually(srv.ActiveSessions).Should(BeZero())
	})

	It("rejects connections over the session limit", func() {
		srv := startServer(server.Options{MaxSessions: 1},
			server.HandlerFunc(func(ctx context.Context, session *server.Session) {
				<-ctx.Done()
			}))
		defer srv.Close()

		first := call(srv, "first")
		defer first.Close()

		Eventually(srv.ActiveSessions).Should(Equal(1))

		conn, err := net.Dial("tcp", srv.Addrs()[0].String())
		Expect(err).To(Succeed())
		defer conn.Close()

		waitForHangup(fakeswitch.New(conn))
		Expect(srv.ActiveSessions()).To(Equal(1))
	})

	It("drops the connection when connect is refused", func() {
		handled := make(chan struct{}, 1)

		srv := startServer(server.Options{},
			server.HandlerFunc(func(ctx context.Context, session *server.Session) {
				handled <- struct{}{}
			}))
		defer srv.Close()

		conn, err := net.Dial("tcp", srv.Addrs()[0].String())
		Expect(err).To(Succeed())

		sw := fakeswitch.New(conn)
		defer sw.Close()

		cmd, err := sw.ReadCommand()
		Expect(err).To(Succeed())
		Expect(cmd.Verb()).To(Equal("connect"))
		Expect(sw.Reply("-ERR not allowed", nil)).To(Succeed())

		waitForHangup(sw)
		Consistently(handled).ShouldNot(Receive())
	})

	It("binds event handlers before the session starts", func() {
		hangups := make(chan string, 1)

		srv := startServer(server.Options{
			Bind: func(session *server.Session) {
				session.Handle("CHANNEL_HANGUP", func(_ context.Context, ev *protocol.Event) {
					hangups <- ev.Get("Unique-ID")
				})
			},
		}, server.HandlerFunc(func(ctx context.Context, session *server.Session) {
			<-ctx.Done()
		}))
		defer srv.Close()

		sw := call(srv, "abc-123")
		defer sw.Close()

		Eventually(srv.ActiveSessions).Should(Equal(1))

		Expect(sw.EventPlain(map[string]string{
			"Event-Name": "CHANNEL_HANGUP",
			"Unique-ID":  "abc-123",
		}, "")).To(Succeed())

		Eventually(hangups).Should(Receive(Equal("abc-123")))
	})

	It("does not register sessions without a channel id", func() {
		srv := startServer(server.Options{},
			server.HandlerFunc(func(ctx context.Context, session *server.Session) {
				<-ctx.Done()
			}))
		defer srv.Close()

		anonymous := map[string]string{"Caller-Caller-ID-Number": "1000"}

		first := callWith(srv, anonymous, nil)
		defer first.Close()
		second := callWith(srv, anonymous, nil)

		Eventually(srv.ActiveSessions).Should(Equal(2))
		Expect(srv.Sessions()).To(BeEmpty())

		second.Close()
		Eventually(srv.ActiveSessions).Should(Equal(1))

		_, ok := srv.Lookup("")
		Expect(ok).To(BeFalse())
	})

	It("lets bound handlers read the channel while the handshake runs", func() {
		seen := make(chan string, 2)

		srv := startServer(server.Options{
			Bind: func(session *server.Session) {
				session.Handle("CHANNEL_PARK", func(_ context.Context, _ *protocol.Event) {
					seen <- session.UUID()
				})
			},
		}, server.HandlerFunc(func(ctx context.Context, session *server.Session) {
			<-ctx.Done()
		}))
		defer srv.Close()

		sw := callWith(srv, map[string]string{"Unique-ID": "abc-123"}, func(sw *fakeswitch.Switch) error {
			return sw.EventPlain(map[string]string{"Event-Name": "CHANNEL_PARK"}, "")
		})
		defer sw.Close()

		Eventually(srv.ActiveSessions).Should(Equal(1))
		Eventually(seen).Should(Receive(BeElementOf("", "abc-123")))

		found, ok := srv.Lookup("abc-123")
		Expect(ok).To(BeTrue())
		Expect(found.UUID()).To(Equal("abc-123"))
	})

	It("ends the handler's context when the switch hangs up", func() {
		ended := make(chan struct{})

		srv := startServer(server.Options{},
			server.HandlerFunc(func(ctx context.Context, session *server.Session) {
				<-ctx.Done()
				close(ended)
			}))
		defer srv.Close()

		sw := call(srv, "abc-123")
		Eventually(srv.ActiveSessions).Should(Equal(1))

		sw.Close()
		Eventually(ended).Should(BeClosed())
		Eventually(srv.ActiveSessions).Should(BeZero())
	})
})
