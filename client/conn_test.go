package client_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/esl/client"
	"github.com/luma/esl/internal/fakeswitch"
	"github.com/luma/esl/protocol"
)

var _ = Describe("Conn", func() {
	var (
		server *fakeswitch.Server
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	})

	AfterEach(func() {
		cancel()
	})

	Context("against a fake switch", func() {
		var options fakeswitch.Options

		BeforeEach(func() {
			options = fakeswitch.Options{
				APIResponses: map[string]string{"status": "UP 0 years, 0 days\n"},
			}
		})

		JustBeforeEach(func() {
			var err error
			server, err = fakeswitch.Listen(options)
			Expect(err).To(Succeed())
		})

		AfterEach(func() {
			Expect(server.Close()).To(Succeed())
		})

		It("authenticates and becomes ready", func() {
			observer := &recorder{}
			conn := dial(server, client.Options{Observer: observer})
			defer conn.Close()

			waitReady(conn)
			Expect(conn.State()).To(Equal(client.StateReady))
			Expect(conn.RemoteAddr()).To(Equal(server.Addr()))
			Eventually(observer.kinds).Should(Equal([]client.LifecycleEventKind{client.EventReady}))
		})

		It("runs api commands", func() {
			conn := dial(server, client.Options{})
			defer conn.Close()
			waitReady(conn)

			body, err := conn.API(ctx, "status")
			Expect(err).To(Succeed())
			Expect(body).To(Equal("UP 0 years, 0 days\n"))

			_, err = conn.API(ctx, "reloadxml")
			var cmdErr *protocol.CommandError
			Expect(errors.As(err, &cmdErr)).To(BeTrue())

			Expect(server.Commands()).To(Equal([]string{"auth", "api status", "api reloadxml"}))
		})

		It("answers concurrent commands in order", func() {
			conn := dial(server, client.Options{})
			defer conn.Close()
			waitReady(conn)

			for _, cmd := range []string{"a", "b", "c", "d"} {
				server.SetAPIResponse("echo "+cmd, cmd)
			}

			var wg sync.WaitGroup
			for _, cmd := range []string{"a", "b", "c", "d"} {
				wg.Add(1)
				go func(cmd string) {
					defer GinkgoRecover()
					defer wg.Done()

					for i := 0; i < 20; i++ {
						body, err := conn.API(ctx, "echo "+cmd)
						Expect(err).To(Succeed())
						Expect(body).To(Equal(cmd))
					}
				}(cmd)
			}

			wg.Wait()
		})

		It("closes with an authentication failure when the password is wrong", func() {
			observer := &recorder{}
			conn := dial(server, client.Options{
				Credentials: client.Password("nope"),
				Observer:    observer,
			})
			defer conn.Close()

			err := conn.WaitReady(ctx)
			Expect(errors.Is(err, client.ErrClosed)).To(BeTrue())
			Expect(errors.Is(err, client.ErrAuthenticationFailure)).To(BeTrue())

			Eventually(conn.Done()).Should(BeClosed())
			Expect(conn.State()).To(Equal(client.StateClosed))
			Expect(errors.Is(conn.Cause(), client.ErrAuthenticationFailure)).To(BeTrue())

			Eventually(observer.kinds).Should(Equal([]client.LifecycleEventKind{client.EventAuthFailed, client.EventClosed}))
			Expect(errors.Is(observer.last().Cause, client.ErrAuthenticationFailure)).To(BeTrue())
		})

		It("fails authentication without credentials", func() {
			conn, err := client.Dial(ctx, transportOptions(server), client.Options{})
			Expect(err).To(Succeed())
			defer conn.Close()

			Eventually(conn.Done()).Should(BeClosed())
			Expect(errors.Is(conn.Cause(), client.ErrNoCredentials)).To(BeTrue())
		})

		It("dispatches subscribed events to handlers in order", func() {
			var (
				mu   sync.Mutex
				seen []string
			)

			router := client.NewRouter(client.RouterOptions{})
			router.RegisterFunc("CUSTOM", func(ctx context.Context, ev *protocol.Event) error {
				mu.Lock()
				defer mu.Unlock()

				seen = append(seen, "h1:"+ev.Field("Seq"))
				return nil
			})
			router.RegisterFunc("CUSTOM", func(ctx context.Context, ev *protocol.Event) error {
				mu.Lock()
				defer mu.Unlock()

				seen = append(seen, "h2:"+ev.Field("Seq"))
				return nil
			})

			conn := dial(server, client.Options{Router: router, DispatchWorkers: 1})
			defer conn.Close()
			waitReady(conn)

			Expect(conn.SubscribeEvents(ctx, protocol.FormatJSON, "CUSTOM")).To(Succeed())

			for _, seq := range []string{"1", "2", "3"} {
				Expect(server.Publish(fakeswitch.Event{
					Name:    "CUSTOM",
					Headers: []protocol.Header{{Name: "Seq", Value: seq}},
				})).To(Succeed())
			}

			Eventually(func() []string {
				mu.Lock()
				defer mu.Unlock()

				return append([]string(nil), seen...)
			}).Should(Equal([]string{"h1:1", "h2:1", "h1:2", "h2:2", "h1:3", "h2:3"}))
		})

		It("survives a panicking handler", func() {
			received := make(chan string, 2)

			router := client.NewRouter(client.RouterOptions{})
			router.RegisterFunc("CUSTOM", func(ctx context.Context, ev *protocol.Event) error {
				if ev.Field("Seq") == "1" {
					panic("handler bug")
				}

				received <- ev.Field("Seq")
				return nil
			})

			conn := dial(server, client.Options{Router: router})
			defer conn.Close()
			waitReady(conn)

			Expect(conn.SubscribeEvents(ctx, protocol.FormatPlain)).To(Succeed())
			Expect(server.Publish(fakeswitch.Event{Name: "CUSTOM", Headers: []protocol.Header{{Name: "Seq", Value: "1"}}})).To(Succeed())
			Expect(server.Publish(fakeswitch.Event{Name: "CUSTOM", Headers: []protocol.Header{{Name: "Seq", Value: "2"}}})).To(Succeed())

			Eventually(received).Should(Receive(Equal("2")))
			Expect(conn.State()).To(Equal(client.StateReady))
		})

		It("sends filters", func() {
			conn := dial(server, client.Options{})
			defer conn.Close()
			waitReady(conn)

			Expect(conn.Filter(ctx, "Unique-ID", "abc")).To(Succeed())
			Expect(server.Commands()).To(ContainElement("filter Unique-ID abc"))
		})

		It("closes with a remote disconnect after exit", func() {
			observer := &recorder{}
			conn := dial(server, client.Options{Observer: observer})
			defer conn.Close()
			waitReady(conn)

			Expect(conn.Exit(ctx)).To(Succeed())

			Eventually(conn.Done()).Should(BeClosed())
			Expect(errors.Is(conn.Cause(), client.ErrRemoteDisconnect)).To(BeTrue())

			_, err := conn.API(ctx, "status")
			Expect(errors.Is(err, client.ErrClosed)).To(BeTrue())

			Eventually(observer.kinds).Should(Equal([]client.LifecycleEventKind{client.EventReady, client.EventClosed}))
		})

		It("closes with a transport error when the link drops", func() {
			conn := dial(server, client.Options{})
			defer conn.Close()
			waitReady(conn)

			Expect(server.Close()).To(Succeed())

			Eventually(conn.Done()).Should(BeClosed())
			Expect(errors.Is(conn.Cause(), client.ErrTransport)).To(BeTrue())
		})

		It("closes with a protocol violation on an unexpected reply", func() {
			conn := dial(server, client.Options{})
			defer conn.Close()
			waitReady(conn)

			server.Inject([]byte("Content-Type: command/reply\nReply-Text: +OK\n\n"))

			Eventually(conn.Done()).Should(BeClosed())
			Expect(errors.Is(conn.Cause(), client.ErrProtocolViolation)).To(BeTrue())
		})

		It("closes locally without a cause", func() {
			observer := &recorder{}
			conn := dial(server, client.Options{Observer: observer})
			waitReady(conn)

			Expect(conn.Close()).To(Succeed())
			Expect(conn.Close()).To(Succeed())

			Expect(conn.State()).To(Equal(client.StateClosed))
			Expect(conn.Cause()).To(BeNil())

			_, err := conn.SendBlocking(ctx, "api status")
			Expect(err).To(MatchError(client.ErrClosed))

			Eventually(observer.kinds).Should(Equal([]client.LifecycleEventKind{client.EventReady, client.EventClosed}))
			Expect(observer.last().Cause).To(BeNil())
		})

		It("lets the observer close the connection", func() {
			var conn *client.Conn
			closed := make(chan error, 1)
			started := make(chan struct{})

			conn = dial(server, client.Options{Observer: client.ObserverFunc(func(ev client.LifecycleEvent) {
				if ev.Kind == client.EventReady {
					<-started
					closed <- conn.Close()
				}
			})})
			close(started)

			Eventually(closed).Should(Receive(BeNil()))
			Expect(conn.State()).To(Equal(client.StateClosed))
		})

		Context("with a switch that rejects connections", func() {
			BeforeEach(func() {
				options.Reject = true
			})

			It("closes with ErrRejected", func() {
				conn := dial(server, client.Options{})
				defer conn.Close()

				Eventually(conn.Done()).Should(BeClosed())
				Expect(errors.Is(conn.Cause(), client.ErrRejected)).To(BeTrue())
			})
		})

		Context("background jobs", func() {
			It("returns the job id and delivers the result", func() {
				tracker := client.NewJobTracker(newStore(), nil)

				router := client.NewRouter(client.RouterOptions{})
				router.Register(client.BackgroundJobEvent, tracker)

				conn := dial(server, client.Options{Router: router})
				defer conn.Close()
				waitReady(conn)

				Expect(conn.SubscribeEvents(ctx, protocol.FormatPlain, client.BackgroundJobEvent)).To(Succeed())

				id, err := conn.BackgroundAPI(ctx, "status")
				Expect(err).To(Succeed())
				Expect(id).ToNot(BeEmpty())

				result, err := tracker.Await(ctx, id)
				Expect(err).To(Succeed())
				Expect(result.JobUUID).To(Equal(id))
				Expect(result.Command).To(Equal("status"))
				Expect(result.Body).To(Equal("UP 0 years, 0 days\n"))
			})

			Context("when the reply has no Job-UUID", func() {
				BeforeEach(func() {
					options.OmitJobUUID = true
				})

				It("fails the command and closes the connection", func() {
					observer := &recorder{}
					conn := dial(server, client.Options{Observer: observer})
					defer conn.Close()
					waitReady(conn)

					id, err := conn.BackgroundAPI(ctx, "status")
					Expect(id).To(BeEmpty())
					Expect(errors.Is(err, client.ErrMissingJobUUID)).To(BeTrue())
					Expect(errors.Is(err, client.ErrProtocolViolation)).To(BeTrue())

					Eventually(conn.Done()).Should(BeClosed())
					Expect(errors.Is(conn.Cause(), client.ErrMissingJobUUID)).To(BeTrue())

					Eventually(observer.kinds).Should(Equal([]client.LifecycleEventKind{client.EventReady, client.EventClosed}))
					Expect(errors.Is(observer.last().Cause, client.ErrProtocolViolation)).To(BeTrue())
				})
			})
		})
	})

	Context("against a scripted engine", func() {
		var (
			engine *pipeEngine
			conn   *client.Conn
		)

		start := func(options client.Options) {
			var link net.Conn
			engine, link = newPipeEngine()

			if options.Credentials == nil {
				options.Credentials = client.Password(fakeswitch.DefaultPassword)
			}

			conn = client.New(link, options)
			engine.accept()
			waitReady(conn)
		}

		AfterEach(func() {
			conn.Close()
			engine.close()
		})

		It("writes commands terminated by a blank line", func() {
			start(client.Options{})

			go conn.API(ctx, "status")
			engine.expect("api status")
			engine.apiResponse("UP")
		})

		It("writes multi line commands", func() {
			start(client.Options{})

			result := make(chan error, 1)
			go func() {
				reply, err := conn.SendMultiLine(ctx, []string{
					"sendmsg 9d7e",
					"call-command: hangup",
					"hangup-cause: NORMAL_CLEARING",
				})
				if err == nil {
					err = reply.ErrorOrNil()
				}
				result <- err
			}()

			engine.expect("sendmsg 9d7e\ncall-command: hangup\nhangup-cause: NORMAL_CLEARING")
			engine.reply("+OK")

			Eventually(result).Should(Receive(BeNil()))
		})

		It("times out a command without losing reply order", func() {
			start(client.Options{CommandTimeout: 50 * time.Millisecond})

			_, err := conn.API(ctx, "slow")
			Expect(errors.Is(err, client.ErrTimeout)).To(BeTrue())
			engine.expect("api slow")

			result := make(chan string, 1)
			go func() {
				defer GinkgoRecover()

				body, err := conn.API(context.Background(), "fast")
				Expect(err).To(Succeed())
				result <- body
			}()

			engine.expect("api fast")
			engine.apiResponse("late answer to slow")
			engine.apiResponse("fast")

			Eventually(result).Should(Receive(Equal("fast")))
			Expect(conn.State()).To(Equal(client.StateReady))
		})

		It("fails pending commands when the engine disconnects", func() {
			start(client.Options{})

			result := make(chan error, 1)
			go func() {
				_, err := conn.API(context.Background(), "status")
				result <- err
			}()

			engine.expect("api status")
			engine.write("Content-Type: text/disconnect-notice\nContent-Length: 3\n\nbye")

			var err error
			Eventually(result).Should(Receive(&err))
			Expect(errors.Is(err, client.ErrClosed)).To(BeTrue())
			Expect(errors.Is(err, client.ErrRemoteDisconnect)).To(BeTrue())
		})

		It("fails pending commands on Close", func() {
			start(client.Options{})

			result := make(chan error, 1)
			go func() {
				_, err := conn.API(context.Background(), "status")
				result <- err
			}()

			engine.expect("api status")
			Expect(conn.Close()).To(Succeed())

			Eventually(result).Should(Receive(MatchError(client.ErrClosed)))
		})

		It("skips frames with an unknown content type", func() {
			start(client.Options{})

			engine.write("Content-Type: log/data\nContent-Length: 3\n\nabc")

			result := make(chan string, 1)
			go func() {
				defer GinkgoRecover()

				body, err := conn.API(context.Background(), "status")
				Expect(err).To(Succeed())
				result <- body
			}()

			engine.expect("api status")
			engine.apiResponse("UP")

			Eventually(result).Should(Receive(Equal("UP")))
		})

		It("closes with a decode error on a malformed frame", func() {
			start(client.Options{})

			engine.write("this is not a header\n\n")

			Eventually(conn.Done()).Should(BeClosed())
			Expect(errors.Is(conn.Cause(), protocol.ErrDecode)).To(BeTrue())
		})

		It("refuses commands that would go out as more than one command", func() {
			start(client.Options{})

			_, err := conn.API(ctx, "status\n\napi hostname")
			Expect(errors.Is(err, protocol.ErrInvalidCommand)).To(BeTrue())

			_, err = conn.SendMultiLine(ctx, []string{"sendmsg 9d7e", "", "api hostname"})
			Expect(errors.Is(err, protocol.ErrInvalidCommand)).To(BeTrue())

			err = conn.Filter(ctx, "Unique-ID", "9d7e\n\napi hostname")
			Expect(errors.Is(err, protocol.ErrInvalidCommand)).To(BeTrue())

			err = conn.SubscribeEvents(ctx, protocol.FormatPlain, "HEARTBEAT\r\n\r\napi hostname")
			Expect(errors.Is(err, protocol.ErrInvalidCommand)).To(BeTrue())

			// Nothing was written or queued, so the next reply is the next caller's
			first := make(chan string, 1)
			second := make(chan string, 1)
			go func() {
				defer GinkgoRecover()

				body, err := conn.API(context.Background(), "version")
				Expect(err).To(Succeed())
				first <- body
			}()

			engine.expect("api version")

			go func() {
				defer GinkgoRecover()

				body, err := conn.API(context.Background(), "hostname")
				Expect(err).To(Succeed())
				second <- body
			}()

			engine.expect("api hostname")
			engine.apiResponse("1.10")
			engine.apiResponse("host-a")

			Eventually(first).Should(Receive(Equal("1.10")))
			Eventually(second).Should(Receive(Equal("host-a")))
			Expect(conn.State()).To(Equal(client.StateReady))
		})

		It("fails authentication when the password holds a line break", func() {
			var link net.Conn
			engine, link = newPipeEngine()

			observer := &recorder{}
			conn = client.New(link, client.Options{
				Credentials: client.Password("Clue\n\napi status"),
				Observer:    observer,
			})

			engine.write("Content-Type: auth/request\n\n")

			Eventually(conn.Done()).Should(BeClosed())
			Expect(errors.Is(conn.Cause(), client.ErrAuthenticationFailure)).To(BeTrue())
			Expect(errors.Is(conn.Cause(), protocol.ErrInvalidCommand)).To(BeTrue())
			Expect(conn.Cause().Error()).ToNot(ContainSubstring("Clue"))

			var written []string
			for command := range engine.commands {
				written = append(written, command)
			}
			Expect(written).To(BeEmpty())

			Eventually(observer.kinds).Should(Equal([]client.LifecycleEventKind{client.EventAuthFailed, client.EventClosed}))
		})

		It("ignores a second auth request", func() {
			start(client.Options{})

			engine.write("Content-Type: auth/request\n\n")

			go conn.API(ctx, "status")
			engine.expect("api status")
			engine.apiResponse("UP")

			Expect(conn.State()).To(Equal(client.StateReady))
		})
	})
})
