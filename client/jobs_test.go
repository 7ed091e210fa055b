package client_test

import (
	"context"
	"errors"
	"strconv"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/esl/client"
	"github.com/luma/esl/protocol"
	"github.com/luma/esl/storage"
)

func jobEvent(id, command, body string) *protocol.Event {
	msg := &protocol.Message{
		Headers: []protocol.Header{{Name: protocol.HeaderContentType, Value: string(protocol.ContentEventPlain)}},
		Body: []byte("Event-Name: BACKGROUND_JOB\nJob-UUID: " + id + "\nJob-Command: " + command +
			"\nContent-Length: " + strconv.Itoa(len(body)) + "\n\n" + body),
	}

	return protocol.NewEvent(msg)
}

// deafStore is a Store whose listeners never hear about updates, as happens
// to a listener that falls too far behind.
type deafStore struct {
	storage.Store
}

func (d deafStore) ListenToUpdates() <-chan *storage.Update {
	return make(chan *storage.Update)
}

func (d deafStore) StopListening(<-chan *storage.Update) {}

var _ = Describe("JobTracker", func() {
	var (
		store   storage.Store
		tracker *client.JobTracker
		ctx     context.Context
		cancel  context.CancelFunc
	)

	BeforeEach(func() {
		store = storage.NewInmemoryStore()
		tracker = client.NewJobTracker(store, nil)
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	})

	AfterEach(func() {
		cancel()
		Expect(store.Close()).To(Succeed())
	})

	It("records job results by Job-UUID", func() {
		Expect(tracker.HandleEvent(ctx, jobEvent("7f4d", "status", "+OK up\n"))).To(Succeed())

		result, err := tracker.Result(ctx, "7f4d")
		Expect(err).To(Succeed())
		Expect(*result).To(Equal(client.JobResult{JobUUID: "7f4d", Command: "status", Body: "+OK up\n"}))
	})

	It("lists every recorded result", func() {
		results, err := tracker.Results()
		Expect(err).To(Succeed())
		Expect(results).To(BeEmpty())

		Expect(tracker.HandleEvent(ctx, jobEvent("a1", "status", "+OK up\n"))).To(Succeed())
		Expect(tracker.HandleEvent(ctx, jobEvent("b2", "version", "+OK 1.10\n"))).To(Succeed())

		results, err = tracker.Results()
		Expect(err).To(Succeed())
		Expect(results).To(ConsistOf(
			&client.JobResult{JobUUID: "a1", Command: "status", Body: "+OK up\n"},
			&client.JobResult{JobUUID: "b2", Command: "version", Body: "+OK 1.10\n"},
		))
	})

	It("ignores other events", func() {
		ev := protocol.NewEvent(&protocol.Message{
			Headers: []protocol.Header{{Name: protocol.HeaderContentType, Value: string(protocol.ContentEventPlain)}},
			Body:    []byte("Event-Name: HEARTBEAT\n\n"),
		})

		Expect(tracker.HandleEvent(ctx, ev)).To(Succeed())
	})

	It("rejects a job event without a Job-UUID", func() {
		ev := protocol.NewEvent(&protocol.Message{
			Headers: []protocol.Header{{Name: protocol.HeaderContentType, Value: string(protocol.ContentEventPlain)}},
			Body:    []byte("Event-Name: BACKGROUND_JOB\n\n"),
		})

		err := tracker.HandleEvent(ctx, ev)
		Expect(errors.Is(err, client.ErrProtocolViolation)).To(BeTrue())
	})

	It("waits for a result that has not arrived yet", func() {
		result := make(chan *client.JobResult, 1)
		go func() {
			defer GinkgoRecover()

			r, err := tracker.Await(ctx, "9a1c")
			Expect(err).To(Succeed())
			result <- r
		}()

		Consistently(result, 50*time.Millisecond).ShouldNot(Receive())
		Expect(tracker.HandleEvent(ctx, jobEvent("other", "version", "1.10\n"))).To(Succeed())
		Expect(tracker.HandleEvent(ctx, jobEvent("9a1c", "status", "+OK up\n"))).To(Succeed())

		var r *client.JobResult
		Eventually(result).Should(Receive(&r))
		Expect(r.Body).To(Equal("+OK up\n"))
	})

	It("finds a result whose update it missed", func() {
		deaf := client.NewJobTracker(deafStore{Store: store}, nil)

		result := make(chan *client.JobResult, 1)
		go func() {
			defer GinkgoRecover()

			r, err := deaf.Await(ctx, "9a1c")
			Expect(err).To(Succeed())
			result <- r
		}()

		Consistently(result, 50*time.Millisecond).ShouldNot(Receive())
		Expect(deaf.HandleEvent(ctx, jobEvent("9a1c", "status", "+OK up\n"))).To(Succeed())

		var r *client.JobResult
		Eventually(result, 2*time.Second).Should(Receive(&r))
		Expect(r.Body).To(Equal("+OK up\n"))
	})

	It("returns a result that is already recorded", func() {
		Expect(tracker.HandleEvent(ctx, jobEvent("9a1c", "status", "+OK up\n"))).To(Succeed())

		r, err := tracker.Await(ctx, "9a1c")
		Expect(err).To(Succeed())
		Expect(r.Command).To(Equal("status"))
	})

	It("stops waiting when the context is done", func() {
		short, cancelShort := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancelShort()

		_, err := tracker.Await(short, "never")
		Expect(err).To(MatchError(context.DeadlineExceeded))
	})

	It("forgets results", func() {
		Expect(tracker.HandleEvent(ctx, jobEvent("7f4d", "status", "+OK up\n"))).To(Succeed())
		Expect(tracker.Forget(ctx, "7f4d")).To(Succeed())

		_, err := tracker.Result(ctx, "7f4d")
		Expect(err).To(MatchError(storage.ErrNotFound))
	})
})
