package storage_test

import (
	"context"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/esl/storage"
)

var _ = Describe("storage / InmemoryStore", func() {
	Describe("Close()", func() {
		It("does not panic when closed twice", func() {
			store := storage.NewInmemoryStore()
			defer store.Close()

			Expect(func() { store.Close() }).NotTo(Panic())
			Expect(func() { store.Close() }).NotTo(Panic())
		})

		It("closes every update channel", func() {
			store := storage.NewInmemoryStore()
			updateChan := store.ListenToUpdates()

			Expect(store.Close()).To(Succeed())
			Eventually(updateChan).Should(BeClosed())
		})
	})

	It("an empty inmemory store equals {}", func() {
		store := storage.NewInmemoryStore()
		defer store.Close()

		value, err := store.Backup()
		Expect(err).To(Succeed())
		Expect(string(value)).To(Equal(`{}`))
	})

	Describe("Set() / Get()", func() {
		It("can read a key that is written", func() {
			store := storage.NewInmemoryStore()
			defer store.Close()

			err := store.Set(context.Background(), []byte("foo"), "bar")
			Expect(err).To(Succeed())

			Expect(store.Get(context.Background(), []byte("foo"))).To(Equal([]byte(`"bar"`)))

			value, err := store.Backup()
			Expect(err).To(Succeed())
			Expect(string(value)).To(Equal(`{"foo":"bar"}`))
		})

		It("treats keys with path characters literally", func() {
			store := storage.NewInmemoryStore()
			defer store.Close()

			Expect(store.Set(context.Background(), []byte("a.b.c"), 1)).To(Succeed())
			Expect(store.Get(context.Background(), []byte("a.b.c"))).To(Equal([]byte(`1`)))

			_, err := store.Get(context.Background(), []byte("a"))
			Expect(err).To(MatchError(storage.ErrNotFound))
		})

		It("returns ErrNotFound for a missing key", func() {
			store := storage.NewInmemoryStore()
			defer store.Close()

			_, err := store.Get(context.Background(), []byte("nope"))
			Expect(err).To(MatchError(storage.ErrNotFound))
		})

		It("sends on the update channel when values are set", func() {
			store := storage.NewInmemoryStore()
			defer store.Close()

			updateChan := store.ListenToUpdates()
			err := store.Set(context.Background(), []byte("foo"), "bar")
			Expect(err).To(Succeed())

			update, ok := <-updateChan
			Expect(ok).To(BeTrue())
			Expect(update).To(Equal(&storage.Update{
				Key:   []byte("foo"),
				Value: []byte(`"bar"`),
			}))
		})

		It("stops sending once a listener stops listening", func() {
			store := storage.NewInmemoryStore()
			defer store.Close()

			updateChan := store.ListenToUpdates()
			store.StopListening(updateChan)
			Eventually(updateChan).Should(BeClosed())

			Expect(store.Set(context.Background(), []byte("foo"), "bar")).To(Succeed())
		})
	})

	Describe("Delete()", func() {
		It("removes the key", func() {
			store := storage.NewInmemoryStore()
			defer store.Close()

			Expect(store.Set(context.Background(), []byte("foo"), "bar")).To(Succeed())
			Expect(store.Delete(context.Background(), []byte("foo"))).To(Succeed())

			_, err := store.Get(context.Background(), []byte("foo"))
			Expect(err).To(MatchError(storage.ErrNotFound))
		})
	})

	Describe("Restore() / Backup()", func() {
		It("round trips a document", func() {
			store := storage.NewInmemoryStore()
			defer store.Close()

			Expect(store.Restore([]byte(`{"job":{"body":"+OK"}}`))).To(Succeed())
			Expect(store.Get(context.Background(), []byte("job"))).To(Equal([]byte(`{"body":"+OK"}`)))
		})
	})
})
