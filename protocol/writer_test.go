package protocol_test

import (
	"bytes"
	"errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/esl/protocol"
)

var _ = Describe("Parsing/ Writer", func() {
	Describe("WriteCommand", func() {
		It("terminates a single line command with a blank line", func() {
			w := bytes.NewBuffer([]byte{})

			Expect(protocol.WriteCommand(w, "api status")).To(Succeed())
			Expect(w.String()).To(Equal("api status\n\n"))
		})

		It("does not double up a trailing newline", func() {
			w := bytes.NewBuffer([]byte{})

			Expect(protocol.WriteCommand(w, "api status\n")).To(Succeed())
			Expect(w.String()).To(Equal("api status\n\n"))
		})
	})

	Describe("WriteMultiLineCommand", func() {
		It("ends every line with a newline and adds a final blank line", func() {
			w := bytes.NewBuffer([]byte{})

			Expect(protocol.WriteMultiLineCommand(w, []string{
				"sendmsg 1234",
				"call-command: execute",
				"execute-app-name: playback",
			})).To(Succeed())
			Expect(w.String()).To(Equal("sendmsg 1234\ncall-command: execute\nexecute-app-name: playback\n\n"))
		})
	})

	Describe("ValidateCommand", func() {
		It("accepts a single line, with or without a trailing newline", func() {
			Expect(protocol.ValidateCommand("api status")).To(Succeed())
			Expect(protocol.ValidateCommand("api status\r\n")).To(Succeed())
		})

		It("rejects commands that would go out as more than one command", func() {
			for _, command := range []string{
				"api status\n\napi hostname",
				"api status\napi hostname",
				"auth Clue\rCon",
				"",
				"\n",
			} {
				err := protocol.ValidateCommand(command)
				Expect(errors.Is(err, protocol.ErrInvalidCommand)).To(BeTrue(), "command %q", command)
			}
		})
	})

	Describe("ValidateMultiLineCommand", func() {
		It("accepts header style lines", func() {
			Expect(protocol.ValidateMultiLineCommand([]string{"sendmsg 9d7e", "call-command: hangup\n"})).To(Succeed())
		})

		It("rejects no lines, blank lines and embedded line breaks", func() {
			for _, lines := range [][]string{
				nil,
				{"sendmsg 9d7e", "", "call-command: hangup"},
				{"sendmsg 9d7e", "call-command: hangup\n\napi hostname"},
				{"sendmsg\r9d7e"},
				{"\r\n"},
			} {
				err := protocol.ValidateMultiLineCommand(lines)
				Expect(errors.Is(err, protocol.ErrInvalidCommand)).To(BeTrue(), "lines %q", lines)
			}
		})
	})

	Describe("WriteMessage", func() {
		It("sets Content-Length to the body size", func() {
			w := bytes.NewBuffer([]byte{})

			msg := &protocol.Message{
				Headers: []protocol.Header{
					{Name: "Content-Type", Value: "api/response"},
					{Name: "Content-Length", Value: "999"},
				},
				Body: []byte("+OK"),
			}

			Expect(protocol.WriteMessage(w, msg)).To(Succeed())
			Expect(w.String()).To(Equal("Content-Type: api/response\nContent-Length: 3\n\n+OK"))

			// The original message is left untouched
			Expect(msg.Header("Content-Length")).To(Equal("999"))
		})

		It("round trips through the decoder", func() {
			w := bytes.NewBuffer([]byte{})

			msg := &protocol.Message{
				Headers: []protocol.Header{{Name: "Content-Type", Value: "command/reply"}, {Name: "Reply-Text", Value: "+OK"}},
			}

			Expect(protocol.WriteMessage(w, msg)).To(Succeed())

			decoded, err := protocol.NewDecoder(w, protocol.DecoderOptions{}).ReadMessage()
			Expect(err).To(Succeed())
			Expect(decoded).To(Equal(msg))
		})
	})
})
