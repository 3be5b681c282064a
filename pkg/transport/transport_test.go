package transport

import (
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

func TestWrapTranslatesNATSMessage(t *testing.T) {
	var got *Message

	handler := wrap(func(msg *Message) {
		got = msg
	})

	header := nats.Header{}
	header.Set(HeaderInvocationID, "inv-1")
	header.Set(HeaderChunked, "false")

	handler(&nats.Msg{
		Subject: "wasmbus.rpc.default.hello",
		Reply:   "_INBOX.abc",
		Data:    []byte("payload"),
		Header:  header,
	})

	assert.NotNil(t, got)
	assert.Equal(t, "wasmbus.rpc.default.hello", got.Subject)
	assert.Equal(t, "_INBOX.abc", got.Reply)
	assert.Equal(t, []byte("payload"), got.Data)
	assert.Equal(t, "inv-1", got.Header.Get(HeaderInvocationID))
}
