package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodec(t *testing.T) {
	t.Run("frames round-trip", func(t *testing.T) {
		buf := bytes.Buffer{}
		enc := NewEncoder(&buf)
		require.NoError(t, enc.Encode(Message{Event: EventJoin, Payload: []byte(`{"topic":"crdt:c1"}`), RequestID: "r1"}))
		require.NoError(t, enc.Encode(OK(map[string]string{"profile": "full"})))

		dec := Async(&buf)
		defer dec.Cancel()
		message, ok := <-dec.Messages()
		require.True(t, ok)
		require.Equal(t, EventJoin, message.Event)
		require.Equal(t, "r1", message.RequestID)
	})
	t.Run("a clean end of stream is not an error", func(t *testing.T) {
		reader, writer := io.Pipe()
		dec := Async(reader)
		defer dec.Cancel()
		writer.Close()
		_, ok := <-dec.Messages()
		require.False(t, ok)
		require.NoError(t, dec.Err())
	})
	t.Run("a malformed frame surfaces an error", func(t *testing.T) {
		dec := Async(bytes.NewBufferString(`{"event":`))
		defer dec.Cancel()
		_, ok := <-dec.Messages()
		require.False(t, ok)
		require.Error(t, dec.Err())
	})
}
