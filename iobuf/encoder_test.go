package iobuf

import (
	"testing"

	"github.com/newsky/colossus/api"
	"github.com/stretchr/testify/require"
)

func TestBlockEncoderCompletesWhenExhausted(t *testing.T) {
	enc := NewBlockEncoder([]byte("hello world"))
	out := NewFixedOutBuffer(make([]byte, 5))

	require.False(t, enc.WriteInto(out))
	require.Equal(t, "hello", string(out.Written()))

	out.Reset(make([]byte, 64))
	require.True(t, enc.WriteInto(out))
	require.Equal(t, " world", string(out.Written()))
}

func TestSizedProcEncoderFastPath(t *testing.T) {
	calls := 0
	enc := NewSizedProcEncoder(5, func(out api.OutBuffer) {
		calls++
		_ = out.Write([]byte("abcde"))
	})
	out := NewFixedOutBuffer(make([]byte, 10))
	require.True(t, enc.WriteInto(out))
	require.Equal(t, 1, calls)
	require.Equal(t, "abcde", string(out.Written()))
}

func TestSizedProcEncoderOverflowsOnce(t *testing.T) {
	calls := 0
	payload := make([]byte, 64*1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	enc := NewSizedProcEncoder(int64(len(payload)), func(out api.OutBuffer) {
		calls++
		_ = out.Write(payload)
	})

	small := NewFixedOutBuffer(make([]byte, 8*1024))
	require.False(t, enc.WriteInto(small))
	require.Equal(t, 1, calls, "sized writer must run exactly once even though the frame spans many WriteInto calls")

	var delivered []byte
	delivered = append(delivered, small.Written()...)

	for {
		buf := NewFixedOutBuffer(make([]byte, 8*1024))
		complete := enc.WriteInto(buf)
		delivered = append(delivered, buf.Written()...)
		if complete {
			break
		}
	}

	require.Equal(t, 1, calls, "overflow drain must never re-invoke the sized writer")
	require.Equal(t, payload, delivered)
}

func TestMultiEncoderResumesCursor(t *testing.T) {
	enc := NewMultiEncoder(
		NewBlockEncoder([]byte("AAAA")),
		NewBlockEncoder([]byte("BBBB")),
	)
	out := NewFixedOutBuffer(make([]byte, 4))
	require.False(t, enc.WriteInto(out))
	require.Equal(t, "AAAA", string(out.Written()))

	out.Reset(make([]byte, 4))
	require.True(t, enc.WriteInto(out))
	require.Equal(t, "BBBB", string(out.Written()))
}
