package protocol

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wagiedev/procworker-go/internal/errors"
)

func TestEncode_TagIsFirstField(t *testing.T) {
	data, err := Encode(Call{ID: "req-1", Method: "resize", Args: json.RawMessage(`{"op":"x"}`)})
	require.NoError(t, err)

	require.JSONEq(t, `{"type":"call","id":"req-1","method":"resize","args":{"op":"x"}}`, string(data))
	require.True(t, strings.HasPrefix(string(data), `{"type":"call",`))
}

func TestEncode_EmptyBody(t *testing.T) {
	data, err := Encode(MemoryUsageRequest{})
	require.NoError(t, err)

	require.Equal(t, `{"type":"memory_usage_request"}`, string(data))
}

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Message
	}{
		{
			name:  "success",
			input: `{"type":"success","id":"a","result":{"ok":true}}`,
			want:  &Success{ID: "a", Result: json.RawMessage(`{"ok":true}`)},
		},
		{
			name:  "client error",
			input: `{"type":"client_error","error_type":"TypeError","message":"bad","stack":"s","extra":{"code":1}}`,
			want: &ClientError{
				ErrorType: "TypeError",
				Message:   "bad",
				Stack:     "s",
				Extra:     map[string]any{"code": float64(1)},
			},
		},
		{
			name:  "setup error",
			input: `{"type":"setup_error","error_type":"Error","message":"missing module"}`,
			want:  &SetupError{ErrorType: "Error", Message: "missing module"},
		},
		{
			name:  "custom",
			input: `{"type":"custom","payload":[1,2]}`,
			want:  &Custom{Payload: json.RawMessage(`[1,2]`)},
		},
		{
			name:  "memory usage",
			input: `{"type":"memory_usage","bytes":600000000}`,
			want:  &MemoryUsage{Bytes: 600000000},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeInbound([]byte(tt.input))
			require.NoError(t, err)
			require.Equal(t, tt.want, msg)
		})
	}
}

func TestDecodeOutbound(t *testing.T) {
	msg, err := DecodeOutbound([]byte(`{"type":"initialize","specialize_load":false,"worker_path":"tasks","setup_args":[1,"two"]}`))
	require.NoError(t, err)

	initMsg, ok := msg.(*Initialize)
	require.True(t, ok)
	require.Equal(t, "tasks", initMsg.WorkerPath)
	require.Len(t, initMsg.SetupArgs, 2)
	require.JSONEq(t, `"two"`, string(initMsg.SetupArgs[1]))
}

func TestDecode_UnknownType(t *testing.T) {
	_, err := DecodeInbound([]byte(`{"type":"bogus"}`))
	require.Error(t, err)
	require.ErrorIs(t, err, errors.ErrUnknownMessageType)

	perr, ok := err.(*errors.ProtocolError)
	require.True(t, ok)
	require.Equal(t, `{"type":"bogus"}`, perr.RawData)
}

func TestDecode_WrongDirection(t *testing.T) {
	_, err := DecodeInbound([]byte(`{"type":"call","method":"x"}`))
	require.ErrorIs(t, err, errors.ErrUnknownMessageType)

	_, err = DecodeOutbound([]byte(`{"type":"success"}`))
	require.ErrorIs(t, err, errors.ErrUnknownMessageType)
}

func TestDecode_MalformedJSON(t *testing.T) {
	_, err := DecodeInbound([]byte(`{"type":`))
	require.Error(t, err)

	var perr *errors.ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestDecode_BadFieldType(t *testing.T) {
	_, err := DecodeInbound([]byte(`{"type":"memory_usage","bytes":"lots"}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode memory_usage")
}

func TestNewRequestID_Unique(t *testing.T) {
	seen := make(map[string]struct{}, 100)

	for range 100 {
		id := NewRequestID()
		require.Len(t, id, 26)

		_, dup := seen[id]
		require.False(t, dup)

		seen[id] = struct{}{}
	}
}

func TestWriterReader_RoundTripLines(t *testing.T) {
	var buf bytes.Buffer

	w := NewWriter(&buf)
	require.NoError(t, w.Write(Success{ID: "1", Result: json.RawMessage(`"a\nb"`)}))
	require.NoError(t, w.WriteLine([]byte(`{"type":"custom"}`)))

	// blank lines between messages are tolerated
	buf.WriteString("\n\n")
	require.NoError(t, w.Write(MemoryUsage{Bytes: 7}))

	r := NewReader(&buf)

	var types []string

	for {
		line, err := r.Next()
		if err == io.EOF {
			break
		}

		require.NoError(t, err)

		msg, err := DecodeInbound(line)
		require.NoError(t, err)

		types = append(types, msg.MessageType())
	}

	require.Equal(t, []string{TypeSuccess, TypeCustom, TypeMemoryUsage}, types)
}

func TestWriter_ConcurrentWritesDoNotInterleave(t *testing.T) {
	var (
		mu  sync.Mutex
		buf bytes.Buffer
	)

	w := NewWriter(writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()

		return buf.Write(p)
	}))

	var wg sync.WaitGroup

	for i := range 20 {
		wg.Go(func() {
			_ = w.Write(MemoryUsage{Bytes: uint64(i)})
		})
	}

	wg.Wait()

	r := NewReader(&buf)
	count := 0

	for {
		line, err := r.Next()
		if err == io.EOF {
			break
		}

		require.NoError(t, err)

		_, err = DecodeInbound(line)
		require.NoError(t, err)

		count++
	}

	require.Equal(t, 20, count)
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
