package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wagiedev/procworker-go/internal/errors"
)

// chunkReader delivers data in controlled chunks to simulate pipe reads.
type chunkReader struct {
	chunks [][]byte
	index  int
}

func newChunkReader(chunks ...string) *chunkReader {
	byteChunks := make([][]byte, len(chunks))
	for i, chunk := range chunks {
		byteChunks[i] = []byte(chunk)
	}

	return &chunkReader{chunks: byteChunks}
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.index >= len(r.chunks) {
		return 0, io.EOF
	}

	chunk := r.chunks[r.index]
	r.index++

	return copy(p, chunk), nil
}

func TestReader_MultipleMessagesInOneRead(t *testing.T) {
	input := `{"type":"custom","payload":1}` + "\n" + `{"type":"success","id":"r1"}` + "\n"

	msgs := readAll(t, newChunkReader(input))

	require.Len(t, msgs, 2)
	require.Equal(t, TypeCustom, msgs[0].MessageType())
	require.Equal(t, "r1", msgs[1].(*Success).ID)
}

func TestReader_EmbeddedNewlinesInStrings(t *testing.T) {
	data, err := Encode(Success{Result: json.RawMessage(`"Line 1\nLine 2\nLine 3"`)})
	require.NoError(t, err)

	msgs := readAll(t, newChunkReader(string(data)+"\n"))

	require.Len(t, msgs, 1)

	var result string
	require.NoError(t, json.Unmarshal(msgs[0].(*Success).Result, &result))
	require.Equal(t, "Line 1\nLine 2\nLine 3", result)
}

func TestReader_MessageSplitAcrossReads(t *testing.T) {
	payload, err := json.Marshal(map[string]any{"text": strings.Repeat("x", 1000)})
	require.NoError(t, err)

	data, err := Encode(Custom{Payload: payload})
	require.NoError(t, err)

	data = append(data, '\n')

	msgs := readAll(t, newChunkReader(string(data[:100]), string(data[100:250]), string(data[250:])))

	require.Len(t, msgs, 1)
	require.JSONEq(t, string(payload), string(msgs[0].(*Custom).Payload))
}

func TestReader_LargeMessageInPipeSizedChunks(t *testing.T) {
	items := make([]map[string]any, 1000)
	for i := range items {
		items[i] = map[string]any{"id": i, "value": strings.Repeat("x", 100)}
	}

	result, err := json.Marshal(items)
	require.NoError(t, err)

	data, err := Encode(Success{ID: "big", Result: result})
	require.NoError(t, err)

	data = append(data, '\n')

	const chunkSize = 64 * 1024

	var chunks []string

	for i := 0; i < len(data); i += chunkSize {
		end := min(i+chunkSize, len(data))
		chunks = append(chunks, string(data[i:end]))
	}

	msgs := readAll(t, newChunkReader(chunks...))

	require.Len(t, msgs, 1)
	require.Equal(t, "big", msgs[0].(*Success).ID)

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].(*Success).Result, &decoded))
	require.Len(t, decoded, 1000)
}

func TestReader_LineTooLong(t *testing.T) {
	huge := `{"type":"custom","payload":"` + strings.Repeat("x", MaxLineSize) + `"}` + "\n"

	r := NewReader(strings.NewReader(huge))

	_, err := r.Next()
	require.Error(t, err)
	require.NotErrorIs(t, err, io.EOF)
	require.ErrorIs(t, err, errors.ErrMessageTooLarge)
}

func TestCheckSize(t *testing.T) {
	require.NoError(t, CheckSize(make([]byte, MaxLineSize-1)))

	err := CheckSize(make([]byte, MaxLineSize))
	require.ErrorIs(t, err, errors.ErrMessageTooLarge)
	require.Contains(t, err.Error(), fmt.Sprintf("%d bytes", MaxLineSize))
}

func TestWriter_RejectsOversizedMessage(t *testing.T) {
	var buf bytes.Buffer

	w := NewWriter(&buf)

	err := w.Write(Custom{Payload: json.RawMessage(`"` + strings.Repeat("z", MaxLineSize) + `"`)})
	require.ErrorIs(t, err, errors.ErrMessageTooLarge)
	require.Zero(t, buf.Len())
}

func TestWriter_LargestFrameRoundTrips(t *testing.T) {
	var buf bytes.Buffer

	empty, err := Encode(Custom{Payload: json.RawMessage(`""`)})
	require.NoError(t, err)

	padding := strings.Repeat("q", MaxLineSize-1-len(empty))
	require.NoError(t, NewWriter(&buf).Write(Custom{Payload: json.RawMessage(`"` + padding + `"`)}))
	require.Equal(t, MaxLineSize, buf.Len())

	line, err := NewReader(&buf).Next()
	require.NoError(t, err)
	require.Len(t, line, MaxLineSize-1)
}

func TestReader_MixedCompleteAndSplit(t *testing.T) {
	first := `{"type":"memory_usage","bytes":1}` + "\n"

	big, err := Encode(Custom{Payload: json.RawMessage(`"` + strings.Repeat("y", 5000) + `"`)})
	require.NoError(t, err)

	last := `{"type":"memory_usage","bytes":3}` + "\n"

	msgs := readAll(t, newChunkReader(
		first,
		string(big[:1000]),
		string(big[1000:3000]),
		string(big[3000:])+"\n"+last,
	))

	require.Len(t, msgs, 3)
	require.Equal(t, uint64(1), msgs[0].(*MemoryUsage).Bytes)
	require.Len(t, msgs[1].(*Custom).Payload, 5002)
	require.Equal(t, uint64(3), msgs[2].(*MemoryUsage).Bytes)
}

func TestWriteLine_DoesNotMutateCallerSlice(t *testing.T) {
	var sb strings.Builder

	backing := make([]byte, 0, 64)
	data := append(backing, `{"type":"custom"}`...)
	spare := backing[:len(data)+1]
	spare[len(data)] = 'Z'

	require.NoError(t, NewWriter(&sb).WriteLine(data))
	require.Equal(t, "{\"type\":\"custom\"}\n", sb.String())
	require.Equal(t, byte('Z'), spare[len(data)])
}

// readAll decodes every inbound message from r.
func readAll(t *testing.T, r io.Reader) []Message {
	t.Helper()

	reader := NewReader(r)

	var msgs []Message

	for {
		line, err := reader.Next()
		if err == io.EOF {
			return msgs
		}

		require.NoError(t, err)

		msg, err := DecodeInbound(line)
		require.NoError(t, err)

		msgs = append(msgs, msg)
	}
}
