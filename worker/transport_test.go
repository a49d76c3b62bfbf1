package worker

import (
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type capturedMessage struct {
	env envelope
	raw json.RawMessage
}

func newCapturingTransport(t *testing.T, w io.Writer, r io.Reader) (*transport, chan capturedMessage) {
	t.Helper()
	ch := make(chan capturedMessage, 16)
	tr := newTransport(zaptest.NewLogger(t).Sugar(), w, r, func(env envelope, raw json.RawMessage) {
		ch <- capturedMessage{env: env, raw: raw}
	})
	return tr, ch
}

func TestWriteMessageFramesOneLine(t *testing.T) {
	var buf strings.Builder
	tr, _ := newCapturingTransport(t, &buf, strings.NewReader(""))

	require.NoError(t, tr.writeMessage(configMessage{Type: msgTypeConfig, ActiveOptions: []string{"ner"}}))
	require.NoError(t, tr.writeMessage(pingMessage{Type: msgTypePing}))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"type":"config","active_options":["ner"]}`, lines[0])
	assert.JSONEq(t, `{"type":"ping"}`, lines[1])
}

func TestWriteRequestFlattensPayload(t *testing.T) {
	var buf strings.Builder
	tr, _ := newCapturingTransport(t, &buf, strings.NewReader(""))

	payload := struct {
		Text string `json:"text"`
	}{Text: "Acme Corp is in Paris"}
	require.NoError(t, tr.writeRequest("analyze_text", 7, payload))

	line := strings.TrimRight(buf.String(), "\n")
	assert.NotContains(t, line, "\n")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &decoded))
	assert.Equal(t, "analyze_text", decoded["type"])
	assert.Equal(t, float64(7), decoded["requestId"])
	assert.Equal(t, "Acme Corp is in Paris", decoded["text"])
}

func TestWriteRequestNilPayload(t *testing.T) {
	var buf strings.Builder
	tr, _ := newCapturingTransport(t, &buf, strings.NewReader(""))

	require.NoError(t, tr.writeRequest("analyze_text", 1, nil))
	assert.JSONEq(t, `{"type":"analyze_text","requestId":1}`, strings.TrimRight(buf.String(), "\n"))
}

func TestWriteRequestRejectsNonObjectPayload(t *testing.T) {
	tr, _ := newCapturingTransport(t, io.Discard, strings.NewReader(""))
	err := tr.writeRequest("analyze_text", 1, 42)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JSON object")
}

func TestReadLoopDispatchesAndSkipsJunk(t *testing.T) {
	pr, pw := io.Pipe()
	tr, msgs := newCapturingTransport(t, io.Discard, pr)
	tr.start()
	defer tr.close()

	input := strings.Join([]string{
		``,
		`this is not json`,
		`{"noType":true}`,
		`{"type":"ready","modelInfo":{"lang":"en"}}`,
		`{"type":"analyze_result","requestId":3,"entities":[]}`,
		`{"type":"error","error":"boom"}`,
	}, "\n") + "\n"

	go func() {
		_, _ = pw.Write([]byte(input))
		pw.Close()
	}()

	var got []capturedMessage
	for i := 0; i < 3; i++ {
		select {
		case m := <-msgs:
			got = append(got, m)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}

	require.Len(t, got, 3)

	assert.Equal(t, msgTypeReady, got[0].env.Type)
	assert.JSONEq(t, `{"lang":"en"}`, string(got[0].env.ModelInfo))

	require.NotNil(t, got[1].env.RequestID)
	assert.Equal(t, int64(3), *got[1].env.RequestID)
	assert.JSONEq(t, `{"type":"analyze_result","requestId":3,"entities":[]}`, string(got[1].raw))

	assert.Equal(t, msgTypeError, got[2].env.Type)
	assert.Nil(t, got[2].env.RequestID)
	assert.Equal(t, "boom", got[2].env.Error)

	// no extra dispatches for the junk lines
	select {
	case m := <-msgs:
		t.Fatalf("unexpected extra message: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReadLoopHandlesLinesBeyondInitialBuffer(t *testing.T) {
	// a result larger than the scanner's initial 64KB buffer
	big := strings.Repeat("x", 256*1024)
	line := `{"type":"analyze_result","requestId":1,"entities":[{"text":"` + big + `","label":"BIG","start":0,"end":0}]}`

	tr, msgs := newCapturingTransport(t, io.Discard, strings.NewReader(line+"\n"))
	tr.start()
	defer tr.close()

	select {
	case m := <-msgs:
		require.NotNil(t, m.env.RequestID)
		assert.Equal(t, int64(1), *m.env.RequestID)
		assert.Greater(t, len(m.raw), 256*1024)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the oversized message")
	}
}

func TestClosedTransportRejectsWrites(t *testing.T) {
	tr, _ := newCapturingTransport(t, io.Discard, strings.NewReader(""))
	tr.close()
	tr.close() // idempotent

	err := tr.writeMessage(pingMessage{Type: msgTypePing})
	require.ErrorIs(t, err, ErrTransportClosed)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestBrokenPipeIsChannelWriteError(t *testing.T) {
	tr, _ := newCapturingTransport(t, failingWriter{}, strings.NewReader(""))
	err := tr.writeMessage(pingMessage{Type: msgTypePing})
	require.ErrorIs(t, err, ErrChannelWrite)
}
