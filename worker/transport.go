package worker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// maxLineBytes is the largest protocol line the reader accepts. Analysis
// results for large documents can get big, so this is generous.
const maxLineBytes = 16 * 1024 * 1024

// messageHandler receives every parsed protocol line. raw is a private copy
// and may be retained.
type messageHandler func(env envelope, raw json.RawMessage)

// transport frames newline-delimited JSON messages over the worker's stdio.
// One JSON object per \n-terminated line, no embedded newlines. The write
// side is safe for concurrent use; reads happen on a single goroutine.
type transport struct {
	log     *zap.SugaredLogger
	handler messageHandler

	writeMu sync.Mutex
	w       io.Writer

	r io.Reader

	closed atomic.Bool
	done   chan struct{}
}

func newTransport(log *zap.SugaredLogger, w io.Writer, r io.Reader, handler messageHandler) *transport {
	return &transport{
		log:     log,
		handler: handler,
		w:       w,
		r:       r,
		done:    make(chan struct{}),
	}
}

// start begins the read loop.
func (t *transport) start() {
	go t.readLoop()
}

// close stops the transport. In-flight writes fail with ErrTransportClosed
// afterwards. It does not close the underlying pipes; the process teardown
// owns those.
func (t *transport) close() {
	if t.closed.Swap(true) {
		return
	}
	close(t.done)
}

// writeMessage marshals msg and writes it as a single line.
func (t *transport) writeMessage(msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	return t.writeLine(b)
}

// writeRequest frames a request message: the payload's fields are flattened
// into the same object as the type discriminator and correlation id.
func (t *transport) writeRequest(kind string, id int64, payload any) error {
	fields := map[string]json.RawMessage{}
	if payload != nil {
		pb, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshaling request payload: %w", err)
		}
		if err := json.Unmarshal(pb, &fields); err != nil {
			return fmt.Errorf("request payload must encode to a JSON object: %w", err)
		}
	}
	tb, err := json.Marshal(kind)
	if err != nil {
		return fmt.Errorf("marshaling request kind: %w", err)
	}
	fields["type"] = tb
	fields["requestId"] = json.RawMessage(fmt.Sprintf("%d", id))

	b, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	return t.writeLine(b)
}

func (t *transport) writeLine(b []byte) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.w.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelWrite, err)
	}
	return nil
}

// readLoop parses lines from the worker's stdout until EOF or close. Lines
// that are not JSON objects are logged and skipped; the stream itself stays
// usable.
func (t *transport) readLoop() {
	scanner := bufio.NewScanner(t.r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		select {
		case <-t.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			t.log.Debugf("skipping unparseable line (%d bytes): %s", len(line), err)
			continue
		}
		if env.Type == "" {
			t.log.Debugf("skipping message with no type (%d bytes)", len(line))
			continue
		}

		// the scanner reuses its buffer, handlers get a copy
		raw := make(json.RawMessage, len(line))
		copy(raw, line)
		t.handler(env, raw)
	}

	if err := scanner.Err(); err != nil && !t.closed.Load() {
		t.log.Debugf("read loop ended: %s", err)
	}
}
