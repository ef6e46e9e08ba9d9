package modem

import (
	"bytes"
	"io"
	"strings"
	"sync"
)

// TestTransport is a test helper that plays the device side of the stream.
// Replies registered with Reply are delivered when a matching command is
// written; reads block until data is available, like a real serial port.
type TestTransport struct {
	mu      sync.Mutex
	pending [][]byte
	replies []testReply
	written []string
	chunk   int
	closed  bool

	ready chan struct{}
	done  chan struct{}
}

type testReply struct {
	prefix string
	data   []string
}

// NewTestTransport creates a new test transport for testing.
func NewTestTransport() *TestTransport {
	return &TestTransport{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Reply registers data to be delivered when the next written command starts
// with prefix. Replies are matched strictly in registration order; each
// element of data is delivered as a separate read.
func (t *TestTransport) Reply(prefix string, data ...string) *TestTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replies = append(t.replies, testReply{prefix: prefix, data: data})
	return t
}

// Fragment splits every subsequent delivery into reads of at most n bytes.
func (t *TestTransport) Fragment(n int) *TestTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.chunk = n
	return t
}

func (t *TestTransport) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, io.ErrClosedPipe
	}
	t.written = append(t.written, string(p))
	if len(t.replies) > 0 && strings.HasPrefix(string(p), t.replies[0].prefix) {
		r := t.replies[0]
		t.replies = t.replies[1:]
		for _, d := range r.data {
			t.queueLocked(d)
		}
	}
	return len(p), nil
}

func (t *TestTransport) Read(p []byte) (n int, err error) {
	for {
		t.mu.Lock()
		if len(t.pending) > 0 {
			n = copy(p, t.pending[0])
			if n < len(t.pending[0]) {
				t.pending[0] = t.pending[0][n:]
			} else {
				t.pending = t.pending[1:]
			}
			t.mu.Unlock()
			return n, nil
		}
		if t.closed {
			t.mu.Unlock()
			return 0, io.EOF
		}
		t.mu.Unlock()

		select {
		case <-t.ready:
		case <-t.done:
		}
	}
}

func (t *TestTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)
	return nil
}

// SendData queues data to be read by the transport.
// This simulates an unsolicited notification from the modem.
func (t *TestTransport) SendData(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.queueLocked(data)
	}
}

// Written returns every command written so far.
func (t *TestTransport) Written() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.written...)
}

// PendingReplies returns the number of registered replies not yet matched.
func (t *TestTransport) PendingReplies() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.replies)
}

func (t *TestTransport) queueLocked(data string) {
	b := []byte(data)
	for len(b) > 0 {
		n := len(b)
		if t.chunk > 0 && n > t.chunk {
			n = t.chunk
		}
		t.pending = append(t.pending, bytes.Clone(b[:n]))
		b = b[n:]
	}
	select {
	case t.ready <- struct{}{}:
	default:
	}
}
