package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"classrelay/pkg/protocol"
)

var errTransportClosed = errors.New("transport closed")

type fakeTransport struct {
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		incoming: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-f.incoming:
		return data, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	select {
	case <-f.closed:
		return errTransportClosed
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// push delivers a server frame to the client.
func (f *fakeTransport) push(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		panic(err)
	}
	f.incoming <- data
}

// sent returns the decoded frames the client wrote, optionally filtered by tag.
func (f *fakeTransport) sent(tag protocol.Tag) []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []protocol.Message
	for _, data := range f.written {
		msg, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		if tag == "" || msg.Tag() == tag {
			out = append(out, msg)
		}
	}
	return out
}

type fakeDialer struct {
	mu            sync.Mutex
	err           error
	closeOnDial   bool
	gate          chan struct{}
	dials         int
	transports    []*fakeTransport
	lastDialedURL string
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Transport, error) {
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.lastDialedURL = url
	if d.err != nil {
		return nil, d.err
	}

	t := newFakeTransport()
	if d.closeOnDial {
		_ = t.Close()
	} else {
		t.push(&protocol.Connection{SessionID: fmt.Sprintf("conn-%d", d.dials)})
	}
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 {
		i = len(d.transports) + i
	}
	return d.transports[i]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxReconnectAttempts = 3
	cfg.BaseDelay = time.Second
	cfg.MaxDelay = 4 * time.Second
	cfg.KeepaliveInterval = 30 * time.Second
	cfg.PongTimeout = 10 * time.Second
	cfg.HandshakeTimeout = 2 * time.Second
	return cfg
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *fakeDialer, *clock.Mock) {
	t.Helper()

	mock := clock.NewMock()
	dialer := &fakeDialer{}
	m, err := New(cfg, WithDialer(dialer), WithClock(mock), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(m.Disconnect)
	return m, dialer, mock
}

func connect(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Connect(ctx, "ws://relay.test/ws"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
}

func eventually(t *testing.T, cond func() bool, format string, args ...interface{}) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: "+format, args...)
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []Status
}

func (r *statusRecorder) record(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *statusRecorder) snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

func (r *statusRecorder) last() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return ""
	}
	return r.statuses[len(r.statuses)-1]
}
