package websocket

import (
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"realtime-broker/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var errFakeClosed = errors.New("fake transport closed")

// fakeTransport is an in-memory Transport. Tests push client frames with
// deliver and read server frames from out.
type fakeTransport struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once

	mu         sync.Mutex
	pings      int
	closeCodes []int
	pong       func(string) error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 512),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-f.in:
		return websocket.TextMessage, msg, nil
	case <-f.closed:
		return 0, nil, errFakeClosed
	}
}

func (f *fakeTransport) WriteMessage(_ int, data []byte) error {
	select {
	case <-f.closed:
		return errFakeClosed
	default:
	}
	f.out <- data
	return nil
}

func (f *fakeTransport) WriteControl(messageType int, data []byte, _ time.Time) error {
	select {
	case <-f.closed:
		return errFakeClosed
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	switch messageType {
	case websocket.PingMessage:
		f.pings++
	case websocket.CloseMessage:
		code := websocket.CloseNoStatusReceived
		if len(data) >= 2 {
			code = int(data[0])<<8 | int(data[1])
		}
		f.closeCodes = append(f.closeCodes, code)
	}
	return nil
}

func (f *fakeTransport) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeTransport) SetReadLimit(int64)               {}

func (f *fakeTransport) SetPongHandler(h func(string) error) {
	f.mu.Lock()
	f.pong = h
	f.mu.Unlock()
}

func (f *fakeTransport) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
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

func (f *fakeTransport) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

func (f *fakeTransport) sentCloseCodes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.closeCodes...)
}

func (f *fakeTransport) deliver(t *testing.T, frame string) {
	t.Helper()
	select {
	case f.in <- []byte(frame):
	case <-time.After(time.Second):
		t.Fatalf("client frame not consumed: %s", frame)
	}
}

// frame is a decoded server frame.
type frame map[string]interface{}

func (f frame) str(key string) string {
	s, _ := f[key].(string)
	return s
}

// expect reads server frames until one of type want arrives.
func (f *fakeTransport) expect(t *testing.T, want models.MessageType) frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-f.out:
			var fr frame
			require.NoError(t, json.Unmarshal(data, &fr))
			if fr.str("type") == string(want) {
				return fr
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s frame", want)
			return nil
		}
	}
}

// next reads exactly one server frame.
func (f *fakeTransport) next(t *testing.T) frame {
	t.Helper()
	select {
	case data := <-f.out:
		var fr frame
		require.NoError(t, json.Unmarshal(data, &fr))
		return fr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

// expectQuiet asserts that no frame of type unwanted arrives within d.
func (f *fakeTransport) expectQuiet(t *testing.T, unwanted models.MessageType, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case data := <-f.out:
			var fr frame
			require.NoError(t, json.Unmarshal(data, &fr))
			if fr.str("type") == string(unwanted) {
				t.Fatalf("unexpected %s frame: %s", unwanted, data)
			}
		case <-deadline:
			return
		}
	}
}
