package testutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/David-ssnd/rayz-web-sub000/device"
	"github.com/David-ssnd/rayz-web-sub000/protocol"
)

// Frame is one websocket message
type Frame struct {
	Type int
	Data []byte
}

// FakeSocket is an in-memory device.Socket. Inbound frames are queued with
// Deliver; writes are recorded.
type FakeSocket struct {
	URL string

	inbound   chan Frame
	remote    chan error
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	written  []Frame
	writeErr error
}

// NewFakeSocket creates an open socket
func NewFakeSocket(url string) *FakeSocket {
	return &FakeSocket{
		URL:     url,
		inbound: make(chan Frame, 64),
		remote:  make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

// ReadMessage implements device.Socket
func (s *FakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case f := <-s.inbound:
		return f.Type, f.Data, nil
	case err := <-s.remote:
		return 0, nil, err
	case <-s.closed:
		return 0, nil, errSocketClosed
	}
}

var errSocketClosed = errors.New("use of closed network connection")

// WriteMessage implements device.Socket
func (s *FakeSocket) WriteMessage(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.IsClosed() {
		return websocket.ErrCloseSent
	}
	if s.writeErr != nil {
		return s.writeErr
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.written = append(s.written, Frame{Type: messageType, Data: buf})
	return nil
}

// Close implements device.Socket
func (s *FakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// IsClosed reports whether the client closed the socket
func (s *FakeSocket) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Deliver queues a raw inbound frame
func (s *FakeSocket) Deliver(messageType int, data []byte) {
	s.inbound <- Frame{Type: messageType, Data: data}
}

// DeliverDevice encodes msg with codec and queues it
func (s *FakeSocket) DeliverDevice(t testing.TB, codec protocol.Codec, msg protocol.DeviceMessage) {
	t.Helper()
	kind, data, err := codec.EncodeDevice(msg)
	if err != nil {
		t.Fatalf("encode %s: %v", msg.MessageType(), err)
	}
	mt := websocket.TextMessage
	if kind == protocol.FrameBinary {
		mt = websocket.BinaryMessage
	}
	s.Deliver(mt, data)
}

// RemoteClose makes the next read fail as if the device closed with code
func (s *FakeSocket) RemoteClose(code int) {
	s.remote <- &websocket.CloseError{Code: code}
}

// Drop makes the next read fail with a network error
func (s *FakeSocket) Drop() {
	s.remote <- errors.New("connection reset by peer")
}

// FailWrites makes every following write return err
func (s *FakeSocket) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// Written returns a copy of every frame written so far
func (s *FakeSocket) Written() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Frame, len(s.written))
	copy(out, s.written)
	return out
}

// Sent decodes every written frame as a client message
func (s *FakeSocket) Sent(t testing.TB) []protocol.ClientMessage {
	t.Helper()
	var out []protocol.ClientMessage
	for _, f := range s.Written() {
		kind := protocol.FrameText
		if f.Type == websocket.BinaryMessage {
			kind = protocol.FrameBinary
		}
		msg, err := protocol.DecodeClient(kind, f.Data)
		if err != nil {
			t.Fatalf("decode written frame: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

// SentTypes returns the message types of every written frame
func (s *FakeSocket) SentTypes(t testing.TB) []string {
	t.Helper()
	var types []string
	for _, msg := range s.Sent(t) {
		types = append(types, msg.MessageType())
	}
	return types
}

// DialAttempt is a pending FakeDialer.Dial call
type DialAttempt struct {
	URL    string
	ctx    context.Context
	result chan dialResult
}

type dialResult struct {
	sock *FakeSocket
	err  error
}

// Accept completes the dial with a new open socket
func (a *DialAttempt) Accept() *FakeSocket {
	sock := NewFakeSocket(a.URL)
	a.result <- dialResult{sock: sock}
	return sock
}

// Fail completes the dial with err
func (a *DialAttempt) Fail(err error) {
	a.result <- dialResult{err: err}
}

// Cancelled reports whether the dialing side gave up
func (a *DialAttempt) Cancelled() bool {
	return a.ctx.Err() != nil
}

// FakeDialer is a device.Dialer whose dials are completed by the test.
// With Auto set, dials complete immediately with Auto's result instead.
type FakeDialer struct {
	Auto func(url string) (*FakeSocket, error)

	attempts chan *DialAttempt

	mu      sync.Mutex
	total   int
	sockets map[string][]*FakeSocket
}

// NewFakeDialer creates a dialer with manual completion
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{
		attempts: make(chan *DialAttempt, 128),
		sockets:  make(map[string][]*FakeSocket),
	}
}

// AutoAccept makes every dial succeed immediately
func (d *FakeDialer) AutoAccept() *FakeDialer {
	d.Auto = func(url string) (*FakeSocket, error) { return NewFakeSocket(url), nil }
	return d
}

// Dial implements device.Dialer
func (d *FakeDialer) Dial(ctx context.Context, url string) (device.Socket, error) {
	d.mu.Lock()
	d.total++
	auto := d.Auto
	d.mu.Unlock()

	if auto != nil {
		sock, err := auto(url)
		if err != nil {
			return nil, err
		}
		d.track(url, sock)
		return sock, nil
	}

	attempt := &DialAttempt{URL: url, ctx: ctx, result: make(chan dialResult, 1)}
	d.attempts <- attempt

	select {
	case res := <-attempt.result:
		if res.err != nil {
			return nil, res.err
		}
		d.track(url, res.sock)
		return res.sock, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *FakeDialer) track(url string, sock *FakeSocket) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sockets[url] = append(d.sockets[url], sock)
}

// Next waits for the next manual dial
func (d *FakeDialer) Next(t testing.TB) *DialAttempt {
	t.Helper()
	select {
	case a := <-d.attempts:
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a dial")
		return nil
	}
}

// NoDial asserts that no manual dial starts within wait
func (d *FakeDialer) NoDial(t testing.TB, wait time.Duration) {
	t.Helper()
	select {
	case a := <-d.attempts:
		t.Fatalf("unexpected dial to %s", a.URL)
	case <-time.After(wait):
	}
}

// Dials returns how many times Dial was called
func (d *FakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total
}

// Sockets returns every socket handed out for url
func (d *FakeDialer) Sockets(url string) []*FakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*FakeSocket, len(d.sockets[url]))
	copy(out, d.sockets[url])
	return out
}

// Latest returns the most recent socket handed out for url, or nil
func (d *FakeDialer) Latest(url string) *FakeSocket {
	socks := d.Sockets(url)
	if len(socks) == 0 {
		return nil
	}
	return socks[len(socks)-1]
}
