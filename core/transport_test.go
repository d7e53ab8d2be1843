package session

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/narratek/stagelink/core/entities"
	"github.com/narratek/stagelink/core/packets"
)

// fakeSocket is an in-memory Socket: writes are recorded, reads block until a
// frame is pushed or the socket closes. Optional channels let a test observe a
// write in progress and hold it open.
type fakeSocket struct {
	frames chan []byte

	writeEntered chan struct{}
	writeGate    chan struct{}

	mu       sync.Mutex
	writes   [][]byte
	writeErr error
	closed   bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{frames: make(chan []byte, 16)}
}

func (s *fakeSocket) WriteMessage(messageType int, data []byte) error {
	if s.writeEntered != nil {
		s.writeEntered <- struct{}{}
	}
	if s.writeGate != nil {
		<-s.writeGate
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("socket closed")
	}
	if s.writeErr != nil {
		return s.writeErr
	}
	s.writes = append(s.writes, append([]byte(nil), data...))
	return nil
}

func (s *fakeSocket) failWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.writeErr = err
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	frame, ok := <-s.frames
	if !ok {
		return 0, nil, errors.New("socket closed")
	}
	return 1, frame, nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.frames)
	return nil
}

func (s *fakeSocket) push(frame string) {
	s.frames <- []byte(frame)
}

// dropConnection simulates the server side going away.
func (s *fakeSocket) dropConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.frames)
}

func (s *fakeSocket) writtenPackets(t *testing.T) []packets.Packet {
	t.Helper()

	s.mu.Lock()
	raws := append([][]byte(nil), s.writes...)
	s.mu.Unlock()

	written := make([]packets.Packet, 0, len(raws))
	for _, raw := range raws {
		packet, err := (packets.Codec{}).Decode(raw)
		if err != nil {
			t.Fatalf("expected written frame to decode, got error: %v", err)
		}
		written = append(written, packet)
	}
	return written
}

type fakeDialer struct {
	mu      sync.Mutex
	sockets []*fakeSocket
	err     error
	urls    []string
	headers []http.Header
}

func (d *fakeDialer) dial(ctx context.Context, rawURL string, header http.Header) (Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.urls = append(d.urls, rawURL)
	d.headers = append(d.headers, header)
	if d.err != nil {
		return nil, d.err
	}

	socket := newFakeSocket()
	d.sockets = append(d.sockets, socket)
	return socket, nil
}

func (d *fakeDialer) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.urls)
}

func (d *fakeDialer) socket(index int) *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.sockets[index]
}

func testToken() entities.SessionToken {
	return entities.SessionToken{
		Token:          "secret",
		Type:           "Bearer",
		SessionID:      "session-1",
		ExpirationTime: time.Now().Add(time.Hour),
	}
}

func outgoingText(text string) OutgoingItem {
	packet := packets.NewTextPacket(text, packets.Routing{Source: packets.Actor{IsPlayer: true}})
	return OutgoingItem{GetPacket: func() packets.Packet { return packet }}
}

func TestConnectionBuffersWritesUntilOpen(t *testing.T) {
	dialer := &fakeDialer{}

	writesAtReady := -1
	connection := newConnection("play.example.com", dialer.dial, connectionCallbacks{
		onReady: func() {
			writesAtReady = len(dialer.socket(0).writtenPackets(t))
		},
	})

	connection.Write(outgoingText("first"))
	connection.Write(outgoingText("second"))

	if dialer.calls() != 0 {
		t.Fatalf("expected no dial before open, got %d", dialer.calls())
	}

	connection.Open(context.Background(), testToken())

	written := dialer.socket(0).writtenPackets(t)
	if len(written) != 2 {
		t.Fatalf("expected 2 buffered writes flushed, got %d", len(written))
	}
	if written[0].Text.Text != "first" || written[1].Text.Text != "second" {
		t.Fatalf("expected buffered writes flushed in order, got %q then %q",
			written[0].Text.Text, written[1].Text.Text)
	}
	if writesAtReady != 2 {
		t.Fatalf("expected buffer flushed before the ready callback, got %d writes at ready", writesAtReady)
	}
}

func TestConnectionWritesImmediatelyWhenReady(t *testing.T) {
	dialer := &fakeDialer{}
	connection := newConnection("play.example.com", dialer.dial, connectionCallbacks{})

	connection.Open(context.Background(), testToken())

	var hooks []string
	packet := packets.NewTextPacket("hello", packets.Routing{Source: packets.Actor{IsPlayer: true}})
	connection.Write(OutgoingItem{
		GetPacket:     func() packets.Packet { return packet },
		BeforeWriting: func(packets.Packet) { hooks = append(hooks, "before") },
		AfterWriting:  func(packets.Packet) { hooks = append(hooks, "after") },
	})

	written := dialer.socket(0).writtenPackets(t)
	if len(written) != 1 || written[0].Text.Text != "hello" {
		t.Fatalf("expected immediate write, got %+v", written)
	}
	if len(hooks) != 2 || hooks[0] != "before" || hooks[1] != "after" {
		t.Fatalf("expected hooks around the write, got %v", hooks)
	}
}

func TestConnectionDialsSessionURLWithAuthorization(t *testing.T) {
	dialer := &fakeDialer{}
	connection := newConnection("play.example.com", dialer.dial, connectionCallbacks{})

	connection.Open(context.Background(), testToken())

	dialer.mu.Lock()
	rawURL := dialer.urls[0]
	header := dialer.headers[0]
	dialer.mu.Unlock()

	if !strings.HasPrefix(rawURL, "wss://play.example.com/v1/session/open") {
		t.Fatalf("expected session open url, got %q", rawURL)
	}
	if !strings.Contains(rawURL, "session_id=session-1") {
		t.Fatalf("expected session id in url, got %q", rawURL)
	}
	if got := header.Get("Authorization"); got != "Bearer secret" {
		t.Fatalf("expected authorization header %q, got %q", "Bearer secret", got)
	}
}

func TestConnectionReportsSecondOpenAsError(t *testing.T) {
	dialer := &fakeDialer{}

	errs := make(chan error, 1)
	connection := newConnection("play.example.com", dialer.dial, connectionCallbacks{
		onError: func(err error) { errs <- err },
	})

	connection.Open(context.Background(), testToken())
	connection.Open(context.Background(), testToken())

	select {
	case err := <-errs:
		if err == nil {
			t.Fatalf("expected an error for the second open")
		}
	default:
		t.Fatalf("expected the second open to report an error")
	}

	if dialer.calls() != 1 {
		t.Fatalf("expected a single dial, got %d", dialer.calls())
	}
}

func TestConnectionReportsDialFailure(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("no route to host")}

	errs := make(chan error, 1)
	connection := newConnection("play.example.com", dialer.dial, connectionCallbacks{
		onError: func(err error) { errs <- err },
	})

	connection.Open(context.Background(), testToken())

	select {
	case err := <-errs:
		if !strings.Contains(err.Error(), "no route to host") {
			t.Fatalf("expected dial error to be reported, got %v", err)
		}
	default:
		t.Fatalf("expected dial failure to reach the error callback")
	}

	if connection.IsActive() {
		t.Fatalf("expected connection to stay inactive after dial failure")
	}
}

func TestConnectionDeliversDecodedPackets(t *testing.T) {
	dialer := &fakeDialer{}

	messages := make(chan packets.Packet, 1)
	connection := newConnection("play.example.com", dialer.dial, connectionCallbacks{
		onMessage: func(packet packets.Packet) { messages <- packet },
	})

	connection.Open(context.Background(), testToken())
	dialer.socket(0).push(`{"result":{"packetId":{"packetId":"p1","interactionId":"i1","utteranceId":"u1"},"text":{"text":"Hello","final":true}}}`)

	select {
	case packet := <-messages:
		if packet.Kind != packets.KindText || packet.Text.Text != "Hello" {
			t.Fatalf("expected decoded text packet, got %+v", packet)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected an inbound packet, got none")
	}
}

func TestConnectionRoutesPeerErrorFramesToErrorCallback(t *testing.T) {
	dialer := &fakeDialer{}

	errs := make(chan error, 1)
	messages := make(chan packets.Packet, 1)
	connection := newConnection("play.example.com", dialer.dial, connectionCallbacks{
		onError:   func(err error) { errs <- err },
		onMessage: func(packet packets.Packet) { messages <- packet },
	})

	connection.Open(context.Background(), testToken())
	dialer.socket(0).push(`{"error":"resource exhausted"}`)

	select {
	case err := <-errs:
		var peerErr *packets.PeerError
		if !errors.As(err, &peerErr) {
			t.Fatalf("expected peer error, got %T: %v", err, err)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected the error frame to reach the error callback")
	}

	select {
	case packet := <-messages:
		t.Fatalf("expected no message for an error frame, got %+v", packet)
	default:
	}
}

func TestConnectionReportsInvoluntaryDisconnect(t *testing.T) {
	dialer := &fakeDialer{}

	disconnects := make(chan struct{}, 1)
	connection := newConnection("play.example.com", dialer.dial, connectionCallbacks{
		onDisconnect: func() { disconnects <- struct{}{} },
	})

	connection.Open(context.Background(), testToken())
	dialer.socket(0).dropConnection()

	select {
	case <-disconnects:
	case <-time.After(time.Second):
		t.Fatalf("expected a disconnect callback after the server dropped the connection")
	}

	if connection.IsActive() {
		t.Fatalf("expected connection to be inactive after disconnect")
	}
}

func TestConnectionCloseIsVoluntary(t *testing.T) {
	dialer := &fakeDialer{}

	disconnects := make(chan struct{}, 1)
	connection := newConnection("play.example.com", dialer.dial, connectionCallbacks{
		onDisconnect: func() { disconnects <- struct{}{} },
	})

	connection.Open(context.Background(), testToken())
	connection.Close()

	select {
	case <-disconnects:
		t.Fatalf("expected no disconnect callback for a voluntary close")
	case <-time.After(50 * time.Millisecond):
	}

	if connection.IsActive() {
		t.Fatalf("expected connection to be inactive after close")
	}
}

func TestConnectionCloseDropsBufferedWrites(t *testing.T) {
	dialer := &fakeDialer{}
	connection := newConnection("play.example.com", dialer.dial, connectionCallbacks{})

	item := outgoingText("never sent")
	var failures []error
	item.FailedWriting = func(err error) { failures = append(failures, err) }
	connection.Write(item)
	connection.Close()
	connection.Open(context.Background(), testToken())

	if got := len(dialer.socket(0).writtenPackets(t)); got != 0 {
		t.Fatalf("expected buffered writes dropped on close, got %d", got)
	}
	if len(failures) != 1 || !errors.Is(failures[0], ErrConnectionClosed) {
		t.Fatalf("expected the dropped write to fail with ErrConnectionClosed, got %v", failures)
	}
}

func TestConnectionWriteFailureFiresFailureHook(t *testing.T) {
	dialer := &fakeDialer{}

	var reported []error
	connection := newConnection("play.example.com", dialer.dial, connectionCallbacks{
		onError: func(err error) { reported = append(reported, err) },
	})
	connection.Open(context.Background(), testToken())
	dialer.socket(0).failWrites(errors.New("pipe broken"))

	item := outgoingText("Hello there")
	completed := 0
	var failures []error
	item.AfterWriting = func(packets.Packet) { completed++ }
	item.FailedWriting = func(err error) { failures = append(failures, err) }
	connection.Write(item)

	if completed != 0 {
		t.Fatalf("expected no completion for a failed write, got %d", completed)
	}
	if len(failures) != 1 || !strings.Contains(failures[0].Error(), "pipe broken") {
		t.Fatalf("expected the write failure through the failure hook, got %v", failures)
	}
	if len(reported) != 1 {
		t.Fatalf("expected the write failure on the error callback, got %v", reported)
	}
}
