// Package testutil provides testing utilities for atelier tests.
package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/atelierhq/atelier/internal/protocol"
)

// WaitTimeout bounds every blocking helper in this package.
const WaitTimeout = 5 * time.Second

// Inbound is one frame the client sent to a WSServer.
type Inbound struct {
	Type      protocol.Kind
	RequestID string
	Fields    map[string]any
	Raw       []byte
}

// String returns a field as a string, or "" when absent.
func (in Inbound) String(key string) string {
	s, _ := in.Fields[key].(string)
	return s
}

// Responder produces the frames a WSServer sends back for one inbound
// frame. Returning nil sends nothing.
type Responder func(in Inbound) []protocol.Frame

// WSServer is a websocket endpoint that plays the asset service in tests.
// It accepts one connection at a time.
type WSServer struct {
	srv *httptest.Server

	mu        sync.Mutex
	conn      *websocket.Conn
	responder Responder
	reject    int
	query     url.Values
	header    http.Header

	connected chan struct{}
	inbound   chan Inbound
}

// NewWSServer starts a server that is shut down when the test ends.
func NewWSServer(t testing.TB) *WSServer {
	t.Helper()

	s := &WSServer{
		connected: make(chan struct{}, 8),
		inbound:   make(chan Inbound, 256),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// URL returns the ws:// endpoint of the server.
func (s *WSServer) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// SetResponder installs an automatic responder. It runs on the server's
// read goroutine before the frame is queued for Next.
func (s *WSServer) SetResponder(r Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responder = r
}

// RejectHandshake makes subsequent upgrade attempts fail with status.
func (s *WSServer) RejectHandshake(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject = status
}

// Query returns the query parameters of the last accepted handshake.
func (s *WSServer) Query() url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.query
}

// Header returns the HTTP headers of the last accepted handshake.
func (s *WSServer) Header() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.header
}

func (s *WSServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	reject := s.reject
	s.mu.Unlock()
	if reject != 0 {
		http.Error(w, "rejected", reject)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(16 << 20)

	s.mu.Lock()
	s.conn = conn
	s.query = r.URL.Query()
	s.header = r.Header.Clone()
	s.mu.Unlock()
	s.connected <- struct{}{}

	ctx := context.Background()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		in := Inbound{Raw: data}
		if err := json.Unmarshal(data, &in.Fields); err == nil {
			t, _ := in.Fields["type"].(string)
			in.Type = protocol.Kind(t)
			in.RequestID, _ = in.Fields["requestId"].(string)
		}

		s.mu.Lock()
		responder := s.responder
		s.mu.Unlock()
		if responder != nil {
			for _, f := range responder(in) {
				if err := s.write(f); err != nil {
					return
				}
			}
		}
		s.inbound <- in
	}
}

func (s *WSServer) write(f protocol.Frame) error {
	data, err := protocol.EncodeFrame(f)
	if err != nil {
		return err
	}
	return s.writeRaw(data)
}

func (s *WSServer) writeRaw(data []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return websocket.CloseError{Code: websocket.StatusGoingAway}
	}
	ctx, cancel := context.WithTimeout(context.Background(), WaitTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// WaitConnected blocks until a client completes the handshake.
func (s *WSServer) WaitConnected(t testing.TB) {
	t.Helper()
	select {
	case <-s.connected:
	case <-time.After(WaitTimeout):
		t.Fatal("timed out waiting for client connection")
	}
}

// Next returns the next frame sent by the client.
func (s *WSServer) Next(t testing.TB) Inbound {
	t.Helper()
	select {
	case in := <-s.inbound:
		return in
	case <-time.After(WaitTimeout):
		t.Fatal("timed out waiting for client frame")
		return Inbound{}
	}
}

// Send writes a frame to the connected client.
func (s *WSServer) Send(t testing.TB, f protocol.Frame) {
	t.Helper()
	if err := s.write(f); err != nil {
		t.Fatalf("failed to send %s: %v", f.Kind(), err)
	}
}

// SendRaw writes arbitrary bytes as a text frame.
func (s *WSServer) SendRaw(t testing.TB, data []byte) {
	t.Helper()
	if err := s.writeRaw(data); err != nil {
		t.Fatalf("failed to send raw frame: %v", err)
	}
}

// Drop closes the current connection abruptly, without a close handshake.
func (s *WSServer) Drop() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.CloseNow()
	}
}

// Close drops any connection and stops the server.
func (s *WSServer) Close() {
	s.Drop()
	s.srv.Close()
}
