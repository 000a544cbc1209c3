package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

func testTransportSettings() *TransportSettings {
	return &TransportSettings{
		WsHandshakeTimeout: 1 * time.Second,
		WriteTimeout:       1 * time.Second,
		HeartbeatInterval:  30 * time.Millisecond,
	}
}

func wsTestUrl(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWsDialerTokenHandshake(t *testing.T) {
	ctx := context.Background()

	tokens := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens <- r.URL.Query().Get("token")
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// echo one message back
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		ws.WriteMessage(messageType, message)
		ws.Close()
	}))
	defer server.Close()

	dialer := NewWsDialer(testTransportSettings())
	socket, err := dialer.DialContext(ctx, wsTestUrl(server), "token-abc")
	assert.Equal(t, err, nil)
	defer socket.Close()

	assert.Equal(t, <-tokens, "token-abc")

	err = socket.Send([]byte(`{"type":"ping"}`))
	assert.Equal(t, err, nil)

	message, err := socket.Receive()
	assert.Equal(t, err, nil)
	assert.Equal(t, string(message), `{"type":"ping"}`)
}

func TestWsDialerAuthRejected(t *testing.T) {
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer server.Close()

	dialer := NewWsDialer(testTransportSettings())
	_, err := dialer.DialContext(ctx, wsTestUrl(server), "token-abc")
	assert.Equal(t, IsAuthError(err), true)
}

func TestWsDialerMissingToken(t *testing.T) {
	ctx := context.Background()

	dialer := NewWsDialer(testTransportSettings())
	_, err := dialer.DialContext(ctx, "ws://127.0.0.1:1", "")
	assert.Equal(t, IsAuthError(err), true)
}

func TestConnectionHeartbeatTimeout(t *testing.T) {
	ctx := context.Background()

	socket := newFakeSocket()
	instanceId := NewId()
	conn := newConnection(ctx, socket, func(messageBytes []byte) {}, "user-1", instanceId, testTransportSettings())

	// a probe goes out on the first tick. with no inbound traffic ever, the
	// second tick declares the connection dead.
	envelope := socket.nextSentOfType(t, MessageTypePing, time.Second)
	ref := &SectionRef{}
	assert.Equal(t, json.Unmarshal(envelope.Payload, ref), nil)
	assert.Equal(t, ref.UserId, "user-1")
	assert.Equal(t, ref.InstanceId, instanceId)

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	closeErr := conn.WaitClosed(waitCtx)
	assert.Equal(t, closeErr, ErrHeartbeatTimeout)
}

func TestConnectionHeartbeatKeptAliveByTraffic(t *testing.T) {
	ctx := context.Background()

	received := make(chan []byte, 64)
	socket := newFakeSocket()
	conn := newConnection(ctx, socket, func(messageBytes []byte) {
		received <- messageBytes
	}, "user-1", NewId(), testTransportSettings())
	defer conn.Close()

	// steady inbound traffic answers every probe implicitly
	done := time.After(150 * time.Millisecond)
	feed := time.NewTicker(10 * time.Millisecond)
	defer feed.Stop()
loop:
	for {
		select {
		case <-done:
			break loop
		case <-feed.C:
			socket.push([]byte(`{"type":"pong"}`))
		}
	}

	select {
	case <-conn.closed:
		t.Fatal("connection closed despite inbound traffic")
	default:
	}
	assert.NotEqual(t, len(received), 0)
}

func TestConnectionSendAfterClose(t *testing.T) {
	ctx := context.Background()

	socket := newFakeSocket()
	conn := newConnection(ctx, socket, func(messageBytes []byte) {}, "user-1", NewId(), testTransportSettings())

	err := conn.Send([]byte(`{"type":"ping"}`))
	assert.Equal(t, err, nil)

	conn.Close()

	err = conn.Send([]byte(`{"type":"ping"}`))
	assert.Equal(t, err, ErrNotConnected)
}

// socket whose writes never complete until released
type blockedSocket struct {
	unblock chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func newBlockedSocket() *blockedSocket {
	return &blockedSocket{
		unblock: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (self *blockedSocket) Send(message []byte) error {
	select {
	case <-self.unblock:
		return nil
	case <-self.done:
		return errSocketClosed
	}
}

func (self *blockedSocket) Receive() ([]byte, error) {
	<-self.done
	return nil, errSocketClosed
}

func (self *blockedSocket) Close() error {
	self.closeOnce.Do(func() {
		close(self.done)
	})
	return nil
}

func TestConnectionSendBackpressure(t *testing.T) {
	ctx := context.Background()

	settings := &TransportSettings{
		WsHandshakeTimeout: 1 * time.Second,
		WriteTimeout:       50 * time.Millisecond,
		HeartbeatInterval:  1 * time.Hour,
	}

	socket := newBlockedSocket()
	conn := newConnection(ctx, socket, func(messageBytes []byte) {}, "user-1", NewId(), settings)
	defer conn.Close()

	// the pump takes one message and stalls in the socket write; the rest
	// fill the buffer until Send has to wait out the write timeout
	var err error
	for i := 0; i < TransportBufferSize+2; i++ {
		err = conn.Send([]byte(`{"type":"ping"}`))
		if err != nil {
			break
		}
	}

	// a slow connection is not a closed one
	assert.Equal(t, err, ErrSendTimeout)
	assert.NotEqual(t, err, ErrNotConnected)

	conn.Close()
	err = conn.Send([]byte(`{"type":"ping"}`))
	assert.Equal(t, err, ErrNotConnected)
}

func TestConnectionClosesOnReceiveError(t *testing.T) {
	ctx := context.Background()

	socket := newFakeSocket()
	conn := newConnection(ctx, socket, func(messageBytes []byte) {}, "user-1", NewId(), testTransportSettings())

	// the peer going away surfaces as a receive error and closes the
	// connection with that reason
	socket.Close()

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	closeErr := conn.WaitClosed(waitCtx)
	assert.Equal(t, closeErr, errSocketClosed)
}
