package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const TransportBufferSize = 8

type TransportSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	// probe cadence. a connection with no inbound traffic for one full
	// interval after a probe is declared dead, sooner than the OS would
	// notice a half-open socket.
	HeartbeatInterval time.Duration
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		WsHandshakeTimeout: 5 * time.Second,
		WriteTimeout:       5 * time.Second,
		HeartbeatInterval:  30 * time.Second,
	}
}

// Socket is one open message channel to the sync endpoint.
// `Receive` blocks until a message arrives, the peer closes, or `Close`.
type Socket interface {
	Send(message []byte) error
	Receive() ([]byte, error)
	Close() error
}

// Dialer opens sockets. The gorilla implementation is the production path;
// tests substitute in-memory sockets.
type Dialer interface {
	DialContext(ctx context.Context, wsUrl string, token string) (Socket, error)
}

type wsDialer struct {
	settings *TransportSettings
}

func NewWsDialer(settings *TransportSettings) Dialer {
	return &wsDialer{
		settings: settings,
	}
}

// the endpoint authenticates with a query-string bearer token at handshake.
// a rejected handshake with an auth status is an AuthError and must not be
// retried until the token is refreshed.
func (self *wsDialer) DialContext(ctx context.Context, wsUrl string, token string) (Socket, error) {
	if token == "" {
		return nil, &AuthError{Message: "missing token"}
	}

	u, err := url.Parse(wsUrl)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, response, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if response != nil {
			switch response.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, &AuthError{
					Message: fmt.Sprintf("handshake rejected (%d)", response.StatusCode),
				}
			}
		}
		return nil, err
	}

	return &wsSocket{
		ws:       ws,
		settings: self.settings,
	}, nil
}

type wsSocket struct {
	ws       *websocket.Conn
	settings *TransportSettings

	writeLock sync.Mutex
}

func (self *wsSocket) Send(message []byte) error {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return self.ws.WriteMessage(websocket.TextMessage, message)
}

func (self *wsSocket) Receive() ([]byte, error) {
	for {
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			return message, nil
		default:
			continue
		}
	}
}

func (self *wsSocket) Close() error {
	return self.ws.Close()
}

type ReceiveFunction func(messageBytes []byte)

// connection runs one open socket: a send pump with the heartbeat monitor
// folded in, and a receive pump that feeds the update router.
// closing is one way. the reconnection controller decides what happens next.
type connection struct {
	ctx    context.Context
	cancel context.CancelFunc

	socket     Socket
	receive    ReceiveFunction
	userId     string
	instanceId Id

	settings *TransportSettings

	send chan []byte

	stateLock sync.Mutex
	// zero until the first inbound message
	lastInboundTime time.Time
	closeErr        error

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(
	ctx context.Context,
	socket Socket,
	receive ReceiveFunction,
	userId string,
	instanceId Id,
	settings *TransportSettings,
) *connection {
	cancelCtx, cancel := context.WithCancel(ctx)
	conn := &connection{
		ctx:        cancelCtx,
		cancel:     cancel,
		socket:     socket,
		receive:    receive,
		userId:     userId,
		instanceId: instanceId,
		settings:   settings,
		send:       make(chan []byte, TransportBufferSize),
		closed:     make(chan struct{}),
	}
	go conn.sendPump()
	go conn.receivePump()
	return conn
}

func (self *connection) Send(messageBytes []byte) error {
	select {
	case <-self.ctx.Done():
		return ErrNotConnected
	case self.send <- messageBytes:
		return nil
	case <-time.After(self.settings.WriteTimeout):
		// distinct from a closed connection so callers can apply
		// backpressure instead of reconnecting
		return ErrSendTimeout
	}
}

func (self *connection) sendPump() {
	heartbeat := time.NewTicker(self.settings.HeartbeatInterval)
	defer heartbeat.Stop()

	// time of the last probe. zero means no probe outstanding.
	var lastProbeTime time.Time

	for {
		select {
		case <-self.ctx.Done():
			return
		case messageBytes := <-self.send:
			if err := self.socket.Send(messageBytes); err != nil {
				glog.Infof("[ts]-> error = %s\n", err)
				self.close(err)
				return
			}
			glog.V(2).Infof("[ts]->\n")
		case <-heartbeat.C:
			if !lastProbeTime.IsZero() && self.inboundTime().Before(lastProbeTime) {
				// nothing heard back for a full interval after the probe
				glog.Infof("[hb]dead connection detected\n")
				self.close(ErrHeartbeatTimeout)
				return
			}
			pingBytes, err := EncodePing(self.userId, self.instanceId)
			if err != nil {
				self.close(err)
				return
			}
			if err := self.socket.Send(pingBytes); err != nil {
				glog.Infof("[hb]probe error = %s\n", err)
				self.close(err)
				return
			}
			lastProbeTime = time.Now()
			glog.V(2).Infof("[hb]probe ->\n")
		}
	}
}

func (self *connection) receivePump() {
	for {
		messageBytes, err := self.socket.Receive()
		if err != nil {
			select {
			case <-self.ctx.Done():
			default:
				glog.Infof("[tr]<- error = %s\n", err)
			}
			self.close(err)
			return
		}

		self.stateLock.Lock()
		self.lastInboundTime = time.Now()
		self.stateLock.Unlock()

		glog.V(2).Infof("[tr]<-\n")
		self.receive(messageBytes)
	}
}

func (self *connection) inboundTime() time.Time {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastInboundTime
}

func (self *connection) close(err error) {
	self.closeOnce.Do(func() {
		self.stateLock.Lock()
		self.closeErr = err
		self.stateLock.Unlock()

		self.cancel()
		self.socket.Close()
		close(self.closed)
	})
}

func (self *connection) Close() {
	self.close(nil)
}

// blocks until the connection closes, returning the close reason
func (self *connection) WaitClosed(ctx context.Context) error {
	select {
	case <-ctx.Done():
		self.Close()
		<-self.closed
	case <-self.closed:
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.closeErr
}
