package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

type ConnectorSettings struct {
	// linear backoff: attempt n waits BackoffDelay * n
	BackoffDelay time.Duration
	// consecutive failed attempts before the one-way escalation to polling
	MaxConnectAttempts int
	// when positive, probe push availability at this cadence after giving
	// up instead of staying on polling forever. zero keeps the escalation
	// one way.
	PushRecoveryInterval time.Duration

	TransportSettings *TransportSettings
}

func DefaultConnectorSettings() *ConnectorSettings {
	return &ConnectorSettings{
		BackoffDelay:         1 * time.Second,
		MaxConnectAttempts:   5,
		PushRecoveryInterval: 0,
		TransportSettings:    DefaultTransportSettings(),
	}
}

// Connector drives repeated connection attempts with bounded backoff and a
// capped retry count:
//
//	IDLE -> CONNECTING -> {CONNECTED | RETRY_WAIT} -> ... -> GIVE_UP(fallback)
//
// Every successful connect resets the attempt count and replays the whole
// subscription registry. Exceeding the attempt cap hands all existing and
// future subscriptions to the fallback poller.
type Connector struct {
	ctx    context.Context
	cancel context.CancelFunc

	dialer        Dialer
	wsUrl         string
	tokenProvider TokenProvider

	// identifies this client session to the server on every outbound
	// payload. stable across reconnects, new per constructed connector.
	instanceId Id

	registry *SubscriptionRegistry
	router   *UpdateRouter
	poller   *FallbackPoller

	settings *ConnectorSettings

	stateCallbacks *CallbackList[StateChangeFunction]

	stateLock    sync.Mutex
	state        ConnectionState
	conn         *connection
	userId       string
	connectionId string

	runOnce sync.Once
}

func NewConnectorWithDefaults(
	ctx context.Context,
	dialer Dialer,
	wsUrl string,
	tokenProvider TokenProvider,
	registry *SubscriptionRegistry,
	router *UpdateRouter,
	poller *FallbackPoller,
) *Connector {
	return NewConnector(ctx, dialer, wsUrl, tokenProvider, registry, router, poller, DefaultConnectorSettings())
}

func NewConnector(
	ctx context.Context,
	dialer Dialer,
	wsUrl string,
	tokenProvider TokenProvider,
	registry *SubscriptionRegistry,
	router *UpdateRouter,
	poller *FallbackPoller,
	settings *ConnectorSettings,
) *Connector {
	cancelCtx, cancel := context.WithCancel(ctx)
	connector := &Connector{
		ctx:            cancelCtx,
		cancel:         cancel,
		dialer:         dialer,
		wsUrl:          wsUrl,
		tokenProvider:  tokenProvider,
		instanceId:     NewId(),
		registry:       registry,
		router:         router,
		poller:         poller,
		settings:       settings,
		stateCallbacks: NewCallbackList[StateChangeFunction](),
		state:          ConnectionStateDisconnected,
	}
	router.AddConnectionIdCallback(connector.setConnectionId)
	return connector
}

// Connect starts the controller loop. Idempotent.
func (self *Connector) Connect() {
	self.runOnce.Do(func() {
		go self.run()
	})
}

func (self *Connector) run() {
	attempt := 0
	for {
		if self.ctx.Err() != nil {
			self.setState(ConnectionStateDisconnected)
			return
		}

		self.setState(ConnectionStateConnecting)
		conn, err := self.connectOnce()
		if err != nil {
			attempt += 1
			if IsAuthError(err) {
				// the token is refetched from the provider on the next
				// attempt; retrying with the same token would be pointless
				glog.Infof("[rtc]auth error = %s\n", err)
			} else {
				glog.Infof("[rtc]connect attempt %d error = %s\n", attempt, err)
			}

			if self.settings.MaxConnectAttempts <= attempt {
				self.escalate()
				if self.settings.PushRecoveryInterval <= 0 {
					// one-way escalation. polling from here on.
					return
				}
				select {
				case <-self.ctx.Done():
					self.setState(ConnectionStateDisconnected)
					return
				case <-time.After(self.settings.PushRecoveryInterval):
				}
				attempt = 0
				continue
			}

			select {
			case <-self.ctx.Done():
				self.setState(ConnectionStateDisconnected)
				return
			case <-time.After(self.settings.BackoffDelay * time.Duration(attempt)):
			}
			continue
		}

		attempt = 0
		self.setConn(conn)
		// if push just recovered from fallback, stop the poll timers before
		// replay so a key is never delivered twice
		self.poller.StopAll()
		self.setState(ConnectionStateConnected)
		self.replaySubscriptions(conn)

		closeErr := conn.WaitClosed(self.ctx)
		self.setConn(nil)

		if self.ctx.Err() != nil {
			self.setState(ConnectionStateDisconnected)
			return
		}

		glog.Infof("[rtc]connection closed = %s\n", closeErr)

		// unplanned closure while connected: retry wait, attempt number 1
		attempt = 1
		self.setState(ConnectionStateConnecting)
		select {
		case <-self.ctx.Done():
			self.setState(ConnectionStateDisconnected)
			return
		case <-time.After(self.settings.BackoffDelay * time.Duration(attempt)):
		}
	}
}

func (self *Connector) connectOnce() (*connection, error) {
	token, err := self.tokenProvider.Token(self.ctx)
	if err != nil {
		return nil, err
	}

	syncToken, err := ParseSyncToken(token)
	if err != nil {
		return nil, &AuthError{Message: err.Error()}
	}
	if syncToken.IsExpired() {
		return nil, &AuthError{Message: "token expired"}
	}

	self.stateLock.Lock()
	self.userId = syncToken.UserId
	self.stateLock.Unlock()

	socket, err := self.dialer.DialContext(self.ctx, self.wsUrl, token)
	if err != nil {
		return nil, err
	}

	return newConnection(
		self.ctx,
		socket,
		self.router.HandleMessage,
		syncToken.UserId,
		self.instanceId,
		self.settings.TransportSettings,
	), nil
}

// the subscription replay is mandatory: without it, keys subscribed before
// a reconnect would silently stop updating
func (self *Connector) replaySubscriptions(conn *connection) {
	userId := self.UserId()
	for _, key := range self.registry.Keys() {
		messageBytes, err := EncodeSectionMessage(MessageTypeSubscribe, key, userId, self.instanceId)
		if err != nil {
			continue
		}
		if err := conn.Send(messageBytes); err != nil {
			glog.Infof("[rtc]replay %s error = %s\n", key, err)
			return
		}
		glog.V(2).Infof("[rtc]replay %s\n", key)
	}
}

func (self *Connector) escalate() {
	glog.Infof("[rtc]giving up on push, falling back to polling\n")
	self.setState(ConnectionStateDegraded)
	self.poller.StartAll(self.registry.Keys())
}

func (self *Connector) setConn(conn *connection) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.conn = conn
}

func (self *Connector) setConnectionId(connectionId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.connectionId = connectionId
}

func (self *Connector) InstanceId() Id {
	return self.instanceId
}

// server-assigned id for the current connection, for diagnostics
func (self *Connector) ConnectionId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connectionId
}

func (self *Connector) UserId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.userId
}

func (self *Connector) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *Connector) AddStateChangeCallback(callback StateChangeFunction) func() {
	return self.stateCallbacks.Add(callback)
}

func (self *Connector) setState(state ConnectionState) {
	self.stateLock.Lock()
	if self.state == state {
		self.stateLock.Unlock()
		return
	}
	self.state = state
	self.stateLock.Unlock()

	glog.V(2).Infof("[rtc]state %s\n", state)
	for _, callback := range self.stateCallbacks.Get() {
		callback(state)
	}
}

// Send fails with ErrNotConnected when no connection is open; callers must
// not assume synchronous delivery while open.
func (self *Connector) Send(messageBytes []byte) error {
	self.stateLock.Lock()
	conn := self.conn
	self.stateLock.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(messageBytes)
}

func (self *Connector) SendSection(messageType string, key SectionKey) error {
	messageBytes, err := EncodeSectionMessage(messageType, key, self.UserId(), self.instanceId)
	if err != nil {
		return err
	}
	return self.Send(messageBytes)
}

func (self *Connector) Close() {
	self.cancel()
	self.setState(ConnectionStateDisconnected)
}
