package realtime

import (
	"context"
	"encoding/json"
)

type SyncSettings struct {
	ConnectorSettings *ConnectorSettings
	PollerSettings    *PollerSettings
	AutoSaveSettings  *AutoSaveSettings
}

func DefaultSyncSettings() *SyncSettings {
	return &SyncSettings{
		ConnectorSettings: DefaultConnectorSettings(),
		PollerSettings:    DefaultPollerSettings(),
		AutoSaveSettings:  DefaultAutoSaveSettings(),
	}
}

// SyncService keeps subscribed sections fresh and persists local edits.
// It picks push or poll transport transparently; consumers see one callback
// contract either way. Construct one per client session and pass it to
// whatever composes the application. There is no global instance.
type SyncService struct {
	ctx    context.Context
	cancel context.CancelFunc

	api      SectionApi
	closeApi func()

	registry  *SubscriptionRegistry
	autoSave  *AutoSaveClient
	router    *UpdateRouter
	poller    *FallbackPoller
	connector *Connector
}

func NewSyncServiceWithDefaults(
	ctx context.Context,
	wsUrl string,
	apiUrl string,
	tokenProvider TokenProvider,
) *SyncService {
	return NewSyncService(ctx, wsUrl, apiUrl, tokenProvider, DefaultSyncSettings())
}

func NewSyncService(
	ctx context.Context,
	wsUrl string,
	apiUrl string,
	tokenProvider TokenProvider,
	settings *SyncSettings,
) *SyncService {
	cancelCtx, cancel := context.WithCancel(ctx)
	api := NewHttpSectionApi(cancelCtx, apiUrl, tokenProvider)
	service := newSyncService(
		cancelCtx,
		cancel,
		NewWsDialer(settings.ConnectorSettings.TransportSettings),
		api,
		wsUrl,
		tokenProvider,
		settings,
	)
	service.closeApi = api.Close
	return service
}

// NewSyncServiceWithTransport injects the dialer and the section api.
// Used by tests and by hosts that bring their own transports.
func NewSyncServiceWithTransport(
	ctx context.Context,
	dialer Dialer,
	api SectionApi,
	wsUrl string,
	tokenProvider TokenProvider,
	settings *SyncSettings,
) *SyncService {
	cancelCtx, cancel := context.WithCancel(ctx)
	return newSyncService(cancelCtx, cancel, dialer, api, wsUrl, tokenProvider, settings)
}

func newSyncService(
	cancelCtx context.Context,
	cancel context.CancelFunc,
	dialer Dialer,
	api SectionApi,
	wsUrl string,
	tokenProvider TokenProvider,
	settings *SyncSettings,
) *SyncService {
	service := &SyncService{
		ctx:    cancelCtx,
		cancel: cancel,
		api:    api,
	}

	service.registry = NewSubscriptionRegistry()
	service.autoSave = NewAutoSaveClient(cancelCtx, api, settings.AutoSaveSettings)
	service.router = NewUpdateRouter(
		service.registry,
		func() string {
			return service.connector.UserId()
		},
		service.autoSave.IsEditing,
	)
	service.poller = NewFallbackPoller(cancelCtx, api, service.registry, settings.PollerSettings)
	service.poller.SetEditingGuard(service.autoSave.IsEditing)
	service.connector = NewConnector(
		cancelCtx,
		dialer,
		wsUrl,
		tokenProvider,
		service.registry,
		service.router,
		service.poller,
		settings.ConnectorSettings,
	)

	return service
}

// Connect starts keeping subscribed sections fresh. Subscriptions made
// before Connect are replayed on the first successful connect.
func (self *SyncService) Connect() {
	self.connector.Connect()
}

// Subscribe keeps the section fresh and routes its updates to the callback.
// Versions are observed so the next edit for the key carries the right base.
// Subscribing to an already-subscribed key replaces the previous callback.
func (self *SyncService) Subscribe(key SectionKey, callback UpdateFunction) *Subscription {
	subscription := self.registry.Subscribe(key, func(update *SectionUpdate) {
		self.autoSave.ObserveVersion(key, update.Version)
		callback(update)
	})
	subscription.unsubscribeHook = func(key SectionKey) {
		self.poller.Stop(key)
		self.connector.SendSection(MessageTypeUnsubscribe, key)
	}

	switch self.connector.State() {
	case ConnectionStateConnected:
		self.connector.SendSection(MessageTypeSubscribe, key)
	case ConnectionStateDegraded:
		self.poller.Start(key)
	}

	return subscription
}

// Edit persists a local change with debounce, coalescing and optimistic
// concurrency. Outcomes arrive via AddSaveListener.
func (self *SyncService) Edit(key SectionKey, content json.RawMessage) {
	self.autoSave.Edit(key, content)
}

func (self *SyncService) SendTyping(key SectionKey) error {
	return self.connector.SendSection(MessageTypeTyping, key)
}

func (self *SyncService) AddSaveListener(callback SaveFunction) func() {
	return self.autoSave.AddSaveCallback(callback)
}

func (self *SyncService) AddTypingListener(callback TypingFunction) func() {
	return self.router.AddTypingCallback(callback)
}

func (self *SyncService) AddStateChangeListener(callback StateChangeFunction) func() {
	return self.connector.AddStateChangeCallback(callback)
}

func (self *SyncService) ConnectionState() ConnectionState {
	return self.connector.State()
}

func (self *SyncService) ConnectionId() string {
	return self.connector.ConnectionId()
}

// InstanceId identifies this client session in outbound payloads.
func (self *SyncService) InstanceId() Id {
	return self.connector.InstanceId()
}

// Close tears down the transport bindings. Registry entries persist so a
// future service instance could resubscribe, but no further callbacks fire.
func (self *SyncService) Close() {
	self.connector.Close()
	self.poller.StopAll()
	self.autoSave.Close()
	if self.closeApi != nil {
		self.closeApi()
	}
	self.cancel()
}
