package realtime

import (
	"encoding/json"

	"github.com/golang/glog"
)

// UpdateRouter demultiplexes inbound messages by type and section key.
// Transport failures never pass through here; the router only sees payloads.
type UpdateRouter struct {
	registry *SubscriptionRegistry

	// current local user scope. updates for other users are dropped.
	localUser func() string
	// whether the auto-saver is mid-edit for a key. the local actor's own
	// pending write echoed back must not clobber in-progress input.
	editing func(key SectionKey) bool

	typingCallbacks       *CallbackList[TypingFunction]
	connectionIdCallbacks *CallbackList[func(connectionId string)]
}

func NewUpdateRouter(
	registry *SubscriptionRegistry,
	localUser func() string,
	editing func(key SectionKey) bool,
) *UpdateRouter {
	return &UpdateRouter{
		registry:              registry,
		localUser:             localUser,
		editing:               editing,
		typingCallbacks:       NewCallbackList[TypingFunction](),
		connectionIdCallbacks: NewCallbackList[func(string)](),
	}
}

func (self *UpdateRouter) AddTypingCallback(callback TypingFunction) func() {
	return self.typingCallbacks.Add(callback)
}

func (self *UpdateRouter) AddConnectionIdCallback(callback func(connectionId string)) func() {
	return self.connectionIdCallbacks.Add(callback)
}

func (self *UpdateRouter) HandleMessage(messageBytes []byte) {
	envelope, err := DecodeMessage(messageBytes)
	if err != nil {
		glog.Infof("[router]bad message = %s\n", err)
		return
	}

	switch envelope.Type {
	case MessageTypePong:
		// inbound traffic already counts as liveness. nothing else to do.
		glog.V(2).Infof("[router]pong\n")
	case MessageTypeConnectionId:
		payload := &ConnectionIdPayload{}
		if err := json.Unmarshal(envelope.Payload, payload); err != nil {
			glog.Infof("[router]bad connection_id = %s\n", err)
			return
		}
		for _, callback := range self.connectionIdCallbacks.Get() {
			callback(payload.ConnectionId)
		}
	case MessageTypeDashboardUpdate:
		payload := &DashboardUpdatePayload{}
		if err := json.Unmarshal(envelope.Payload, payload); err != nil {
			glog.Infof("[router]bad dashboard_update = %s\n", err)
			return
		}
		self.handleUpdate(payload)
	case MessageTypeUserTyping:
		payload := &UserTypingPayload{}
		if err := json.Unmarshal(envelope.Payload, payload); err != nil {
			glog.Infof("[router]bad user_typing = %s\n", err)
			return
		}
		event := &TypingEvent{
			Key:    NewSectionKey(payload.SectionType, payload.SectionKey),
			UserId: payload.UserId,
		}
		for _, callback := range self.typingCallbacks.Get() {
			callback(event)
		}
	default:
		glog.V(2).Infof("[router]drop type=%s\n", envelope.Type)
	}
}

func (self *UpdateRouter) handleUpdate(payload *DashboardUpdatePayload) {
	key := payload.Key()

	if payload.UserId != self.localUser() {
		// sections are scoped per user. anything else is misrouted.
		glog.V(2).Infof("[router]drop scope %s\n", key)
		return
	}

	if self.editing(key) {
		// the echo of our own pending write, or a concurrent write that the
		// auto-saver will surface as a conflict. either way, applying it now
		// would overwrite what the user is typing.
		glog.V(2).Infof("[router]drop mid-edit %s\n", key)
		return
	}

	self.registry.Deliver(&SectionUpdate{
		Key:       key,
		Content:   payload.Content,
		Version:   payload.Version,
		UpdatedBy: payload.UserId,
		Source:    UpdateSourcePush,
	})
}
