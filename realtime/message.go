package realtime

import (
	"encoding/json"
	"fmt"
)

// inbound message types
const (
	MessageTypeConnectionId    = "connection_id"
	MessageTypeDashboardUpdate = "dashboard_update"
	MessageTypeUserTyping      = "user_typing"
	MessageTypePong            = "pong"
)

// outbound message types
const (
	MessageTypeSubscribe   = "subscribe"
	MessageTypeUnsubscribe = "unsubscribe"
	MessageTypeTyping      = "typing"
	MessageTypePing        = "ping"
)

type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// outbound payload for subscribe, unsubscribe, typing and ping.
// the instance id distinguishes sessions of the same user, e.g. two open
// tabs, so the server can target or exclude one client.
type SectionRef struct {
	SectionType string `json:"sectionType,omitempty"`
	SectionKey  string `json:"sectionKey,omitempty"`
	UserId      string `json:"userId,omitempty"`
	InstanceId  Id     `json:"instanceId"`
}

type ConnectionIdPayload struct {
	ConnectionId string `json:"connectionId"`
}

type DashboardUpdatePayload struct {
	SectionType string          `json:"sectionType"`
	SectionKey  string          `json:"sectionKey"`
	Content     json.RawMessage `json:"content"`
	Version     int64           `json:"version"`
	UserId      string          `json:"userId"`
}

func (self *DashboardUpdatePayload) Key() SectionKey {
	return SectionKey{
		SectionType: self.SectionType,
		SectionName: self.SectionKey,
	}
}

type UserTypingPayload struct {
	SectionType string `json:"sectionType"`
	SectionKey  string `json:"sectionKey"`
	UserId      string `json:"userId"`
}

func EncodeMessage(messageType string, payload any) ([]byte, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		var err error
		payloadBytes, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(&Envelope{
		Type:    messageType,
		Payload: payloadBytes,
	})
}

func DecodeMessage(messageBytes []byte) (*Envelope, error) {
	envelope := &Envelope{}
	if err := json.Unmarshal(messageBytes, envelope); err != nil {
		return nil, err
	}
	if envelope.Type == "" {
		return nil, fmt.Errorf("message has no type")
	}
	return envelope, nil
}

func EncodeSectionMessage(messageType string, key SectionKey, userId string, instanceId Id) ([]byte, error) {
	return EncodeMessage(messageType, &SectionRef{
		SectionType: key.SectionType,
		SectionKey:  key.SectionName,
		UserId:      userId,
		InstanceId:  instanceId,
	})
}

func EncodePing(userId string, instanceId Id) ([]byte, error) {
	return EncodeMessage(MessageTypePing, &SectionRef{
		UserId:     userId,
		InstanceId: instanceId,
	})
}
