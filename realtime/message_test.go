package realtime

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestEncodeDecodeMessage(t *testing.T) {
	messageBytes, err := EncodeMessage(MessageTypeDashboardUpdate, &DashboardUpdatePayload{
		SectionType: "dock",
		SectionKey:  "preferences",
		Content:     json.RawMessage(`{"pinned":["files"]}`),
		Version:     3,
		UserId:      "user-1",
	})
	assert.Equal(t, err, nil)

	envelope, err := DecodeMessage(messageBytes)
	assert.Equal(t, err, nil)
	assert.Equal(t, envelope.Type, MessageTypeDashboardUpdate)

	payload := &DashboardUpdatePayload{}
	assert.Equal(t, json.Unmarshal(envelope.Payload, payload), nil)
	assert.Equal(t, payload.Version, int64(3))
	assert.Equal(t, payload.Key(), NewSectionKey("dock", "preferences"))
}

func TestDecodeMessageErrors(t *testing.T) {
	_, err := DecodeMessage([]byte(`not json`))
	assert.NotEqual(t, err, nil)

	// a typeless envelope is undeliverable
	_, err = DecodeMessage([]byte(`{"payload":{}}`))
	assert.NotEqual(t, err, nil)
}

func TestEncodeSectionMessage(t *testing.T) {
	key := NewSectionKey("notes", "summary")
	instanceId := NewId()
	messageBytes, err := EncodeSectionMessage(MessageTypeSubscribe, key, "user-1", instanceId)
	assert.Equal(t, err, nil)

	envelope, err := DecodeMessage(messageBytes)
	assert.Equal(t, err, nil)
	assert.Equal(t, envelope.Type, MessageTypeSubscribe)

	ref := &SectionRef{}
	assert.Equal(t, json.Unmarshal(envelope.Payload, ref), nil)
	assert.Equal(t, ref.SectionType, "notes")
	assert.Equal(t, ref.SectionKey, "summary")
	assert.Equal(t, ref.UserId, "user-1")
	assert.Equal(t, ref.InstanceId, instanceId)
}

func TestEncodePing(t *testing.T) {
	instanceId := NewId()
	messageBytes, err := EncodePing("user-1", instanceId)
	assert.Equal(t, err, nil)

	envelope, err := DecodeMessage(messageBytes)
	assert.Equal(t, err, nil)
	assert.Equal(t, envelope.Type, MessageTypePing)

	ref := &SectionRef{}
	assert.Equal(t, json.Unmarshal(envelope.Payload, ref), nil)
	assert.Equal(t, ref.InstanceId, instanceId)
}
