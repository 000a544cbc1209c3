package realtime

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// id for client instances and pending edits
// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[:], b[:]) < 0
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// names one editable unit of content, e.g. a dashboard panel's saved state.
// keys are never reused for different logical content.
// comparable
type SectionKey struct {
	SectionType string `json:"sectionType"`
	SectionName string `json:"sectionKey"`
}

func NewSectionKey(sectionType string, sectionName string) SectionKey {
	return SectionKey{
		SectionType: sectionType,
		SectionName: sectionName,
	}
}

func (self SectionKey) String() string {
	return fmt.Sprintf("%s/%s", self.SectionType, self.SectionName)
}

// versioned content blob for a section key.
// two snapshots of the same key with equal version have equal content.
type SectionSnapshot struct {
	Key       SectionKey
	Content   json.RawMessage
	Version   int64
	UpdatedBy string
	UpdatedAt time.Time
}

const (
	UpdateSourcePush = "push"
	UpdateSourcePoll = "poll"
)

// what subscription callbacks receive, from either delivery path
type SectionUpdate struct {
	Key       SectionKey
	Content   json.RawMessage
	Version   int64
	UpdatedBy string
	Source    string
}

type UpdateFunction func(update *SectionUpdate)

type TypingEvent struct {
	Key    SectionKey
	UserId string
}

type TypingFunction func(event *TypingEvent)

type ConnectionState int

const (
	ConnectionStateDisconnected ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
	// push delivery gave up. updates flow via polling.
	ConnectionStateDegraded
)

func (self ConnectionState) String() string {
	switch self {
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

type StateChangeFunction func(state ConnectionState)

// fatal until the token is refreshed. never retried blindly.
type AuthError struct {
	Message string
}

func (self *AuthError) Error() string {
	return fmt.Sprintf("auth error: %s", self.Message)
}

func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

var ErrNotConnected = errors.New("not connected")

// the connection is open but the send buffer did not drain in time
var ErrSendTimeout = errors.New("send timeout")

// treated the same as a transport-level close
var ErrHeartbeatTimeout = errors.New("heartbeat timeout")

// makes a copy of the list on every mutation so Get never races a caller
type CallbackList[T any] struct {
	stateLock sync.Mutex

	nextCallbackId int
	entries        []*callbackEntry[T]
}

type callbackEntry[T any] struct {
	callbackId int
	callback   T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		entries: []*callbackEntry[T]{},
	}
}

// returns a function that removes the callback
func (self *CallbackList[T]) Add(callback T) func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1

	nextEntries := make([]*callbackEntry[T], 0, len(self.entries)+1)
	nextEntries = append(nextEntries, self.entries...)
	nextEntries = append(nextEntries, &callbackEntry[T]{
		callbackId: callbackId,
		callback:   callback,
	})
	self.entries = nextEntries

	return func() {
		self.remove(callbackId)
	}
}

func (self *CallbackList[T]) remove(callbackId int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	nextEntries := make([]*callbackEntry[T], 0, len(self.entries))
	for _, entry := range self.entries {
		if entry.callbackId != callbackId {
			nextEntries = append(nextEntries, entry)
		}
	}
	self.entries = nextEntries
}

func (self *CallbackList[T]) Get() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbacks := make([]T, 0, len(self.entries))
	for _, entry := range self.entries {
		callbacks = append(callbacks, entry.callback)
	}
	return callbacks
}
