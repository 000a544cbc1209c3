package realtime

import (
	"context"
	"errors"
	"flag"
	"sync"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func testToken(userId string) string {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"sub": userId,
		"exp": time.Now().Add(1 * time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		panic(err)
	}
	return signed
}

func expiredTestToken(userId string) string {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"sub": userId,
		"exp": time.Now().Add(-1 * time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		panic(err)
	}
	return signed
}

var errSocketClosed = errors.New("socket closed")

// in-memory Socket scripted by tests
type fakeSocket struct {
	sent    chan []byte
	receive chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		sent:    make(chan []byte, 256),
		receive: make(chan []byte, 256),
		closed:  make(chan struct{}),
	}
}

func (self *fakeSocket) Send(message []byte) error {
	select {
	case <-self.closed:
		return errSocketClosed
	default:
	}
	select {
	case self.sent <- message:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

func (self *fakeSocket) Receive() ([]byte, error) {
	select {
	case message := <-self.receive:
		return message, nil
	case <-self.closed:
		return nil, errSocketClosed
	}
}

func (self *fakeSocket) Close() error {
	self.closeOnce.Do(func() {
		close(self.closed)
	})
	return nil
}

// feeds one inbound message
func (self *fakeSocket) push(message []byte) {
	self.receive <- message
}

func (self *fakeSocket) nextSent(t *testing.T, timeout time.Duration) []byte {
	t.Helper()
	select {
	case message := <-self.sent:
		return message
	case <-time.After(timeout):
		t.Fatal("timeout waiting for sent message")
		return nil
	}
}

// waits for the next sent message of the given type, skipping others (pings)
func (self *fakeSocket) nextSentOfType(t *testing.T, messageType string, timeout time.Duration) *Envelope {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("timeout waiting for %s message", messageType)
			return nil
		}
		select {
		case messageBytes := <-self.sent:
			envelope, err := DecodeMessage(messageBytes)
			if err != nil {
				continue
			}
			if envelope.Type == messageType {
				return envelope
			}
		case <-time.After(remaining):
			t.Fatalf("timeout waiting for %s message", messageType)
			return nil
		}
	}
}

type fakeDialer struct {
	stateLock sync.Mutex
	dials     int

	onDial func(dial int) (Socket, error)
}

func (self *fakeDialer) DialContext(ctx context.Context, wsUrl string, token string) (Socket, error) {
	self.stateLock.Lock()
	self.dials += 1
	dial := self.dials
	onDial := self.onDial
	self.stateLock.Unlock()
	return onDial(dial)
}

func (self *fakeDialer) dialCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.dials
}

type fakeApi struct {
	stateLock sync.Mutex
	getCalls  int
	saveCalls int

	getSections func(ctx context.Context, sectionType string) (*GetSectionsResult, error)
	saveSection func(ctx context.Context, args *SaveSectionArgs) (*SaveSectionResult, error)
}

func (self *fakeApi) GetSectionsSync(ctx context.Context, sectionType string) (*GetSectionsResult, error) {
	self.stateLock.Lock()
	self.getCalls += 1
	getSections := self.getSections
	self.stateLock.Unlock()

	if getSections == nil {
		return &GetSectionsResult{}, nil
	}
	return getSections(ctx, sectionType)
}

func (self *fakeApi) SaveSectionSync(ctx context.Context, args *SaveSectionArgs) (*SaveSectionResult, error) {
	self.stateLock.Lock()
	self.saveCalls += 1
	saveSection := self.saveSection
	self.stateLock.Unlock()

	if saveSection == nil {
		return &SaveSectionResult{Version: args.BaseVersion + 1}, nil
	}
	return saveSection(ctx, args)
}

func (self *fakeApi) getCallCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.getCalls
}

func (self *fakeApi) saveCallCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.saveCalls
}

// short intervals so scenario tests settle quickly
func testSyncSettings() *SyncSettings {
	settings := DefaultSyncSettings()
	settings.ConnectorSettings.BackoffDelay = 2 * time.Millisecond
	settings.PollerSettings.PollInterval = 20 * time.Millisecond
	settings.AutoSaveSettings.DebounceTimeout = 20 * time.Millisecond
	settings.AutoSaveSettings.RetryBackoffDelay = 2 * time.Millisecond
	return settings
}
