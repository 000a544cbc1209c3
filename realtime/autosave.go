package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
)

type AutoSaveSettings struct {
	// inactivity window before a local edit is dispatched
	DebounceTimeout time.Duration
	// transient write failures retry with exponential backoff:
	// RetryBackoffDelay * 2^attempt, up to WriteRetryCount attempts total
	WriteRetryCount   int
	RetryBackoffDelay time.Duration
}

func DefaultAutoSaveSettings() *AutoSaveSettings {
	return &AutoSaveSettings{
		DebounceTimeout:   2 * time.Second,
		WriteRetryCount:   3,
		RetryBackoffDelay: 1 * time.Second,
	}
}

type SaveResult int

const (
	SaveResultSuccess SaveResult = iota
	SaveResultConflict
	SaveResultFailed
)

func (self SaveResult) String() string {
	switch self {
	case SaveResultSuccess:
		return "success"
	case SaveResultConflict:
		return "conflict"
	case SaveResultFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SaveEvent is emitted once per resolved write.
// On conflict both sides are surfaced and neither is applied; resolution is
// the consumer's decision.
type SaveEvent struct {
	Key SectionKey
	// id of the dispatched write this event resolves
	EditId Id
	Result SaveResult

	// success
	Version int64

	// conflict
	LocalContent  json.RawMessage
	ServerContent json.RawMessage
	ServerVersion int64

	// failed
	Err error
}

type SaveFunction func(event *SaveEvent)

// per-key edit state. guarded by the client stateLock.
type editState struct {
	// latest undispatched content
	pendingContent json.RawMessage
	dirty          bool
	debounce       *time.Timer

	inFlight bool

	// last version observed for the key, from deliveries or accepted writes
	version int64
}

// AutoSaveClient debounces local edits and writes them with optimistic
// concurrency: each write carries the version the client last observed, and
// the server only accepts it if that is still the stored version.
// At most one write per key is in flight; edits arriving meanwhile coalesce
// and chain onto the version the in-flight write is expected to produce.
type AutoSaveClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	api SectionApi

	settings *AutoSaveSettings

	saveCallbacks *CallbackList[SaveFunction]

	stateLock sync.Mutex
	edits     map[SectionKey]*editState
}

func NewAutoSaveClientWithDefaults(ctx context.Context, api SectionApi) *AutoSaveClient {
	return NewAutoSaveClient(ctx, api, DefaultAutoSaveSettings())
}

func NewAutoSaveClient(ctx context.Context, api SectionApi, settings *AutoSaveSettings) *AutoSaveClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &AutoSaveClient{
		ctx:           cancelCtx,
		cancel:        cancel,
		api:           api,
		settings:      settings,
		saveCallbacks: NewCallbackList[SaveFunction](),
		edits:         map[SectionKey]*editState{},
	}
}

func (self *AutoSaveClient) AddSaveCallback(callback SaveFunction) func() {
	return self.saveCallbacks.Add(callback)
}

func (self *AutoSaveClient) Close() {
	self.cancel()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, state := range self.edits {
		if state.debounce != nil {
			state.debounce.Stop()
		}
	}
}

// Edit accepts a local change. Rapid successive edits to the same key
// coalesce into one write carrying the latest content.
func (self *AutoSaveClient) Edit(key SectionKey, content json.RawMessage) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	state := self.editState(key)
	state.pendingContent = content
	state.dirty = true

	if state.debounce != nil {
		state.debounce.Stop()
	}
	state.debounce = time.AfterFunc(self.settings.DebounceTimeout, func() {
		self.dispatch(key)
	})
}

// IsEditing reports whether the key has undispatched or in-flight local
// content. The router and poller suppress remote updates for such keys.
func (self *AutoSaveClient) IsEditing(key SectionKey) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	state, ok := self.edits[key]
	if !ok {
		return false
	}
	return state.dirty || state.inFlight
}

// ObserveVersion records the version seen on a delivered update so the next
// write for the key carries it as the base.
func (self *AutoSaveClient) ObserveVersion(key SectionKey, version int64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	state := self.editState(key)
	if state.version < version {
		state.version = version
	}
}

// Version returns the last observed version for the key, or 0.
func (self *AutoSaveClient) Version(key SectionKey) int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if state, ok := self.edits[key]; ok {
		return state.version
	}
	return 0
}

// caller holds stateLock
func (self *AutoSaveClient) editState(key SectionKey) *editState {
	state, ok := self.edits[key]
	if !ok {
		state = &editState{}
		self.edits[key] = state
	}
	return state
}

func (self *AutoSaveClient) dispatch(key SectionKey) {
	self.stateLock.Lock()

	state := self.editState(key)
	if state.inFlight {
		// the queued edit chains after the in-flight write resolves
		self.stateLock.Unlock()
		return
	}
	if !state.dirty {
		self.stateLock.Unlock()
		return
	}

	content := state.pendingContent
	baseVersion := state.version
	state.dirty = false
	state.inFlight = true

	self.stateLock.Unlock()

	// one id per dispatched write, so coalesced edits share it and the
	// server can deduplicate retries
	go self.write(key, NewId(), content, baseVersion)
}

func (self *AutoSaveClient) write(key SectionKey, editId Id, content json.RawMessage, baseVersion int64) {
	args := &SaveSectionArgs{
		EditId:      editId,
		SectionType: key.SectionType,
		SectionKey:  key.SectionName,
		Content:     content,
		BaseVersion: baseVersion,
	}

	var result *SaveSectionResult
	var err error
	for attempt := 0; attempt < self.settings.WriteRetryCount; attempt += 1 {
		if 0 < attempt {
			backoff := self.settings.RetryBackoffDelay << (attempt - 1)
			glog.Infof("[save]%s %s retry %d in %s\n", key, editId, attempt, backoff)
			select {
			case <-self.ctx.Done():
				self.resolve(key, &SaveEvent{
					Key:    key,
					EditId: editId,
					Result: SaveResultFailed,
					Err:    self.ctx.Err(),
				})
				return
			case <-time.After(backoff):
			}
		}

		result, err = self.api.SaveSectionSync(self.ctx, args)
		if err == nil {
			break
		}
		if IsAuthError(err) {
			// retrying without a fresh token cannot succeed
			break
		}
		select {
		case <-self.ctx.Done():
			err = self.ctx.Err()
		default:
		}
		if self.ctx.Err() != nil {
			break
		}
	}

	if err != nil {
		self.resolve(key, &SaveEvent{
			Key:    key,
			EditId: editId,
			Result: SaveResultFailed,
			Err:    err,
		})
		return
	}

	if result.Conflict != nil {
		// someone else wrote in between. surface both sides, apply neither.
		glog.Infof("[save]%s conflict v%d -> v%d\n", key, baseVersion, result.Conflict.Version)
		self.resolveConflict(key, editId, content, result.Conflict)
		return
	}

	glog.V(2).Infof("[save]%s accepted v%d\n", key, result.Version)
	self.resolveAccepted(key, editId, result.Version)
}

func (self *AutoSaveClient) resolveAccepted(key SectionKey, editId Id, version int64) {
	self.stateLock.Lock()
	state := self.editState(key)
	state.inFlight = false
	if state.version < version {
		state.version = version
	}
	queued := state.dirty
	self.stateLock.Unlock()

	self.emit(&SaveEvent{
		Key:     key,
		EditId:  editId,
		Result:  SaveResultSuccess,
		Version: version,
	})

	if queued {
		// speculative chaining: the queued edit carries the version this
		// write just produced
		self.dispatch(key)
	}
}

func (self *AutoSaveClient) resolveConflict(key SectionKey, editId Id, localContent json.RawMessage, conflict *SaveSectionConflict) {
	self.stateLock.Lock()
	state := self.editState(key)
	state.inFlight = false
	// revalidate against the authoritative version; a queued edit is newer
	// than the conflicted one and dispatches against it
	if state.version < conflict.Version {
		state.version = conflict.Version
	}
	queued := state.dirty
	self.stateLock.Unlock()

	self.emit(&SaveEvent{
		Key:           key,
		EditId:        editId,
		Result:        SaveResultConflict,
		LocalContent:  localContent,
		ServerContent: conflict.Content,
		ServerVersion: conflict.Version,
	})

	if queued {
		self.dispatch(key)
	}
}

func (self *AutoSaveClient) resolve(key SectionKey, event *SaveEvent) {
	self.stateLock.Lock()
	state := self.editState(key)
	state.inFlight = false
	queued := state.dirty
	self.stateLock.Unlock()

	self.emit(event)

	if queued && self.ctx.Err() == nil {
		self.dispatch(key)
	}
}

func (self *AutoSaveClient) emit(event *SaveEvent) {
	for _, callback := range self.saveCallbacks.Get() {
		callback(event)
	}
}
