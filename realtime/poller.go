package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

type PollerSettings struct {
	PollInterval time.Duration
}

func DefaultPollerSettings() *PollerSettings {
	return &PollerSettings{
		PollInterval: 5 * time.Second,
	}
}

// FallbackPoller keeps sections fresh by pulling when push delivery is
// unavailable. Each polled key gets an independent timer loop that fetches
// the latest snapshot and delivers through the same registry contract as
// push, tagged `source = "poll"`. Pull failures are logged and retried on
// the next tick; they never cancel the timer.
type FallbackPoller struct {
	ctx context.Context

	api      SectionApi
	registry *SubscriptionRegistry

	// same mid-edit guard the router applies to push delivery. nil means
	// no guard.
	editing func(key SectionKey) bool

	settings *PollerSettings

	stateLock sync.Mutex
	polls     map[SectionKey]context.CancelFunc
}

func NewFallbackPollerWithDefaults(ctx context.Context, api SectionApi, registry *SubscriptionRegistry) *FallbackPoller {
	return NewFallbackPoller(ctx, api, registry, DefaultPollerSettings())
}

func NewFallbackPoller(ctx context.Context, api SectionApi, registry *SubscriptionRegistry, settings *PollerSettings) *FallbackPoller {
	return &FallbackPoller{
		ctx:      ctx,
		api:      api,
		registry: registry,
		settings: settings,
		polls:    map[SectionKey]context.CancelFunc{},
	}
}

// SetEditingGuard wires the auto-saver's mid-edit check so a poll result
// cannot clobber in-progress input. Call before the first Start.
func (self *FallbackPoller) SetEditingGuard(editing func(key SectionKey) bool) {
	self.editing = editing
}

// idempotent. an active poll for the key is left as is.
func (self *FallbackPoller) Start(key SectionKey) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.polls[key]; ok {
		return
	}
	pollCtx, pollCancel := context.WithCancel(self.ctx)
	self.polls[key] = pollCancel
	go self.run(pollCtx, key)
	glog.Infof("[poll]start %s\n", key)
}

func (self *FallbackPoller) StartAll(keys []SectionKey) {
	for _, key := range keys {
		self.Start(key)
	}
}

// stops the poll timer for the key. no poll delivery for the key begins
// after this returns; one already fetching resolves through the registry,
// which checks membership at delivery time.
func (self *FallbackPoller) Stop(key SectionKey) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if pollCancel, ok := self.polls[key]; ok {
		pollCancel()
		delete(self.polls, key)
		glog.Infof("[poll]stop %s\n", key)
	}
}

// used when push delivery recovers, to avoid duplicate delivery
func (self *FallbackPoller) StopAll() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, pollCancel := range self.polls {
		pollCancel()
	}
	maps.Clear(self.polls)
}

func (self *FallbackPoller) Active(key SectionKey) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.polls[key]
	return ok
}

func (self *FallbackPoller) run(ctx context.Context, key SectionKey) {
	// pull immediately so escalation from push leaves no gap longer than
	// one poll interval
	self.pull(ctx, key)

	ticker := time.NewTicker(self.settings.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			self.pull(ctx, key)
		}
	}
}

func (self *FallbackPoller) pull(ctx context.Context, key SectionKey) {
	result, err := self.api.GetSectionsSync(ctx, key.SectionType)
	if err != nil {
		select {
		case <-ctx.Done():
		default:
			// retried on the next tick
			glog.Infof("[poll]%s error = %s\n", key, err)
		}
		return
	}

	for _, record := range result.Sections {
		if record.SectionKey != key.SectionName {
			continue
		}
		if self.editing != nil && self.editing(key) {
			glog.V(2).Infof("[poll]skip mid-edit %s\n", key)
			return
		}
		delivered := self.registry.Deliver(&SectionUpdate{
			Key:       key,
			Content:   record.Content,
			Version:   record.Version,
			UpdatedBy: record.UpdatedBy,
			Source:    UpdateSourcePoll,
		})
		if delivered {
			glog.V(2).Infof("[poll]%s v%d\n", key, record.Version)
		}
		return
	}
}
