package realtime

import (
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

// SubscriptionRegistry maps section keys to delivery callbacks. Entries
// survive reconnects; the reconnection controller replays them on every
// successful connect. One active subscription per key: re-subscribing
// replaces the previous callback rather than erroring.
type SubscriptionRegistry struct {
	stateLock sync.Mutex

	subscriptions map[SectionKey]*Subscription
}

func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{
		subscriptions: map[SectionKey]*Subscription{},
	}
}

type Subscription struct {
	registry *SubscriptionRegistry

	key          SectionKey
	callback     UpdateFunction
	subscribedAt time.Time

	// version of the last delivered update, or -1 before the first delivery.
	// guarded by the registry stateLock.
	lastVersion int64

	// serializes callback invocation. always acquired before stateLock,
	// never while holding it.
	deliverLock sync.Mutex

	// set by the service so the handle can tear down transport bindings
	unsubscribeHook func(key SectionKey)
}

func (self *SubscriptionRegistry) Subscribe(key SectionKey, callback UpdateFunction) *Subscription {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	subscription := &Subscription{
		registry:     self,
		key:          key,
		callback:     callback,
		subscribedAt: time.Now(),
		lastVersion:  -1,
	}
	if previous, ok := self.subscriptions[key]; ok {
		// last subscriber wins. keep the version watermark so a replaced
		// callback cannot see an update older than one already delivered.
		subscription.lastVersion = previous.lastVersion
		glog.V(2).Infof("[reg]replace %s\n", key)
	}
	self.subscriptions[key] = subscription
	return subscription
}

func (self *Subscription) Key() SectionKey {
	return self.key
}

func (self *Subscription) SubscribedAt() time.Time {
	return self.subscribedAt
}

// removes the registry entry. safe to call more than once.
// delivery checks membership at delivery time, so an update already queued
// internally when this returns will be dropped.
func (self *Subscription) Unsubscribe() {
	removed := self.registry.remove(self)
	if removed && self.unsubscribeHook != nil {
		self.unsubscribeHook(self.key)
	}
}

func (self *SubscriptionRegistry) remove(subscription *Subscription) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	current, ok := self.subscriptions[subscription.key]
	if !ok || current != subscription {
		// already removed or replaced by a newer subscriber
		return false
	}
	delete(self.subscriptions, subscription.key)
	return true
}

func (self *SubscriptionRegistry) Contains(key SectionKey) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.subscriptions[key]
	return ok
}

func (self *SubscriptionRegistry) Keys() []SectionKey {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Keys(self.subscriptions)
}

// Deliver routes an update to the subscribed callback, if any.
// Per-key versions are delivered in non-decreasing order: an update at or
// below the last delivered version is dropped, never reordered.
// Returns whether the callback was invoked.
func (self *SubscriptionRegistry) Deliver(update *SectionUpdate) bool {
	self.stateLock.Lock()
	subscription, ok := self.subscriptions[update.Key]
	self.stateLock.Unlock()
	if !ok {
		// expected when the server broadcasts just before an unsubscribe
		// is acknowledged
		glog.V(2).Infof("[reg]drop no subscription %s\n", update.Key)
		return false
	}

	// held across the callback so overlapping push and poll deliveries for
	// one key cannot invoke the callback version-inverted
	subscription.deliverLock.Lock()
	defer subscription.deliverLock.Unlock()

	self.stateLock.Lock()
	current, ok := self.subscriptions[update.Key]
	if !ok || current != subscription {
		self.stateLock.Unlock()
		glog.V(2).Infof("[reg]drop no subscription %s\n", update.Key)
		return false
	}
	if update.Version <= subscription.lastVersion {
		self.stateLock.Unlock()
		glog.V(2).Infof("[reg]drop stale %s v%d<=v%d\n", update.Key, update.Version, subscription.lastVersion)
		return false
	}
	subscription.lastVersion = update.Version
	callback := subscription.callback
	self.stateLock.Unlock()

	callback(update)
	return true
}
