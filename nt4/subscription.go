package nt4

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/maps"
)

type Subscription struct {
	PeerId    Id
	Subuid    int
	Selectors []TopicSelector
	Options   SubscriptionOptions
}

// selectors combine with logical or. an empty selector set matches nothing
// (fail-closed). prefix matching is a plain string prefix test with no
// trailing-slash insertion, so "/ab" matches prefix "/a".
func (self *Subscription) Matches(name string) bool {
	for _, selector := range self.Selectors {
		if selector.All {
			return true
		}
		if selector.IsPrefix {
			if strings.HasPrefix(name, selector.Prefix) {
				return true
			}
			continue
		}
		if self.Options.PrefixMatch {
			if strings.HasPrefix(name, selector.Name) {
				return true
			}
		} else if name == selector.Name {
			return true
		}
	}
	return false
}

// subscriptions per peer, keyed by the peer-chosen subuid.
// consulted on every announce and value change to compute fan-out, scanning
// subscriptions only, never the topic table.
type SubscriptionIndex struct {
	mutex sync.Mutex

	byPeer map[Id]map[int]*Subscription
}

func NewSubscriptionIndex() *SubscriptionIndex {
	return &SubscriptionIndex{
		byPeer: map[Id]map[int]*Subscription{},
	}
}

// a resubscribe with the same subuid replaces the previous subscription
func (self *SubscriptionIndex) Subscribe(
	peerId Id,
	subuid int,
	selectors []TopicSelector,
	options SubscriptionOptions,
) *Subscription {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	subscriptions, ok := self.byPeer[peerId]
	if !ok {
		subscriptions = map[int]*Subscription{}
		self.byPeer[peerId] = subscriptions
	}
	subscription := &Subscription{
		PeerId:    peerId,
		Subuid:    subuid,
		Selectors: selectors,
		Options:   options,
	}
	subscriptions[subuid] = subscription
	return subscription
}

// no-op if unknown
func (self *SubscriptionIndex) Unsubscribe(peerId Id, subuid int) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	subscriptions, ok := self.byPeer[peerId]
	if !ok {
		return false
	}
	if _, ok := subscriptions[subuid]; !ok {
		return false
	}
	delete(subscriptions, subuid)
	if len(subscriptions) == 0 {
		delete(self.byPeer, peerId)
	}
	return true
}

func (self *SubscriptionIndex) RemovePeer(peerId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.byPeer, peerId)
}

// peers with at least one subscription matching the topic name
func (self *SubscriptionIndex) MatchingPeers(name string) map[Id]bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	peerIds := map[Id]bool{}
	for peerId, subscriptions := range self.byPeer {
		for _, subscription := range subscriptions {
			if subscription.Matches(name) {
				peerIds[peerId] = true
				break
			}
		}
	}
	return peerIds
}

func (self *SubscriptionIndex) PeerMatches(peerId Id, name string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for _, subscription := range self.byPeer[peerId] {
		if subscription.Matches(name) {
			return true
		}
	}
	return false
}

func (self *SubscriptionIndex) Subscriptions(peerId Id) []*Subscription {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return maps.Values(self.byPeer[peerId])
}

// the smallest advisory periodic interval among the peer's subscriptions,
// or fallback when none is set
func (self *SubscriptionIndex) FlushInterval(peerId Id, fallback time.Duration) time.Duration {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	interval := fallback
	for _, subscription := range self.byPeer[peerId] {
		if subscription.Options.Periodic <= 0 {
			continue
		}
		periodic := time.Duration(subscription.Options.Periodic * float64(time.Second))
		if periodic < interval {
			interval = periodic
		}
	}
	return interval
}
