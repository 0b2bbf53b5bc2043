package nt4

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestSelectorMatching(t *testing.T) {
	// exact match unless prefixMatch is set
	exact := &Subscription{Selectors: []TopicSelector{NameSelector("/a")}}
	assert.Equal(t, true, exact.Matches("/a"))
	assert.Equal(t, false, exact.Matches("/ab"))
	assert.Equal(t, false, exact.Matches("/a/b"))

	prefixOpt := &Subscription{
		Selectors: []TopicSelector{NameSelector("/a")},
		Options:   SubscriptionOptions{PrefixMatch: true},
	}
	// no implicit trailing slash: "/ab" matches prefix "/a"
	assert.Equal(t, true, prefixOpt.Matches("/a"))
	assert.Equal(t, true, prefixOpt.Matches("/ab"))
	assert.Equal(t, true, prefixOpt.Matches("/a/b"))
	assert.Equal(t, false, prefixOpt.Matches("/b"))

	// explicit prefix selector works without the option
	prefixSel := &Subscription{Selectors: []TopicSelector{PrefixSelector("/a")}}
	assert.Equal(t, true, prefixSel.Matches("/ab"))
	assert.Equal(t, false, prefixSel.Matches("/b"))

	all := &Subscription{Selectors: []TopicSelector{AllSelector()}}
	assert.Equal(t, true, all.Matches("/anything"))
	assert.Equal(t, true, all.Matches(""))

	// selectors combine with or
	combined := &Subscription{
		Selectors: []TopicSelector{NameSelector("/x"), PrefixSelector("/y/")},
	}
	assert.Equal(t, true, combined.Matches("/x"))
	assert.Equal(t, true, combined.Matches("/y/z"))
	assert.Equal(t, false, combined.Matches("/z"))
}

func TestEmptySelectorsFailClosed(t *testing.T) {
	empty := &Subscription{}
	assert.Equal(t, false, empty.Matches("/a"))
	assert.Equal(t, false, empty.Matches(""))
}

func TestMatchingPeers(t *testing.T) {
	index := NewSubscriptionIndex()
	peerA := NewId()
	peerB := NewId()
	peerC := NewId()

	index.Subscribe(peerA, 1, []TopicSelector{PrefixSelector("/")}, SubscriptionOptions{})
	index.Subscribe(peerB, 1, []TopicSelector{NameSelector("/x")}, SubscriptionOptions{})
	index.Subscribe(peerC, 1, nil, SubscriptionOptions{})

	peers := index.MatchingPeers("/x")
	assert.Equal(t, 2, len(peers))
	assert.Equal(t, true, peers[peerA])
	assert.Equal(t, true, peers[peerB])

	peers = index.MatchingPeers("/y")
	assert.Equal(t, 1, len(peers))
	assert.Equal(t, true, peers[peerA])

	assert.Equal(t, true, index.PeerMatches(peerB, "/x"))
	assert.Equal(t, false, index.PeerMatches(peerB, "/y"))
	assert.Equal(t, false, index.PeerMatches(peerC, "/x"))
}

func TestResubscribeReplaces(t *testing.T) {
	index := NewSubscriptionIndex()
	peerId := NewId()

	index.Subscribe(peerId, 1, []TopicSelector{NameSelector("/x")}, SubscriptionOptions{})
	assert.Equal(t, true, index.PeerMatches(peerId, "/x"))

	// same subuid, new selectors
	index.Subscribe(peerId, 1, []TopicSelector{NameSelector("/y")}, SubscriptionOptions{})
	assert.Equal(t, false, index.PeerMatches(peerId, "/x"))
	assert.Equal(t, true, index.PeerMatches(peerId, "/y"))
	assert.Equal(t, 1, len(index.Subscriptions(peerId)))
}

func TestUnsubscribe(t *testing.T) {
	index := NewSubscriptionIndex()
	peerId := NewId()

	index.Subscribe(peerId, 1, []TopicSelector{AllSelector()}, SubscriptionOptions{})
	assert.Equal(t, true, index.Unsubscribe(peerId, 1))
	assert.Equal(t, false, index.PeerMatches(peerId, "/x"))

	// unknown is a no-op
	assert.Equal(t, false, index.Unsubscribe(peerId, 1))
	assert.Equal(t, false, index.Unsubscribe(NewId(), 7))
}

func TestRemovePeer(t *testing.T) {
	index := NewSubscriptionIndex()
	peerId := NewId()

	index.Subscribe(peerId, 1, []TopicSelector{AllSelector()}, SubscriptionOptions{})
	index.Subscribe(peerId, 2, []TopicSelector{NameSelector("/x")}, SubscriptionOptions{})
	index.RemovePeer(peerId)
	assert.Equal(t, 0, len(index.Subscriptions(peerId)))
	assert.Equal(t, 0, len(index.MatchingPeers("/x")))
}

func TestFlushInterval(t *testing.T) {
	index := NewSubscriptionIndex()
	peerId := NewId()
	fallback := 100 * time.Millisecond

	assert.Equal(t, fallback, index.FlushInterval(peerId, fallback))

	index.Subscribe(peerId, 1, []TopicSelector{AllSelector()}, SubscriptionOptions{Periodic: 0.25})
	assert.Equal(t, fallback, index.FlushInterval(peerId, fallback))

	index.Subscribe(peerId, 2, []TopicSelector{AllSelector()}, SubscriptionOptions{Periodic: 0.02})
	assert.Equal(t, 20*time.Millisecond, index.FlushInterval(peerId, fallback))
}
