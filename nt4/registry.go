package nt4

import (
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
)

// a named, typed slot in the shared store
type Topic struct {
	Id         int64
	Name       string
	Type       ValueType
	Properties map[string]any

	store ValueStore

	// (peer, pubuid) pairs currently attached to this topic
	publishers map[publisherKey]bool
}

func (self *Topic) Value() (Value, bool) {
	return self.store.Get()
}

func (self *Topic) Persistent() bool {
	return self.boolProperty("persistent")
}

func (self *Topic) Retained() bool {
	return self.boolProperty("retained")
}

func (self *Topic) boolProperty(key string) bool {
	if v, ok := self.Properties[key].(bool); ok {
		return v
	}
	return false
}

type publisherKey struct {
	peerId Id
	pubuid int
}

// the authoritative topic table. owned by the coordinator session.
// topic ids increase monotonically and are never reused within a session,
// including after unannounce.
type TopicRegistry struct {
	mutex sync.Mutex

	nextTopicId int64
	byName      map[string]*Topic
	byId        map[int64]*Topic
	byPublisher map[publisherKey]*Topic
}

func NewTopicRegistry() *TopicRegistry {
	return &TopicRegistry{
		nextTopicId: 1,
		byName:      map[string]*Topic{},
		byId:        map[int64]*Topic{},
		byPublisher: map[publisherKey]*Topic{},
	}
}

// creates the topic if the name is free, otherwise attaches the publisher to
// the existing topic. a second publish of the same name with a different type
// is a client-visible error. the registry keeps the first type.
func (self *TopicRegistry) Publish(
	peerId Id,
	pubuid int,
	name string,
	valueType ValueType,
	properties map[string]any,
) (*Topic, bool, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	key := publisherKey{peerId: peerId, pubuid: pubuid}

	if topic, ok := self.byName[name]; ok {
		if topic.Type != valueType {
			return nil, false, fmt.Errorf(
				"Type mismatch for %s: have %s, publish requested %s",
				name,
				topic.Type,
				valueType,
			)
		}
		topic.publishers[key] = true
		self.byPublisher[key] = topic
		return topic, false, nil
	}

	topic := &Topic{
		Id:         self.nextTopicId,
		Name:       name,
		Type:       valueType,
		Properties: copyProperties(properties),
		publishers: map[publisherKey]bool{key: true},
	}
	self.nextTopicId += 1
	self.byName[name] = topic
	self.byId[topic.Id] = topic
	self.byPublisher[key] = topic
	return topic, true, nil
}

// detaches the publisher identified by (peerId, pubuid).
// the second return is true when the last publisher left and the topic
// should be unannounced.
func (self *TopicRegistry) Unpublish(peerId Id, pubuid int) (*Topic, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	key := publisherKey{peerId: peerId, pubuid: pubuid}
	topic, ok := self.byPublisher[key]
	if !ok {
		return nil, false
	}
	delete(self.byPublisher, key)
	delete(topic.publishers, key)
	if 0 < len(topic.publishers) {
		return topic, false
	}
	// a retained topic outlives its last publisher
	if topic.Retained() {
		return topic, false
	}
	delete(self.byName, topic.Name)
	delete(self.byId, topic.Id)
	return topic, true
}

// detaches every publish owned by the peer. returns the topics that lost
// their last publisher, in no particular order.
func (self *TopicRegistry) UnpublishAll(peerId Id) []*Topic {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	var dead []*Topic
	for key, topic := range self.byPublisher {
		if key.peerId != peerId {
			continue
		}
		delete(self.byPublisher, key)
		delete(topic.publishers, key)
		if len(topic.publishers) == 0 && !topic.Retained() {
			delete(self.byName, topic.Name)
			delete(self.byId, topic.Id)
			dead = append(dead, topic)
		}
	}
	return dead
}

// merge-patch. a nil value for a key deletes the key.
// a patch against a topic that does not exist is deliberately a no-op,
// mirroring permissive peer behavior in the interoperating ecosystem.
func (self *TopicRegistry) SetProperties(name string, update map[string]any) (*Topic, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	topic, ok := self.byName[name]
	if !ok {
		return nil, false
	}
	for key, value := range update {
		if value == nil {
			delete(topic.Properties, key)
		} else {
			topic.Properties[key] = value
		}
	}
	return topic, true
}

// applies a value update. rejects on declared-type mismatch or on a
// timestamp that is not strictly newer than the stored one.
func (self *TopicRegistry) ApplyValue(topicId int64, value Value) (*Topic, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	topic, ok := self.byId[topicId]
	if !ok {
		return nil, false
	}
	if topic.Type != value.Type {
		return topic, false
	}
	return topic, topic.store.CompareAndSet(value)
}

func (self *TopicRegistry) ByName(name string) *Topic {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.byName[name]
}

func (self *TopicRegistry) ById(topicId int64) *Topic {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.byId[topicId]
}

func (self *TopicRegistry) Topics() []*Topic {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return maps.Values(self.byName)
}
