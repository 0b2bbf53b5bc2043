package nt4

import (
	"fmt"

	"github.com/golang/glog"
)

// reaction table for inbound control messages. each message is handled to
// completion under the handler lock: registry/index mutation, then emission,
// then listener callbacks, all in the same turn.
//
// malformed messages are answered with an error control message and never
// mutate state or close the connection.
func (self *Server) handleControlFrame(peer *peerConn, data []byte) {
	messages, err := DecodeControlBatch(data)
	if err != nil {
		glog.V(1).Infof("[s]%d<- bad control frame = %s\n", peer.number, err)
		peer.SendControl(&ErrorParams{For: "control", Reason: err.Error()})
		return
	}

	for _, message := range messages {
		params, err := FromControl(message)
		if err != nil {
			peer.SendControl(&ErrorParams{For: message.Method, Reason: err.Error()})
			continue
		}

		self.handlerMutex.Lock()
		switch p := params.(type) {
		case *PublishParams:
			self.handlePublish(peer, p)
		case *UnpublishParams:
			self.handleUnpublish(peer, p)
		case *SubscribeParams:
			self.handleSubscribe(peer, p)
		case *UnsubscribeParams:
			self.handleUnsubscribe(peer, p)
		case *SetPropertiesParams:
			self.handleSetProperties(peer, p)
		default:
			// server-to-client methods arriving at the server
			peer.SendControl(&ErrorParams{
				For:    message.Method,
				Reason: fmt.Sprintf("Method not valid toward the server: %s", message.Method),
			})
		}
		self.handlerMutex.Unlock()
	}
}

func (self *Server) handlePublish(peer *peerConn, params *PublishParams) {
	if params.Name == "" {
		peer.SendControl(&ErrorParams{For: MethodPublish, Reason: "Missing name."})
		return
	}
	valueType, err := ParseValueType(params.Type)
	if err != nil {
		peer.SendControl(&ErrorParams{For: MethodPublish, Reason: err.Error()})
		return
	}

	topic, created, err := self.registry.Publish(
		peer.id,
		params.Pubuid,
		params.Name,
		valueType,
		params.Properties,
	)
	if err != nil {
		// type conflict with a live topic. client-visible, never silent.
		peer.SendControl(&ErrorParams{For: MethodPublish, Reason: err.Error()})
		return
	}

	glog.V(1).Infof("[s]%d publish %s %s id=%d\n", peer.number, topic.Name, topic.Type, topic.Id)

	// the publishing peer always gets the announce, carrying its pubuid so it
	// can bind the pubuid to the assigned topic id
	pubuid := params.Pubuid
	peer.announced[topic.Id] = true
	peer.SendControl(&AnnounceParams{
		Name:       topic.Name,
		Id:         topic.Id,
		Type:       topic.Type.String(),
		Properties: copyProperties(topic.Properties),
		Pubuid:     &pubuid,
	})

	if created {
		self.announceTopic(topic)
	}
}

func (self *Server) handleUnpublish(peer *peerConn, params *UnpublishParams) {
	topic, shouldUnannounce := self.registry.Unpublish(peer.id, params.Pubuid)
	if topic == nil {
		// unknown pubuid. nothing to correlate, nothing to do.
		return
	}
	glog.V(1).Infof("[s]%d unpublish %s\n", peer.number, topic.Name)
	if shouldUnannounce {
		self.unannounceTopic(topic)
	}
}

func (self *Server) handleSubscribe(peer *peerConn, params *SubscribeParams) {
	subscription := self.index.Subscribe(peer.id, params.Subuid, params.Topics, params.Options)
	peer.SetFlushInterval(self.index.FlushInterval(peer.id, self.settings.FlushInterval))

	glog.V(1).Infof("[s]%d subscribe %d\n", peer.number, params.Subuid)

	// backfill: exactly one announce per pre-existing match, current value
	// only when the subscription asks for immediate data
	for _, topic := range self.registry.Topics() {
		if !subscription.Matches(topic.Name) {
			continue
		}
		if !peer.announced[topic.Id] {
			peer.announced[topic.Id] = true
			peer.SendControl(&AnnounceParams{
				Name:       topic.Name,
				Id:         topic.Id,
				Type:       topic.Type.String(),
				Properties: copyProperties(topic.Properties),
			})
		}
		if subscription.Options.WantsImmediate() {
			if value, ok := topic.Value(); ok {
				peer.SendValueNow(ValueFrame{TopicId: topic.Id, Value: value})
			}
		}
	}
}

func (self *Server) handleUnsubscribe(peer *peerConn, params *UnsubscribeParams) {
	self.index.Unsubscribe(peer.id, params.Subuid)
	peer.SetFlushInterval(self.index.FlushInterval(peer.id, self.settings.FlushInterval))
}

func (self *Server) handleSetProperties(peer *peerConn, params *SetPropertiesParams) {
	if params.Name == "" {
		peer.SendControl(&ErrorParams{For: MethodSetProperties, Reason: "Missing name."})
		return
	}
	self.applyProperties(params.Name, params.Update)
}

// announce fan-out to every peer whose subscriptions match, except peers
// that already received the announce
func (self *Server) announceTopic(topic *Topic) {
	matching := self.index.MatchingPeers(topic.Name)
	for _, peer := range self.allPeers() {
		if !matching[peer.id] || peer.announced[topic.Id] {
			continue
		}
		peer.announced[topic.Id] = true
		peer.SendControl(&AnnounceParams{
			Name:       topic.Name,
			Id:         topic.Id,
			Type:       topic.Type.String(),
			Properties: copyProperties(topic.Properties),
		})
	}

	for _, callback := range self.topicCallbacks.Get() {
		callback(topic, true)
	}
}

// unannounce to every peer that had received the announce
func (self *Server) unannounceTopic(topic *Topic) {
	for _, peer := range self.allPeers() {
		if !peer.announced[topic.Id] {
			continue
		}
		delete(peer.announced, topic.Id)
		peer.SendControl(&UnannounceParams{
			Name: topic.Name,
			Id:   topic.Id,
		})
	}

	for _, callback := range self.topicCallbacks.Get() {
		callback(topic, false)
	}
}

// properties broadcast carries the full resulting map, to every peer that
// knows the topic
func (self *Server) applyProperties(name string, update map[string]any) {
	topic, ok := self.registry.SetProperties(name, update)
	if !ok {
		// deliberate no-op on an unknown topic
		glog.V(2).Infof("[s]setproperties on unknown topic %s\n", name)
		return
	}
	params := &PropertiesParams{
		Name:       topic.Name,
		Properties: copyProperties(topic.Properties),
	}
	for _, peer := range self.allPeers() {
		if peer.announced[topic.Id] {
			peer.SendControl(params)
		}
	}
}

func (self *Server) handleBinaryFrame(peer *peerConn, data []byte) {
	frames, err := DecodeValueFrames(data)
	if err != nil {
		peer.SendControl(&ErrorParams{For: "value", Reason: err.Error()})
		// frames decoded before the error are still applied
	}

	for _, frame := range frames {
		if frame.TopicId == TimeSyncTopicId {
			// rtt probe: echo the client clock back alongside the server
			// clock so the client can derive a server-time offset
			peer.SendValueNow(ValueFrame{
				TopicId: TimeSyncTopicId,
				Value:   IntValue(frame.Value.Int, NowMicros()),
			})
			continue
		}

		self.handlerMutex.Lock()
		topic, accepted := self.registry.ApplyValue(frame.TopicId, frame.Value)
		if topic == nil {
			// the topic may have been unannounced concurrently. a race,
			// not a violation.
			glog.V(2).Infof("[s]%d<- value for unknown topic %d\n", peer.number, frame.TopicId)
		} else if accepted {
			self.fanOutValue(topic, frame.Value, peer)
		}
		self.handlerMutex.Unlock()
	}
}

// value broadcast to every subscribed peer except the original sender
func (self *Server) fanOutValue(topic *Topic, value Value, sender *peerConn) {
	for _, peer := range self.allPeers() {
		if peer == sender {
			// no echo to sender
			continue
		}
		if !peer.announced[topic.Id] {
			continue
		}
		if !self.index.PeerMatches(peer.id, topic.Name) {
			continue
		}
		peer.EnqueueValue(topic.Id, value)
	}

	for _, callback := range self.valueCallbacks.Get() {
		callback(topic, value)
	}
}
