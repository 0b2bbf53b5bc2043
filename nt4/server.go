package nt4

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"
)

type ServerSettings struct {
	WsHandshakeTimeout time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	// default value-batch flush interval, overridden per peer by the
	// smallest advisory periodic among its subscriptions
	FlushInterval  time.Duration
	SendBufferSize int
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		WsHandshakeTimeout: 2 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		FlushInterval:      100 * time.Millisecond,
		SendBufferSize:     32,
	}
}

// the coordinator. owns the authoritative topic registry and subscription
// index and is the side that assigns topic ids.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *ServerSettings

	registry *TopicRegistry
	index    *SubscriptionIndex

	// serializes message handling across all peers. one inbound message is
	// handled to completion, mutation and emission, before the next from any
	// peer. this per-turn atomicity is the concurrency contract.
	handlerMutex sync.Mutex

	stateMutex      sync.Mutex
	peers           map[Id]*peerConn
	nextPeerNumber  int
	nextLocalPubuid int
	localPubuids    map[string]int

	upgrader websocket.Upgrader

	topicCallbacks *CallbackList[TopicChangeFunction]
	valueCallbacks *CallbackList[ValueChangeFunction]
}

func NewServerWithDefaults(ctx context.Context) *Server {
	return NewServer(ctx, DefaultServerSettings())
}

func NewServer(ctx context.Context, settings *ServerSettings) *Server {
	cancelCtx, cancel := context.WithCancel(ctx)
	server := &Server{
		ctx:             cancelCtx,
		cancel:          cancel,
		settings:        settings,
		registry:        NewTopicRegistry(),
		index:           NewSubscriptionIndex(),
		peers:           map[Id]*peerConn{},
		nextPeerNumber:  1,
		nextLocalPubuid: 1,
		localPubuids:    map[string]int{},
		topicCallbacks:  NewCallbackList[TopicChangeFunction](),
		valueCallbacks:  NewCallbackList[ValueChangeFunction](),
	}
	server.upgrader = websocket.Upgrader{
		HandshakeTimeout: settings.WsHandshakeTimeout,
		Subprotocols:     SupportedProtocols,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	return server
}

func (self *Server) Listen(port int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	return self.Serve(listener)
}

// blocks until the server context is canceled or the listener fails
func (self *Server) Serve(listener net.Listener) error {
	httpServer := &http.Server{
		Handler: self,
	}
	go func() {
		<-self.ctx.Done()
		httpServer.Close()
	}()
	err := httpServer.Serve(listener)
	if self.ctx.Err() != nil {
		return nil
	}
	return err
}

func (self *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// the connection is rejected when the peer offers no supported
	// sub-protocol
	if _, ok := SelectProtocol(websocket.Subprotocols(r)); !ok {
		glog.Infof("[s]reject %s: no supported sub-protocol\n", r.RemoteAddr)
		http.Error(w, "Unsupported sub-protocol.", http.StatusBadRequest)
		return
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[s]upgrade error %s = %s\n", r.RemoteAddr, err)
		return
	}

	peer := self.accept(ws)
	glog.V(1).Infof("[s]accept %d (%s) %s\n", peer.number, peer.protocol, r.RemoteAddr)

	go peer.runWriter()
	go self.runReader(peer)
}

func (self *Server) accept(ws *websocket.Conn) *peerConn {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()

	peerId := NewId()
	peer := newPeerConn(self.ctx, peerId, self.nextPeerNumber, ws, self.settings)
	self.nextPeerNumber += 1
	self.peers[peerId] = peer
	return peer
}

func (self *Server) allPeers() []*peerConn {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return maps.Values(self.peers)
}

func (self *Server) runReader(peer *peerConn) {
	defer func() {
		peer.ws.Close()
		self.disconnectPeer(peer)
	}()

	peer.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	peer.ws.SetPingHandler(func(appData string) error {
		peer.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return peer.ws.WriteControl(
			websocket.PongMessage,
			[]byte(appData),
			time.Now().Add(self.settings.WriteTimeout),
		)
	})
	peer.ws.SetPongHandler(func(string) error {
		peer.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	for {
		select {
		case <-peer.ctx.Done():
			return
		default:
		}

		peer.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := peer.ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[s]%d<- error = %s\n", peer.number, err)
			return
		}

		switch messageType {
		case websocket.TextMessage:
			self.handleControlFrame(peer, message)
		case websocket.BinaryMessage:
			self.handleBinaryFrame(peer, message)
		}
	}
}

// synchronously unwinds everything the peer owned before the slot is
// released: all its publishes are detached (topics it solely published are
// unannounced to the remaining peers) and all its subscriptions removed.
func (self *Server) disconnectPeer(peer *peerConn) {
	self.handlerMutex.Lock()
	defer self.handlerMutex.Unlock()

	self.stateMutex.Lock()
	if self.peers[peer.id] != peer {
		self.stateMutex.Unlock()
		return
	}
	delete(self.peers, peer.id)
	self.stateMutex.Unlock()

	peer.Close()

	dead := self.registry.UnpublishAll(peer.id)
	for _, topic := range dead {
		self.unannounceTopic(topic)
	}
	self.index.RemovePeer(peer.id)

	glog.V(1).Infof("[s]close %d\n", peer.number)
}

func (self *Server) Close() {
	self.cancel()
	for _, peer := range self.allPeers() {
		peer.ws.Close()
	}
}

// local topic accessors. these drive the same fan-out paths as remote
// messages, with the zero peer id as owner.

func (self *Server) Publish(name string, valueType ValueType, properties map[string]any) error {
	self.handlerMutex.Lock()
	defer self.handlerMutex.Unlock()

	self.stateMutex.Lock()
	pubuid, ok := self.localPubuids[name]
	if !ok {
		pubuid = self.nextLocalPubuid
		self.nextLocalPubuid += 1
		self.localPubuids[name] = pubuid
	}
	self.stateMutex.Unlock()

	topic, created, err := self.registry.Publish(LocalId, pubuid, name, valueType, properties)
	if err != nil {
		return err
	}
	if created {
		self.announceTopic(topic)
	}
	return nil
}

func (self *Server) Unpublish(name string) {
	self.handlerMutex.Lock()
	defer self.handlerMutex.Unlock()

	self.stateMutex.Lock()
	pubuid, ok := self.localPubuids[name]
	if ok {
		delete(self.localPubuids, name)
	}
	self.stateMutex.Unlock()
	if !ok {
		return
	}

	if topic, shouldUnannounce := self.registry.Unpublish(LocalId, pubuid); shouldUnannounce {
		self.unannounceTopic(topic)
	}
}

func (self *Server) SetValue(name string, value Value) bool {
	self.handlerMutex.Lock()
	defer self.handlerMutex.Unlock()

	topic := self.registry.ByName(name)
	if topic == nil {
		return false
	}
	if value.Timestamp == 0 {
		value.Timestamp = NowMicros()
	}
	topic, accepted := self.registry.ApplyValue(topic.Id, value)
	if !accepted {
		return false
	}
	self.fanOutValue(topic, value, nil)
	return true
}

func (self *Server) GetValue(name string) (Value, bool) {
	topic := self.registry.ByName(name)
	if topic == nil {
		return Value{}, false
	}
	return topic.Value()
}

func (self *Server) SetProperties(name string, update map[string]any) {
	self.handlerMutex.Lock()
	defer self.handlerMutex.Unlock()
	self.applyProperties(name, update)
}

func (self *Server) Topics() []*Topic {
	return self.registry.Topics()
}

func (self *Server) AddTopicCallback(callback TopicChangeFunction) func() {
	callbackId := self.topicCallbacks.Add(callback)
	return func() {
		self.topicCallbacks.Remove(callbackId)
	}
}

func (self *Server) AddValueCallback(callback ValueChangeFunction) func() {
	callbackId := self.valueCallbacks.Add(callback)
	return func() {
		self.valueCallbacks.Remove(callbackId)
	}
}
