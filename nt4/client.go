package nt4

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type ClientSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	TimeSyncInterval   time.Duration
	SendBufferSize     int
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   1 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		TimeSyncInterval:   5 * time.Second,
		SendBufferSize:     32,
	}
}

// a publish owned by this client. the topic id is zero until the
// coordinator's announce binds the pubuid to an id.
type clientPublish struct {
	pubuid     int
	name       string
	valueType  ValueType
	properties map[string]any
	topicId    int64
	// latest value queued while unbound or disconnected
	pending *Value
}

type clientSubscription struct {
	subuid    int
	selectors []TopicSelector
	options   SubscriptionOptions
}

// client role. maintains a local mirror of announced topics, reconciles its
// own publishes and subscriptions against the coordinator on every
// (re)connect, and serves last-known-good values while disconnected.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	url  string
	name string

	settings *ClientSettings

	mutex         sync.Mutex
	connected     bool
	send          chan outbound
	connCtx       context.Context
	topicsByName  map[string]*Topic
	topicsById    map[int64]*Topic
	lastValues    map[string]Value
	publishes     map[int]*clientPublish
	subscriptions map[int]*clientSubscription
	nextPubuid    int
	nextSubuid    int

	serverTimeOffset int64
	rtt              int64
	timeSynced       bool

	topicCallbacks      *CallbackList[TopicChangeFunction]
	valueCallbacks      *CallbackList[ValueChangeFunction]
	connectionCallbacks *CallbackList[ConnectionChangeFunction]
}

func NewClientWithDefaults(ctx context.Context, url string, name string) *Client {
	return NewClient(ctx, url, name, DefaultClientSettings())
}

// url is the server base, e.g. "ws://10.0.0.2:5810". the client identity
// is appended to the connection path.
func NewClient(ctx context.Context, url string, name string, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	client := &Client{
		ctx:                 cancelCtx,
		cancel:              cancel,
		url:                 url,
		name:                name,
		settings:            settings,
		topicsByName:        map[string]*Topic{},
		topicsById:          map[int64]*Topic{},
		lastValues:          map[string]Value{},
		publishes:           map[int]*clientPublish{},
		subscriptions:       map[int]*clientSubscription{},
		nextPubuid:          1,
		nextSubuid:          1,
		topicCallbacks:      NewCallbackList[TopicChangeFunction](),
		valueCallbacks:      NewCallbackList[ValueChangeFunction](),
		connectionCallbacks: NewCallbackList[ConnectionChangeFunction](),
	}
	go client.run()
	return client
}

// connect loop. retries with a fixed delay measured from the start of each
// attempt, cancellable via Close.
func (self *Client) run() {
	defer self.cancel()

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)

		ws, err := self.connect()
		if err != nil {
			glog.V(1).Infof("[c]%s connect error = %s\n", self.name, err)
		} else {
			self.runConn(ws)
		}

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *Client) connect() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
		Subprotocols:     SupportedProtocols,
	}
	url := strings.TrimSuffix(self.url, "/") + "/nt/" + self.name
	ws, _, err := dialer.DialContext(self.ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if ws.Subprotocol() == "" {
		ws.Close()
		return nil, fmt.Errorf("Server selected no sub-protocol.")
	}
	return ws, nil
}

func (self *Client) runConn(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	send := make(chan outbound, self.settings.SendBufferSize)

	glog.V(1).Infof("[c]%s connected (%s)\n", self.name, ws.Subprotocol())

	// mark connected and enqueue the replay before the pumps start so that
	// nothing sent at attach time is dropped
	self.attach(handleCtx, send)

	// writer
	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case out, ok := <-send:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(out.messageType, out.data); err != nil {
					glog.V(1).Infof("[c]%s-> error = %s\n", self.name, err)
					return
				}
				glog.V(2).Infof("[c]%s->\n", self.name)
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// reader
	go func() {
		defer handleCancel()

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		ws.SetPongHandler(func(string) error {
			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			return nil
		})
		ws.SetPingHandler(func(appData string) error {
			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			return ws.WriteControl(
				websocket.PongMessage,
				[]byte(appData),
				time.Now().Add(self.settings.WriteTimeout),
			)
		})

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				glog.V(1).Infof("[c]%s<- error = %s\n", self.name, err)
				return
			}

			switch messageType {
			case websocket.TextMessage:
				self.handleServerControl(message)
			case websocket.BinaryMessage:
				self.handleServerBinary(message)
			}
		}
	}()

	// time sync
	go func() {
		for {
			self.sendTimeSync()
			select {
			case <-handleCtx.Done():
				return
			case <-time.After(self.settings.TimeSyncInterval):
			}
		}
	}()

	for _, callback := range self.connectionCallbacks.Get() {
		callback(true)
	}

	<-handleCtx.Done()

	self.detach(send)

	for _, callback := range self.connectionCallbacks.Get() {
		callback(false)
	}
}

// marks connected and replays owned publishes and subscriptions.
// topic ids are session-scoped, so all bindings start unknown.
func (self *Client) attach(connCtx context.Context, send chan outbound) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.connected = true
	self.connCtx = connCtx
	self.send = send

	replay := []any{}
	for _, publish := range self.publishes {
		publish.topicId = 0
		replay = append(replay, &PublishParams{
			Name:       publish.name,
			Type:       publish.valueType.String(),
			Pubuid:     publish.pubuid,
			Properties: publish.properties,
		})
	}
	for _, subscription := range self.subscriptions {
		replay = append(replay, &SubscribeParams{
			Subuid:  subscription.subuid,
			Topics:  subscription.selectors,
			Options: subscription.options,
		})
	}
	if 0 < len(replay) {
		self.sendControlLocked(replay...)
	}
}

// drops the session mirror but keeps last-known-good values for reads
func (self *Client) detach(send chan outbound) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.send != send {
		return
	}
	self.connected = false
	self.send = nil
	self.connCtx = nil
	self.topicsByName = map[string]*Topic{}
	self.topicsById = map[int64]*Topic{}
	self.timeSynced = false
}

func (self *Client) sendControlLocked(allParams ...any) {
	data, err := EncodeControlBatch(allParams...)
	if err != nil {
		glog.Infof("[c]%s-> control encode error = %s\n", self.name, err)
		return
	}
	self.sendOutboundLocked(outbound{messageType: websocket.TextMessage, data: data})
}

func (self *Client) sendValueLocked(frames ...ValueFrame) {
	data, err := EncodeValueFrames(frames...)
	if err != nil {
		glog.Infof("[c]%s-> value encode error = %s\n", self.name, err)
		return
	}
	self.sendOutboundLocked(outbound{messageType: websocket.BinaryMessage, data: data})
}

// requires self.mutex held. non-blocking toward the connection pump.
func (self *Client) sendOutboundLocked(out outbound) {
	if self.send == nil {
		return
	}
	select {
	case self.send <- out:
	case <-self.connCtx.Done():
	default:
		// the pump is saturated. drop rather than block the caller.
		glog.Infof("[c]%s-> backpressure, dropped\n", self.name)
	}
}

func (self *Client) sendTimeSync() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.sendValueLocked(ValueFrame{
		TopicId: TimeSyncTopicId,
		Value:   IntValue(NowMicros(), 0),
	})
}

func (self *Client) handleServerControl(data []byte) {
	messages, err := DecodeControlBatch(data)
	if err != nil {
		glog.V(1).Infof("[c]%s<- bad control frame = %s\n", self.name, err)
		self.mutex.Lock()
		self.sendControlLocked(&ErrorParams{For: "control", Reason: err.Error()})
		self.mutex.Unlock()
		return
	}

	for _, message := range messages {
		params, err := FromControl(message)
		if err != nil {
			self.mutex.Lock()
			self.sendControlLocked(&ErrorParams{For: message.Method, Reason: err.Error()})
			self.mutex.Unlock()
			continue
		}

		switch p := params.(type) {
		case *AnnounceParams:
			self.handleAnnounce(p)
		case *UnannounceParams:
			self.handleUnannounce(p)
		case *PropertiesParams:
			self.handleProperties(p)
		case *ErrorParams:
			glog.Infof("[c]%s<- error for %s: %s\n", self.name, p.For, p.Reason)
		default:
			self.mutex.Lock()
			self.sendControlLocked(&ErrorParams{
				For:    message.Method,
				Reason: fmt.Sprintf("Method not valid toward a client: %s", message.Method),
			})
			self.mutex.Unlock()
		}
	}
}

func (self *Client) handleAnnounce(params *AnnounceParams) {
	valueType, err := ParseValueType(params.Type)
	if err != nil {
		glog.Infof("[c]%s<- announce with unknown type %s\n", self.name, params.Type)
		return
	}

	self.mutex.Lock()
	topic, known := self.topicsById[params.Id]
	if !known {
		topic = &Topic{
			Id:         params.Id,
			Name:       params.Name,
			Type:       valueType,
			Properties: copyProperties(params.Properties),
		}
		self.topicsById[topic.Id] = topic
		self.topicsByName[topic.Name] = topic
	}

	// bind the pubuid to the assigned topic id and flush any queued value
	var flush *ValueFrame
	if params.Pubuid != nil {
		if publish, ok := self.publishes[*params.Pubuid]; ok {
			publish.topicId = params.Id
			if publish.pending != nil {
				flush = &ValueFrame{TopicId: params.Id, Value: *publish.pending}
				publish.pending = nil
			}
		}
	}
	if flush != nil {
		self.sendValueLocked(*flush)
	}
	self.mutex.Unlock()

	if !known {
		glog.V(1).Infof("[c]%s announce %s id=%d\n", self.name, topic.Name, topic.Id)
		for _, callback := range self.topicCallbacks.Get() {
			callback(topic, true)
		}
	}
}

func (self *Client) handleUnannounce(params *UnannounceParams) {
	self.mutex.Lock()
	topic, ok := self.topicsById[params.Id]
	if !ok && params.Name != "" {
		topic, ok = self.topicsByName[params.Name]
	}
	if ok {
		delete(self.topicsById, topic.Id)
		delete(self.topicsByName, topic.Name)
	}
	self.mutex.Unlock()
	if !ok {
		return
	}

	glog.V(1).Infof("[c]%s unannounce %s\n", self.name, topic.Name)
	for _, callback := range self.topicCallbacks.Get() {
		callback(topic, false)
	}
}

func (self *Client) handleProperties(params *PropertiesParams) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if topic, ok := self.topicsByName[params.Name]; ok {
		// the server broadcast carries the full resulting map
		topic.Properties = copyProperties(params.Properties)
	}
}

func (self *Client) handleServerBinary(data []byte) {
	frames, err := DecodeValueFrames(data)
	if err != nil {
		glog.V(1).Infof("[c]%s<- bad value frame = %s\n", self.name, err)
	}

	for _, frame := range frames {
		if frame.TopicId == TimeSyncTopicId {
			self.handleTimeSync(frame.Value)
			continue
		}

		self.mutex.Lock()
		topic, ok := self.topicsById[frame.TopicId]
		if !ok || topic.Type != frame.Value.Type {
			// unknown id is a benign unannounce race
			self.mutex.Unlock()
			continue
		}
		accepted := topic.store.CompareAndSet(frame.Value)
		if accepted {
			self.lastValues[topic.Name] = frame.Value
		}
		self.mutex.Unlock()

		if accepted {
			for _, callback := range self.valueCallbacks.Get() {
				callback(topic, frame.Value)
			}
		}
	}
}

// the reply carries our probe clock in the payload and the server clock in
// the timestamp. offset assumes a symmetric path.
func (self *Client) handleTimeSync(value Value) {
	if value.Type != ValueTypeInt {
		return
	}
	now := NowMicros()
	rtt := now - value.Int
	if rtt < 0 {
		return
	}
	serverTime := value.Timestamp + rtt/2

	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.rtt = rtt
	self.serverTimeOffset = serverTime - now
	self.timeSynced = true
	glog.V(2).Infof("[c]%s time sync rtt=%dus offset=%dus\n", self.name, rtt, self.serverTimeOffset)
}

// current time on the coordinator's clock, best effort
func (self *Client) ServerNow() int64 {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return NowMicros() + self.serverTimeOffset
}

// last measured round trip and clock offset. ok is false before the first
// probe completes on the current connection.
func (self *Client) TimeSync() (rtt int64, offset int64, ok bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.rtt, self.serverTimeOffset, self.timeSynced
}

func (self *Client) Connected() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.connected
}

// announced topics currently known to this client
func (self *Client) Topics() []*Topic {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	topics := make([]*Topic, 0, len(self.topicsByName))
	for _, topic := range self.topicsByName {
		topics = append(topics, topic)
	}
	return topics
}

func (self *Client) Publish(name string, valueType ValueType, properties map[string]any) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	pubuid := self.nextPubuid
	self.nextPubuid += 1
	self.publishes[pubuid] = &clientPublish{
		pubuid:     pubuid,
		name:       name,
		valueType:  valueType,
		properties: copyProperties(properties),
	}
	if self.connected {
		self.sendControlLocked(&PublishParams{
			Name:       name,
			Type:       valueType.String(),
			Pubuid:     pubuid,
			Properties: properties,
		})
	}
	return pubuid
}

func (self *Client) Unpublish(pubuid int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.publishes[pubuid]; !ok {
		return
	}
	delete(self.publishes, pubuid)
	if self.connected {
		self.sendControlLocked(&UnpublishParams{Pubuid: pubuid})
	}
}

func (self *Client) Subscribe(selectors []TopicSelector, options SubscriptionOptions) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	subuid := self.nextSubuid
	self.nextSubuid += 1
	self.subscriptions[subuid] = &clientSubscription{
		subuid:    subuid,
		selectors: selectors,
		options:   options,
	}
	if self.connected {
		self.sendControlLocked(&SubscribeParams{
			Subuid:  subuid,
			Topics:  selectors,
			Options: options,
		})
	}
	return subuid
}

func (self *Client) Unsubscribe(subuid int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.subscriptions[subuid]; !ok {
		return
	}
	delete(self.subscriptions, subuid)
	if self.connected {
		self.sendControlLocked(&UnsubscribeParams{Subuid: subuid})
	}
}

func (self *Client) SetProperties(name string, update map[string]any) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.connected {
		self.sendControlLocked(&SetPropertiesParams{Name: name, Update: update})
	}
}

// publishes a value against a pubuid. a zero timestamp is filled with the
// server-adjusted clock. the local state observes the value immediately,
// without waiting for a round trip.
func (self *Client) SetValue(pubuid int, value Value) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	publish, ok := self.publishes[pubuid]
	if !ok {
		return fmt.Errorf("Unknown pubuid: %d", pubuid)
	}
	if publish.valueType != value.Type {
		return fmt.Errorf(
			"Type mismatch for %s: have %s, value is %s",
			publish.name,
			publish.valueType,
			value.Type,
		)
	}
	if value.Timestamp == 0 {
		value.Timestamp = NowMicros() + self.serverTimeOffset
	}

	self.lastValues[publish.name] = value

	if self.connected && publish.topicId != 0 {
		self.sendValueLocked(ValueFrame{TopicId: publish.topicId, Value: value})
	} else {
		publish.pending = &value
	}
	return nil
}

// reads return the last-known-good value even while disconnected
func (self *Client) GetValue(name string) (Value, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	value, ok := self.lastValues[name]
	return value, ok
}

func (self *Client) GetBoolean(name string, defaultValue bool) bool {
	if value, ok := self.GetValue(name); ok && value.Type == ValueTypeBoolean {
		return value.Bool
	}
	return defaultValue
}

func (self *Client) GetDouble(name string, defaultValue float64) float64 {
	if value, ok := self.GetValue(name); ok &&
		(value.Type == ValueTypeDouble || value.Type == ValueTypeFloat) {
		return value.Double
	}
	return defaultValue
}

func (self *Client) GetInt(name string, defaultValue int64) int64 {
	if value, ok := self.GetValue(name); ok && value.Type == ValueTypeInt {
		return value.Int
	}
	return defaultValue
}

func (self *Client) GetString(name string, defaultValue string) string {
	if value, ok := self.GetValue(name); ok && value.Type == ValueTypeString {
		return value.Str
	}
	return defaultValue
}

func (self *Client) GetRaw(name string, defaultValue []byte) []byte {
	if value, ok := self.GetValue(name); ok && value.Type == ValueTypeRaw {
		return value.Raw
	}
	return defaultValue
}

func (self *Client) AddTopicCallback(callback TopicChangeFunction) func() {
	callbackId := self.topicCallbacks.Add(callback)
	return func() {
		self.topicCallbacks.Remove(callbackId)
	}
}

func (self *Client) AddValueCallback(callback ValueChangeFunction) func() {
	callbackId := self.valueCallbacks.Add(callback)
	return func() {
		self.valueCallbacks.Remove(callbackId)
	}
}

func (self *Client) AddConnectionCallback(callback ConnectionChangeFunction) func() {
	callbackId := self.connectionCallbacks.Add(callback)
	return func() {
		self.connectionCallbacks.Remove(callbackId)
	}
}

// stops the reconnect loop and closes any open connection
func (self *Client) Close() {
	self.cancel()
}
