package nt4

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"
)

type outbound struct {
	messageType int
	data        []byte
}

// server-side state for one connected peer.
// control messages go through the send channel and are written immediately.
// value updates are coalesced per topic and flushed on the peer's advisory
// interval, except immediate backfill which bypasses the batch.
type peerConn struct {
	ctx    context.Context
	cancel context.CancelFunc

	id       Id
	number   int
	ws       *websocket.Conn
	protocol string

	settings *ServerSettings

	send chan outbound

	mutex         sync.Mutex
	pendingValues map[int64]Value
	flushInterval time.Duration

	// topic ids this peer has received an announce for.
	// guarded by the server's handler lock, not the conn mutex.
	announced map[int64]bool
}

func newPeerConn(
	ctx context.Context,
	id Id,
	number int,
	ws *websocket.Conn,
	settings *ServerSettings,
) *peerConn {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &peerConn{
		ctx:           cancelCtx,
		cancel:        cancel,
		id:            id,
		number:        number,
		ws:            ws,
		protocol:      ws.Subprotocol(),
		settings:      settings,
		send:          make(chan outbound, settings.SendBufferSize),
		pendingValues: map[int64]Value{},
		flushInterval: settings.FlushInterval,
		announced:     map[int64]bool{},
	}
}

func (self *peerConn) SendControl(allParams ...any) {
	data, err := EncodeControlBatch(allParams...)
	if err != nil {
		glog.Infof("[s]%d-> control encode error = %s\n", self.number, err)
		return
	}
	self.sendRaw(outbound{messageType: websocket.TextMessage, data: data})
}

// bypasses batching. used for subscribe-time backfill and time sync replies.
func (self *peerConn) SendValueNow(frames ...ValueFrame) {
	data, err := EncodeValueFrames(frames...)
	if err != nil {
		glog.Infof("[s]%d-> value encode error = %s\n", self.number, err)
		return
	}
	self.sendRaw(outbound{messageType: websocket.BinaryMessage, data: data})
}

func (self *peerConn) sendRaw(out outbound) {
	select {
	case <-self.ctx.Done():
	case self.send <- out:
	case <-time.After(self.settings.WriteTimeout):
		// a peer that cannot drain control traffic is broken. drop it.
		glog.Infof("[s]%d-> backpressure, closing\n", self.number)
		self.cancel()
	}
}

func (self *peerConn) EnqueueValue(topicId int64, value Value) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.pendingValues[topicId] = value
}

func (self *peerConn) SetFlushInterval(flushInterval time.Duration) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.flushInterval = flushInterval
}

func (self *peerConn) takePending() ([]ValueFrame, time.Duration) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if len(self.pendingValues) == 0 {
		return nil, self.flushInterval
	}
	frames := make([]ValueFrame, 0, len(self.pendingValues))
	for _, topicId := range maps.Keys(self.pendingValues) {
		frames = append(frames, ValueFrame{
			TopicId: topicId,
			Value:   self.pendingValues[topicId],
		})
	}
	maps.Clear(self.pendingValues)
	return frames, self.flushInterval
}

// write pump. owns all writes to the websocket.
func (self *peerConn) runWriter() {
	defer self.cancel()

	lastWrite := time.Now()
	for {
		self.mutex.Lock()
		flushInterval := self.flushInterval
		self.mutex.Unlock()

		select {
		case <-self.ctx.Done():
			return
		case out, ok := <-self.send:
			if !ok {
				return
			}
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(out.messageType, out.data); err != nil {
				glog.Infof("[s]%d-> error = %s\n", self.number, err)
				return
			}
			lastWrite = time.Now()
			glog.V(2).Infof("[s]%d->\n", self.number)
		case <-time.After(flushInterval):
			frames, _ := self.takePending()
			if 0 < len(frames) {
				data, err := EncodeValueFrames(frames...)
				if err != nil {
					glog.Infof("[s]%d-> value encode error = %s\n", self.number, err)
					continue
				}
				self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := self.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
					glog.Infof("[s]%d-> error = %s\n", self.number, err)
					return
				}
				lastWrite = time.Now()
			} else if self.settings.PingTimeout <= time.Since(lastWrite) {
				self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := self.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
				lastWrite = time.Now()
			}
		}
	}
}

func (self *peerConn) Close() {
	self.cancel()
}
