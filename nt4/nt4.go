package nt4

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// shared, replicated key-value store between one coordinator (server role)
// and multiple clients over persistent websocket connections.
// control messages are json text frames, value updates are msgpack binary frames.

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

// local publishes and engine-internal state are owned by the zero id
var LocalId = Id{}

// microseconds since the unix epoch. all protocol timestamps use this resolution.
func NowMicros() int64 {
	return time.Now().UnixMicro()
}

type TopicChangeFunction = func(topic *Topic, added bool)

type ValueChangeFunction = func(topic *Topic, value Value)

type ConnectionChangeFunction = func(connected bool)
