package nt4

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/exp/slices"
)

// websocket sub-protocol identifiers, newest first
const (
	ProtocolV41    = "v4.1.networktables.first.wpi.edu"
	ProtocolLegacy = "networktables.first.wpi.edu"
)

var SupportedProtocols = []string{ProtocolV41, ProtocolLegacy}

// picks the highest mutually supported sub-protocol.
// false when the peer offered none of the supported identifiers.
func SelectProtocol(offered []string) (string, bool) {
	for _, protocol := range SupportedProtocols {
		if slices.Contains(offered, protocol) {
			return protocol, true
		}
	}
	return "", false
}

const (
	MethodPublish       = "publish"
	MethodUnpublish     = "unpublish"
	MethodSubscribe     = "subscribe"
	MethodUnsubscribe   = "unsubscribe"
	MethodSetProperties = "setproperties"
	MethodAnnounce      = "announce"
	MethodUnannounce    = "unannounce"
	MethodProperties    = "properties"
	MethodError         = "error"
)

type PublishParams struct {
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Pubuid     int            `json:"pubuid"`
	Properties map[string]any `json:"properties,omitempty"`
}

type UnpublishParams struct {
	Pubuid int `json:"pubuid"`
}

type SubscribeParams struct {
	Subuid  int                 `json:"subuid"`
	Topics  []TopicSelector     `json:"topics"`
	Options SubscriptionOptions `json:"options"`
}

type UnsubscribeParams struct {
	Subuid int `json:"subuid"`
}

type SetPropertiesParams struct {
	Name   string         `json:"name"`
	Update map[string]any `json:"update"`
}

type AnnounceParams struct {
	Name       string         `json:"name"`
	Id         int64          `json:"id"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	// set only on the announce sent to the publishing peer
	Pubuid *int `json:"pubuid,omitempty"`
}

type UnannounceParams struct {
	Name string `json:"name"`
	Id   int64  `json:"id"`
}

// carries the full resulting property map, not the patch
type PropertiesParams struct {
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties"`
}

type ErrorParams struct {
	For    string `json:"for"`
	Reason string `json:"reason"`
}

// a selector is one of: an exact/prefix string, an explicit {prefix} object,
// or {all:true}
type TopicSelector struct {
	Name     string
	Prefix   string
	IsPrefix bool
	All      bool
}

func NameSelector(name string) TopicSelector {
	return TopicSelector{Name: name}
}

func PrefixSelector(prefix string) TopicSelector {
	return TopicSelector{Prefix: prefix, IsPrefix: true}
}

func AllSelector() TopicSelector {
	return TopicSelector{All: true}
}

func (self TopicSelector) MarshalJSON() ([]byte, error) {
	if self.All {
		return json.Marshal(map[string]bool{"all": true})
	}
	if self.IsPrefix {
		return json.Marshal(map[string]string{"prefix": self.Prefix})
	}
	return json.Marshal(self.Name)
}

func (self *TopicSelector) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*self = TopicSelector{Name: name}
		return nil
	}
	var obj struct {
		Prefix *string `json:"prefix"`
		All    bool    `json:"all"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("Bad topic selector: %s", string(data))
	}
	if obj.All {
		*self = TopicSelector{All: true}
		return nil
	}
	if obj.Prefix != nil {
		*self = TopicSelector{Prefix: *obj.Prefix, IsPrefix: true}
		return nil
	}
	return fmt.Errorf("Bad topic selector: %s", string(data))
}

type SubscriptionOptions struct {
	// treat string selectors as prefixes instead of exact names
	PrefixMatch bool `json:"prefixMatch,omitempty"`
	// push current values at subscribe time
	Immediate bool `json:"immediate,omitempty"`
	// accepted alias for immediate
	SendAll bool `json:"sendAll,omitempty"`
	// suggested push interval in seconds. advisory.
	Periodic float64 `json:"periodic,omitempty"`
}

func (self SubscriptionOptions) WantsImmediate() bool {
	return self.Immediate || self.SendAll
}

type ControlMessage struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func ToControl(params any) (ControlMessage, error) {
	var method string
	switch params.(type) {
	case *PublishParams:
		method = MethodPublish
	case *UnpublishParams:
		method = MethodUnpublish
	case *SubscribeParams:
		method = MethodSubscribe
	case *UnsubscribeParams:
		method = MethodUnsubscribe
	case *SetPropertiesParams:
		method = MethodSetProperties
	case *AnnounceParams:
		method = MethodAnnounce
	case *UnannounceParams:
		method = MethodUnannounce
	case *PropertiesParams:
		method = MethodProperties
	case *ErrorParams:
		method = MethodError
	default:
		return ControlMessage{}, fmt.Errorf("Unknown control params type: %T", params)
	}
	b, err := json.Marshal(params)
	if err != nil {
		return ControlMessage{}, err
	}
	return ControlMessage{
		Method: method,
		Params: b,
	}, nil
}

func FromControl(message ControlMessage) (any, error) {
	var params any
	switch message.Method {
	case MethodPublish:
		params = &PublishParams{}
	case MethodUnpublish:
		params = &UnpublishParams{}
	case MethodSubscribe:
		params = &SubscribeParams{}
	case MethodUnsubscribe:
		params = &UnsubscribeParams{}
	case MethodSetProperties:
		params = &SetPropertiesParams{}
	case MethodAnnounce:
		params = &AnnounceParams{}
	case MethodUnannounce:
		params = &UnannounceParams{}
	case MethodProperties:
		params = &PropertiesParams{}
	case MethodError:
		params = &ErrorParams{}
	default:
		return nil, fmt.Errorf("Unknown control method: %s", message.Method)
	}
	if err := json.Unmarshal(message.Params, params); err != nil {
		return nil, fmt.Errorf("Bad %s params: %s", message.Method, err)
	}
	return params, nil
}

// each text frame carries a json array of control messages
func EncodeControlBatch(allParams ...any) ([]byte, error) {
	messages := make([]ControlMessage, 0, len(allParams))
	for _, params := range allParams {
		message, err := ToControl(params)
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	return json.Marshal(messages)
}

func DecodeControlBatch(data []byte) ([]ControlMessage, error) {
	var messages []ControlMessage
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("Bad control frame: %s", err)
	}
	return messages, nil
}

// topic id of timestamp sync probes
const TimeSyncTopicId = -1

type ValueFrame struct {
	TopicId int64
	Value   Value
}

// binary frames are msgpack arrays [id, timestampMicros, typeTag, payload].
// multiple frames may be concatenated in a single websocket binary message.
func EncodeValueFrames(frames ...ValueFrame) ([]byte, error) {
	buf := &bytes.Buffer{}
	encoder := msgpack.NewEncoder(buf)
	for _, frame := range frames {
		if err := encodeValueFrame(encoder, frame); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func encodeValueFrame(encoder *msgpack.Encoder, frame ValueFrame) error {
	if err := encoder.EncodeArrayLen(4); err != nil {
		return err
	}
	if err := encoder.EncodeInt(frame.TopicId); err != nil {
		return err
	}
	if err := encoder.EncodeUint(uint64(frame.Value.Timestamp)); err != nil {
		return err
	}
	if err := encoder.EncodeInt(int64(frame.Value.Type)); err != nil {
		return err
	}
	value := frame.Value
	switch value.Type {
	case ValueTypeBoolean:
		return encoder.EncodeBool(value.Bool)
	case ValueTypeDouble:
		return encoder.EncodeFloat64(value.Double)
	case ValueTypeFloat:
		return encoder.EncodeFloat32(float32(value.Double))
	case ValueTypeInt:
		return encoder.EncodeInt(value.Int)
	case ValueTypeString:
		return encoder.EncodeString(value.Str)
	case ValueTypeRaw:
		return encoder.EncodeBytes(value.Raw)
	case ValueTypeBooleanArray:
		if err := encoder.EncodeArrayLen(len(value.Bools)); err != nil {
			return err
		}
		for _, v := range value.Bools {
			if err := encoder.EncodeBool(v); err != nil {
				return err
			}
		}
		return nil
	case ValueTypeDoubleArray, ValueTypeFloatArray:
		if err := encoder.EncodeArrayLen(len(value.Doubles)); err != nil {
			return err
		}
		for _, v := range value.Doubles {
			if value.Type == ValueTypeFloatArray {
				if err := encoder.EncodeFloat32(float32(v)); err != nil {
					return err
				}
			} else {
				if err := encoder.EncodeFloat64(v); err != nil {
					return err
				}
			}
		}
		return nil
	case ValueTypeIntArray:
		if err := encoder.EncodeArrayLen(len(value.Ints)); err != nil {
			return err
		}
		for _, v := range value.Ints {
			if err := encoder.EncodeInt(v); err != nil {
				return err
			}
		}
		return nil
	case ValueTypeStringArray:
		if err := encoder.EncodeArrayLen(len(value.Strs)); err != nil {
			return err
		}
		for _, v := range value.Strs {
			if err := encoder.EncodeString(v); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("Unknown value type: %d", int(value.Type))
	}
}

func DecodeValueFrames(data []byte) ([]ValueFrame, error) {
	decoder := msgpack.NewDecoder(bytes.NewReader(data))
	var frames []ValueFrame
	for {
		frame, err := decodeValueFrame(decoder)
		if err == io.EOF {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		frames = append(frames, frame)
	}
}

func decodeValueFrame(decoder *msgpack.Decoder) (ValueFrame, error) {
	n, err := decoder.DecodeArrayLen()
	if err != nil {
		// io.EOF here means a clean end of the message
		return ValueFrame{}, err
	}
	if n != 4 {
		return ValueFrame{}, fmt.Errorf("Bad value frame length: %d", n)
	}
	topicId, err := decoder.DecodeInt64()
	if err != nil {
		return ValueFrame{}, err
	}
	timestamp, err := decoder.DecodeUint64()
	if err != nil {
		return ValueFrame{}, err
	}
	typeTag, err := decoder.DecodeInt64()
	if err != nil {
		return ValueFrame{}, err
	}
	value := Value{
		Type:      ValueType(typeTag),
		Timestamp: int64(timestamp),
	}
	switch value.Type {
	case ValueTypeBoolean:
		value.Bool, err = decoder.DecodeBool()
	case ValueTypeDouble, ValueTypeFloat:
		value.Double, err = decoder.DecodeFloat64()
	case ValueTypeInt:
		value.Int, err = decoder.DecodeInt64()
	case ValueTypeString:
		value.Str, err = decoder.DecodeString()
	case ValueTypeRaw:
		value.Raw, err = decoder.DecodeBytes()
		if value.Raw == nil {
			value.Raw = []byte{}
		}
	case ValueTypeBooleanArray:
		var n int
		n, err = decoder.DecodeArrayLen()
		if err != nil {
			break
		}
		value.Bools = make([]bool, n)
		for i := 0; i < n && err == nil; i += 1 {
			value.Bools[i], err = decoder.DecodeBool()
		}
	case ValueTypeDoubleArray, ValueTypeFloatArray:
		var n int
		n, err = decoder.DecodeArrayLen()
		if err != nil {
			break
		}
		value.Doubles = make([]float64, n)
		for i := 0; i < n && err == nil; i += 1 {
			value.Doubles[i], err = decoder.DecodeFloat64()
		}
	case ValueTypeIntArray:
		var n int
		n, err = decoder.DecodeArrayLen()
		if err != nil {
			break
		}
		value.Ints = make([]int64, n)
		for i := 0; i < n && err == nil; i += 1 {
			value.Ints[i], err = decoder.DecodeInt64()
		}
	case ValueTypeStringArray:
		var n int
		n, err = decoder.DecodeArrayLen()
		if err != nil {
			break
		}
		value.Strs = make([]string, n)
		for i := 0; i < n && err == nil; i += 1 {
			value.Strs[i], err = decoder.DecodeString()
		}
	default:
		return ValueFrame{}, fmt.Errorf("Unknown value type tag: %d", typeTag)
	}
	if err != nil {
		return ValueFrame{}, err
	}
	return ValueFrame{
		TopicId: topicId,
		Value:   value,
	}, nil
}
