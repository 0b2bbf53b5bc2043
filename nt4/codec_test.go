package nt4

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestSelectProtocol(t *testing.T) {
	protocol, ok := SelectProtocol([]string{ProtocolLegacy, ProtocolV41})
	assert.Equal(t, true, ok)
	assert.Equal(t, ProtocolV41, protocol)

	protocol, ok = SelectProtocol([]string{ProtocolLegacy})
	assert.Equal(t, true, ok)
	assert.Equal(t, ProtocolLegacy, protocol)

	_, ok = SelectProtocol([]string{"mqtt"})
	assert.Equal(t, false, ok)

	_, ok = SelectProtocol(nil)
	assert.Equal(t, false, ok)
}

func TestControlRoundTrip(t *testing.T) {
	pubuid := 7
	allParams := []any{
		&PublishParams{Name: "/x", Type: "double", Pubuid: 3},
		&UnpublishParams{Pubuid: 3},
		&SubscribeParams{
			Subuid: 1,
			Topics: []TopicSelector{
				NameSelector("/x"),
				PrefixSelector("/a"),
				AllSelector(),
			},
			Options: SubscriptionOptions{PrefixMatch: true, Immediate: true, Periodic: 0.25},
		},
		&UnsubscribeParams{Subuid: 1},
		&SetPropertiesParams{Name: "/x", Update: map[string]any{"persistent": true}},
		&AnnounceParams{
			Name:       "/x",
			Id:         4,
			Type:       "double",
			Properties: map[string]any{},
			Pubuid:     &pubuid,
		},
		&UnannounceParams{Name: "/x", Id: 4},
		&PropertiesParams{Name: "/x", Properties: map[string]any{"retained": true}},
		&ErrorParams{For: "publish", Reason: "type mismatch"},
	}

	data, err := EncodeControlBatch(allParams...)
	assert.Equal(t, nil, err)

	messages, err := DecodeControlBatch(data)
	assert.Equal(t, nil, err)
	assert.Equal(t, len(allParams), len(messages))

	for i, message := range messages {
		params, err := FromControl(message)
		assert.Equal(t, nil, err)
		assert.Equal(t, allParams[i], params)
	}
}

func TestControlUnknownMethod(t *testing.T) {
	messages, err := DecodeControlBatch([]byte(`[{"method":"bogus","params":{}}]`))
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(messages))
	_, err = FromControl(messages[0])
	assert.NotEqual(t, nil, err)
}

func TestControlBadFrame(t *testing.T) {
	_, err := DecodeControlBatch([]byte(`{"method":"publish"}`))
	assert.NotEqual(t, nil, err)
	_, err = DecodeControlBatch([]byte(`not json`))
	assert.NotEqual(t, nil, err)
}

func TestTopicSelectorJson(t *testing.T) {
	var selector TopicSelector

	assert.Equal(t, nil, json.Unmarshal([]byte(`"/x"`), &selector))
	assert.Equal(t, TopicSelector{Name: "/x"}, selector)

	assert.Equal(t, nil, json.Unmarshal([]byte(`{"prefix":"/a"}`), &selector))
	assert.Equal(t, TopicSelector{Prefix: "/a", IsPrefix: true}, selector)

	assert.Equal(t, nil, json.Unmarshal([]byte(`{"all":true}`), &selector))
	assert.Equal(t, TopicSelector{All: true}, selector)

	assert.NotEqual(t, nil, json.Unmarshal([]byte(`42`), &selector))
	assert.NotEqual(t, nil, json.Unmarshal([]byte(`{"other":1}`), &selector))
}

func TestValueFrameRoundTrip(t *testing.T) {
	frames := []ValueFrame{
		{TopicId: 1, Value: BooleanValue(true, 100)},
		{TopicId: 2, Value: DoubleValue(3.14, 101)},
		{TopicId: 3, Value: IntValue(-42, 102)},
		{TopicId: 4, Value: FloatValue(1.5, 103)},
		{TopicId: 5, Value: StringValue("héllo", 104)},
		{TopicId: 6, Value: RawValue([]byte{0, 1, 2, 255}, 105)},
		{TopicId: 7, Value: BooleanArrayValue([]bool{true, false, true}, 106)},
		{TopicId: 8, Value: DoubleArrayValue([]float64{0.5, -0.25}, 107)},
		{TopicId: 9, Value: IntArrayValue([]int64{1, -2, 3}, 108)},
		{TopicId: 10, Value: FloatArrayValue([]float32{2.5, -0.5}, 109)},
		{TopicId: 11, Value: StringArrayValue([]string{"a", "", "c"}, 110)},
	}

	for _, frame := range frames {
		data, err := EncodeValueFrames(frame)
		assert.Equal(t, nil, err)

		decoded, err := DecodeValueFrames(data)
		assert.Equal(t, nil, err)
		assert.Equal(t, 1, len(decoded))
		assert.Equal(t, frame.TopicId, decoded[0].TopicId)
		assert.Equal(t, frame.Value.Type, decoded[0].Value.Type)
		assert.Equal(t, frame.Value.Timestamp, decoded[0].Value.Timestamp)
		assert.Equal(t, true, frame.Value.PayloadEqual(decoded[0].Value))
	}
}

func TestValueFrameEmptyArrays(t *testing.T) {
	frames := []ValueFrame{
		{TopicId: 1, Value: BooleanArrayValue([]bool{}, 1)},
		{TopicId: 2, Value: DoubleArrayValue([]float64{}, 2)},
		{TopicId: 3, Value: IntArrayValue([]int64{}, 3)},
		{TopicId: 4, Value: StringArrayValue([]string{}, 4)},
		{TopicId: 5, Value: RawValue([]byte{}, 5)},
	}

	data, err := EncodeValueFrames(frames...)
	assert.Equal(t, nil, err)

	decoded, err := DecodeValueFrames(data)
	assert.Equal(t, nil, err)
	assert.Equal(t, len(frames), len(decoded))
	for i, frame := range decoded {
		assert.Equal(t, frames[i].TopicId, frame.TopicId)
		assert.Equal(t, frames[i].Value.Type, frame.Value.Type)
		assert.Equal(t, true, frames[i].Value.PayloadEqual(frame.Value))
	}
}

func TestValueFrameConcatenated(t *testing.T) {
	// multiple frames in one binary message
	data, err := EncodeValueFrames(
		ValueFrame{TopicId: 1, Value: DoubleValue(1.0, 10)},
		ValueFrame{TopicId: 2, Value: DoubleValue(2.0, 20)},
		ValueFrame{TopicId: 1, Value: DoubleValue(3.0, 30)},
	)
	assert.Equal(t, nil, err)

	decoded, err := DecodeValueFrames(data)
	assert.Equal(t, nil, err)
	assert.Equal(t, 3, len(decoded))
	assert.Equal(t, int64(1), decoded[0].TopicId)
	assert.Equal(t, 3.0, decoded[2].Value.Double)
}

func TestValueFrameTimeSyncId(t *testing.T) {
	data, err := EncodeValueFrames(ValueFrame{
		TopicId: TimeSyncTopicId,
		Value:   IntValue(123456, 789),
	})
	assert.Equal(t, nil, err)

	decoded, err := DecodeValueFrames(data)
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(TimeSyncTopicId), decoded[0].TopicId)
	assert.Equal(t, int64(123456), decoded[0].Value.Int)
	assert.Equal(t, int64(789), decoded[0].Value.Timestamp)
}

func TestValueFrameBadData(t *testing.T) {
	_, err := DecodeValueFrames([]byte{0xc1})
	assert.NotEqual(t, nil, err)

	frames, err := DecodeValueFrames([]byte{})
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(frames))
}
