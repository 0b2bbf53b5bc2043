package nt4

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func(int)]()

	got := []int{}
	id1 := callbacks.Add(func(v int) {
		got = append(got, v)
	})
	id2 := callbacks.Add(func(v int) {
		got = append(got, v*10)
	})

	for _, callback := range callbacks.Get() {
		callback(1)
	}
	// invoked in add order
	assert.Equal(t, []int{1, 10}, got)

	callbacks.Remove(id1)
	assert.Equal(t, 1, callbacks.Count())

	got = nil
	for _, callback := range callbacks.Get() {
		callback(2)
	}
	assert.Equal(t, []int{20}, got)

	callbacks.Remove(id2)
	callbacks.Remove(id2)
	assert.Equal(t, 0, callbacks.Count())
}

func TestReconnectCountsFromCreation(t *testing.T) {
	reconnect := NewReconnect(50 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	<-reconnect.After()
	elapsed := time.Since(start)
	// most of the delay was already spent
	assert.Equal(t, true, elapsed < 50*time.Millisecond)
}
