package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBus_PublishInOrder(t *testing.T) {
	bus := NewBus[int]()

	var got []string
	bus.Subscribe(func(v int) { got = append(got, "a") })
	bus.Subscribe(func(v int) { got = append(got, "b") })

	bus.Publish(1)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus[string]()

	var count int
	unsub := bus.Subscribe(func(string) { count++ })
	bus.Publish("x")
	unsub()
	unsub()
	bus.Publish("y")

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, bus.Len())
}

func TestBus_UnsubscribeDuringPublish(t *testing.T) {
	bus := NewBus[int]()

	var unsub func()
	var calls int
	unsub = bus.Subscribe(func(int) {
		calls++
		unsub()
	})

	bus.Publish(1)
	bus.Publish(2)
	assert.Equal(t, 1, calls)
}
