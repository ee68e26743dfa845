package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicFanOut(t *testing.T) {
	topic := NewTopic[int]()

	first := topic.Subscribe()
	defer first.Done()
	second := topic.Subscribe()
	defer second.Done()

	topic.Publish(42)

	for _, subscriber := range []*Subscriber[int]{first, second} {
		select {
		case value := <-subscriber.Recv():
			assert.Equal(t, 42, value)
		case <-time.After(time.Second):
			t.Fatal("subscriber never received")
		}
	}
}

func TestTopicNoSubscribers(t *testing.T) {
	topic := NewTopic[string]()
	// Publishing into the void must not block.
	topic.Publish("nobody home")
}

func TestSubscriberDone(t *testing.T) {
	topic := NewTopic[int]()

	subscriber := topic.Subscribe()
	topic.Publish(1)
	subscriber.Done()
	topic.Publish(2)

	// The value buffered before Done stays readable; later publishes do
	// not arrive.
	select {
	case value := <-subscriber.Recv():
		assert.Equal(t, 1, value)
	case <-time.After(time.Second):
		t.Fatal("buffered value lost")
	}

	select {
	case value := <-subscriber.Recv():
		t.Fatalf("received %d after Done", value)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSlowSubscriberLosesOldest(t *testing.T) {
	topic := NewTopic[int]()
	subscriber := topic.Subscribe()
	defer subscriber.Done()

	// Overfill the buffer without draining.
	for i := 0; i < subscriberBuffer+4; i++ {
		topic.Publish(i)
	}

	first := <-subscriber.Recv()
	assert.Equal(t, 4, first)

	received := []int{first}
	for len(received) < subscriberBuffer {
		received = append(received, <-subscriber.Recv())
	}
	// The newest value always survives.
	require.Equal(t, subscriberBuffer+3, received[len(received)-1])
}
