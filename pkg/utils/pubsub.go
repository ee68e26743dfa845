package utils

import (
	"github.com/sasha-s/go-deadlock"
)

const subscriberBuffer = 16

// Topic is a typed publish/subscribe channel. Subscribers receive every
// value published after they subscribed; a subscriber that falls more than
// subscriberBuffer values behind starts losing the oldest ones, since all
// state-bearing traffic in this codebase is last-write-wins.
type Topic[T any] struct {
	subscribers map[chan T]struct{}
	mutex       deadlock.Mutex
}

func NewTopic[T any]() *Topic[T] {
	return &Topic[T]{
		subscribers: make(map[chan T]struct{}),
	}
}

func (t *Topic[T]) Publish(value T) {
	t.mutex.Lock()
	for subscriber := range t.subscribers {
		select {
		case subscriber <- value:
		default:
			// Make room by dropping the oldest value.
			select {
			case <-subscriber:
			default:
			}
			select {
			case subscriber <- value:
			default:
			}
		}
	}
	t.mutex.Unlock()
}

type Subscriber[T any] struct {
	channel chan T
	topic   *Topic[T]
}

func (t *Topic[T]) Subscribe() *Subscriber[T] {
	channel := make(chan T, subscriberBuffer)
	t.mutex.Lock()
	t.subscribers[channel] = struct{}{}
	t.mutex.Unlock()

	return &Subscriber[T]{channel, t}
}

func (s *Subscriber[T]) Recv() <-chan T {
	return s.channel
}

// Done unsubscribes s from its topic. Values already buffered remain
// readable from Recv.
func (s *Subscriber[T]) Done() {
	topic := s.topic
	topic.mutex.Lock()
	delete(topic.subscribers, s.channel)
	topic.mutex.Unlock()
}
