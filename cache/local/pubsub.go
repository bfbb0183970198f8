package local

import (
	"context"
	"sync"
)

// LocalMessage is an in-process pub/sub message.
type LocalMessage struct {
	Channel string
	Payload string
}

type subscriber struct {
	ch     chan *LocalMessage
	closed bool
}

// LocalPubSub is an in-process fan-out pub/sub implementation. It only
// reaches subscribers in the same process; multi-instance deployments use
// the Redis backend.
type LocalPubSub struct {
	mu          sync.RWMutex
	subscribers map[string][]*subscriber
	bufSize     int
}

// NewPubSub creates a new LocalPubSub with the given per-subscriber buffer size.
func NewPubSub(bufSize int) *LocalPubSub {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &LocalPubSub{
		subscribers: make(map[string][]*subscriber),
		bufSize:     bufSize,
	}
}

// Publish sends a message to all subscribers of the given channel.
// Slow subscribers whose buffer is full miss the message.
func (ps *LocalPubSub) Publish(_ context.Context, channel, message string) error {
	msg := &LocalMessage{Channel: channel, Payload: message}
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	for _, s := range ps.subscribers[channel] {
		if s.closed {
			continue
		}
		select {
		case s.ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of messages for the given channels and a
// cancel function that unsubscribes and closes the channel.
func (ps *LocalPubSub) Subscribe(_ context.Context, channels ...string) (<-chan *LocalMessage, func(), error) {
	s := &subscriber{ch: make(chan *LocalMessage, ps.bufSize)}

	ps.mu.Lock()
	for _, c := range channels {
		ps.subscribers[c] = append(ps.subscribers[c], s)
	}
	ps.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			ps.mu.Lock()
			defer ps.mu.Unlock()
			for _, c := range channels {
				list := ps.subscribers[c]
				for j, sub := range list {
					if sub == s {
						ps.subscribers[c] = append(list[:j:j], list[j+1:]...)
						break
					}
				}
				if len(ps.subscribers[c]) == 0 {
					delete(ps.subscribers, c)
				}
			}
			s.closed = true
			close(s.ch)
		})
	}

	return s.ch, cancel, nil
}
