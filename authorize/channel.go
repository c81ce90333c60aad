package authorize

import (
	"sync"

	"github.com/pkg/errors"
)

const defaultChannelBuffer = 8

var (
	// ErrChannelClosed is returned when sending on a closed Channel
	ErrChannelClosed = errors.New("Message channel is closed")
	// ErrChannelFull is returned when a Channel's buffer is full
	ErrChannelFull = errors.New("Message channel is full")
)

// Channel carries messages from an authorization window to a Broker
type Channel interface {
	// Send delivers a message without blocking
	Send(Message) error
	// Messages receives sent messages. Closed when the Channel is closed
	Messages() <-chan Message
	// Close stops delivery. Safe to call more than once
	Close() error
}

type memoryChannel struct {
	mu       sync.RWMutex
	closed   bool
	messages chan Message
}

// NewChannel creates an in-process Channel buffering up to 'buffer' messages
func NewChannel(buffer int) Channel {
	if buffer < 1 {
		buffer = defaultChannelBuffer
	}
	return &memoryChannel{messages: make(chan Message, buffer)}
}

func (m *memoryChannel) Send(msg Message) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrChannelClosed
	}
	select {
	case m.messages <- msg:
		return nil
	default:
		return ErrChannelFull
	}
}

func (m *memoryChannel) Messages() <-chan Message {
	return m.messages
}

func (m *memoryChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.messages)
	}
	return nil
}

// drain discards any buffered messages
func drain(c Channel) int {
	count := 0
	for {
		select {
		case _, ok := <-c.Messages():
			if !ok {
				return count
			}
			count++
		default:
			return count
		}
	}
}
