package main

import (
	"errors"
	"sync"
)

// ErrMailboxClosed is returned by Send once the consumer has closed the mailbox
var ErrMailboxClosed = errors.New("mailbox closed")

// Mailbox is a bounded queue with a single consumer. Producers block while
// it is full. The consumer closes it when it stops reading, after which
// every Send (including blocked ones) fails.
type Mailbox[T any] struct {
	ch     chan T
	closed chan struct{}
	once   sync.Once
}

// NewMailbox creates a mailbox holding up to capacity items
func NewMailbox[T any](capacity int) *Mailbox[T] {
	return &Mailbox[T]{
		ch:     make(chan T, capacity),
		closed: make(chan struct{}),
	}
}

// Send enqueues v, waiting for space if needed
func (m *Mailbox[T]) Send(v T) error {
	select {
	case <-m.closed:
		return ErrMailboxClosed
	default:
	}
	select {
	case m.ch <- v:
		return nil
	case <-m.closed:
		return ErrMailboxClosed
	}
}

// C is the consumer side
func (m *Mailbox[T]) C() <-chan T {
	return m.ch
}

// Done is closed once the mailbox is closed
func (m *Mailbox[T]) Done() <-chan struct{} {
	return m.closed
}

// Close marks the mailbox closed. Safe to call more than once.
func (m *Mailbox[T]) Close() {
	m.once.Do(func() { close(m.closed) })
}

// Len returns the number of queued items
func (m *Mailbox[T]) Len() int {
	return len(m.ch)
}

// In exposes the producer side for callers that need to select on a send
func (m *Mailbox[T]) In() chan<- T {
	return m.ch
}
