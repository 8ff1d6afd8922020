package ui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// updateMsg carries a value pushed from a background subscription into the
// tea event loop.
type updateMsg[T any] struct {
	value T
}

// mailbox hands values from background goroutines to a tea.Cmd. Only the
// latest value is kept.
type mailbox[T any] struct {
	ch   chan T
	done chan struct{}
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{ch: make(chan T, 1), done: make(chan struct{})}
}

// push replaces any undelivered value with v.
func (m *mailbox[T]) push(v T) {
	for {
		select {
		case <-m.done:
			return
		case m.ch <- v:
			return
		default:
		}
		select {
		case <-m.ch:
		default:
		}
	}
}

// wait returns a command that resolves with the next pushed value.
func (m *mailbox[T]) wait() tea.Cmd {
	return func() tea.Msg {
		select {
		case v := <-m.ch:
			return updateMsg[T]{value: v}
		case <-m.done:
			return nil
		}
	}
}

func (m *mailbox[T]) close() {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
}
