package actor

import (
	"context"
	"fmt"
	"sync"

	"github.com/mezonai/peerpay/exception"
	"github.com/mezonai/peerpay/logx"
)

var ErrMailboxClosed = fmt.Errorf("actor: mailbox closed")

// Mailbox owns a single goroutine that executes submitted closures one at a
// time. State touched only from inside closures needs no further locking.
type Mailbox struct {
	name  string
	inbox chan func()
	quit  chan struct{}
	done  chan struct{}

	closeOnce sync.Once
}

func NewMailbox(name string, size int) *Mailbox {
	if size <= 0 {
		size = 64
	}
	m := &Mailbox{
		name:  name,
		inbox: make(chan func(), size),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go m.loop()
	return m
}

func (m *Mailbox) loop() {
	defer close(m.done)
	for {
		select {
		case fn := <-m.inbox:
			if err := exception.SafeCall(m.name, fn); err != nil {
				logx.Error("ACTOR", m.name, ": ", err)
			}
		case <-m.quit:
			return
		}
	}
}

// Do runs fn on the actor goroutine and waits for it to finish.
// If ctx ends first Do returns ctx.Err(); fn may still run later.
func (m *Mailbox) Do(ctx context.Context, fn func()) error {
	select {
	case <-m.quit:
		return ErrMailboxClosed
	default:
	}
	reply := make(chan struct{})
	wrapped := func() {
		defer close(reply)
		fn()
	}
	select {
	case m.inbox <- wrapped:
	case <-m.quit:
		return ErrMailboxClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-m.done:
		// loop exited; fn either ran (reply closed) or never will
		select {
		case <-reply:
			return nil
		default:
			return ErrMailboxClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call is Do for closures that produce a value.
func Call[T any](ctx context.Context, m *Mailbox, fn func() (T, error)) (T, error) {
	var (
		out T
		err error
	)
	if doErr := m.Do(ctx, func() { out, err = fn() }); doErr != nil {
		var zero T
		return zero, doErr
	}
	return out, err
}

// Close stops the loop after the closure currently running. Pending closures are dropped.
func (m *Mailbox) Close() {
	m.closeOnce.Do(func() {
		close(m.quit)
	})
	<-m.done
}
