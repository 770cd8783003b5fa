package ble

import (
	"fmt"
	"sync"

	"cloudpico-node/internal/gatt"
	"cloudpico-node/internal/session"
)

const linkEventBuffer = 16

// link is the session.Link handed out for one connected central.
type link struct {
	peer    string
	events  chan session.Event
	write   func(id gatt.ChannelID, payload []byte) error
	release func(*link)

	mu         sync.Mutex
	terminated bool
	closeOnce  sync.Once
	done       chan struct{}
}

func newLink(peer string, write func(gatt.ChannelID, []byte) error, release func(*link)) *link {
	return &link{
		peer:    peer,
		events:  make(chan session.Event, linkEventBuffer),
		write:   write,
		release: release,
		done:    make(chan struct{}),
	}
}

func (l *link) Peer() string { return l.peer }

func (l *link) Events() <-chan session.Event { return l.events }

func (l *link) Notify(id gatt.ChannelID, payload []byte) error {
	if l.isTerminated() {
		return session.ErrLinkTerminated
	}
	select {
	case <-l.done:
		return session.ErrLinkTerminated
	default:
	}
	if err := l.write(id, payload); err != nil {
		return fmt.Errorf("%w: %v", session.ErrLinkBusy, err)
	}
	return nil
}

// deliver queues ev for the server. It blocks while the buffer is full and
// gives up once the link is closed.
func (l *link) deliver(ev session.Event) bool {
	select {
	case <-l.done:
		return false
	case l.events <- ev:
		return true
	}
}

// terminate reports the end of the link. Later notifications fail.
func (l *link) terminate(ev session.Event) {
	l.mu.Lock()
	if l.terminated {
		l.mu.Unlock()
		return
	}
	l.terminated = true
	l.mu.Unlock()
	l.deliver(ev)
}

func (l *link) isTerminated() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.terminated
}

func (l *link) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		if l.release != nil {
			l.release(l)
		}
	})
	return nil
}
