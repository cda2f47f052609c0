package pairing

import (
	"sync"

	"github.com/gemelolabs/gemelo-agent/internal/deploy"
)

// Event names emitted by the machine. Deploy-phase events are forwarded
// from the deploy package under the same names.
const (
	EventStateChange          = "stateChange"
	EventAttempt              = "attempt"
	EventRetrying             = "retrying"
	EventGemeloFound          = "gemeloFound"
	EventConnected            = "connected"
	EventListening            = "listening"
	EventWaitingDeploySignal  = "waitingDeploySignal"
	EventDeploySignalReceived = "deploySignalReceived"
	EventDeploySignalTimeout  = "deploySignalTimeout"
	EventSignalPollError      = "signalPollError"
	EventDeployStart          = "deployStart"
	EventDownloadStart        = deploy.EventDownloadStart
	EventDownloadComplete     = deploy.EventDownloadComplete
	EventDeployFilesWritten   = deploy.EventDeployFilesWritten
	EventExecStart            = deploy.EventExecStart
	EventExecSuccess          = deploy.EventExecSuccess
	EventExecError            = deploy.EventExecError
	EventDeploySuccess        = "deploySuccess"
	EventWakeError            = "wakeError"
	EventError                = "error"
)

// Event is a single machine notification: a name and an optional payload
// (the new State for stateChange, an attempt number, a filename, an error).
type Event struct {
	Name    string
	Payload any
}

// Bus is a small in-process fan-out for machine events. Delivery is
// best-effort: a subscriber whose buffer is full misses the event rather
// than blocking the machine.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]chan Event
	nextID uint64
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan Event)}
}

// Subscribe registers a subscriber with the given channel buffer and
// returns the receive channel plus an unsubscribe func. The channel is
// closed on unsubscribe or when the bus is closed.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch, func() {}
	}

	b.nextID++
	id := b.nextID
	b.subs[id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
	return ch, unsubscribe
}

// Publish delivers evt to all current subscribers without blocking.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Close closes the bus and all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
