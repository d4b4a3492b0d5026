// Package events fans discovery and transfer notifications out to UI consumers.
//
// Publish runs on the publisher's goroutine (a discovery loop, an HTTP handler
// or a client send) and never blocks: a subscriber whose buffer is full misses
// the event. Subscribers must not assume single-threaded delivery order across
// publishers.
package events

import (
	"sync"

	"landrop/internal/models"
)

type Type string

const (
	DeviceFound    Type = "device_found"
	DeviceUpdated  Type = "device_updated"
	FileReceived   Type = "file_received"
	TransferUpdate Type = "transfer_update"
)

type Event struct {
	Type     Type                      `json:"type"`
	Device   *models.Device            `json:"device,omitempty"`
	File     *models.FileReceivedEvent `json:"file,omitempty"`
	Transfer *models.Transfer          `json:"transfer,omitempty"`
}

// Bus is a non-blocking publish/subscribe hub. The zero value is not usable;
// a nil *Bus drops everything.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

// Subscribe returns a channel receiving future events and a cancel func that
// unregisters and closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			close(ch)
			b.mu.Unlock()
		})
	}
}

func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *Bus) DeviceFound(d models.Device, fresh bool) {
	t := DeviceUpdated
	if fresh {
		t = DeviceFound
	}
	b.Publish(Event{Type: t, Device: &d})
}

func (b *Bus) FileReceived(f models.FileReceivedEvent) {
	b.Publish(Event{Type: FileReceived, File: &f})
}

func (b *Bus) TransferUpdate(t models.Transfer) {
	b.Publish(Event{Type: TransferUpdate, Transfer: &t})
}
