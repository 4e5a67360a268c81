// Package events fans committed mutations out to in-process subscribers.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Notification describes one committed mutation. Kind is the audit action.
type Notification struct {
	Kind      string    `json:"kind"`
	EpicID    string    `json:"epic_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	AuditID   string    `json:"audit_id,omitempty"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const DefaultBuffer = 64

type subscriber struct {
	id uint64
	ch chan Notification
}

// Bus is safe for concurrent use. The zero value is ready.
type Bus struct {
	mu      sync.RWMutex
	subs    []*subscriber
	nextID  uint64
	dropped atomic.Int64
}

func NewBus() *Bus { return &Bus{} }

// Subscribe registers a buffered subscriber. Calling cancel removes it and
// closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &subscriber{ch: make(chan Notification, buffer)}
	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, existing := range b.subs {
				if existing.id == sub.id {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					close(sub.ch)
					break
				}
			}
		})
	}
	return sub.ch, cancel
}

// Publish never blocks. A subscriber whose buffer is full misses n.
func (b *Bus) Publish(n Notification) {
	if b == nil {
		return
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- n:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped because of full buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
