// Package events provides a structured event log for the payload lifecycle.
// Events capture every significant transition a payload goes through between
// first relay delivery and terminal processing, plus the compensating actions
// around failures.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type classifies a lifecycle event.
type Type string

const (
	// Inbound relay events
	TypePayloadReceived    Type = "payload.received"
	TypeAttestationCounted Type = "payload.attested"

	// Update events
	TypePayloadUpdated      Type = "payload.updated"
	TypePayloadUpdateFailed Type = "payload.update_failed"

	// Processing events
	TypePayloadProcessed     Type = "payload.processed"
	TypePayloadProcessFailed Type = "payload.process_failed"

	// Vault execution events
	TypeDepositFailed  Type = "vault.deposit_failed"
	TypeWithdrawFailed Type = "vault.withdraw_failed"

	// Recovery events
	TypeRescueCompleted Type = "rescue.completed"

	// Timelock events
	TypeUnlockScheduled Type = "timelock.scheduled"
	TypeUnlockFinalized Type = "timelock.finalized"

	// Outbound relay events
	TypeAckDispatched Type = "ack.dispatched"
)

// Severity indicates the importance of an event.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is one recorded lifecycle occurrence.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`

	PayloadID   uint64 `json:"payload_id,omitempty"`
	ChainID     uint64 `json:"chain_id,omitempty"`
	ContentHash string `json:"content_hash,omitempty"`

	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// String returns a human-readable representation.
func (e Event) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// Handler processes events as they occur.
type Handler func(Event)

// Log is the interface the registry components emit events through.
type Log interface {
	// Record stores an event.
	Record(event Event)

	// Subscribe registers a handler; the returned function unsubscribes.
	Subscribe(handler Handler) func()

	// Recent returns the most recent n events, newest first.
	Recent(n int) []Event

	// RecentByType returns the most recent n events of the given type.
	RecentByType(t Type, n int) []Event
}

// RingBuffer is a thread-safe circular event buffer.
type RingBuffer struct {
	mu       sync.RWMutex
	events   []Event
	size     int
	head     int
	count    int
	handlers []handlerEntry
	nextID   int64
}

type handlerEntry struct {
	id      int64
	handler Handler
}

// NewRingBuffer creates a buffer holding up to size events.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1000
	}
	return &RingBuffer{events: make([]Event, size), size: size}
}

// Record implements Log.
func (rb *RingBuffer) Record(event Event) {
	rb.mu.Lock()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	rb.events[rb.head] = event
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}

	handlers := make([]handlerEntry, len(rb.handlers))
	copy(handlers, rb.handlers)
	rb.mu.Unlock()

	// Notify handlers outside the lock.
	for _, h := range handlers {
		h.handler(event)
	}
}

// Subscribe implements Log.
func (rb *RingBuffer) Subscribe(handler Handler) func() {
	rb.mu.Lock()
	id := rb.nextID
	rb.nextID++
	rb.handlers = append(rb.handlers, handlerEntry{id: id, handler: handler})
	rb.mu.Unlock()

	return func() {
		rb.mu.Lock()
		defer rb.mu.Unlock()
		for i, h := range rb.handlers {
			if h.id == id {
				rb.handlers = append(rb.handlers[:i], rb.handlers[i+1:]...)
				return
			}
		}
	}
}

// Recent implements Log.
func (rb *RingBuffer) Recent(n int) []Event {
	return rb.recentFiltered(n, nil)
}

// RecentByType implements Log.
func (rb *RingBuffer) RecentByType(t Type, n int) []Event {
	return rb.recentFiltered(n, func(e Event) bool { return e.Type == t })
}

func (rb *RingBuffer) recentFiltered(n int, keep func(Event) bool) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}

	out := make([]Event, 0, n)
	for i := 0; i < rb.count && len(out) < n; i++ {
		idx := (rb.head - 1 - i + rb.size*2) % rb.size
		e := rb.events[idx]
		if keep == nil || keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// NopLog discards all events.
type NopLog struct{}

// Record implements Log.
func (NopLog) Record(Event) {}

// Subscribe implements Log.
func (NopLog) Subscribe(Handler) func() { return func() {} }

// Recent implements Log.
func (NopLog) Recent(int) []Event { return nil }

// RecentByType implements Log.
func (NopLog) RecentByType(Type, int) []Event { return nil }
