// Package events fans memory-change notifications out to the connected
// devices of each account.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/memsync/internal/observability"
	"github.com/ent0n29/memsync/internal/protocol"
)

const defaultBuffer = 8

type subscriber struct {
	id int64
	ch chan protocol.Event
}

// Hub tracks subscribers per account. Publish never blocks: a subscriber whose
// buffer is full misses the event.
type Hub struct {
	mu      sync.RWMutex
	nextID  int64
	subs    map[int64]map[int64]*subscriber
	buffer  int
	metrics *observability.Metrics
}

func NewHub(buffer int, metrics *observability.Metrics) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		subs:    make(map[int64]map[int64]*subscriber),
		buffer:  buffer,
		metrics: metrics,
	}
}

// Subscribe registers a listener for accountID. cancel closes the channel and
// is safe to call more than once.
func (h *Hub) Subscribe(accountID int64) (<-chan protocol.Event, func()) {
	h.mu.Lock()
	h.nextID++
	sub := &subscriber{id: h.nextID, ch: make(chan protocol.Event, h.buffer)}
	byID, ok := h.subs[accountID]
	if !ok {
		byID = make(map[int64]*subscriber)
		h.subs[accountID] = byID
	}
	byID[sub.id] = sub
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.EventSubscribers.Inc()
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if byID, ok := h.subs[accountID]; ok {
				delete(byID, sub.id)
				if len(byID) == 0 {
					delete(h.subs, accountID)
				}
			}
			close(sub.ch)
			h.mu.Unlock()
			if h.metrics != nil {
				h.metrics.EventSubscribers.Dec()
			}
		})
	}
	return sub.ch, cancel
}

// Publish delivers ev to every subscriber of accountID and returns how many
// received it. Missing ID, type and timestamp are filled in.
func (h *Hub) Publish(accountID int64, ev protocol.Event) int {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Type == "" {
		ev.Type = protocol.TypeMemoryReplaced
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	ev.UserID = accountID

	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, sub := range h.subs[accountID] {
		select {
		case sub.ch <- ev:
			delivered++
		default:
		}
	}
	if h.metrics != nil {
		h.metrics.EventsPublished.Inc()
	}
	return delivered
}

// Subscribers returns the number of listeners for accountID.
func (h *Hub) Subscribers(accountID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[accountID])
}
