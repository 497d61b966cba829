package emit

import "sync"

// SessionHub routes events to subscribers by session id.
//
// It is the observer channel of the engine: a transport subscribes for a
// client session and receives that session's nodeResult and runFinished
// events. Delivery never blocks the run; when a subscriber's buffer is full
// the event is dropped for that subscriber and counted in Dropped.
type SessionHub struct {
	mu      sync.RWMutex
	subs    map[string]map[*subscription]struct{}
	buffer  int
	dropped int
}

type subscription struct {
	ch chan Event
}

// NewSessionHub creates a hub whose subscriber channels hold buffer events.
// A non-positive buffer selects 64.
func NewSessionHub(buffer int) *SessionHub {
	if buffer <= 0 {
		buffer = 64
	}
	return &SessionHub{
		subs:   make(map[string]map[*subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers interest in sessionID. The returned cancel function
// removes the subscription and closes the channel; it is safe to call more
// than once.
func (h *SessionHub) Subscribe(sessionID string) (<-chan Event, func()) {
	sub := &subscription{ch: make(chan Event, h.buffer)}

	h.mu.Lock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[*subscription]struct{})
	}
	h.subs[sessionID][sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[sessionID], sub)
			if len(h.subs[sessionID]) == 0 {
				delete(h.subs, sessionID)
			}
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Emit implements Emitter. Events without a session id are ignored.
func (h *SessionHub) Emit(event Event) {
	if event.SessionID == "" {
		return
	}

	// The write lock serializes Emit against cancel closing a channel.
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[event.SessionID] {
		select {
		case sub.ch <- event:
		default:
			h.dropped++
		}
	}
}

// Dropped returns how many deliveries were dropped because a subscriber was
// not keeping up.
func (h *SessionHub) Dropped() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}
