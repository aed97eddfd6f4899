package render

import (
	"sync"

	"techbot-backend/internal/chat"
)

type EventType string

const (
	EventMessage EventType = "message"
	EventTyping  EventType = "typing"
	EventScroll  EventType = "scroll"
)

// Event is one call the core made on a sink, in wire-ready form.
type Event struct {
	Type    EventType `json:"type"`
	Role    chat.Role `json:"role,omitempty"`
	Markup  string    `json:"markup,omitempty"`
	HTML    string    `json:"html,omitempty"`
	Actions []string  `json:"actions,omitempty"`
	Visible *bool     `json:"visible,omitempty"`
}

func MessageEvent(role chat.Role, markup string, actions []string) Event {
	return Event{
		Type:    EventMessage,
		Role:    role,
		Markup:  markup,
		HTML:    HTML(markup),
		Actions: append([]string(nil), actions...),
	}
}

func TypingEvent(visible bool) Event {
	v := visible
	return Event{Type: EventTyping, Visible: &v}
}

// Recorder collects events in order.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) RenderMessage(role chat.Role, markup string, actions []string) {
	r.add(MessageEvent(role, markup, actions))
}

func (r *Recorder) RenderTypingIndicator(visible bool) { r.add(TypingEvent(visible)) }

func (r *Recorder) ScrollToLatest() { r.add(Event{Type: EventScroll}) }

func (r *Recorder) add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Messages returns only the message events.
func (r *Recorder) Messages() []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == EventMessage {
			out = append(out, e)
		}
	}
	return out
}

// Hub fans sink calls out to every subscribed sink. A session owns one hub so
// HTTP requests and WebSocket connections can observe the same conversation.
type Hub struct {
	mu   sync.RWMutex
	next int
	subs map[int]chat.Sink
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chat.Sink)}
}

// Subscribe attaches a sink and returns a function that detaches it.
func (h *Hub) Subscribe(s chat.Sink) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	h.subs[id] = s
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) each(fn func(chat.Sink)) {
	h.mu.RLock()
	subs := make([]chat.Sink, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()
	for _, s := range subs {
		fn(s)
	}
}

func (h *Hub) RenderMessage(role chat.Role, markup string, actions []string) {
	h.each(func(s chat.Sink) { s.RenderMessage(role, markup, actions) })
}

func (h *Hub) RenderTypingIndicator(visible bool) {
	h.each(func(s chat.Sink) { s.RenderTypingIndicator(visible) })
}

func (h *Hub) ScrollToLatest() {
	h.each(func(s chat.Sink) { s.ScrollToLatest() })
}
