// Package activity watches user activity signals and runs the idle-poll
// loop that decides when a session has gone quiet.
package activity

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Kind identifies a signal forwarded from the browsing context.
type Kind string

// Activity kinds. Each one marks the user as active.
const (
	PointerMove  Kind = "mousemove"
	PointerDown  Kind = "mousedown"
	KeyPress     Kind = "keypress"
	Scroll       Kind = "scroll"
	TouchStart   Kind = "touchstart"
	Wheel        Kind = "wheel"
	Click        Kind = "click"
	DragStart    Kind = "dragstart"
	PointerEnter Kind = "mouseenter"
)

// Focus kinds. They change window focus and may reset the idle clock.
const (
	Focus            Kind = "focus"
	Blur             Kind = "blur"
	VisibilityChange Kind = "visibilitychange"
)

// Escape is the dialog's escape key; the guard treats it as "continue".
const Escape Kind = "escape"

// ActivityKinds is the fixed set of signals that count as user activity.
var ActivityKinds = []Kind{
	PointerMove, PointerDown, KeyPress, Scroll, TouchStart,
	Wheel, Click, DragStart, PointerEnter,
}

// FocusKinds is the fixed set of window focus and visibility signals.
var FocusKinds = []Kind{Focus, Blur, VisibilityChange}

// ParseKind validates a kind received over the wire.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	switch k {
	case PointerMove, PointerDown, KeyPress, Scroll, TouchStart, Wheel,
		Click, DragStart, PointerEnter, Focus, Blur, VisibilityChange, Escape:
		return k, nil
	}
	return "", fmt.Errorf("unknown signal kind %q", s)
}

// Event is one signal occurrence. Visible is only meaningful for
// VisibilityChange.
type Event struct {
	Kind    Kind
	Visible bool
}

// Handler reacts to one event.
type Handler func(Event)

// Bus is the event target signals are dispatched on. Handlers run
// synchronously in the dispatching goroutine; a panicking handler is
// recovered and logged so one bad subscriber cannot break the others.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Kind]map[uint64]Handler
	nextID   uint64
	logger   zerolog.Logger
}

func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[Kind]map[uint64]Handler),
		logger:   logger,
	}
}

// Subscribe registers h for kind and returns the function that removes it.
// The returned function is safe to call more than once.
func (b *Bus) Subscribe(kind Kind, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.handlers[kind] == nil {
		b.handlers[kind] = make(map[uint64]Handler)
	}
	b.handlers[kind][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers[kind], id)
			b.mu.Unlock()
		})
	}
}

// Dispatch delivers ev to every handler subscribed to its kind.
func (b *Bus) Dispatch(ev Event) {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[ev.Kind]))
	for _, h := range b.handlers[ev.Kind] {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		b.call(h, ev)
	}
}

// Subscribers reports how many handlers are registered for kind.
func (b *Bus) Subscribers(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[kind])
}

func (b *Bus) call(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("kind", string(ev.Kind)).Msg("signal handler panicked")
		}
	}()
	h(ev)
}
