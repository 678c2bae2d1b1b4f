package core

import (
	"log/slog"
	"sync"
)

// HookEvent names a pipeline lifecycle moment.
type HookEvent string

const (
	HookBeforeImport HookEvent = "beforeImport"
	HookAfterImport  HookEvent = "afterImport"
	HookBeforeChunk  HookEvent = "beforeChunk"
	HookAfterChunk   HookEvent = "afterChunk"
	HookOnError      HookEvent = "onError"
)

// HookPayload carries the context of a fired event. Fields are populated
// per event: Chunk and Rows for chunk events, Report for afterImport,
// Err for onError.
type HookPayload struct {
	Event  HookEvent
	File   string
	Chunk  int
	Rows   int
	Report *Report
	Err    error
}

// HookFunc observes a lifecycle event. A returned error is logged and
// discarded; hooks can never abort a run.
type HookFunc func(HookPayload) error

// Hooks is a registry of lifecycle observers. Firing is fire-and-forget:
// handler errors and panics are contained and logged, and the pipeline
// never sees them.
type Hooks struct {
	mu       sync.RWMutex
	handlers map[HookEvent][]HookFunc
	logger   *slog.Logger
}

// NewHooks creates an empty registry. A nil logger falls back to the
// process default.
func NewHooks(logger *slog.Logger) *Hooks {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hooks{
		handlers: make(map[HookEvent][]HookFunc),
		logger:   logger,
	}
}

// On registers a handler for an event. Handlers fire in registration order.
func (h *Hooks) On(event HookEvent, fn HookFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[event] = append(h.handlers[event], fn)
}

// Fire invokes every handler registered for the event.
func (h *Hooks) Fire(event HookEvent, p HookPayload) {
	if h == nil {
		return
	}
	h.mu.RLock()
	handlers := h.handlers[event]
	h.mu.RUnlock()

	p.Event = event
	for _, fn := range handlers {
		h.fireOne(event, fn, p)
	}
}

// fireOne isolates a single handler so one misbehaving hook cannot stop
// the rest.
func (h *Hooks) fireOne(event HookEvent, fn HookFunc, p HookPayload) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("hook panicked", "event", string(event), "panic", r)
		}
	}()

	if err := fn(p); err != nil {
		h.logger.Warn("hook returned error", "event", string(event), "error", err)
	}
}
