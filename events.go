package chatsync

import "sync"

// Event names emitted by the engine components.
const (
	EventMessageLocal     = "message.local"
	EventMessageConfirmed = "message.confirmed"
	EventMessageFailed    = "message.failed"
	EventNetworkOnline    = "network.online"
	EventNetworkOffline   = "network.offline"
	EventSyncStart        = "sync.start"
	EventSyncComplete     = "sync.complete"
	EventSyncError        = "sync.error"
)

// EventHandler handles engine events.
type EventHandler func(event string, payload any)

// emitter is a minimal fan-out event bus embedded by the engine components.
type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
}

// On registers a handler for an event name.
func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[string][]EventHandler)
	}
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

// removeAll drops every registered handler, used at teardown.
func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}
