package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// HookManager dispatches engine and executor events to registered listeners.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// HasListeners lets hot paths skip building payloads nobody will read.
	HasListeners(eventType EventType) bool
	// Trigger fires all registered listeners for a given event.
	// Pre events run synchronously and the first error cancels the operation.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete.
	Stop()
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	Type() EventType
	Payload() interface{}
}

// HookListener defines the interface for components that want to listen to events.
type HookListener interface {
	// OnEvent is called by the HookManager when a registered event is triggered.
	// Returning an error from a "Pre" hook (e.g., PrePut) cancels the operation.
	// Errors from "Post" hooks are logged without affecting the main operation.
	OnEvent(ctx context.Context, event HookEvent) error

	// Priority returns the listener's priority. Lower numbers are executed first.
	Priority() int

	// IsAsync indicates if the listener should be called asynchronously for Post-events.
	IsAsync() bool
}

type event struct {
	eventType EventType
	payload   interface{}
}

func (e *event) Type() EventType      { return e.eventType }
func (e *event) Payload() interface{} { return e.payload }

// NewEvent wraps a payload into a HookEvent.
func NewEvent(eventType EventType, payload interface{}) HookEvent {
	return &event{eventType: eventType, payload: payload}
}

type registeredListener struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// Slices are kept sorted by priority; equal priorities keep registration order.
	listeners map[EventType][]registeredListener
	mu        sync.RWMutex
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]registeredListener),
		logger:    logger.With("component", "HookManager"),
	}
}

// Register adds a listener for a specific event type, maintaining priority order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := registeredListener{listener: listener, priority: listener.Priority()}
	current := m.listeners[eventType]
	idx := sort.Search(len(current), func(i int) bool {
		return current[i].priority > item.priority
	})

	// Copy-on-write so Trigger can iterate a slice it read under RLock.
	next := make([]registeredListener, 0, len(current)+1)
	next = append(next, current[:idx]...)
	next = append(next, item)
	next = append(next, current[idx:]...)
	m.listeners[eventType] = next
}

func (m *DefaultHookManager) HasListeners(eventType EventType) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listeners[eventType]) > 0
}

// Trigger fires all registered listeners for a given event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, ev HookEvent) error {
	m.mu.RLock()
	listeners := m.listeners[ev.Type()]
	m.mu.RUnlock()

	if len(listeners) == 0 {
		return nil
	}

	isPre := strings.HasPrefix(string(ev.Type()), "Pre")
	for _, item := range listeners {
		if isPre || !item.listener.IsAsync() {
			if err := item.listener.OnEvent(ctx, ev); err != nil {
				if isPre {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", ev.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous post-hook listener", "event", ev.Type(), "priority", item.priority, "error", err)
			}
			continue
		}

		m.wg.Add(1)
		go func(l registeredListener) {
			defer m.wg.Done()
			// Async listeners outlive the request that fired them.
			if err := l.listener.OnEvent(context.WithoutCancel(ctx), ev); err != nil {
				m.logger.Error("Error from asynchronous post-hook listener", "event", ev.Type(), "priority", l.priority, "error", err)
			}
		}(item)
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}
