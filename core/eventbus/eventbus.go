package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/makeict/mcp/api"
)

// ErrInvalidEvent is returned for events without a name
var ErrInvalidEvent = errors.New("invalid event")

// EventBus delivers every event synchronously to all current subscribers,
// in subscription order. It optionally accepts newline-delimited JSON events
// on a Unix domain socket.
type EventBus struct {
	socketPath  string
	listener    net.Listener
	subscribers []api.Subscriber
	mutex       sync.RWMutex
	logger      api.Logger
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewEventBus creates a new event bus. An empty socketPath disables socket ingress.
func NewEventBus(socketPath string, logger api.Logger) *EventBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &EventBus{
		socketPath: socketPath,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins listening for socket connections
func (eb *EventBus) Start() error {
	if eb.socketPath == "" {
		return nil
	}

	if err := os.RemoveAll(eb.socketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", eb.socketPath)
	if err != nil {
		return fmt.Errorf("failed to create socket: %w", err)
	}

	eb.listener = listener
	eb.logger.Info("EventBus socket listening", "socket", eb.socketPath)

	go eb.acceptConnections()
	return nil
}

// Stop closes the socket
func (eb *EventBus) Stop() error {
	eb.cancel()
	if eb.listener == nil {
		return nil
	}

	if err := eb.listener.Close(); err != nil {
		eb.logger.Error("Failed to close listener", "error", err)
	}
	if err := os.Remove(eb.socketPath); err != nil && !os.IsNotExist(err) {
		eb.logger.Error("Failed to remove socket file", "error", err)
	}

	eb.logger.Info("EventBus stopped")
	return nil
}

// Subscribe adds a subscriber. Subscribers are identified by name, so
// subscribing the same name twice leaves a single entry. It reports whether
// the subscriber was added.
func (eb *EventBus) Subscribe(sub api.Subscriber) bool {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	for _, existing := range eb.subscribers {
		if existing.Name() == sub.Name() {
			return false
		}
	}
	eb.subscribers = append(eb.subscribers, sub)

	eb.logger.Debug("Subscriber added", "subscriber", sub.Name())
	return true
}

// Unsubscribe removes the named subscriber and reports whether it was present
func (eb *EventBus) Unsubscribe(name string) bool {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	for i, existing := range eb.subscribers {
		if existing.Name() == name {
			eb.subscribers = append(eb.subscribers[:i:i], eb.subscribers[i+1:]...)
			eb.logger.Debug("Subscriber removed", "subscriber", name)
			return true
		}
	}
	return false
}

// Subscribers returns the names of current subscribers in delivery order
func (eb *EventBus) Subscribers() []string {
	eb.mutex.RLock()
	defer eb.mutex.RUnlock()

	names := make([]string, len(eb.subscribers))
	for i, sub := range eb.subscribers {
		names[i] = sub.Name()
	}
	return names
}

// Broadcast builds an event and emits it
func (eb *EventBus) Broadcast(source, name string, payload map[string]interface{}) error {
	return eb.EmitEvent(api.Event{Source: source, Name: name, Payload: payload})
}

// EmitEvent delivers an event to every subscriber before returning.
// A failing or panicking handler is logged and does not stop delivery.
func (eb *EventBus) EmitEvent(event api.Event) error {
	if event.Name == "" {
		return fmt.Errorf("%w: event name is required", ErrInvalidEvent)
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Payload == nil {
		event.Payload = map[string]interface{}{}
	}

	// Handlers may subscribe, unsubscribe or broadcast while being called.
	eb.mutex.RLock()
	subs := make([]api.Subscriber, len(eb.subscribers))
	copy(subs, eb.subscribers)
	eb.mutex.RUnlock()

	for _, sub := range subs {
		eb.deliver(sub, event)
	}
	return nil
}

func (eb *EventBus) deliver(sub api.Subscriber, event api.Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("Event handler panicked",
				"subscriber", sub.Name(),
				"event", event.Name,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()

	if err := sub.HandleEvent(event); err != nil {
		eb.logger.Error("Event handler failed",
			"subscriber", sub.Name(),
			"event", event.Name,
			"event_id", event.ID,
			"error", err)
	}
}

// acceptConnections accepts incoming socket connections
func (eb *EventBus) acceptConnections() {
	for {
		conn, err := eb.listener.Accept()
		if err != nil {
			select {
			case <-eb.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			eb.logger.Error("Failed to accept connection", "error", err)
			continue
		}

		go eb.handleConnection(conn)
	}
}

// handleConnection emits each JSON event read from conn
func (eb *EventBus) handleConnection(conn net.Conn) {
	defer conn.Close()

	decoder := json.NewDecoder(conn)
	for {
		var event api.Event
		if err := decoder.Decode(&event); err != nil {
			if !errors.Is(err, io.EOF) {
				eb.logger.Error("Failed to decode event", "error", err)
			}
			return
		}
		if event.Source == "" {
			event.Source = "socket"
		}

		if err := eb.EmitEvent(event); err != nil {
			eb.logger.Warn("Dropped socket event", "error", err)
		}
	}
}
