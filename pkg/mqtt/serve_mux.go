package mqtt

import (
	"log/slog"
	"sync"

	"github.com/eclipse/paho.golang/paho"
)

type Message = paho.PublishReceived

// Handler is the interface that wraps the HandleMessage method.
type Handler interface {
	HandleMessage(Message) error
}

// HandlerFunc is a function that handles a received publish.
type HandlerFunc func(Message) error

func (f HandlerFunc) HandleMessage(m Message) error {
	return f(m)
}

// ServeMux dispatches received messages to handlers by topic pattern.
// Patterns support the MQTT "+" and "#" wildcards. A topic matching no
// pattern is logged and dropped, never an error back to the broker.
type ServeMux struct {
	mu        sync.RWMutex
	matchRoot *trie
}

// NewServeMux returns an empty mux.
func NewServeMux() *ServeMux {
	return &ServeMux{matchRoot: &trie{}}
}

// Handle registers the handler for the given pattern.
func (sm *ServeMux) Handle(pattern string, h Handler) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	return sm.matchRoot.Set(pattern, func(node *trie) {
		node.handlers = append(node.handlers, h)
	})
}

// HandleFunc registers the handler function for the given pattern.
func (sm *ServeMux) HandleFunc(pattern string, h HandlerFunc) error {
	return sm.Handle(pattern, h)
}

// HandleMessage routes one received publish to every handler whose
// pattern matches its topic. A failing handler is logged and skipped;
// the remaining handlers still run.
func (sm *ServeMux) HandleMessage(pr Message) error {
	if pr.AlreadyHandled {
		return nil
	}
	topic := pr.Packet.Topic

	sm.mu.RLock()
	handlers, ok := sm.matchRoot.Get(topic)
	sm.mu.RUnlock()
	if !ok {
		slog.Debug("mqtt: no handler for topic", "topic", topic)
		return nil
	}
	for _, h := range handlers {
		if err := h.HandleMessage(pr); err != nil {
			slog.Error("mqtt: handler failed", "topic", topic, "error", err)
		}
	}
	return nil
}
