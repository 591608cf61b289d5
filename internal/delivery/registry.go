// internal/delivery/registry.go
package delivery

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/user/fedlink/internal/types"
)

// Handler presents one message.
type Handler func(msg types.Message) error

// Registry routes messages to every presenter whose key prefix matches the
// message key (e.g. "device:", "log"). The empty prefix matches everything.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewRegistry creates an empty delivery registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string][]Handler),
	}
}

// Register adds a handler for message keys starting with prefix.
func (r *Registry) Register(prefix string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = append(r.handlers[prefix], handler)
}

// Deliver calls every handler registered for a prefix of the message key.
// Returns an error if no handler matched or any handler failed.
func (r *Registry) Deliver(msg types.Message) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	matched := false
	for prefix, handlers := range r.handlers {
		if !strings.HasPrefix(msg.Key, prefix) {
			continue
		}
		for _, handler := range handlers {
			matched = true
			if err := handler(msg); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if !matched {
		return fmt.Errorf("no delivery handler for key: %s", msg.Key)
	}
	return errors.Join(errs...)
}

// Console returns a handler that writes one line per message to w.
func Console(w io.Writer) Handler {
	var mu sync.Mutex
	return func(msg types.Message) error {
		mu.Lock()
		defer mu.Unlock()
		who := "system"
		switch {
		case msg.Device != "":
			who = "device " + string(msg.Device)
		case msg.Port != "":
			who = string(msg.Port)
		}
		_, err := fmt.Fprintf(w, "%s [%s] %s\n", msg.At.Format("15:04:05"), who, msg.Text)
		return err
	}
}
