package metadata

import (
	"sync"

	"github.com/google/uuid"
)

// Hub distributes metadata tuples to in-process subscribers.
type Hub struct {
	mutex sync.Mutex
	subs  map[uuid.UUID]HandlerFunc
}

// NewHub allocates a Hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[uuid.UUID]HandlerFunc),
	}
}

// Subscribe registers a handler and returns its subscription id.
func (h *Hub) Subscribe(f HandlerFunc) uuid.UUID {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	id := uuid.New()
	h.subs[id] = f
	return id
}

// Unsubscribe removes a subscription.
func (h *Hub) Unsubscribe(id uuid.UUID) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	delete(h.subs, id)
}

func (h *Hub) dispatch(pkg Package) {
	h.mutex.Lock()
	handlers := make([]HandlerFunc, 0, len(h.subs))
	for _, f := range h.subs {
		handlers = append(handlers, f)
	}
	h.mutex.Unlock()

	for _, f := range handlers {
		f(pkg.Type, pkg.Code, pkg.Data)
	}
}
