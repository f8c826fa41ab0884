package journaler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fcrepo3/fcrepo-sub017/pkg/types"
)

// ErrUnknownMethod is returned for an entry whose method has no handler.
var ErrUnknownMethod = errors.New("journaler: unknown method")

// Router is a Delegate dispatching entries to handlers by method name.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]DelegateFunc
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]DelegateFunc)}
}

// Handle registers h for method, replacing any earlier handler.
func (r *Router) Handle(method string, h DelegateFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
}

// Methods returns the handled method names in order.
func (r *Router) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for m := range r.handlers {
		names = append(names, m)
	}
	sort.Strings(names)
	return names
}

func (r *Router) Apply(ctx context.Context, e *types.ConsumerEntry) error {
	r.mu.RLock()
	h, ok := r.handlers[e.Method]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMethod, e.Method)
	}
	return h(ctx, e)
}
