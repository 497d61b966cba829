package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dshills/flowrun/flow"
)

var (
	// ErrRouteExists is returned when a webhook path is already registered.
	ErrRouteExists = errors.New("webhook route already registered")

	// ErrRouteNotFound is returned when no webhook is registered for a path.
	ErrRouteNotFound = errors.New("webhook route not found")

	// ErrMethodNotAllowed is returned when the request method does not match
	// the route.
	ErrMethodNotAllowed = errors.New("method not allowed")
)

// WebhookRequest is an inbound webhook call.
type WebhookRequest struct {
	Method  string
	Body    any
	Headers map[string]string
	Query   map[string]string
}

// Data returns the request as the output of the webhook node it fires.
func (r WebhookRequest) Data() flow.ExecutionData {
	return flow.ExecutionData{
		"body":    r.Body,
		"headers": stringMap(r.Headers),
		"query":   stringMap(r.Query),
		"method":  r.Method,
	}
}

func stringMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// WebhookHandler runs a flow for a webhook call and returns its result.
type WebhookHandler func(ctx context.Context, req WebhookRequest) (*flow.RunResult, error)

type route struct {
	method  string
	handler WebhookHandler
}

// WebhookRouter maps webhook paths to handlers. Paths are compared without
// leading or trailing slashes.
type WebhookRouter struct {
	mu     sync.RWMutex
	routes map[string]route
}

// NewWebhookRouter creates an empty router.
func NewWebhookRouter() *WebhookRouter {
	return &WebhookRouter{routes: make(map[string]route)}
}

func normalizePath(path string) string {
	return strings.Trim(path, "/")
}

// Register installs handler for hook.Path. An empty hook.Method accepts any
// method.
func (r *WebhookRouter) Register(hook flow.WebhookSpec, handler WebhookHandler) error {
	path := normalizePath(hook.Path)
	if path == "" {
		return errors.New("webhook path cannot be empty")
	}
	if handler == nil {
		return errors.New("webhook handler cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.routes[path]; exists {
		return fmt.Errorf("%w: %s", ErrRouteExists, path)
	}
	r.routes[path] = route{method: strings.ToUpper(hook.Method), handler: handler}
	return nil
}

// Unregister removes the route of path. Unknown paths are ignored.
func (r *WebhookRouter) Unregister(path string) {
	r.mu.Lock()
	delete(r.routes, normalizePath(path))
	r.mu.Unlock()
}

// Dispatch runs the handler registered for path and returns its result.
func (r *WebhookRouter) Dispatch(ctx context.Context, path string, req WebhookRequest) (*flow.RunResult, error) {
	r.mu.RLock()
	rt, ok := r.routes[normalizePath(path)]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRouteNotFound, path)
	}
	if rt.method != "" && !strings.EqualFold(rt.method, req.Method) {
		return nil, fmt.Errorf("%w: %s expects %s", ErrMethodNotAllowed, path, rt.method)
	}
	return rt.handler(ctx, req)
}

// Paths returns the registered paths in sorted order.
func (r *WebhookRouter) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	paths := make([]string, 0, len(r.routes))
	for p := range r.routes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
