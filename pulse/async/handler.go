package async

import (
	"context"
	"fmt"
	"sync"
)

// JobHandler executes jobs for one named queue.
//
// Handlers decode their own payload from job.Payload, so the queue
// infrastructure never sees domain types. A returned error is handed to the
// retry classifier; nil completes the job.
//
// Context cancellation: ctx carries the lease deadline and is cancelled on
// shutdown. Handlers must return promptly when it is done.
type JobHandler interface {
	Execute(ctx context.Context, job *Job) error

	// Name returns the queue this handler consumes, e.g. "email-send".
	Name() string
}

// HandlerFunc adapts a function to JobHandler.
type HandlerFunc struct {
	Queue string
	Fn    func(ctx context.Context, job *Job) error
}

// Execute calls Fn.
func (h HandlerFunc) Execute(ctx context.Context, job *Job) error {
	return h.Fn(ctx, job)
}

// Name returns the queue name.
func (h HandlerFunc) Name() string {
	return h.Queue
}

// HandlerRegistry manages job handlers by queue name.
// Thread-safe for concurrent handler registration and lookup.
type HandlerRegistry struct {
	handlers map[string]JobHandler
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]JobHandler),
	}
}

// Register adds a handler under its name.
// Panics if a handler is already registered with that name.
func (r *HandlerRegistry) Register(handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := handler.Name()
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("handler already registered for queue: %s", name))
	}
	r.handlers[name] = handler
}

// Get retrieves the handler for a queue.
// Returns nil if no handler is registered.
func (r *HandlerRegistry) Get(name string) JobHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[name]
}

// Has checks if a handler is registered for a queue.
func (r *HandlerRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[name]
	return exists
}

// Names returns all registered queue names.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// RegistryExecutor routes a job to the handler registered for its queue.
type RegistryExecutor struct {
	registry *HandlerRegistry
}

// NewRegistryExecutor creates an executor backed by a handler registry.
func NewRegistryExecutor(registry *HandlerRegistry) *RegistryExecutor {
	return &RegistryExecutor{registry: registry}
}

// Execute dispatches to the registered handler.
func (e *RegistryExecutor) Execute(ctx context.Context, job *Job) error {
	if job.Queue == "" {
		return Unrecoverable(fmt.Errorf("job %s missing queue", job.ID))
	}

	handler := e.registry.Get(job.Queue)
	if handler == nil {
		return Unrecoverable(fmt.Errorf("no handler registered for queue: %s", job.Queue))
	}
	return handler.Execute(ctx, job)
}
