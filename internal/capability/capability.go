// Package capability holds the task-type → handler table a worker serves.
package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mtzanidakis/agora/internal/store"
)

var (
	ErrDuplicateHandler = errors.New("handler already registered")
	ErrNoHandler        = errors.New("no handler for task type")
)

// Handler performs the work for one task. The returned map becomes the task
// result; a non-nil error marks the task failed.
type Handler interface {
	Handle(ctx context.Context, t *store.Task) (map[string]any, error)
}

type HandlerFunc func(ctx context.Context, t *store.Task) (map[string]any, error)

func (f HandlerFunc) Handle(ctx context.Context, t *store.Task) (map[string]any, error) {
	return f(ctx, t)
}

// Table maps task types to handlers. Types are matched exactly after
// lowercasing. An optional fallback serves every other type.
type Table struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
	cleanup  []func() error
}

func NewTable() *Table {
	return &Table{handlers: make(map[string]Handler)}
}

// Register binds taskType to h. Registering the same type twice is an
// error.
func (t *Table) Register(taskType string, h Handler) error {
	key := normalize(taskType)
	if key == "" {
		return fmt.Errorf("register handler: empty task type")
	}
	if key == "*" {
		return fmt.Errorf("register handler: use SetFallback for wildcard")
	}
	if h == nil {
		return fmt.Errorf("register handler %s: nil handler", key)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.handlers[key]; ok {
		return fmt.Errorf("register handler %s: %w", key, ErrDuplicateHandler)
	}
	t.handlers[key] = h
	return nil
}

func (t *Table) RegisterFunc(taskType string, fn HandlerFunc) error {
	return t.Register(taskType, fn)
}

// SetFallback installs the handler used for types without an exact entry.
func (t *Table) SetFallback(h Handler) {
	t.mu.Lock()
	t.fallback = h
	t.mu.Unlock()
}

// Lookup returns the handler for taskType, falling back when set.
func (t *Table) Lookup(taskType string) (Handler, error) {
	key := normalize(taskType)
	t.mu.RLock()
	defer t.mu.RUnlock()
	if h, ok := t.handlers[key]; ok {
		return h, nil
	}
	if t.fallback != nil {
		return t.fallback, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoHandler, key)
}

// Has reports whether taskType has an exact entry.
func (t *Table) Has(taskType string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.handlers[normalize(taskType)]
	return ok
}

// Types lists the registered task types in sorted order, with "*" appended
// when a fallback is installed.
func (t *Table) Types() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	types := make([]string, 0, len(t.handlers)+1)
	for k := range t.handlers {
		types = append(types, k)
	}
	sort.Strings(types)
	if t.fallback != nil {
		types = append(types, "*")
	}
	return types
}

// Claimable lists the exact task types, sorted. Unowned pending rows are
// only claimed by type, so a fallback never pulls work meant for another
// agent.
func (t *Table) Claimable() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	types := make([]string, 0, len(t.handlers))
	for k := range t.handlers {
		types = append(types, k)
	}
	sort.Strings(types)
	return types
}

// OnCleanup registers a hook run by Cleanup, in reverse registration order.
func (t *Table) OnCleanup(fn func() error) {
	t.mu.Lock()
	t.cleanup = append(t.cleanup, fn)
	t.mu.Unlock()
}

// Cleanup releases handler resources. All hooks run; their errors are
// joined.
func (t *Table) Cleanup() error {
	t.mu.Lock()
	hooks := t.cleanup
	t.cleanup = nil
	t.mu.Unlock()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func normalize(taskType string) string {
	return strings.ToLower(strings.TrimSpace(taskType))
}

// Success builds a success result carrying the given fields.
func Success(fields map[string]any) map[string]any {
	out := map[string]any{"status": "success"}
	for k, v := range fields {
		if k == "status" {
			continue
		}
		out[k] = v
	}
	return out
}

// ResultError fails a task with a caller-built result body.
type ResultError struct {
	Result map[string]any
	Err    error
}

func (e *ResultError) Error() string { return e.Err.Error() }
func (e *ResultError) Unwrap() error { return e.Err }

func FailWith(result map[string]any, err error) error {
	return &ResultError{Result: result, Err: err}
}

// Failure builds the error result stored for a failed task. A ResultError
// keeps its body, with status and error filled in.
func Failure(err error) map[string]any {
	var re *ResultError
	if errors.As(err, &re) && re.Result != nil {
		out := make(map[string]any, len(re.Result)+2)
		for k, v := range re.Result {
			out[k] = v
		}
		out["status"] = "error"
		if _, ok := out["error"]; !ok {
			out["error"] = err.Error()
		}
		return out
	}
	return map[string]any{"status": "error", "error": err.Error()}
}
