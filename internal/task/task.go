// Package task runs monitoring tasks in cycles and publishes what they produce.
package task

import (
	"context"
	"fmt"
	"sync"

	"github.com/speedwagon-io/qcflow/internal/config"
	"github.com/speedwagon-io/qcflow/internal/model"
	"github.com/speedwagon-io/qcflow/internal/source"
)

// Task is a user-supplied monitoring plug-in. Objects it returns carry
// paths relative to the task prefix; validity and activity are filled in
// from the cycle when left empty.
type Task interface {
	Initialize(cfg config.TaskConfig) error
	OnCycleStart(ctx context.Context, activity model.Activity) error
	OnData(ctx context.Context, ev source.Event) ([]*model.MonitorObject, error)
	OnCycleEnd(ctx context.Context) ([]*model.MonitorObject, error)
}

// Resetter is implemented by tasks that accumulate state across cycles.
type Resetter interface {
	Reset()
}

type State int

const (
	StateIdle State = iota
	StateActivated
	StateRunning
	StateEnded
	StateError
)

var stateNames = [...]string{"idle", "activated", "running", "ended", "error"}

func (s State) String() string {
	if s < StateIdle || s > StateError {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

type Factory func() Task

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry holding the built-in tasks.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("histogram", func() Task { return &HistogramTask{} })
	r.Register("counter", func() Task { return &CounterTask{} })
	return r
}

func (r *Registry) Register(module string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[module] = f
}

func (r *Registry) New(module string) (Task, error) {
	r.mu.RLock()
	f, ok := r.factories[module]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown task module %q", module)
	}
	return f(), nil
}
