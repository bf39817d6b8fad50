// Package checker grades stored monitor objects with quality verdicts.
//
// A check declares the monitor paths it reads. When a new version lands on
// one of them the engine resolves the declared inputs, runs the check and
// publishes one QualityObject for the check plus one aggregated
// QualityObject per graded monitor path.
package checker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/speedwagon-io/qcflow/internal/config"
	"github.com/speedwagon-io/qcflow/internal/model"
)

// Policy decides which inputs an evaluation needs.
type Policy int

const (
	// OnAll waits until every declared input resolves.
	OnAll Policy = iota
	// OnAny evaluates with whatever inputs resolve, at least one.
	OnAny
	// OnEachSeparately evaluates every input on its own.
	OnEachSeparately
)

func (p Policy) String() string {
	switch p {
	case OnAny:
		return "OnAny"
	case OnEachSeparately:
		return "OnEachSeparately"
	default:
		return "OnAll"
	}
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "onall":
		return OnAll, nil
	case "onany":
		return OnAny, nil
	case "oneachseparately":
		return OnEachSeparately, nil
	default:
		return OnAll, &model.ValidationError{Field: "policy", Reason: fmt.Sprintf("unknown policy %q", s)}
	}
}

// Input is one resolved monitor object version.
type Input struct {
	Path    string
	Version uint64
	Object  *model.MonitorObject
}

// Inputs are always sorted by path.
type Inputs []Input

func (in Inputs) Get(path string) (Input, bool) {
	i := sort.Search(len(in), func(i int) bool { return in[i].Path >= path })
	if i < len(in) && in[i].Path == path {
		return in[i], true
	}
	return Input{}, false
}

func (in Inputs) Paths() []string {
	out := make([]string, len(in))
	for i, input := range in {
		out[i] = input.Path
	}
	return out
}

// Check is a user-supplied quality check. Evaluate must be a pure function of
// its inputs; the engine may call it from several goroutines.
type Check interface {
	Configure(cfg config.CheckConfig) error
	Evaluate(ctx context.Context, inputs Inputs) (model.Quality, map[string]string, error)
}

type Factory func() Check

// Registry resolves check modules by name.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry holding the built-in checks.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("NonEmpty", func() Check { return &NonEmpty{} })
	r.Register("MeanIsAbove", func() Check { return &MeanIsAbove{} })
	r.Register("EverIncreasing", func() Check { return &EverIncreasing{} })
	r.Register("RatioWithin", func() Check { return &RatioWithin{} })
	r.Register("Fixed", func() Check { return &Fixed{} })
	return r
}

func (r *Registry) Register(module string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[module] = f
}

// New instantiates and configures the check for cfg.Module.
func (r *Registry) New(cfg config.CheckConfig) (Check, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Module]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown check module %q", cfg.Module)
	}

	c := f()
	if err := c.Configure(cfg); err != nil {
		return nil, fmt.Errorf("failed to configure check %q: %w", cfg.Name, err)
	}
	return c, nil
}
