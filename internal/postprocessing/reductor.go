// Package postprocessing derives trends from stored monitor and quality
// objects.
package postprocessing

import (
	"fmt"
	"sync"

	"github.com/speedwagon-io/qcflow/internal/model"
	"github.com/speedwagon-io/qcflow/internal/repository"
)

// Input is one resolved data source object handed to a reductor. Exactly one
// of Object and Quality is set.
type Input struct {
	Name    string
	Entry   *repository.Entry
	Object  *model.MonitorObject
	Quality *model.QualityObject
}

// Reductor turns an object into named scalar values. prev holds the values
// of the previous trend point for the same source, empty for the first.
type Reductor interface {
	Update(in Input, prev map[string]float64) (map[string]float64, error)
}

type ReductorFunc func(in Input, prev map[string]float64) (map[string]float64, error)

func (f ReductorFunc) Update(in Input, prev map[string]float64) (map[string]float64, error) {
	return f(in, prev)
}

type ReductorRegistry struct {
	mu        sync.RWMutex
	reductors map[string]Reductor
}

func NewReductorRegistry() *ReductorRegistry {
	r := &ReductorRegistry{reductors: make(map[string]Reductor)}
	r.Register(model.KindHistogram1D, ReductorFunc(reduceHistogram1D))
	r.Register(model.KindHistogram2D, ReductorFunc(reduceHistogram2D))
	r.Register(model.KindCounter, ReductorFunc(reduceCounter))
	r.Register(model.KindQuotient, ReductorFunc(reduceQuotient))
	r.Register(model.ObjectTypeQuality, ReductorFunc(reduceQuality))
	return r
}

func (r *ReductorRegistry) Register(name string, red Reductor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reductors[name] = red
}

// Get returns the named reductor. An empty name selects the reductor for
// the object's own type.
func (r *ReductorRegistry) Get(name, objectType string) (Reductor, error) {
	if name == "" {
		name = objectType
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	red, ok := r.reductors[name]
	if !ok {
		return nil, fmt.Errorf("unknown reductor %q", name)
	}
	return red, nil
}

func wrongKind(want string, in Input) error {
	got := "quality"
	if in.Object != nil {
		got = in.Object.Payload.Kind()
	}
	return fmt.Errorf("reductor %s cannot reduce %s", want, got)
}

func reduceHistogram1D(in Input, _ map[string]float64) (map[string]float64, error) {
	if in.Object == nil {
		return nil, wrongKind(model.KindHistogram1D, in)
	}
	h, ok := in.Object.Payload.(*model.Histogram1D)
	if !ok {
		return nil, wrongKind(model.KindHistogram1D, in)
	}
	return map[string]float64{
		"entries":  h.Entries,
		"mean":     h.Mean(),
		"stddev":   h.StdDev(),
		"integral": h.Integral(),
	}, nil
}

func reduceHistogram2D(in Input, _ map[string]float64) (map[string]float64, error) {
	if in.Object == nil {
		return nil, wrongKind(model.KindHistogram2D, in)
	}
	h, ok := in.Object.Payload.(*model.Histogram2D)
	if !ok {
		return nil, wrongKind(model.KindHistogram2D, in)
	}
	return map[string]float64{
		"entries":  h.Entries,
		"integral": h.Integral(),
	}, nil
}

func reduceCounter(in Input, _ map[string]float64) (map[string]float64, error) {
	if in.Object == nil {
		return nil, wrongKind(model.KindCounter, in)
	}
	c, ok := in.Object.Payload.(*model.Counter)
	if !ok {
		return nil, wrongKind(model.KindCounter, in)
	}
	return map[string]float64{"value": c.Value}, nil
}

func reduceQuotient(in Input, _ map[string]float64) (map[string]float64, error) {
	if in.Object == nil {
		return nil, wrongKind(model.KindQuotient, in)
	}
	q, ok := in.Object.Payload.(*model.Quotient)
	if !ok {
		return nil, wrongKind(model.KindQuotient, in)
	}
	return map[string]float64{"mean_ratio": q.MeanRatio()}, nil
}

func reduceQuality(in Input, _ map[string]float64) (map[string]float64, error) {
	if in.Quality == nil {
		return nil, wrongKind(model.ObjectTypeQuality, in)
	}
	return map[string]float64{"level": float64(in.Quality.Quality.Level())}, nil
}
