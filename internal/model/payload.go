package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Payload is the opaque content of a monitor object.
type Payload interface {
	Kind() string
}

// Mergeable payloads can be combined. Merge never mutates its operands.
type Mergeable interface {
	Payload
	Merge(other Payload) (Payload, error)
}

type PayloadFactory func() Payload

// PayloadRegistry maps payload kinds to constructors so stored bytes can be decoded.
type PayloadRegistry struct {
	mu        sync.RWMutex
	factories map[string]PayloadFactory
}

func NewPayloadRegistry() *PayloadRegistry {
	r := &PayloadRegistry{factories: make(map[string]PayloadFactory)}
	r.Register(KindHistogram1D, func() Payload { return &Histogram1D{} })
	r.Register(KindHistogram2D, func() Payload { return &Histogram2D{} })
	r.Register(KindCounter, func() Payload { return &Counter{} })
	r.Register(KindQuotient, func() Payload { return &Quotient{} })
	r.Register(KindGraph, func() Payload { return &Graph{} })
	r.Register(KindTrend, func() Payload { return &TrendSeries{} })
	return r
}

// DefaultPayloads is used when decoding monitor objects from JSON.
var DefaultPayloads = NewPayloadRegistry()

// RegisterPayload adds a user-defined kind to DefaultPayloads.
func RegisterPayload(kind string, f PayloadFactory) {
	DefaultPayloads.Register(kind, f)
}

func (r *PayloadRegistry) Register(kind string, f PayloadFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

func (r *PayloadRegistry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func (r *PayloadRegistry) Decode(kind string, data []byte) (Payload, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown payload kind %q", kind)
	}

	p := f()
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", kind, err)
	}
	return p, nil
}

func EncodePayload(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", p.Kind(), err)
	}
	return data, nil
}

// MergePayloads merges b into a when a supports it.
func MergePayloads(path string, a, b Payload) (Payload, error) {
	if a.Kind() != b.Kind() {
		return nil, &IncompatibleMergeError{Path: path, Left: a.Kind(), Right: b.Kind(), Reason: "payload kinds differ"}
	}
	m, ok := a.(Mergeable)
	if !ok {
		return nil, &IncompatibleMergeError{Path: path, Left: a.Kind(), Right: b.Kind(), Reason: "payload is not mergeable"}
	}
	merged, err := m.Merge(b)
	if err != nil {
		if me, ok := err.(*IncompatibleMergeError); ok && me.Path == "" {
			me.Path = path
		}
		return nil, err
	}
	return merged, nil
}
