// Package source feeds events to monitoring tasks.
package source

import (
	"context"
	"sync"
	"time"

	"github.com/spf13/cast"
)

// Event is one datum read from the data stream.
type Event struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields"`
}

// Float returns a numeric field.
func (e Event) Float(field string) (float64, bool) {
	v, ok := e.Fields[field]
	if !ok || v == nil {
		return 0, false
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Source is polled by a task runner at a fixed cadence.
type Source interface {
	Fetch(ctx context.Context) ([]Event, error)
	Name() string
	Close() error
}

// Streamer is a Source that also pushes events as they arrive. Runners
// prefer Events over polling when a source implements it.
type Streamer interface {
	Source
	Events() <-chan Event
}

// Channel adapts a channel of events to both Source and Streamer.
type Channel struct {
	name string
	ch   chan Event
	once sync.Once
}

func NewChannel(name string, buffer int) *Channel {
	return &Channel{name: name, ch: make(chan Event, buffer)}
}

func (c *Channel) Name() string { return c.name }

// Send blocks until the event is queued or ctx ends.
func (c *Channel) Send(ctx context.Context, ev Event) error {
	select {
	case c.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) Events() <-chan Event { return c.ch }

// Fetch drains whatever is queued without blocking.
func (c *Channel) Fetch(ctx context.Context) ([]Event, error) {
	var out []Event
	for {
		select {
		case ev, ok := <-c.ch:
			if !ok {
				return out, nil
			}
			out = append(out, ev)
		default:
			return out, nil
		}
	}
}

func (c *Channel) Close() error {
	c.once.Do(func() { close(c.ch) })
	return nil
}
