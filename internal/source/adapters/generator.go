package adapters

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cast"

	"github.com/speedwagon-io/qcflow/internal/config"
	"github.com/speedwagon-io/qcflow/internal/source"
)

// Generator produces synthetic events with one gaussian field. It stands in
// for a detector readout when running the pipeline without one.
type Generator struct {
	mu    sync.Mutex
	rng   *rand.Rand
	field string
	types []string
	count int
	mean  float64
	sigma float64
	now   func() time.Time
}

func NewGenerator(options map[string]string) (*Generator, error) {
	g := &Generator{
		field: "value",
		types: []string{"physics"},
		count: 100,
		mean:  50,
		sigma: 10,
		now:   time.Now,
	}
	var err error
	if v, ok := options["field"]; ok {
		g.field = v
	}
	if t := splitList(options["types"]); len(t) > 0 {
		g.types = t
	}
	if v, ok := options["count"]; ok {
		if g.count, err = cast.ToIntE(v); err != nil {
			return nil, fmt.Errorf("invalid count: %w", err)
		}
	}
	if v, ok := options["mean"]; ok {
		if g.mean, err = cast.ToFloat64E(v); err != nil {
			return nil, fmt.Errorf("invalid mean: %w", err)
		}
	}
	if v, ok := options["sigma"]; ok {
		if g.sigma, err = cast.ToFloat64E(v); err != nil {
			return nil, fmt.Errorf("invalid sigma: %w", err)
		}
	}
	seed := time.Now().UnixNano()
	if v, ok := options["seed"]; ok {
		if seed, err = cast.ToInt64E(v); err != nil {
			return nil, fmt.Errorf("invalid seed: %w", err)
		}
	}
	g.rng = rand.New(rand.NewSource(seed))
	return g, nil
}

func (g *Generator) Name() string { return "generator" }

func (g *Generator) Close() error { return nil }

func (g *Generator) Fetch(ctx context.Context) ([]source.Event, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.now().UTC()
	events := make([]source.Event, g.count)
	for i := range events {
		events[i] = source.Event{
			Type:      g.types[i%len(g.types)],
			Timestamp: ts,
			Fields:    map[string]any{g.field: g.mean + g.sigma*g.rng.NormFloat64()},
		}
	}
	return events, nil
}

// New builds the source described by cfg.
func New(log *slog.Logger, cfg config.SourceConfig) (source.Source, error) {
	switch cfg.Type {
	case "http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("http source requires url")
		}
		return NewHTTPSource(log, cfg.URL, cfg.Timeout, cfg.Options), nil
	case "generator", "":
		return NewGenerator(cfg.Options)
	default:
		return nil, fmt.Errorf("unknown source type %q", cfg.Type)
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
