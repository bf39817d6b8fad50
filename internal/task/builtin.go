package task

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cast"

	"github.com/speedwagon-io/qcflow/internal/config"
	"github.com/speedwagon-io/qcflow/internal/model"
	"github.com/speedwagon-io/qcflow/internal/source"
)

// HistogramTask fills a 1D histogram from one numeric event field.
//
// Options: field (required), name (object name, defaults to field),
// bins, min, max, type (only events of this type are used).
type HistogramTask struct {
	field     string
	name      string
	eventType string
	bins      int
	min, max  float64

	hist *model.Histogram1D
}

func (t *HistogramTask) Initialize(cfg config.TaskConfig) error {
	t.field = cfg.Options["field"]
	if t.field == "" {
		return fmt.Errorf("task %q: option field is required", cfg.Name)
	}
	t.name = cfg.Options["name"]
	if t.name == "" {
		t.name = t.field
	}
	t.eventType = cfg.Options["type"]

	var err error
	t.bins = 100
	if v, ok := cfg.Options["bins"]; ok {
		if t.bins, err = cast.ToIntE(v); err != nil || t.bins <= 0 {
			return fmt.Errorf("task %q: invalid bins %q", cfg.Name, v)
		}
	}
	t.min = cast.ToFloat64(cfg.Options["min"])
	t.max = 100
	if v, ok := cfg.Options["max"]; ok {
		if t.max, err = cast.ToFloat64E(v); err != nil {
			return fmt.Errorf("task %q: invalid max %q", cfg.Name, v)
		}
	}
	if t.max <= t.min {
		return fmt.Errorf("task %q: max must be greater than min", cfg.Name)
	}
	return nil
}

func (t *HistogramTask) OnCycleStart(context.Context, model.Activity) error {
	t.hist = model.NewHistogram1D(t.bins, t.min, t.max)
	return nil
}

func (t *HistogramTask) OnData(_ context.Context, ev source.Event) ([]*model.MonitorObject, error) {
	if t.eventType != "" && ev.Type != t.eventType {
		return nil, nil
	}
	if v, ok := ev.Float(t.field); ok {
		t.hist.Fill(v)
	}
	return nil, nil
}

func (t *HistogramTask) OnCycleEnd(context.Context) ([]*model.MonitorObject, error) {
	h := t.hist
	t.hist = nil
	return []*model.MonitorObject{{Path: t.name, Payload: h}}, nil
}

func (t *HistogramTask) Reset() {
	t.hist = nil
}

// CounterTask counts events per type and publishes one counter per type
// under <prefix>/<name>/<type>.
type CounterTask struct {
	name   string
	counts map[string]float64
}

func (t *CounterTask) Initialize(cfg config.TaskConfig) error {
	t.name = cfg.Options["name"]
	if t.name == "" {
		t.name = "events"
	}
	return nil
}

func (t *CounterTask) OnCycleStart(context.Context, model.Activity) error {
	t.counts = make(map[string]float64)
	return nil
}

func (t *CounterTask) OnData(_ context.Context, ev source.Event) ([]*model.MonitorObject, error) {
	typ := ev.Type
	if typ == "" {
		typ = "unknown"
	}
	t.counts[typ]++
	return nil, nil
}

func (t *CounterTask) OnCycleEnd(context.Context) ([]*model.MonitorObject, error) {
	types := make([]string, 0, len(t.counts))
	for typ := range t.counts {
		types = append(types, typ)
	}
	sort.Strings(types)

	out := make([]*model.MonitorObject, 0, len(types))
	for _, typ := range types {
		out = append(out, &model.MonitorObject{
			Path:    t.name + "/" + typ,
			Payload: &model.Counter{Value: t.counts[typ]},
		})
	}
	return out, nil
}

func (t *CounterTask) Reset() {
	t.counts = nil
}
