package postprocessing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/spf13/cast"

	"github.com/speedwagon-io/qcflow/internal/config"
	"github.com/speedwagon-io/qcflow/internal/lib/logger/sl"
	"github.com/speedwagon-io/qcflow/internal/metrics"
	"github.com/speedwagon-io/qcflow/internal/model"
	"github.com/speedwagon-io/qcflow/internal/repository"
)

const (
	SourceRepository = "repository"
	SourceQuality    = "quality"
)

// PassResult summarizes one trending pass.
type PassResult struct {
	Points    int
	Skipped   int
	Published []string
}

type source struct {
	typ      string
	name     string
	path     string
	reductor string
}

// TrendingTask reduces configured objects to scalars and keeps their
// history as trend series.
type TrendingTask struct {
	log      *slog.Logger
	cfg      config.TrendingConfig
	db       repository.Database
	store    TrendStore
	reg      *ReductorRegistry
	exporter Exporter
	sources  []source
}

// NewTrendingTask validates cfg. exporter may be nil.
func NewTrendingTask(
	log *slog.Logger,
	cfg config.TrendingConfig,
	db repository.Database,
	store TrendStore,
	reg *ReductorRegistry,
	exporter Exporter,
) (*TrendingTask, error) {
	t := &TrendingTask{
		log:      log.With(slog.String("trend", cfg.Name)),
		cfg:      cfg,
		db:       db,
		store:    store,
		reg:      reg,
		exporter: exporter,
	}

	for i, ds := range cfg.DataSources {
		typ := ds.Type
		if typ == "" {
			typ = SourceRepository
		}
		if typ != SourceRepository && typ != SourceQuality {
			return nil, &model.ValidationError{
				Field:  fmt.Sprintf("trending.%s.data_sources[%d].type", cfg.Name, i),
				Reason: fmt.Sprintf("unknown source type %q", ds.Type),
			}
		}
		names := ds.ObjectNames()
		if len(names) == 0 {
			return nil, &model.ValidationError{
				Field:  fmt.Sprintf("trending.%s.data_sources[%d]", cfg.Name, i),
				Reason: "name or names is required",
			}
		}
		if ds.Reductor != "" {
			if _, err := reg.Get(ds.Reductor, ""); err != nil {
				return nil, err
			}
		}
		for _, name := range names {
			p := name
			if ds.Path != "" {
				p = strings.TrimSuffix(ds.Path, "/") + "/" + name
			}
			t.sources = append(t.sources, source{typ: typ, name: name, path: p, reductor: ds.Reductor})
		}
	}
	return t, nil
}

func (t *TrendingTask) Name() string {
	return t.cfg.Name
}

// SeriesPath is where the trend of metric is published.
func (t *TrendingTask) SeriesPath(metric string) string {
	return t.cfg.Prefix + "/" + t.cfg.Name + "/" + metric
}

// Pass trends every source as of at, or the latest versions when at is 0.
// Points are keyed by the object's validity start, so running a pass twice
// over the same objects leaves the series unchanged.
func (t *TrendingTask) Pass(ctx context.Context, at int64) (PassResult, error) {
	var res PassResult
	changed := make(map[string]struct{})

	for _, src := range t.sources {
		in, err := t.resolve(ctx, src, at)
		if err != nil {
			if model.IsStoreUnavailable(err) {
				return res, err
			}
			reason := "decode"
			if errors.Is(err, model.ErrNotFound) {
				reason = "missing"
			}
			t.skip(&res, src, reason, err)
			continue
		}

		red, err := t.reg.Get(src.reductor, in.Entry.ObjectType)
		if err != nil {
			t.skip(&res, src, "reductor", err)
			continue
		}

		prev, err := t.previous(src.name, in.Entry.Validity.From)
		if err != nil {
			return res, err
		}

		values, err := red.Update(in, prev)
		if err != nil {
			t.skip(&res, src, "reductor", err)
			continue
		}

		run := cast.ToInt64(in.Entry.Meta[model.MetaRun])
		for _, key := range sortedKeys(values) {
			metric := src.name + "/" + key
			p := model.TrendPoint{Timestamp: in.Entry.Validity.From, Run: run, Value: values[key]}

			updated, err := t.store.Upsert(t.cfg.Name, metric, p)
			if err != nil {
				return res, err
			}
			res.Points++
			if !updated {
				continue
			}
			changed[metric] = struct{}{}

			if t.exporter != nil {
				if err := t.exporter.Export(ctx, t.cfg.Name, metric, []model.TrendPoint{p}); err != nil {
					t.log.Warn("failed to export trend point", slog.String("metric", metric), sl.Err(err))
				}
			}
		}
	}

	metrics.TrendPoints.WithLabelValues(t.cfg.Name).Add(float64(res.Points))

	// Series are republished only when one of their points changed.
	for _, metric := range sortedKeys(changed) {
		p, err := t.publish(ctx, metric)
		if err != nil {
			return res, err
		}
		res.Published = append(res.Published, p)
	}

	t.log.Debug("trending pass finished",
		slog.Int("points", res.Points),
		slog.Int("skipped", res.Skipped),
	)
	return res, nil
}

func (t *TrendingTask) skip(res *PassResult, src source, reason string, err error) {
	res.Skipped++
	metrics.TrendSourcesSkipped.WithLabelValues(t.cfg.Name, reason).Inc()
	t.log.Info("skipping trend source",
		slog.String("path", src.path),
		slog.String("reason", reason),
		sl.Err(err),
	)
}

func (t *TrendingTask) resolve(ctx context.Context, src source, at int64) (Input, error) {
	var (
		e   *repository.Entry
		err error
	)
	if at == 0 {
		e, err = t.db.GetLatest(ctx, src.path)
	} else {
		e, err = t.db.Get(ctx, src.path, at)
	}
	if err != nil {
		return Input{}, err
	}

	in := Input{Name: src.name, Entry: e}
	if src.typ == SourceQuality {
		in.Quality, err = repository.DecodeQualityObject(e)
	} else {
		in.Object, err = repository.DecodeMonitorObject(e)
	}
	if err != nil {
		return Input{}, fmt.Errorf("failed to decode %s: %w", src.path, err)
	}
	return in, nil
}

// previous collects, for every metric of a source, the stored value preceding
// ts. Reprocessing an old period therefore sees the same history again.
func (t *TrendingTask) previous(name string, ts int64) (map[string]float64, error) {
	prev := make(map[string]float64)
	for _, metric := range reducedMetrics {
		p, ok, err := t.store.Before(t.cfg.Name, name+"/"+metric, ts)
		if err != nil {
			return nil, err
		}
		if ok {
			prev[metric] = p.Value
		}
	}
	return prev, nil
}

// reducedMetrics are the values the built-in reductors produce. Custom
// reductors only see previous values for metrics with these names.
var reducedMetrics = []string{"entries", "mean", "stddev", "integral", "value", "mean_ratio", "level"}

func (t *TrendingTask) publish(ctx context.Context, metric string) (string, error) {
	points, err := t.store.Series(t.cfg.Name, metric)
	if err != nil {
		return "", err
	}
	if len(points) == 0 {
		return "", nil
	}

	last := points[len(points)-1]
	mo := model.NewMonitorObject(
		t.SeriesPath(metric),
		t.cfg.Name,
		&model.TrendSeries{Task: t.cfg.Name, Metric: metric, Points: points},
		model.Validity{From: points[0].Timestamp, To: last.Timestamp + 1},
		model.Activity{Run: last.Run},
	)
	req, err := repository.MonitorObjectRequest(mo)
	if err != nil {
		return "", err
	}
	if _, err := t.db.Put(ctx, req); err != nil {
		return "", fmt.Errorf("failed to publish trend %s: %w", mo.Path, err)
	}
	return mo.Path, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
