package checker

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/spf13/cast"

	"github.com/speedwagon-io/qcflow/internal/config"
	"github.com/speedwagon-io/qcflow/internal/model"
)

// NonEmpty is Bad when any input holds no data.
type NonEmpty struct{}

func (c *NonEmpty) Configure(config.CheckConfig) error { return nil }

func (c *NonEmpty) Evaluate(_ context.Context, inputs Inputs) (model.Quality, map[string]string, error) {
	var empty []string
	for _, in := range inputs {
		n, err := entries(in.Object.Payload)
		if err != nil {
			return model.QualityNull, nil, err
		}
		if n <= 0 {
			empty = append(empty, in.Path)
		}
	}
	if len(empty) > 0 {
		return model.QualityBad, map[string]string{"empty": strings.Join(empty, ",")}, nil
	}
	return model.QualityGood, nil, nil
}

func entries(p model.Payload) (float64, error) {
	switch v := p.(type) {
	case *model.Histogram1D:
		return v.Entries, nil
	case *model.Histogram2D:
		return v.Integral(), nil
	case *model.Counter:
		return v.Value, nil
	case *model.Quotient:
		return v.Den.Integral(), nil
	case *model.Graph:
		return float64(len(v.Points)), nil
	case *model.TrendSeries:
		return float64(len(v.Points)), nil
	default:
		return 0, fmt.Errorf("unsupported payload %s", p.Kind())
	}
}

// MeanIsAbove grades 1D histograms by their mean against the threshold option.
type MeanIsAbove struct {
	threshold float64
}

func (c *MeanIsAbove) Configure(cfg config.CheckConfig) error {
	raw, ok := cfg.Options["threshold"]
	if !ok {
		return fmt.Errorf("option threshold is required")
	}
	t, err := cast.ToFloat64E(raw)
	if err != nil {
		return fmt.Errorf("invalid threshold: %w", err)
	}
	c.threshold = t
	return nil
}

func (c *MeanIsAbove) Evaluate(_ context.Context, inputs Inputs) (model.Quality, map[string]string, error) {
	result := model.QualityNull
	meta := make(map[string]string)
	for _, in := range inputs {
		h, ok := in.Object.Payload.(*model.Histogram1D)
		if !ok {
			return model.QualityNull, nil, fmt.Errorf("%s: expected %s, got %s", in.Path, model.KindHistogram1D, in.Object.Payload.Kind())
		}
		if h.Integral() == 0 {
			meta[in.Path] = "no entries"
			continue
		}
		mean := h.Mean()
		meta[in.Path] = cast.ToString(mean)
		q := model.QualityGood
		if mean <= c.threshold {
			q = model.QualityBad
		}
		result = model.Worst(result, q)
	}
	return result, meta, nil
}

// EverIncreasing is Good when every graph's y values never decrease.
type EverIncreasing struct{}

func (c *EverIncreasing) Configure(config.CheckConfig) error { return nil }

func (c *EverIncreasing) Evaluate(_ context.Context, inputs Inputs) (model.Quality, map[string]string, error) {
	for _, in := range inputs {
		g, ok := in.Object.Payload.(*model.Graph)
		if !ok {
			return model.QualityNull, nil, fmt.Errorf("%s: expected %s, got %s", in.Path, model.KindGraph, in.Object.Payload.Kind())
		}
		for i := 1; i < len(g.Points); i++ {
			if g.Points[i].Y < g.Points[i-1].Y {
				return model.QualityBad, map[string]string{
					"path":  in.Path,
					"point": cast.ToString(i),
				}, nil
			}
		}
	}
	return model.QualityGood, nil, nil
}

// RatioWithin grades quotients by their mean ratio. Ratios inside [min, max]
// are Good, ratios within tolerance of the range are Medium.
type RatioWithin struct {
	min, max, tolerance float64
}

func (c *RatioWithin) Configure(cfg config.CheckConfig) error {
	c.min = cast.ToFloat64(cfg.Options["min"])
	c.max = math.Inf(1)
	if v, ok := cfg.Options["max"]; ok {
		m, err := cast.ToFloat64E(v)
		if err != nil {
			return fmt.Errorf("invalid max: %w", err)
		}
		c.max = m
	}
	c.tolerance = cast.ToFloat64(cfg.Options["tolerance"])
	if c.max < c.min {
		return fmt.Errorf("max %v below min %v", c.max, c.min)
	}
	return nil
}

func (c *RatioWithin) Evaluate(_ context.Context, inputs Inputs) (model.Quality, map[string]string, error) {
	result := model.QualityNull
	meta := make(map[string]string)
	for _, in := range inputs {
		q, ok := in.Object.Payload.(*model.Quotient)
		if !ok {
			return model.QualityNull, nil, fmt.Errorf("%s: expected %s, got %s", in.Path, model.KindQuotient, in.Object.Payload.Kind())
		}
		if q.Den.Integral() == 0 {
			meta[in.Path] = "empty denominator"
			continue
		}
		r := q.MeanRatio()
		meta[in.Path] = cast.ToString(r)
		switch {
		case r >= c.min && r <= c.max:
			result = model.Worst(result, model.QualityGood)
		case r >= c.min-c.tolerance && r <= c.max+c.tolerance:
			result = model.Worst(result, model.QualityMedium)
		default:
			result = model.Worst(result, model.QualityBad)
		}
	}
	return result, meta, nil
}

// Fixed always returns the configured quality.
type Fixed struct {
	quality model.Quality
}

func (c *Fixed) Configure(cfg config.CheckConfig) error {
	c.quality = model.QualityGood
	if s, ok := cfg.Options["quality"]; ok {
		q, err := model.ParseQuality(s)
		if err != nil {
			return err
		}
		c.quality = q
	}
	return nil
}

func (c *Fixed) Evaluate(context.Context, Inputs) (model.Quality, map[string]string, error) {
	return c.quality, nil, nil
}
