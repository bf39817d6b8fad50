package checker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedwagon-io/qcflow/internal/config"
	"github.com/speedwagon-io/qcflow/internal/model"
)

func inputsOf(payloads map[string]model.Payload) Inputs {
	var in Inputs
	for _, p := range []string{"det/a", "det/b", "det/c"} {
		if payload, ok := payloads[p]; ok {
			in = append(in, Input{Path: p, Version: 1, Object: &model.MonitorObject{Path: p, Payload: payload}})
		}
	}
	return in
}

func quotient(num, den float64) *model.Quotient {
	n := model.NewHistogram2D(2, 0, 2, 2, 0, 2)
	d := model.NewHistogram2D(2, 0, 2, 2, 0, 2)
	n.Fill(0.5, 0.5, num)
	d.Fill(0.5, 0.5, den)
	q, _ := model.NewQuotient(n, d)
	return q
}

func TestBuiltinChecks(t *testing.T) {
	tests := []struct {
		name    string
		module  string
		options map[string]string
		inputs  Inputs
		want    model.Quality
		wantErr bool
	}{
		{
			name:   "non-empty good",
			module: "NonEmpty",
			inputs: inputsOf(map[string]model.Payload{"det/a": histogramWithMean(3), "det/b": &model.Counter{Value: 1}}),
			want:   model.QualityGood,
		},
		{
			name:   "non-empty with one empty input",
			module: "NonEmpty",
			inputs: inputsOf(map[string]model.Payload{"det/a": histogramWithMean(3), "det/b": model.NewHistogram1D(5, 0, 1)}),
			want:   model.QualityBad,
		},
		{
			name:    "mean above threshold",
			module:  "MeanIsAbove",
			options: map[string]string{"threshold": "10"},
			inputs:  inputsOf(map[string]model.Payload{"det/a": histogramWithMean(40)}),
			want:    model.QualityGood,
		},
		{
			name:    "mean below threshold",
			module:  "MeanIsAbove",
			options: map[string]string{"threshold": "10"},
			inputs:  inputsOf(map[string]model.Payload{"det/a": histogramWithMean(40), "det/b": histogramWithMean(2)}),
			want:    model.QualityBad,
		},
		{
			name:    "mean of empty histogram",
			module:  "MeanIsAbove",
			options: map[string]string{"threshold": "10"},
			inputs:  inputsOf(map[string]model.Payload{"det/a": model.NewHistogram1D(5, 0, 1)}),
			want:    model.QualityNull,
		},
		{
			name:    "mean on wrong payload",
			module:  "MeanIsAbove",
			options: map[string]string{"threshold": "10"},
			inputs:  inputsOf(map[string]model.Payload{"det/a": &model.Counter{Value: 1}}),
			wantErr: true,
		},
		{
			name:   "ever increasing",
			module: "EverIncreasing",
			inputs: inputsOf(map[string]model.Payload{"det/a": &model.Graph{Points: []model.Point{{X: 0, Y: 1}, {X: 1, Y: 1}, {X: 2, Y: 3}}}}),
			want:   model.QualityGood,
		},
		{
			name:   "decreasing graph",
			module: "EverIncreasing",
			inputs: inputsOf(map[string]model.Payload{"det/a": &model.Graph{Points: []model.Point{{X: 0, Y: 2}, {X: 1, Y: 1}}}}),
			want:   model.QualityBad,
		},
		{
			name:    "ratio within range",
			module:  "RatioWithin",
			options: map[string]string{"min": "0.4", "max": "0.6"},
			inputs:  inputsOf(map[string]model.Payload{"det/a": quotient(5, 10)}),
			want:    model.QualityGood,
		},
		{
			name:    "ratio within tolerance",
			module:  "RatioWithin",
			options: map[string]string{"min": "0.4", "max": "0.6", "tolerance": "0.1"},
			inputs:  inputsOf(map[string]model.Payload{"det/a": quotient(6.5, 10)}),
			want:    model.QualityMedium,
		},
		{
			name:    "ratio out of range",
			module:  "RatioWithin",
			options: map[string]string{"min": "0.4", "max": "0.6"},
			inputs:  inputsOf(map[string]model.Payload{"det/a": quotient(9, 10)}),
			want:    model.QualityBad,
		},
	}

	registry := NewRegistry()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check, err := registry.New(config.CheckConfig{Name: tt.name, Module: tt.module, Options: tt.options})
			require.NoError(t, err)

			q, _, err := check.Evaluate(context.Background(), tt.inputs)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, q)
		})
	}
}

func TestCheckConfigurationErrors(t *testing.T) {
	registry := NewRegistry()

	_, err := registry.New(config.CheckConfig{Name: "m", Module: "MeanIsAbove"})
	assert.Error(t, err, "threshold is required")

	_, err = registry.New(config.CheckConfig{Name: "r", Module: "RatioWithin", Options: map[string]string{"min": "2", "max": "1"}})
	assert.Error(t, err)

	_, err = registry.New(config.CheckConfig{Name: "f", Module: "Fixed", Options: map[string]string{"quality": "superb"}})
	assert.Error(t, err)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("OnEachSeparately")
	require.NoError(t, err)
	assert.Equal(t, OnEachSeparately, p)

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, OnAll, p)

	_, err = ParsePolicy("OnSome")
	assert.True(t, model.IsValidation(err))
}
