package adapters

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedwagon-io/qcflow/internal/config"
	"github.com/speedwagon-io/qcflow/internal/lib/logger/sl"
)

func TestHTTPSourceParsesArrayAndObject(t *testing.T) {
	body := `[{"type":"digit","adc":12.5,"timestamp":"2024-05-01T10:00:00Z"},{"type":"cluster","size":"3"}]`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/one" {
			w.Write([]byte(`{"kind":"noise","adc":1}`))
			return
		}
		if r.URL.Path == "/empty" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Write([]byte(body))
	}))
	defer srv.Close()

	src := NewHTTPSource(sl.Discard(), srv.URL+"/many", time.Second, nil)
	events, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "digit", events[0].Type)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), events[0].Timestamp)
	adc, ok := events[0].Float("adc")
	assert.True(t, ok)
	assert.Equal(t, 12.5, adc)
	size, ok := events[1].Float("size")
	assert.True(t, ok)
	assert.Equal(t, float64(3), size)

	one := NewHTTPSource(sl.Discard(), srv.URL+"/one", time.Second, map[string]string{"type_field": "kind"})
	events, err = one.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "noise", events[0].Type)

	empty := NewHTTPSource(sl.Discard(), srv.URL+"/empty", time.Second, nil)
	events, err = empty.Fetch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestHTTPSourceStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPSource(sl.Discard(), srv.URL, time.Second, nil).Fetch(context.Background())
	assert.Error(t, err)
}

func TestGeneratorIsSeeded(t *testing.T) {
	opts := map[string]string{"count": "5", "seed": "42", "types": "a, b", "field": "adc"}
	g1, err := NewGenerator(opts)
	require.NoError(t, err)
	g2, err := NewGenerator(opts)
	require.NoError(t, err)

	e1, err := g1.Fetch(context.Background())
	require.NoError(t, err)
	e2, err := g2.Fetch(context.Background())
	require.NoError(t, err)

	require.Len(t, e1, 5)
	for i := range e1 {
		assert.Equal(t, e1[i].Fields["adc"], e2[i].Fields["adc"])
	}
	assert.Equal(t, "a", e1[0].Type)
	assert.Equal(t, "b", e1[1].Type)

	_, err = NewGenerator(map[string]string{"count": "many"})
	assert.Error(t, err)
}

func TestNewSource(t *testing.T) {
	_, err := New(sl.Discard(), config.SourceConfig{Type: "http"})
	assert.Error(t, err)

	_, err = New(sl.Discard(), config.SourceConfig{Type: "kafka"})
	assert.Error(t, err)

	src, err := New(sl.Discard(), config.SourceConfig{Type: "generator"})
	require.NoError(t, err)
	assert.Equal(t, "generator", src.Name())
}
