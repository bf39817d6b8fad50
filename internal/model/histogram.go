package model

import (
	"fmt"
	"math"
)

const (
	KindHistogram1D = "histogram1d"
	KindHistogram2D = "histogram2d"
	KindCounter     = "counter"
	KindQuotient    = "quotient"
	KindGraph       = "graph"
	KindTrend       = "trend"
)

// Histogram1D is a fixed-binning histogram with under/overflow.
type Histogram1D struct {
	Bins      int       `json:"bins"`
	Min       float64   `json:"min"`
	Max       float64   `json:"max"`
	Counts    []float64 `json:"counts"`
	Underflow float64   `json:"underflow"`
	Overflow  float64   `json:"overflow"`
	Entries   float64   `json:"entries"`
}

func NewHistogram1D(bins int, min, max float64) *Histogram1D {
	return &Histogram1D{Bins: bins, Min: min, Max: max, Counts: make([]float64, bins)}
}

func (h *Histogram1D) Kind() string { return KindHistogram1D }

func (h *Histogram1D) Fill(x float64) {
	h.FillWeight(x, 1)
}

func (h *Histogram1D) FillWeight(x, w float64) {
	h.Entries++
	switch {
	case x < h.Min:
		h.Underflow += w
	case x >= h.Max:
		h.Overflow += w
	default:
		i := int((x - h.Min) / (h.Max - h.Min) * float64(h.Bins))
		if i >= h.Bins {
			i = h.Bins - 1
		}
		h.Counts[i] += w
	}
}

func (h *Histogram1D) BinCenter(i int) float64 {
	width := (h.Max - h.Min) / float64(h.Bins)
	return h.Min + (float64(i)+0.5)*width
}

// Integral is the sum of in-range bin contents.
func (h *Histogram1D) Integral() float64 {
	var sum float64
	for _, c := range h.Counts {
		sum += c
	}
	return sum
}

func (h *Histogram1D) Mean() float64 {
	var sum, sumW float64
	for i, c := range h.Counts {
		sum += c * h.BinCenter(i)
		sumW += c
	}
	if sumW == 0 {
		return 0
	}
	return sum / sumW
}

func (h *Histogram1D) StdDev() float64 {
	mean := h.Mean()
	var sum, sumW float64
	for i, c := range h.Counts {
		d := h.BinCenter(i) - mean
		sum += c * d * d
		sumW += c
	}
	if sumW == 0 {
		return 0
	}
	return math.Sqrt(sum / sumW)
}

func (h *Histogram1D) sameBinning(o *Histogram1D) bool {
	return h.Bins == o.Bins && h.Min == o.Min && h.Max == o.Max && len(h.Counts) == len(o.Counts)
}

func (h *Histogram1D) Merge(other Payload) (Payload, error) {
	o, ok := other.(*Histogram1D)
	if !ok {
		return nil, &IncompatibleMergeError{Left: h.Kind(), Right: other.Kind(), Reason: "payload kinds differ"}
	}
	if !h.sameBinning(o) {
		return nil, &IncompatibleMergeError{
			Left:   h.Kind(),
			Right:  o.Kind(),
			Reason: fmt.Sprintf("binning differs: %d[%g,%g) vs %d[%g,%g)", h.Bins, h.Min, h.Max, o.Bins, o.Min, o.Max),
		}
	}

	out := NewHistogram1D(h.Bins, h.Min, h.Max)
	for i := range out.Counts {
		out.Counts[i] = h.Counts[i] + o.Counts[i]
	}
	out.Underflow = h.Underflow + o.Underflow
	out.Overflow = h.Overflow + o.Overflow
	out.Entries = h.Entries + o.Entries
	return out, nil
}

// Histogram2D stores counts row-major: index = ix*YBins + iy.
type Histogram2D struct {
	XBins   int       `json:"xbins"`
	XMin    float64   `json:"xmin"`
	XMax    float64   `json:"xmax"`
	YBins   int       `json:"ybins"`
	YMin    float64   `json:"ymin"`
	YMax    float64   `json:"ymax"`
	Counts  []float64 `json:"counts"`
	Entries float64   `json:"entries"`
}

func NewHistogram2D(xbins int, xmin, xmax float64, ybins int, ymin, ymax float64) *Histogram2D {
	return &Histogram2D{
		XBins: xbins, XMin: xmin, XMax: xmax,
		YBins: ybins, YMin: ymin, YMax: ymax,
		Counts: make([]float64, xbins*ybins),
	}
}

func (h *Histogram2D) Kind() string { return KindHistogram2D }

func (h *Histogram2D) Fill(x, y, w float64) {
	h.Entries++
	if x < h.XMin || x >= h.XMax || y < h.YMin || y >= h.YMax {
		return
	}
	ix := int((x - h.XMin) / (h.XMax - h.XMin) * float64(h.XBins))
	iy := int((y - h.YMin) / (h.YMax - h.YMin) * float64(h.YBins))
	h.Counts[ix*h.YBins+iy] += w
}

func (h *Histogram2D) Bin(ix, iy int) float64 {
	return h.Counts[ix*h.YBins+iy]
}

func (h *Histogram2D) Integral() float64 {
	var sum float64
	for _, c := range h.Counts {
		sum += c
	}
	return sum
}

func (h *Histogram2D) sameBinning(o *Histogram2D) bool {
	return h.XBins == o.XBins && h.XMin == o.XMin && h.XMax == o.XMax &&
		h.YBins == o.YBins && h.YMin == o.YMin && h.YMax == o.YMax &&
		len(h.Counts) == len(o.Counts)
}

func (h *Histogram2D) add(o *Histogram2D) *Histogram2D {
	out := NewHistogram2D(h.XBins, h.XMin, h.XMax, h.YBins, h.YMin, h.YMax)
	for i := range out.Counts {
		out.Counts[i] = h.Counts[i] + o.Counts[i]
	}
	out.Entries = h.Entries + o.Entries
	return out
}

func (h *Histogram2D) Merge(other Payload) (Payload, error) {
	o, ok := other.(*Histogram2D)
	if !ok {
		return nil, &IncompatibleMergeError{Left: h.Kind(), Right: other.Kind(), Reason: "payload kinds differ"}
	}
	if !h.sameBinning(o) {
		return nil, &IncompatibleMergeError{Left: h.Kind(), Right: o.Kind(), Reason: "binning differs"}
	}
	return h.add(o), nil
}

// Quotient is a mergeable ratio of two 2D histograms: numerators and
// denominators are merged separately and the ratio is derived from them.
type Quotient struct {
	Num *Histogram2D `json:"num"`
	Den *Histogram2D `json:"den"`
}

func NewQuotient(num, den *Histogram2D) (*Quotient, error) {
	if !num.sameBinning(den) {
		return nil, &IncompatibleMergeError{Left: "num", Right: "den", Reason: "binning differs"}
	}
	return &Quotient{Num: num, Den: den}, nil
}

func (q *Quotient) Kind() string { return KindQuotient }

// Ratio returns num/den per bin; bins with an empty denominator are 0.
func (q *Quotient) Ratio() []float64 {
	out := make([]float64, len(q.Num.Counts))
	for i := range out {
		if d := q.Den.Counts[i]; d != 0 {
			out[i] = q.Num.Counts[i] / d
		}
	}
	return out
}

func (q *Quotient) RatioAt(ix, iy int) float64 {
	d := q.Den.Bin(ix, iy)
	if d == 0 {
		return 0
	}
	return q.Num.Bin(ix, iy) / d
}

// MeanRatio is the ratio of the integrals.
func (q *Quotient) MeanRatio() float64 {
	d := q.Den.Integral()
	if d == 0 {
		return 0
	}
	return q.Num.Integral() / d
}

func (q *Quotient) Merge(other Payload) (Payload, error) {
	o, ok := other.(*Quotient)
	if !ok {
		return nil, &IncompatibleMergeError{Left: q.Kind(), Right: other.Kind(), Reason: "payload kinds differ"}
	}
	if !q.Num.sameBinning(o.Num) || !q.Den.sameBinning(o.Den) {
		return nil, &IncompatibleMergeError{Left: q.Kind(), Right: o.Kind(), Reason: "binning differs"}
	}
	return &Quotient{Num: q.Num.add(o.Num), Den: q.Den.add(o.Den)}, nil
}

type Counter struct {
	Value float64 `json:"value"`
}

func (c *Counter) Kind() string { return KindCounter }

func (c *Counter) Merge(other Payload) (Payload, error) {
	o, ok := other.(*Counter)
	if !ok {
		return nil, &IncompatibleMergeError{Left: c.Kind(), Right: other.Kind(), Reason: "payload kinds differ"}
	}
	return &Counter{Value: c.Value + o.Value}, nil
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Graph is an ordered sequence of points. It is not mergeable.
type Graph struct {
	Points []Point `json:"points"`
}

func (g *Graph) Kind() string { return KindGraph }

type TrendPoint struct {
	Timestamp int64   `json:"timestamp"`
	Run       int64   `json:"run"`
	Value     float64 `json:"value"`
}

// TrendSeries is the published form of one trended metric.
type TrendSeries struct {
	Task   string       `json:"task"`
	Metric string       `json:"metric"`
	Points []TrendPoint `json:"points"`
}

func (t *TrendSeries) Kind() string { return KindTrend }
