package model

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cast"
)

// Validity is a half-open interval [From, To) in milliseconds since epoch.
type Validity struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

func (v Validity) Valid() bool {
	return v.To > v.From
}

func (v Validity) Contains(t int64) bool {
	return t >= v.From && t < v.To
}

// Hull returns the smallest interval covering both v and o.
func (v Validity) Hull(o Validity) Validity {
	return Validity{From: min(v.From, o.From), To: max(v.To, o.To)}
}

// Activity is the run context an object was produced in.
type Activity struct {
	Run      int64  `json:"run"`
	Period   string `json:"period,omitempty"`
	Pass     string `json:"pass,omitempty"`
	Detector string `json:"detector,omitempty"`
}

const (
	MetaRun      = "run"
	MetaPeriod   = "period"
	MetaPass     = "pass"
	MetaDetector = "detector"
)

func (a Activity) Meta() Metadata {
	m := Metadata{MetaRun: a.Run}
	if a.Period != "" {
		m[MetaPeriod] = a.Period
	}
	if a.Pass != "" {
		m[MetaPass] = a.Pass
	}
	if a.Detector != "" {
		m[MetaDetector] = a.Detector
	}
	return m
}

func ActivityFromMeta(m Metadata) Activity {
	return Activity{
		Run:      cast.ToInt64(m[MetaRun]),
		Period:   cast.ToString(m[MetaPeriod]),
		Pass:     cast.ToString(m[MetaPass]),
		Detector: cast.ToString(m[MetaDetector]),
	}
}

// Metadata is run metadata attached to stored objects. Values are string or int64.
type Metadata map[string]any

// Normalize returns a copy with every value coerced to string or int64.
// JSON decoding yields float64 for numbers; integral floats are accepted.
func (m Metadata) Normalize() (Metadata, error) {
	out := make(Metadata, len(m))
	for k, v := range m {
		if k == "" {
			return nil, &ValidationError{Field: "meta", Reason: "empty key"}
		}
		switch val := v.(type) {
		case string:
			out[k] = val
		case int, int8, int16, int32, int64, uint8, uint16, uint32:
			out[k] = cast.ToInt64(val)
		case float32, float64:
			f := cast.ToFloat64(val)
			if f != float64(int64(f)) {
				return nil, &ValidationError{Field: "meta." + k, Reason: "non-integral number"}
			}
			out[k] = int64(f)
		default:
			return nil, &ValidationError{Field: "meta." + k, Reason: fmt.Sprintf("unsupported value type %T", v)}
		}
	}
	return out, nil
}

func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ValidatePath checks that p is a non-empty slash-delimited hierarchical name.
func ValidatePath(p string) error {
	if p == "" {
		return &ValidationError{Field: "path", Reason: "empty"}
	}
	if strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/") {
		return &ValidationError{Path: p, Field: "path", Reason: "leading or trailing slash"}
	}
	if strings.Contains(p, "//") {
		return &ValidationError{Path: p, Field: "path", Reason: "empty segment"}
	}
	return nil
}

func ValidateValidity(path string, v Validity) error {
	if !v.Valid() {
		return &ValidationError{
			Path:   path,
			Field:  "validity",
			Reason: fmt.Sprintf("to (%d) must be greater than from (%d)", v.To, v.From),
		}
	}
	return nil
}
