package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Quality is a verdict in the lattice Null < Good < Medium < Bad.
// Combining qualities keeps the worst one.
type Quality int

const (
	QualityNull Quality = iota
	QualityGood
	QualityMedium
	QualityBad
)

var qualityNames = [...]string{"null", "good", "medium", "bad"}

func (q Quality) String() string {
	if q < QualityNull || q > QualityBad {
		return fmt.Sprintf("quality(%d)", int(q))
	}
	return qualityNames[q]
}

func (q Quality) Level() int {
	return int(q)
}

func (q Quality) WorseThan(o Quality) bool {
	return q > o
}

func ParseQuality(s string) (Quality, error) {
	for i, name := range qualityNames {
		if strings.EqualFold(s, name) {
			return Quality(i), nil
		}
	}
	return QualityNull, &ValidationError{Field: "quality", Reason: fmt.Sprintf("unknown value %q", s)}
}

func (q Quality) MarshalJSON() ([]byte, error) {
	return json.Marshal(q.String())
}

func (q *Quality) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseQuality(s)
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}

// Worst returns the dominating quality of qs, QualityNull when empty.
func Worst(qs ...Quality) Quality {
	worst := QualityNull
	for _, q := range qs {
		if q > worst {
			worst = q
		}
	}
	return worst
}

// Aggregate returns the worst quality and the index of the first element
// holding it. Order only affects the index, never the quality.
func Aggregate(qs []Quality) (Quality, int) {
	if len(qs) == 0 {
		return QualityNull, -1
	}
	worst, primary := qs[0], 0
	for i, q := range qs[1:] {
		if q > worst {
			worst, primary = q, i+1
		}
	}
	return worst, primary
}
