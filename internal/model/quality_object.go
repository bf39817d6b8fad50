package model

import (
	"encoding/json"
	"sort"
)

// InputRef identifies one stored monitor object version used by a check.
type InputRef struct {
	Path    string `json:"path"`
	Version uint64 `json:"version"`
}

// CheckQuality is one check's contribution to an aggregated verdict.
type CheckQuality struct {
	Check   string  `json:"check"`
	Quality Quality `json:"quality"`
}

// QualityObject is the published verdict of a check. For aggregated objects
// Check names the primary contributor and Contributions lists every check
// in registration order.
type QualityObject struct {
	Quality       Quality           `json:"quality"`
	Check         string            `json:"check"`
	Module        string            `json:"module,omitempty"`
	Path          string            `json:"path,omitempty"`
	Inputs        []InputRef        `json:"inputs"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Contributions []CheckQuality    `json:"contributions,omitempty"`
	Validity      Validity          `json:"validity"`
	Activity      Activity          `json:"activity"`
}

const ObjectTypeQuality = "quality"

// SortInputs orders input references by path so encoding is deterministic.
func (qo *QualityObject) SortInputs() {
	sort.Slice(qo.Inputs, func(i, j int) bool {
		if qo.Inputs[i].Path != qo.Inputs[j].Path {
			return qo.Inputs[i].Path < qo.Inputs[j].Path
		}
		return qo.Inputs[i].Version < qo.Inputs[j].Version
	})
}

// Encode renders the object as JSON. Map keys are sorted by encoding/json,
// so identical objects encode to identical bytes.
func (qo *QualityObject) Encode() ([]byte, error) {
	qo.SortInputs()
	return json.Marshal(qo)
}

func DecodeQualityObject(data []byte) (*QualityObject, error) {
	var qo QualityObject
	if err := json.Unmarshal(data, &qo); err != nil {
		return nil, err
	}
	return &qo, nil
}
