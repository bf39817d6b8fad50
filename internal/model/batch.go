package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Batch is the output of one task cycle. It is published all-or-nothing.
type Batch struct {
	ID        string           `json:"id"`
	Task      string           `json:"task"`
	Cycle     int64            `json:"cycle"`
	Timestamp time.Time        `json:"timestamp"`
	Objects   []*MonitorObject `json:"objects"`
}

func NewBatch(task string, cycle int64, objects []*MonitorObject) *Batch {
	return &Batch{
		ID:        uuid.New().String(),
		Task:      task,
		Cycle:     cycle,
		Timestamp: time.Now().UTC(),
		Objects:   objects,
	}
}

func (b *Batch) ToJSON() ([]byte, error) {
	return json.Marshal(b)
}

func BatchFromJSON(data []byte) (*Batch, error) {
	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}
