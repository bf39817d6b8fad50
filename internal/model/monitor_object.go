package model

import (
	"encoding/json"
	"fmt"
)

// MonitorObject is one unit of monitoring data produced by a task cycle.
type MonitorObject struct {
	Path     string
	TaskName string
	Payload  Payload
	Validity Validity
	Activity Activity
}

func NewMonitorObject(path, taskName string, payload Payload, validity Validity, activity Activity) *MonitorObject {
	return &MonitorObject{
		Path:     path,
		TaskName: taskName,
		Payload:  payload,
		Validity: validity,
		Activity: activity,
	}
}

func (mo *MonitorObject) Validate() error {
	if err := ValidatePath(mo.Path); err != nil {
		return err
	}
	if mo.Payload == nil {
		return &ValidationError{Path: mo.Path, Field: "payload", Reason: "missing"}
	}
	return ValidateValidity(mo.Path, mo.Validity)
}

// Meta is the run metadata stored alongside the object.
func (mo *MonitorObject) Meta() Metadata {
	m := mo.Activity.Meta()
	if mo.TaskName != "" {
		m["task"] = mo.TaskName
	}
	return m
}

// MergeWith combines two objects for the same path. Objects from different
// runs have incompatible validity ranges.
func (mo *MonitorObject) MergeWith(other *MonitorObject) (*MonitorObject, error) {
	if mo.Path != other.Path {
		return nil, &IncompatibleMergeError{Path: mo.Path, Left: mo.Path, Right: other.Path, Reason: "paths differ"}
	}
	if mo.Activity.Run != other.Activity.Run {
		return nil, &IncompatibleMergeError{
			Path:   mo.Path,
			Left:   mo.Payload.Kind(),
			Right:  other.Payload.Kind(),
			Reason: fmt.Sprintf("runs differ: %d vs %d", mo.Activity.Run, other.Activity.Run),
		}
	}

	merged, err := MergePayloads(mo.Path, mo.Payload, other.Payload)
	if err != nil {
		return nil, err
	}

	return &MonitorObject{
		Path:     mo.Path,
		TaskName: mo.TaskName,
		Payload:  merged,
		Validity: mo.Validity.Hull(other.Validity),
		Activity: mo.Activity,
	}, nil
}

type monitorObjectJSON struct {
	Path     string          `json:"path"`
	TaskName string          `json:"task,omitempty"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	Validity Validity        `json:"validity"`
	Activity Activity        `json:"activity"`
}

func (mo *MonitorObject) MarshalJSON() ([]byte, error) {
	data, err := EncodePayload(mo.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(monitorObjectJSON{
		Path:     mo.Path,
		TaskName: mo.TaskName,
		Kind:     mo.Payload.Kind(),
		Payload:  data,
		Validity: mo.Validity,
		Activity: mo.Activity,
	})
}

func (mo *MonitorObject) UnmarshalJSON(data []byte) error {
	var raw monitorObjectJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	payload, err := DefaultPayloads.Decode(raw.Kind, raw.Payload)
	if err != nil {
		return err
	}
	*mo = MonitorObject{
		Path:     raw.Path,
		TaskName: raw.TaskName,
		Payload:  payload,
		Validity: raw.Validity,
		Activity: raw.Activity,
	}
	return nil
}
