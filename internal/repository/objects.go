package repository

import (
	"encoding/json"
	"fmt"

	"github.com/speedwagon-io/qcflow/internal/model"
)

// MonitorObjectRequest encodes mo for storage. The object type is the
// payload kind.
func MonitorObjectRequest(mo *model.MonitorObject) (PutRequest, error) {
	if err := mo.Validate(); err != nil {
		return PutRequest{}, err
	}
	data, err := json.Marshal(mo)
	if err != nil {
		return PutRequest{}, fmt.Errorf("failed to encode monitor object %q: %w", mo.Path, err)
	}
	return PutRequest{
		Path:       mo.Path,
		Validity:   mo.Validity,
		Meta:       mo.Meta(),
		ObjectType: mo.Payload.Kind(),
		Payload:    data,
	}, nil
}

func DecodeMonitorObject(e *Entry) (*model.MonitorObject, error) {
	if e.ObjectType == model.ObjectTypeQuality {
		return nil, fmt.Errorf("entry %s@%d holds a quality object", e.Path, e.Version)
	}
	var mo model.MonitorObject
	if err := json.Unmarshal(e.Payload, &mo); err != nil {
		return nil, fmt.Errorf("failed to decode monitor object %s@%d: %w", e.Path, e.Version, err)
	}
	return &mo, nil
}

// QualityObjectRequest encodes qo for storage under path.
func QualityObjectRequest(path string, qo *model.QualityObject) (PutRequest, error) {
	data, err := qo.Encode()
	if err != nil {
		return PutRequest{}, fmt.Errorf("failed to encode quality object %q: %w", path, err)
	}
	meta := qo.Activity.Meta()
	meta["check"] = qo.Check
	meta["quality"] = qo.Quality.String()
	return PutRequest{
		Path:       path,
		Validity:   qo.Validity,
		Meta:       meta,
		ObjectType: model.ObjectTypeQuality,
		Payload:    data,
	}, nil
}

func DecodeQualityObject(e *Entry) (*model.QualityObject, error) {
	if e.ObjectType != model.ObjectTypeQuality {
		return nil, fmt.Errorf("entry %s@%d is a %s, not a quality object", e.Path, e.Version, e.ObjectType)
	}
	qo, err := model.DecodeQualityObject(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode quality object %s@%d: %w", e.Path, e.Version, err)
	}
	return qo, nil
}
