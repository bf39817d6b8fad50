// Package repository implements the versioned object store.
//
// Every object is stored under a slash-delimited path with a half-open
// validity interval [from, to) in milliseconds and run metadata. Each write
// creates a new version; versions of one path get strictly increasing ids.
// Reads resolve "valid at t" to the newest version whose interval contains t.
//
// Backends: in-memory, relational (sqlite, postgres) and a remote HTTP
// service. All of them satisfy the same contract, exercised by one test suite.
package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/speedwagon-io/qcflow/internal/model"
)

const defaultObjectType = "blob"

// PutRequest describes one object version to store.
type PutRequest struct {
	Path       string         `json:"path"`
	Validity   model.Validity `json:"validity"`
	Meta       model.Metadata `json:"meta,omitempty"`
	ObjectType string         `json:"object_type,omitempty"`
	Payload    []byte         `json:"payload"`
}

// VersionInfo is an entry without its payload.
type VersionInfo struct {
	ID         string         `json:"id"`
	Path       string         `json:"path"`
	Version    uint64         `json:"version"`
	Validity   model.Validity `json:"validity"`
	Meta       model.Metadata `json:"meta,omitempty"`
	ObjectType string         `json:"object_type"`
	Checksum   string         `json:"checksum"`
	CreatedAt  int64          `json:"created_at"`
}

// Entry is one stored object version.
type Entry struct {
	VersionInfo
	Payload []byte `json:"payload"`
}

func (e *Entry) clone() *Entry {
	out := *e
	out.Payload = slices.Clone(e.Payload)
	out.Meta = cloneMeta(e.Meta)
	return &out
}

type Database interface {
	// Put stores a new version of req.Path and returns its version id.
	Put(ctx context.Context, req PutRequest) (uint64, error)
	// PutBatch stores all requests or none of them.
	PutBatch(ctx context.Context, reqs []PutRequest) ([]uint64, error)
	// Get returns the newest version of path valid at the given time.
	Get(ctx context.Context, path string, at int64) (*Entry, error)
	// GetLatest returns the version with the highest id, ignoring validity.
	GetLatest(ctx context.Context, path string) (*Entry, error)
	// List returns the paths under prefix as of the call, sorted.
	List(ctx context.Context, prefix string) (iter.Seq[string], error)
	// Versions returns the version headers of path in ascending order.
	Versions(ctx context.Context, path string) ([]VersionInfo, error)
	// Delete removes versions whose validity ended before olderThan. The
	// most recent version of the path is always kept.
	Delete(ctx context.Context, path string, olderThan int64) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// prepared is a validated request ready to be persisted.
type prepared struct {
	PutRequest
	checksum string
}

func prepare(req PutRequest) (prepared, error) {
	if err := model.ValidatePath(req.Path); err != nil {
		return prepared{}, err
	}
	if err := model.ValidateValidity(req.Path, req.Validity); err != nil {
		return prepared{}, err
	}
	meta, err := req.Meta.Normalize()
	if err != nil {
		if ve, ok := err.(*model.ValidationError); ok {
			ve.Path = req.Path
		}
		return prepared{}, err
	}
	req.Meta = meta
	if req.ObjectType == "" {
		req.ObjectType = defaultObjectType
	}
	req.Payload = slices.Clone(req.Payload)

	sum := sha256.Sum256(req.Payload)
	return prepared{PutRequest: req, checksum: hex.EncodeToString(sum[:])}, nil
}

func prepareAll(reqs []PutRequest) ([]prepared, error) {
	out := make([]prepared, 0, len(reqs))
	for _, req := range reqs {
		p, err := prepare(req)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// MatchPrefix reports whether path lies in the hierarchy rooted at prefix.
func MatchPrefix(path, prefix string) bool {
	if prefix == "" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || strings.HasSuffix(prefix, "/") || path[len(prefix)] == '/'
}

func seqOf(paths []string) iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, p := range paths {
			if !yield(p) {
				return
			}
		}
	}
}

// Collect drains a path sequence into a slice.
func Collect(seq iter.Seq[string]) []string {
	return slices.Collect(seq)
}

func cloneMeta(m model.Metadata) model.Metadata {
	if m == nil {
		return nil
	}
	out := make(model.Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
