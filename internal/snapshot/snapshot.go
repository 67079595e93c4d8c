// Package snapshot provides the immutable flattened view of a data source
// produced by extraction and consumed by rule evaluation.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"
)

// ErrImmutable is returned by any attempt to mutate a snapshot in place.
var ErrImmutable = errors.New("snapshot is immutable")

// Metadata describes the origin of a snapshot.
type Metadata struct {
	SourceType string    `json:"sourceType,omitempty"`
	SourceID   string    `json:"sourceId,omitempty"`
	CapturedAt time.Time `json:"capturedAt"`
	FieldCount int       `json:"fieldCount"`
}

// Snapshot is an immutable mapping of dot-addressable keys to scalar, array
// or null values. Transformation methods return a new Snapshot; the receiver
// is never changed.
type Snapshot struct {
	data map[string]any
	meta Metadata
}

// New creates a snapshot from a key-value map. The map is copied so later
// changes by the caller do not leak in.
func New(data map[string]any, meta Metadata) *Snapshot {
	cp := make(map[string]any, len(data))
	for k, v := range data {
		cp[k] = v
	}
	if meta.CapturedAt.IsZero() {
		meta.CapturedAt = time.Now().UTC()
	}
	meta.FieldCount = len(cp)
	return &Snapshot{data: cp, meta: meta}
}

// Meta returns the snapshot metadata.
func (s *Snapshot) Meta() Metadata {
	return s.meta
}

// Get resolves a dot-path key. Top-level keys win over nested traversal; an
// absent path resolves to nil, never an error.
func (s *Snapshot) Get(path string) any {
	if v, ok := s.data[path]; ok {
		return v
	}
	if !strings.Contains(path, ".") {
		return nil
	}

	// Walk nested maps segment by segment.
	parts := strings.Split(path, ".")
	var cur any = s.data[parts[0]]
	for _, p := range parts[1:] {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[p]
	}
	return cur
}

// Has reports whether a dot-path resolves to a non-nil value.
func (s *Snapshot) Has(path string) bool {
	return s.Get(path) != nil
}

// Keys returns all top-level keys in sorted order.
func (s *Snapshot) Keys() []string {
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of top-level fields.
func (s *Snapshot) Len() int {
	return len(s.data)
}

// Data returns a copy of the underlying map.
func (s *Snapshot) Data() map[string]any {
	cp := make(map[string]any, len(s.data))
	for k, v := range s.data {
		cp[k] = v
	}
	return cp
}

// Set always fails: snapshots are immutable. Use Merge to derive a new one.
func (s *Snapshot) Set(key string, value any) error {
	return ErrImmutable
}

// Unset always fails: snapshots are immutable. Use Except to derive a new one.
func (s *Snapshot) Unset(key string) error {
	return ErrImmutable
}

// Only returns a new snapshot restricted to the given keys.
func (s *Snapshot) Only(keys []string) *Snapshot {
	data := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := s.data[k]; ok {
			data[k] = v
		}
	}
	return New(data, s.meta)
}

// Except returns a new snapshot without the given keys.
func (s *Snapshot) Except(keys []string) *Snapshot {
	drop := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		drop[k] = struct{}{}
	}
	data := make(map[string]any, len(s.data))
	for k, v := range s.data {
		if _, skip := drop[k]; !skip {
			data[k] = v
		}
	}
	return New(data, s.meta)
}

// Merge returns a new snapshot with extra entries overlaid. Existing keys are
// overwritten by the incoming values.
func (s *Snapshot) Merge(extra map[string]any) *Snapshot {
	data := s.Data()
	for k, v := range extra {
		data[k] = v
	}
	return New(data, s.meta)
}

// Transform returns a new snapshot with fn applied to the value at key.
// A missing key passes nil to fn.
func (s *Snapshot) Transform(key string, fn func(any) any) *Snapshot {
	data := s.Data()
	data[key] = fn(data[key])
	return New(data, s.meta)
}

// Hash returns a stable hex digest of the snapshot contents, used as the
// memoization key alongside the criteria identity.
func (s *Snapshot) Hash() string {
	keys := s.Keys()
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		b, _ := json.Marshal(s.data[k])
		h.Write(b)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
