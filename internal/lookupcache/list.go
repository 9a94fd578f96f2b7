package lookupcache

import (
	"encoding/json"

	"github.com/cespare/xxhash/v2"
)

// List is a read-only snapshot of one candidate list. Version changes whenever the
// underlying list is cleared or appended to, so a consumer can tell a refreshed list
// from the one it rendered before.
type List[T any] struct {
	Version uint64 `json:"version"`
	Values  []T    `json:"values"`
}

// Len returns the number of candidates.
func (l List[T]) Len() int { return len(l.Values) }

// list is the mutable storage behind a List. hashes[i] is the structural hash of values[i].
type list[T any] struct {
	version uint64
	values  []T
	hashes  []uint64
}

func (l *list[T]) snapshot() List[T] {
	if l == nil {
		return List[T]{}
	}
	return List[T]{Version: l.version, Values: append([]T(nil), l.values...)}
}

func (l *list[T]) truncate(version uint64) {
	l.values = l.values[:0]
	l.hashes = l.hashes[:0]
	l.version = version
}

// add appends v unless a structurally equal value is already present.
// It reports whether the list changed.
func (l *list[T]) add(v T, version uint64) bool {
	h, ok := structuralHash(v)
	if !ok {
		return false
	}
	for _, existing := range l.hashes {
		if existing == h {
			return false
		}
	}
	l.values = append(l.values, v)
	l.hashes = append(l.hashes, h)
	l.version = version
	return true
}

// structuralHash hashes the canonical JSON encoding of v. encoding/json emits struct
// fields in declaration order, so equal values always encode identically.
func structuralHash(v any) (uint64, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, false
	}
	return xxhash.Sum64(data), true
}
