package cache

import (
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Key identifies a logical query, e.g. ["customers", 25, 25].
// Keys compare structurally: two keys address the same cache slot when their
// segments are pairwise equal after normalisation. Keys form a prefix
// hierarchy used by invalidation.
type Key struct {
	segments []any
	id       string
}

// NewKey builds a Key from the provided segments.
// Integers of any width collapse to int64, integral floats collapse to int64,
// pointers are dereferenced (nil pointers become a nil segment) and composite
// values are reduced to a deterministic string.
func NewKey(segments ...any) Key {
	normalized := make([]any, len(segments))
	for i, seg := range segments {
		normalized[i] = encoder.normalize(seg)
	}
	return Key{segments: normalized, id: identity(normalized)}
}

func identity(segments []any) string {
	if segments == nil {
		segments = []any{}
	}
	data, err := msgpack.Marshal(segments)
	if err != nil {
		// normalised segments are primitives, this is not expected to happen
		return "!" + render(segments)
	}
	return string(data)
}

func render(segments []any) string {
	parts := make([]string, len(segments))
	for i, seg := range segments {
		parts[i] = encoder.format(seg)
	}
	return strings.Join(parts, KeySeparator)
}

// ID returns the canonical identity of the key. It is stable for the lifetime
// of the process and across processes.
func (k Key) ID() string {
	if k.id == "" {
		return identity(k.segments)
	}
	return k.id
}

// Segments returns a copy of the normalised segments.
func (k Key) Segments() []any {
	return append([]any(nil), k.segments...)
}

// Len returns the number of segments.
func (k Key) Len() int {
	return len(k.segments)
}

// IsZero reports whether the key has no segments.
func (k Key) IsZero() bool {
	return len(k.segments) == 0
}

// Namespace returns the first segment when it is a string, used to label
// metrics and logs without leaking high cardinality values.
func (k Key) Namespace() string {
	if len(k.segments) == 0 {
		return ""
	}
	if ns, ok := k.segments[0].(string); ok {
		return ns
	}
	return ""
}

// Append returns a new key with the extra segments added at the end.
func (k Key) Append(segments ...any) Key {
	all := make([]any, 0, len(k.segments)+len(segments))
	all = append(all, k.segments...)
	for _, seg := range segments {
		all = append(all, encoder.normalize(seg))
	}
	return Key{segments: all, id: identity(all)}
}

// Equal reports whether both keys address the same cache slot.
func (k Key) Equal(other Key) bool {
	return k.ID() == other.ID()
}

// HasPrefix reports whether prefix matches the leading segments of k.
// The empty key is a prefix of every key.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix.segments) > len(k.segments) {
		return false
	}
	for i, seg := range prefix.segments {
		if k.segments[i] != seg {
			return false
		}
	}
	return true
}

// String renders the key as its segments joined by KeySeparator.
func (k Key) String() string {
	return render(k.segments)
}

func matchesAny(k Key, prefixes []Key) bool {
	for _, prefix := range prefixes {
		if k.HasPrefix(prefix) {
			return true
		}
	}
	return false
}

func dedupeKeys(keys []Key) []Key {
	if len(keys) == 0 {
		return keys
	}
	seen := make(map[string]struct{}, len(keys))
	out := make([]Key, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k.ID()]; ok {
			continue
		}
		seen[k.ID()] = struct{}{}
		out = append(out, k)
	}
	return out
}
