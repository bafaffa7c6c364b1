// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package chainmap

// KeyValue is a key and value copied out of a Map.
type KeyValue[K comparable, V any] struct {
	Key   K
	Value V
}

// All calls yield sequentially for each key and value present in the map. If
// yield returns false, range stops the iteration. Entries are visited in
// bucket order and, within a bucket, in chain order. The map may be mutated
// during iteration, though a Put that grows the map relinks every entry and
// the remainder of the iteration may then skip or repeat entries.
//
// All conforms to the range-over-function signature:
//
//	for k, v := range m.All {
//	  fmt.Printf("%v: %v\n", k, v)
//	}
func (m *Map[K, V]) All(yield func(key K, value V) bool) {
	for _, e := range m.buckets {
		for ; e != nil; e = e.next {
			// Entries removed after the iteration reached their chain are
			// skipped but still lead to the rest of it.
			if e.removed {
				continue
			}
			if !yield(e.key, e.value) {
				return
			}
		}
	}
}

// Keys returns a snapshot of the keys in the map. No key appears twice.
// Later changes to the map are not reflected in the returned slice.
func (m *Map[K, V]) Keys() []K {
	keys := make([]K, 0, m.used)
	m.All(func(k K, _ V) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

// Values returns a snapshot of the values in the map, one per entry, so a
// value may appear more than once.
func (m *Map[K, V]) Values() []V {
	values := make([]V, 0, m.used)
	m.All(func(_ K, v V) bool {
		values = append(values, v)
		return true
	})
	return values
}

// Entries returns a snapshot of the key/value pairs in the map. Modifying
// the returned pairs does not modify the map.
func (m *Map[K, V]) Entries() []KeyValue[K, V] {
	entries := make([]KeyValue[K, V], 0, m.used)
	m.All(func(k K, v V) bool {
		entries = append(entries, KeyValue[K, V]{Key: k, Value: v})
		return true
	})
	return entries
}
