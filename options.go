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

import "go.uber.org/zap"

// option provide an interface to do work on Map while it is being created.
type option[K comparable, V any] interface {
	apply(m *Map[K, V])
}

type loadFactorOption[K comparable, V any] struct {
	loadFactor float64
}

func (op loadFactorOption[K, V]) apply(m *Map[K, V]) {
	m.loadFactor = op.loadFactor
}

// WithLoadFactor is an option to specify the ratio of entries to buckets at
// or above which a Map[K,V] doubles its capacity. It must be positive; New
// fails otherwise.
func WithLoadFactor[K comparable, V any](loadFactor float64) option[K, V] {
	return loadFactorOption[K, V]{loadFactor}
}

type hashOption[K comparable, V any] struct {
	hash func(key *K, seed uintptr) uintptr
}

func (op hashOption[K, V]) apply(m *Map[K, V]) {
	m.hash = op.hash
}

// WithHash is an option to specify the hash function to use for a Map[K,V].
// Keys that are equal must hash to the same value. The nil key always hashes
// to 0 regardless of the hash function.
func WithHash[K comparable, V any](hash func(key *K, seed uintptr) uintptr) option[K, V] {
	return hashOption[K, V]{hash}
}

type equalOption[K comparable, V any] struct {
	equal func(a, b K) bool
}

func (op equalOption[K, V]) apply(m *Map[K, V]) {
	m.equal = op.equal
}

// WithEqual is an option to specify the key equality relation to use for a
// Map[K,V] in place of ==. It must be consistent with the hash function and
// is never called with a nil key.
func WithEqual[K comparable, V any](equal func(a, b K) bool) option[K, V] {
	return equalOption[K, V]{equal}
}

type valueEqualOption[K comparable, V any] struct {
	equal func(a, b V) bool
}

func (op valueEqualOption[K, V]) apply(m *Map[K, V]) {
	m.valueEqual = op.equal
}

// WithValueEqual is an option to specify the value equality used by
// ContainsValue. The default is reflect.DeepEqual.
func WithValueEqual[K comparable, V any](equal func(a, b V) bool) option[K, V] {
	return valueEqualOption[K, V]{equal}
}

// Allocator specifies an interface for allocating and releasing the bucket
// arrays used by a Map. The default allocator utilizes Go's builtin make()
// and allows the GC to reclaim memory.
//
// If the allocator is manually managing memory and requires that bucket
// arrays be freed then Map.Close must be called in order to ensure Free is
// called for the final array.
type Allocator[K comparable, V any] interface {
	// Alloc should return a slice equivalent to make([]*Entry[K,V], n).
	Alloc(n int) []*Entry[K, V]

	// Free can optionally release the memory associated with the supplied
	// slice that is guaranteed to have been allocated by Alloc. The slice
	// holds no live entries when Free is called.
	Free(v []*Entry[K, V])
}

type defaultAllocator[K comparable, V any] struct{}

func (defaultAllocator[K, V]) Alloc(n int) []*Entry[K, V] {
	return make([]*Entry[K, V], n)
}

func (defaultAllocator[K, V]) Free(v []*Entry[K, V]) {
}

type allocatorOption[K comparable, V any] struct {
	allocator Allocator[K, V]
}

func (op allocatorOption[K, V]) apply(m *Map[K, V]) {
	m.allocator = op.allocator
}

// WithAllocator is an option for specify the Allocator to use for a Map[K,V].
func WithAllocator[K comparable, V any](allocator Allocator[K, V]) option[K, V] {
	return allocatorOption[K, V]{allocator}
}

type loggerOption[K comparable, V any] struct {
	logger *zap.Logger
}

func (op loggerOption[K, V]) apply(m *Map[K, V]) {
	m.logger = op.logger
}

// WithLogger is an option to specify a logger that receives debug events
// when a Map[K,V] grows or is cleared. A nil logger disables logging.
func WithLogger[K comparable, V any](logger *zap.Logger) option[K, V] {
	return loggerOption[K, V]{logger}
}
