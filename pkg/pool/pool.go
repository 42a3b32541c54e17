// Licensed to Apache Software Foundation (ASF) under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Apache Software Foundation (ASF) licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

// Package pool keeps named free lists for hot-path scratch objects.
package pool

import (
	"fmt"
	"sync"
)

var registry sync.Map

// Register creates the pool with the given name. Names identify a single
// pool process-wide; registering one twice panics.
func Register[T any](name string) *Synced[T] {
	p := new(Synced[T])
	if _, taken := registry.LoadOrStore(name, p); taken {
		panic(fmt.Sprintf("duplicated pool: %s", name))
	}
	return p
}

// Synced is a typed object pool safe for concurrent use. Get returns the
// zero value when the pool is empty, so pointer-typed pools must check for
// nil before first use.
type Synced[T any] struct {
	inner sync.Pool
}

// Get takes an object from the pool, or the zero value if it is empty.
func (p *Synced[T]) Get() T {
	v := p.inner.Get()
	if v == nil {
		var zero T
		return zero
	}
	return v.(T)
}

// Put hands an object back for reuse.
func (p *Synced[T]) Put(v T) {
	p.inner.Put(v)
}
