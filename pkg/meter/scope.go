// Licensed to Apache Software Foundation (ASF) under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Apache Software Foundation (ASF) licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package meter

import (
	"sync"
)

// HierarchicalScope names one level of a metric namespace. The namespace is
// composed when a sub-scope is created, and const labels accumulate down the
// hierarchy.
type HierarchicalScope struct {
	labels    LabelPairs
	namespace string
	sep       string
	mu        sync.RWMutex
}

// NewHierarchicalScope creates a root scope.
func NewHierarchicalScope(name, sep string) Scope {
	return &HierarchicalScope{namespace: name, sep: sep}
}

// ConstLabels attaches labels to every metric created under this scope.
func (s *HierarchicalScope) ConstLabels(labels LabelPairs) Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.labels = s.labels.Merge(labels)
	return s
}

// SubScope creates a child scope whose namespace extends this one. The child
// starts with a copy of this scope's labels, so labels added to it later do
// not leak back to the parent.
func (s *HierarchicalScope) SubScope(name string) Scope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &HierarchicalScope{
		namespace: s.namespace + s.sep + name,
		sep:       s.sep,
		labels:    s.labels.Merge(nil),
	}
}

// GetNamespace returns the full namespace of this scope.
func (s *HierarchicalScope) GetNamespace() string {
	return s.namespace
}

// GetLabels returns the labels of this scope.
func (s *HierarchicalScope) GetLabels() LabelPairs {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.labels
}
