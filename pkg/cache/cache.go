// Copyright 2023 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache holds size bounded caches that report their hit ratio.
package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type LRUCache[K comparable, V any] struct {
	lru *lru.Cache[K, V]

	hits, misses, evictions prometheus.Counter
}

// NewLRUCache creates a cache holding at most maxEntries. Its metrics are
// labelled with name, which must be unique per registry.
func NewLRUCache[K comparable, V any](reg prometheus.Registerer, name string, maxEntries int) (*LRUCache[K, V], error) {
	c, err := lru.New[K, V](maxEntries)
	if err != nil {
		return nil, err
	}

	labels := prometheus.Labels{"cache": name}
	requests := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name:        "orbit_cache_requests_total",
		Help:        "Total number of cache requests.",
		ConstLabels: labels,
	}, []string{"result"})
	evictions := promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name:        "orbit_cache_evictions_total",
		Help:        "Total number of cache evictions.",
		ConstLabels: labels,
	})

	return &LRUCache[K, V]{
		lru:       c,
		hits:      requests.WithLabelValues("hit"),
		misses:    requests.WithLabelValues("miss"),
		evictions: evictions,
	}, nil
}

func (c *LRUCache[K, V]) Add(key K, value V) {
	if c.lru.Add(key, value) {
		c.evictions.Inc()
	}
}

func (c *LRUCache[K, V]) Get(key K) (V, bool) {
	v, ok := c.lru.Get(key)
	if ok {
		c.hits.Inc()
	} else {
		c.misses.Inc()
	}
	return v, ok
}

// Peek returns the value associated with key without updating the "recently
// used"-ness of that key.
func (c *LRUCache[K, V]) Peek(key K) (V, bool) {
	return c.lru.Peek(key)
}

func (c *LRUCache[K, V]) Remove(key K) {
	c.lru.Remove(key)
}

func (c *LRUCache[K, V]) Len() int {
	return c.lru.Len()
}
