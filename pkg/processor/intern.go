// Copyright 2024 The Parca Authors
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

package processor

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/atomic"
	"golang.org/x/exp/slices"

	"github.com/parca-dev/orbit/pkg/capturepb"
)

// internPool hands out one global id per distinct value. Ids start at 1 and
// are never reused.
//
// announce runs under the pool lock when a value is seen for the first time,
// so no other caller can obtain the id before its announcement has been
// queued.
type internPool[K comparable] struct {
	mtx  sync.Mutex
	ids  map[K]uint64
	next *atomic.Uint64
}

func newInternPool[K comparable]() *internPool[K] {
	return &internPool[K]{
		ids:  map[K]uint64{},
		next: atomic.NewUint64(0),
	}
}

func (p *internPool[K]) getOrAssign(k K, announce func(id uint64)) (uint64, bool) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if id, ok := p.ids[k]; ok {
		return id, false
	}
	id := p.next.Inc()
	p.ids[k] = id
	if announce != nil {
		announce(id)
	}
	return id, true
}

func (p *internPool[K]) len() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.ids)
}

type tracepointKey struct {
	category string
	name     string
}

type callstackEntry struct {
	callstack capturepb.Callstack
	id        uint64
}

// callstackPool interns callstacks by their program counters and type.
// Entries are bucketed by hash and compared exactly within a bucket.
type callstackPool struct {
	mtx     sync.Mutex
	buckets map[uint64][]callstackEntry
	count   int
	next    *atomic.Uint64
}

func newCallstackPool() *callstackPool {
	return &callstackPool{
		buckets: map[uint64][]callstackEntry{},
		next:    atomic.NewUint64(0),
	}
}

func hashCallstack(cs *capturepb.Callstack) uint64 {
	var buf [8]byte
	h := xxhash.New()
	binary.LittleEndian.PutUint64(buf[:], uint64(cs.Type))
	_, _ = h.Write(buf[:])
	for _, pc := range cs.Pcs {
		binary.LittleEndian.PutUint64(buf[:], pc)
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

func (p *callstackPool) getOrAssign(cs *capturepb.Callstack, announce func(id uint64)) (uint64, bool) {
	h := hashCallstack(cs)

	p.mtx.Lock()
	defer p.mtx.Unlock()

	for _, e := range p.buckets[h] {
		if e.callstack.Type == cs.Type && slices.Equal(e.callstack.Pcs, cs.Pcs) {
			return e.id, false
		}
	}

	id := p.next.Inc()
	p.buckets[h] = append(p.buckets[h], callstackEntry{
		callstack: capturepb.Callstack{Pcs: slices.Clone(cs.Pcs), Type: cs.Type},
		id:        id,
	})
	p.count++
	if announce != nil {
		announce(id)
	}
	return id, true
}

func (p *callstackPool) len() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.count
}
