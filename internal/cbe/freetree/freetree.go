// Copyright 2026 The cbe Authors
// This file is part of the cbe library.
//
// The cbe library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The cbe library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the cbe library. If not, see <http://www.gnu.org/licenses/>.

// Package freetree implements the Free tree stage (spec §4.7): the
// independent copy-on-write allocator that decides, for every node on a
// write-back's rewrite path, whether the node can be updated in place or
// needs a freshly drawn physical block address.
//
// Candidate PBAs are drawn from a free set; the decision of which PBAs are
// actually reclaimable is generation-gated exactly as in the original
// design: a PBA freed at generation g only becomes allocatable again once
// the superblock's last secured generation has reached g, so a
// crash can never hand out a block a kept snapshot still reaches.
//
// This is a practical simplification of the original's own on-disk,
// hash-verified free-space tree (see DESIGN.md): reachability bookkeeping
// for discarded snapshots is driven by the engine's discard notification
// rather than a full cross-snapshot refcount walk.
package freetree

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"github.com/VictoriaMetrics/fastcache"
	mapset "github.com/deckarep/golang-set"

	"github.com/cbe-project/cbe"
)

// Request asks the free tree to resolve one on-path node: reuse it in
// place, or draw a replacement. Index names the write primitive's block
// index (for keying the driver's in-flight write state); Level names the
// tree level the node sits at — the two are unrelated and must not be
// conflated by a caller driving multiple levels of one write.
type Request struct {
	Old       cbe.Type1Node
	ClientTag uint64
	ReqID     uint64
	Index     uint32
	Level     uint32

	attempts int
}

// Result is the free tree's answer to a Request.
type Result struct {
	Old    cbe.Type1Node
	New    cbe.PBA
	Reused bool
}

// FreeTree is the CoW block allocator.
type FreeTree struct {
	free     mapset.Set // PBAs currently free, as cbe.PBA
	freedAt  map[cbe.PBA]cbe.Generation
	reserved mapset.Set // PBAs drawn but not yet retired-or-confirmed

	query *fastcache.Cache // scratch cache of candidate lookups (spec's Query_data)

	currentGeneration     cbe.Generation
	lastSecuredGeneration cbe.Generation

	pending   []Request
	retrying  []Request // parked after a failed draw, awaiting a discard signal
	generated []Result
	exhausted []Request
}

// New creates an empty free tree. queryCacheBytes sizes the scratch cache
// (spec's Query_data).
func New(queryCacheBytes int) *FreeTree {
	return &FreeTree{
		free:     mapset.NewSet(),
		freedAt:  make(map[cbe.PBA]cbe.Generation),
		reserved: mapset.NewSet(),
		query:    fastcache.New(queryCacheBytes),
	}
}

// Seed populates the initial free set, e.g. at device formatting time.
func (t *FreeTree) Seed(pbas []cbe.PBA) {
	for _, p := range pbas {
		t.free.Add(p)
		t.freedAt[p] = 0
	}
}

// SetCurrentGeneration records the generation writes are currently stamped
// with.
func (t *FreeTree) SetCurrentGeneration(g cbe.Generation) { t.currentGeneration = g }

// SetLastSecuredGeneration records the most recent generation durably
// written to a superblock: PBAs freed at or before it are safe to reuse.
func (t *FreeTree) SetLastSecuredGeneration(g cbe.Generation) { t.lastSecuredGeneration = g }

// RequestAcceptable reports whether a new allocation request can be
// queued.
func (t *FreeTree) RequestAcceptable() bool { return true }

// SubmitRequest queues an allocation decision for one on-path node.
func (t *FreeTree) SubmitRequest(req Request) { t.pending = append(t.pending, req) }

// Execute resolves the next pending request, returning whether it made
// progress.
func (t *FreeTree) Execute() bool {
	if len(t.pending) == 0 {
		return false
	}
	req := t.pending[0]
	t.pending = t.pending[1:]

	old := req.Old
	if old.Generation == t.currentGeneration || old.Generation == 0 {
		t.generated = append(t.generated, Result{Old: old, New: old.PBA, Reused: true})
		return true
	}

	pba, ok := t.draw()
	if !ok {
		req.attempts++
		if req.attempts >= cbe.FreeTreeRetryLimit {
			t.exhausted = append(t.exhausted, req)
		} else {
			t.retrying = append(t.retrying, req)
		}
		return true
	}
	t.reserved.Add(pba)
	t.generated = append(t.generated, Result{Old: old, New: pba, Reused: false})
	return true
}

// draw picks a free, unreserved PBA whose free-generation is already
// secured, recording the candidate in the scratch cache.
func (t *FreeTree) draw() (cbe.PBA, bool) {
	candidates := t.free.ToSlice()
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].(cbe.PBA) < candidates[j].(cbe.PBA) })
	for _, v := range candidates {
		pba := v.(cbe.PBA)
		if t.reserved.Contains(pba) {
			continue
		}
		if t.freedAt[pba] > t.lastSecuredGeneration {
			continue
		}
		t.free.Remove(pba)

		var key, val [8]byte
		binary.BigEndian.PutUint64(key[:], uint64(pba))
		binary.BigEndian.PutUint64(val[:], uint64(t.freedAt[pba]))
		t.query.Set(key[:], val[:])

		return pba, true
	}
	return 0, false
}

// HasParkedRequest reports whether a request is waiting on a snapshot
// discard before it can retry its draw (spec §4.7: "the driver then
// discards ... and calls retry_allocation()"). The driver polls this to
// decide whether to attempt a discard this tick.
func (t *FreeTree) HasParkedRequest() bool { return len(t.retrying) > 0 }

// NotifySnapshotDiscarded re-queues requests parked after a failed draw:
// discarding a snapshot may have freed PBAs that were previously
// unreachable for reuse.
func (t *FreeTree) NotifySnapshotDiscarded() {
	if len(t.retrying) == 0 {
		return
	}
	t.pending = append(t.retrying, t.pending...)
	t.retrying = nil
}

// Retire returns a replaced PBA to the free set, stamped with the
// generation at which it stopped being referenced.
func (t *FreeTree) Retire(pba cbe.PBA, generation cbe.Generation) {
	t.reserved.Remove(pba)
	t.free.Add(pba)
	t.freedAt[pba] = generation
}

// PeekGeneratedResult returns the next resolved allocation decision.
func (t *FreeTree) PeekGeneratedResult() (Result, bool) {
	if len(t.generated) == 0 {
		return Result{}, false
	}
	return t.generated[0], true
}

// DropGeneratedResult removes the result returned by PeekGeneratedResult.
func (t *FreeTree) DropGeneratedResult() {
	if len(t.generated) > 0 {
		t.generated = t.generated[1:]
	}
}

// PeekExhaustedRequest returns a request that could not be satisfied after
// FreeTreeRetryLimit attempts.
func (t *FreeTree) PeekExhaustedRequest() (Request, bool) {
	if len(t.exhausted) == 0 {
		return Request{}, false
	}
	return t.exhausted[0], true
}

// DropExhaustedRequest removes the request returned by
// PeekExhaustedRequest.
func (t *FreeTree) DropExhaustedRequest() {
	if len(t.exhausted) > 0 {
		t.exhausted = t.exhausted[1:]
	}
}

// FreeCount reports the number of currently free, unreserved blocks.
func (t *FreeTree) FreeCount() int { return t.free.Cardinality() }

// Root summarizes the free tree's current state for inclusion in a
// superblock; Hash is a content digest over the sorted free set, standing
// in for the original's on-disk hash-verified root.
func (t *FreeTree) Root() cbe.FreeTreeRoot {
	pbas := t.free.ToSlice()
	sort.Slice(pbas, func(i, j int) bool { return pbas[i].(cbe.PBA) < pbas[j].(cbe.PBA) })
	h := sha256.New()
	for _, v := range pbas {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.(cbe.PBA)))
		h.Write(b[:])
	}
	var sum cbe.Hash
	copy(sum[:], h.Sum(nil))
	return cbe.FreeTreeRoot{
		Hash:       sum,
		Generation: t.currentGeneration,
		Leaves:     uint64(len(pbas)),
	}
}
