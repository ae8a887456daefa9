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

// Package cache implements the Cache stage (spec §4.4): a fixed-slot LRU of
// metadata blocks keyed by physical block address, with dirty tracking and
// on-demand fill via the I/O stage.
//
// Slot bookkeeping is delegated to hashicorp/golang-lru for its ordered
// eviction list, but the LRU only ever stores a PBA -> slot-index mapping
// for *clean* slots: the block bytes themselves live in a fixed []cbe.Block
// array sized to the cache's slot count, so capacity never grows beyond
// what was configured (spec §5: "fixed-size ring slots over unbounded
// queues").
package cache

import (
	lru "github.com/hashicorp/golang-lru/simplelru"

	"github.com/cbe-project/cbe"
)

// Cache is the fixed-slot metadata block cache.
type Cache struct {
	slots    []cbe.Block
	slotPBA  []cbe.PBA
	used     []bool
	dirty    []bool
	resident map[cbe.PBA]int // pba -> slot, for every resident slot (clean or dirty)
	cleanLRU *lru.LRU        // pba -> slot, clean slots only, ordered by recency

	awaitingFill map[cbe.PBA]int // pba -> reserved slot, fill in flight
	pendingPBAs  []cbe.PBA       // FIFO of requested PBAs not yet reserved
	generated    []cbe.Primitive // reserved, ready to hand to I/O
}

// New creates a Cache with the given number of fixed slots.
func New(slots int) *Cache {
	c := &Cache{
		slots:        make([]cbe.Block, slots),
		slotPBA:      make([]cbe.PBA, slots),
		used:         make([]bool, slots),
		dirty:        make([]bool, slots),
		resident:     make(map[cbe.PBA]int),
		awaitingFill: make(map[cbe.PBA]int),
	}
	c.cleanLRU, _ = lru.NewLRU(slots, nil)
	return c
}

// Slots returns the number of fixed cache slots.
func (c *Cache) Slots() int { return len(c.slots) }

// DataAvailable reports whether pba's content is resident in a slot.
func (c *Cache) DataAvailable(pba cbe.PBA) bool {
	_, ok := c.resident[pba]
	return ok
}

// DataIndex returns the slot index holding pba and touches its recency.
func (c *Cache) DataIndex(pba cbe.PBA) (int, bool) {
	idx, ok := c.resident[pba]
	if !ok {
		return 0, false
	}
	if !c.dirty[idx] {
		c.cleanLRU.Get(pba)
	}
	return idx, true
}

// Data returns the slot's block content by index.
func (c *Cache) Data(idx int) *cbe.Block { return &c.slots[idx] }

// Dirty reports whether slot idx is dirty.
func (c *Cache) Dirty(idx int) bool { return c.dirty[idx] }

// MarkDirty marks pba's slot dirty and removes it from clean eviction
// candidacy.
func (c *Cache) MarkDirty(pba cbe.PBA) {
	idx, ok := c.resident[pba]
	if !ok {
		return
	}
	if !c.dirty[idx] {
		c.dirty[idx] = true
		c.cleanLRU.Remove(pba)
	}
}

// MarkClean marks pba's slot clean, making it eligible for eviction again.
func (c *Cache) MarkClean(pba cbe.PBA) {
	idx, ok := c.resident[pba]
	if !ok {
		return
	}
	if c.dirty[idx] {
		c.dirty[idx] = false
		c.cleanLRU.Add(pba, idx)
	}
}

// Flush returns the PBA resident in slot idx, for the flusher to write back.
func (c *Cache) Flush(idx int) cbe.PBA { return c.slotPBA[idx] }

// RequestAcceptable reports whether a fill for pba could be queued: either
// it is already resident/pending, or a slot (free or evictable-clean) can
// eventually be found for it.
func (c *Cache) RequestAcceptable(pba cbe.PBA) bool {
	if c.DataAvailable(pba) {
		return true
	}
	if _, ok := c.awaitingFill[pba]; ok {
		return true
	}
	return c.findFreeSlot() >= 0 || c.cleanLRU.Len() > 0
}

// SubmitRequest enqueues a fill for pba. The slot is reserved lazily in
// Execute, so back-pressure (no evictable slot) is visible without the
// caller blocking.
func (c *Cache) SubmitRequest(pba cbe.PBA) {
	if c.DataAvailable(pba) {
		return
	}
	if _, ok := c.awaitingFill[pba]; ok {
		return
	}
	for _, p := range c.pendingPBAs {
		if p == pba {
			return
		}
	}
	c.pendingPBAs = append(c.pendingPBAs, pba)
}

func (c *Cache) findFreeSlot() int {
	for i, u := range c.used {
		if !u {
			return i
		}
	}
	return -1
}

// Insert places freshly computed content into pba's slot directly,
// bypassing the I/O fill path: used by stages (write-back) that produce a
// block's bytes themselves rather than reading them from the backend.
// Reports false if no slot (free or evictable-clean) is available.
func (c *Cache) Insert(pba cbe.PBA, block cbe.Block, dirty bool) bool {
	if idx, ok := c.resident[pba]; ok {
		c.slots[idx] = block
		c.slotPBA[idx] = pba
		if dirty {
			c.MarkDirty(pba)
		} else {
			c.MarkClean(pba)
		}
		return true
	}
	idx := c.findFreeSlot()
	if idx < 0 {
		key, slot, ok := c.cleanLRU.GetOldest()
		if !ok {
			return false
		}
		evictedPBA := key.(cbe.PBA)
		idx = slot.(int)
		c.cleanLRU.Remove(evictedPBA)
		delete(c.resident, evictedPBA)
	}
	c.used[idx] = true
	c.slotPBA[idx] = pba
	c.slots[idx] = block
	c.resident[pba] = idx
	c.dirty[idx] = dirty
	if !dirty {
		c.cleanLRU.Add(pba, idx)
	}
	return true
}

// Execute advances the cache by one tick: reserving slots (evicting the
// oldest clean slot if no free slot remains) for queued fill requests and
// emitting read primitives for the I/O stage. Returns whether it made
// progress.
func (c *Cache) Execute() bool {
	progress := false
	for len(c.pendingPBAs) > 0 {
		pba := c.pendingPBAs[0]
		idx := c.findFreeSlot()
		if idx < 0 {
			// No free slot: evict the oldest clean slot.
			key, slot, ok := c.cleanLRU.GetOldest()
			if !ok {
				break // nothing evictable; flusher must run first
			}
			evictedPBA := key.(cbe.PBA)
			idx = slot.(int)
			c.cleanLRU.Remove(evictedPBA)
			delete(c.resident, evictedPBA)
		}
		c.pendingPBAs = c.pendingPBAs[1:]
		c.used[idx] = true
		c.slotPBA[idx] = pba
		c.awaitingFill[pba] = idx
		c.generated = append(c.generated, cbe.Primitive{
			Valid: true,
			Tag:   cbe.TagCache,
			Op:    cbe.OpRead,
			PBA:   pba,
			Index: uint32(idx),
		})
		progress = true
	}
	return progress
}

// PeekGeneratedPrimitive returns the next read primitive ready for the I/O
// stage.
func (c *Cache) PeekGeneratedPrimitive() (cbe.Primitive, bool) {
	if len(c.generated) == 0 {
		return cbe.Primitive{}, false
	}
	return c.generated[0], true
}

// DropGeneratedPrimitive removes the primitive returned by
// PeekGeneratedPrimitive.
func (c *Cache) DropGeneratedPrimitive() {
	if len(c.generated) > 0 {
		c.generated = c.generated[1:]
	}
}

// MarkCompleted finalizes a fill: data has already been written into the
// slot (via Data(idx)) by the I/O stage, so this only promotes the PBA to
// resident/clean bookkeeping.
func (c *Cache) MarkCompleted(prim cbe.Primitive) {
	idx, ok := c.awaitingFill[prim.PBA]
	if !ok {
		return
	}
	delete(c.awaitingFill, prim.PBA)
	c.resident[prim.PBA] = idx
	c.dirty[idx] = false
	c.cleanLRU.Add(prim.PBA, idx)
}
