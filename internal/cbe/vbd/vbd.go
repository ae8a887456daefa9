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

// Package vbd implements the Virtual Block Device / Translation stage
// (spec §4.3): it walks the Merkle tree from root to leaf for one
// primitive at a time, verifying each inner node's hash against its
// parent's recorded hash, and resolves a virtual block address to a
// physical one.
package vbd

import (
	"crypto/sha256"

	"github.com/cbe-project/cbe"
	"github.com/cbe-project/cbe/internal/cbe/cache"
)

// MaxLevels bounds the on-path node-info array: one entry per tree level
// (0 = leaf) plus the root.
const MaxLevels = cbe.TreeMaxHeight + 1

// TreeHelper carries the shape of the currently active tree.
type TreeHelper struct {
	Height uint32
	Degree uint32
	Leaves uint64
}

// IndexForLevel computes the child-table index for vba at the given inner
// level, per spec §4.3: (VBA / degree^level) mod degree.
func (h TreeHelper) IndexForLevel(vba cbe.VBA, level uint32) uint32 {
	p := uint64(1)
	for i := uint32(0); i < level; i++ {
		p *= uint64(h.Degree)
	}
	return uint32((uint64(vba) / p) % uint64(h.Degree))
}

type translation struct {
	prim   cbe.Primitive
	vba    cbe.VBA
	level  int // next inner level to resolve; -1 once the leaf is reached
	cur    cbe.Type1Node
	path   [MaxLevels]cbe.Type1Node
	done   bool
	failed bool
}

// VBD is the translation stage. At most one translation is active at a
// time.
type VBD struct {
	helper    TreeHelper
	inhibited bool
	active    *translation
}

// New creates a VBD for a tree of the given shape.
func New(helper TreeHelper) *VBD { return &VBD{helper: helper} }

// TreeHeight returns the active tree's height.
func (v *VBD) TreeHeight() uint32 { return v.helper.Height }

// TreeHelperInfo returns the active tree's shape.
func (v *VBD) TreeHelperInfo() TreeHelper { return v.helper }

// SetTreeHelperInfo updates the tree shape, e.g. after a new snapshot
// changes height/leaves.
func (v *VBD) SetTreeHelperInfo(h TreeHelper) { v.helper = h }

// TransInhibitTranslation stalls new descents while a write-back holds the
// path it is operating on.
func (v *VBD) TransInhibitTranslation() { v.inhibited = true }

// TransResumeTranslation lifts the stall.
func (v *VBD) TransResumeTranslation() { v.inhibited = false }

// PrimitiveAcceptable reports whether a new primitive can be submitted.
func (v *VBD) PrimitiveAcceptable() bool { return !v.inhibited && v.active == nil }

// SubmitPrimitive starts a walk from root for prim, whose VBA names the
// target leaf.
func (v *VBD) SubmitPrimitive(root cbe.Type1Node, prim cbe.Primitive) {
	if !v.PrimitiveAcceptable() {
		return
	}
	t := &translation{
		prim:  prim,
		vba:   prim.VBA,
		level: int(v.helper.Height) - 1,
		cur:   root,
	}
	t.path[v.helper.Height] = root
	v.active = t
}

// Execute resolves as much of the active translation as the cache allows
// in one tick, returning whether it made progress.
func (v *VBD) Execute(c *cache.Cache) bool {
	t := v.active
	if t == nil || t.done {
		return false
	}
	progress := false
	for t.level >= 0 {
		pba := t.cur.PBA
		if !c.DataAvailable(pba) {
			if c.RequestAcceptable(pba) {
				c.SubmitRequest(pba)
				progress = true
			}
			return progress
		}
		idx, _ := c.DataIndex(pba)
		block := c.Data(idx)
		if sha256.Sum256(block[:]) != [32]byte(t.cur.Hash) {
			t.done = true
			t.failed = true
			return true
		}
		childIdx := v.helper.IndexForLevel(t.vba, uint32(t.level))
		child := cbe.GetType1Node(block, int(childIdx))
		t.path[t.level] = child
		t.cur = child
		t.level--
		progress = true
	}
	t.done = true
	return progress
}

// PeekCompletedPrimitive returns the resolved primitive, if the active
// translation has finished. On success, Primitive.PBA is the leaf's
// physical address; on hash-mismatch failure, Success is false.
func (v *VBD) PeekCompletedPrimitive() (cbe.Primitive, bool) {
	t := v.active
	if t == nil || !t.done {
		return cbe.Primitive{}, false
	}
	p := t.prim
	p.Tag = cbe.TagVBD
	if t.failed {
		p.Success = false
		p.Err = cbe.ErrHashMismatch
	} else {
		p.Success = true
		p.PBA = t.path[0].PBA
	}
	return p, true
}

// DropCompletedPrimitive releases the active translation slot, allowing a
// new submission.
func (v *VBD) DropCompletedPrimitive() { v.active = nil }

// TransGetVirtualBlockAddress returns the VBA of the active translation.
func (v *VBD) TransGetVirtualBlockAddress() cbe.VBA {
	if v.active == nil {
		return 0
	}
	return v.active.vba
}

// TransGetType1Info returns the on-path node info collected for the active,
// completed translation: path[0] is the leaf's info (as recorded by its
// parent), path[height] is the root. Returns false if no translation is
// completed and held.
func (v *VBD) TransGetType1Info() ([MaxLevels]cbe.Type1Node, bool) {
	t := v.active
	if t == nil || !t.done || t.failed {
		return [MaxLevels]cbe.Type1Node{}, false
	}
	return t.path, true
}
