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

// Package writeback implements the Write-back stage (spec §4.8): given a
// written leaf's ciphertext and the on-path node descriptors a translation
// collected, it rewrites every inner node on the path bottom-up, assigning
// each its free-tree-resolved physical address, and produces the new root
// descriptor for the owning snapshot.
package writeback

import (
	"crypto/sha256"

	"github.com/cbe-project/cbe"
	"github.com/cbe-project/cbe/internal/cbe/cache"
	"github.com/cbe-project/cbe/internal/cbe/vbd"
)

// Alloc is one level's free-tree allocation decision, indexed the same way
// as a translation's on-path array: 0 is the leaf, Height is the root.
type Alloc struct {
	New    cbe.PBA
	Reused bool
}

// Job is a fully-resolved write-back: the leaf has already been encrypted
// and every on-path level's new physical address already decided by the
// free tree. Execute only needs to rewrite the intermediate node content.
type Job struct {
	Prim   cbe.Primitive
	VBA    cbe.VBA
	Height uint32
	Degree uint32

	LeafCipher cbe.Block
	LeafHash   cbe.Hash

	Path   [vbd.MaxLevels]cbe.Type1Node // on-path descriptors, as returned by vbd.TransGetType1Info
	Allocs [vbd.MaxLevels]Alloc         // allocation decision per level, 0..Height
}

type job struct {
	Job
	level int // next level to rewrite, 1..Height; 0 means leaf is settled, done when > Height
	child cbe.Type1Node
	done  bool
}

// WriteBack rewrites one path at a time.
type WriteBack struct {
	active    *job
	completed []result
}

type result struct {
	prim cbe.Primitive
	root cbe.Type1Node
}

// Acceptable reports whether a new job can be submitted.
func (w *WriteBack) Acceptable() bool { return w.active == nil }

// Submit begins rewriting j's path. currentGeneration stamps the leaf's
// new descriptor.
func (w *WriteBack) Submit(j Job, currentGeneration cbe.Generation) {
	if !w.Acceptable() {
		return
	}
	leafAlloc := j.Allocs[0]
	w.active = &job{
		Job:   j,
		level: 1,
		child: cbe.Type1Node{PBA: leafAlloc.New, Generation: currentGeneration, Hash: j.LeafHash},
	}
}

// Execute rewrites one level of the active job's path per tick, using c to
// read each inner node's current content and to stage its rewritten
// replacement. Returns whether it made progress.
func (w *WriteBack) Execute(c *cache.Cache, currentGeneration cbe.Generation) bool {
	a := w.active
	if a == nil || a.done {
		return false
	}
	if int(a.level) > int(a.Height) {
		a.done = true
		w.completed = append(w.completed, result{prim: a.Prim, root: a.child})
		return true
	}

	old := a.Path[a.level]
	if !c.DataAvailable(old.PBA) {
		if c.RequestAcceptable(old.PBA) {
			c.SubmitRequest(old.PBA)
		}
		return false
	}
	idx, _ := c.DataIndex(old.PBA)
	block := *c.Data(idx)

	helper := vbd.TreeHelper{Height: a.Height, Degree: a.Degree}
	childIdx := helper.IndexForLevel(a.VBA, uint32(a.level-1))
	cbe.PutType1Node(&block, int(childIdx), a.child)

	newHash := sha256.Sum256(block[:])
	alloc := a.Allocs[a.level]
	if !c.Insert(alloc.New, block, true) {
		return false
	}

	a.child = cbe.Type1Node{PBA: alloc.New, Generation: currentGeneration, Hash: cbe.Hash(newHash)}
	a.level++
	return true
}

// PeekCompletedRoot returns the new root descriptor for the finished job's
// owning snapshot, along with the original client-write primitive.
func (w *WriteBack) PeekCompletedRoot() (cbe.Primitive, cbe.Type1Node, bool) {
	if len(w.completed) == 0 {
		return cbe.Primitive{}, cbe.Type1Node{}, false
	}
	r := w.completed[0]
	return r.prim, r.root, true
}

// DropCompletedRoot removes the result returned by PeekCompletedRoot and
// frees the stage for the next submission.
func (w *WriteBack) DropCompletedRoot() {
	if len(w.completed) > 0 {
		w.completed = w.completed[1:]
	}
	if w.active != nil && w.active.done {
		w.active = nil
	}
}
