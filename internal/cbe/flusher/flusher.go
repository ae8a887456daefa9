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

// Package flusher implements the Cache flusher stage (spec §4.5): it emits
// a write primitive per dirty cache slot and marks the slot clean on
// completion. It is driven only during a sync sequence.
package flusher

import "github.com/cbe-project/cbe"

// Flusher is a FIFO of dirty-slot flush requests. It sets no bound of its
// own: RequestAcceptable always reports true.
type Flusher struct {
	pending   []request
	generated []request
	completed []cbe.Primitive
}

type request struct {
	pba cbe.PBA
	idx int
}

// RequestAcceptable reports whether another flush request can be queued.
func (f *Flusher) RequestAcceptable() bool { return true }

// SubmitRequest queues slot idx (holding pba) for flushing.
func (f *Flusher) SubmitRequest(pba cbe.PBA, idx int) {
	f.pending = append(f.pending, request{pba: pba, idx: idx})
}

// Execute moves pending flush requests into generated write primitives.
func (f *Flusher) Execute() bool {
	if len(f.pending) == 0 {
		return false
	}
	for _, r := range f.pending {
		f.generated = append(f.generated, r)
	}
	f.pending = nil
	return true
}

// PeekGeneratedPrimitive returns the next write primitive for the I/O
// stage, and the cache slot index it reads data from.
func (f *Flusher) PeekGeneratedPrimitive() (cbe.Primitive, int, bool) {
	if len(f.generated) == 0 {
		return cbe.Primitive{}, 0, false
	}
	r := f.generated[0]
	return cbe.Primitive{Valid: true, Tag: cbe.TagCacheFlush, Op: cbe.OpWrite, PBA: r.pba, Index: uint32(r.idx)}, r.idx, true
}

// DropGeneratedPrimitive removes the primitive returned by
// PeekGeneratedPrimitive.
func (f *Flusher) DropGeneratedPrimitive() {
	if len(f.generated) > 0 {
		f.generated = f.generated[1:]
	}
}

// MarkGeneratedPrimitiveComplete records that the I/O write for prim has
// finished.
func (f *Flusher) MarkGeneratedPrimitiveComplete(prim cbe.Primitive) {
	f.completed = append(f.completed, prim)
}

// PeekCompletedPrimitive returns a completed flush primitive, if any.
func (f *Flusher) PeekCompletedPrimitive() (cbe.Primitive, bool) {
	if len(f.completed) == 0 {
		return cbe.Primitive{}, false
	}
	return f.completed[0], true
}

// DropCompletedPrimitive removes the primitive returned by
// PeekCompletedPrimitive.
func (f *Flusher) DropCompletedPrimitive() {
	if len(f.completed) > 0 {
		f.completed = f.completed[1:]
	}
}
