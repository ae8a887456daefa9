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

// Package splitter implements the Splitter stage (spec §4.2): it consumes
// one pending request at a time and emits one primitive per contained 4 KiB
// block.
package splitter

import "github.com/cbe-project/cbe"

// Splitter is a bounded FIFO of exactly one pending request.
type Splitter struct {
	pending   *cbe.Request
	nextIndex uint32
	generated []cbe.Primitive
}

// NumberOfPrimitives is a pure function of the request's block count.
func NumberOfPrimitives(req cbe.Request) uint32 { return req.Count }

// RequestAcceptable reports whether a new request can be submitted: the
// splitter holds at most one request at a time.
func (s *Splitter) RequestAcceptable() bool { return s.pending == nil }

// SubmitRequest hands req to the splitter.
func (s *Splitter) SubmitRequest(req cbe.Request) {
	if s.pending != nil {
		return
	}
	r := req
	s.pending = &r
	s.nextIndex = 0
}

// Execute emits the next primitive of the pending request, if any. Returns
// whether it made progress.
func (s *Splitter) Execute() bool {
	if s.pending == nil {
		return false
	}
	if s.nextIndex >= s.pending.Count {
		s.pending = nil
		return false
	}
	vba := s.pending.VBA + cbe.VBA(s.nextIndex)
	prim := cbe.NewPrimitive(s.pending.ID, s.nextIndex, s.pending.Op, vba, s.pending.ClientTag)
	prim.Tag = cbe.TagSplitter
	s.generated = append(s.generated, prim)
	s.nextIndex++
	if s.nextIndex >= s.pending.Count {
		s.pending = nil
	}
	return true
}

// PeekGeneratedPrimitive returns the next primitive ready for the VBD.
func (s *Splitter) PeekGeneratedPrimitive() (cbe.Primitive, bool) {
	if len(s.generated) == 0 {
		return cbe.Primitive{}, false
	}
	return s.generated[0], true
}

// DropGeneratedPrimitive removes the primitive returned by
// PeekGeneratedPrimitive.
func (s *Splitter) DropGeneratedPrimitive() {
	if len(s.generated) > 0 {
		s.generated = s.generated[1:]
	}
}
