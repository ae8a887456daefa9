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

// Package pool implements the Request pool stage (spec §4.1): it accepts
// client requests, tracks their outstanding sub-primitives, and surfaces
// completion.
package pool

import "github.com/cbe-project/cbe"

type entry struct {
	req           cbe.Request
	numPrimitives uint32
	completed     uint32
}

// Pool is a bounded set of in-flight requests.
type Pool struct {
	capacity int
	nextID   uint64

	pending   []cbe.Request     // submitted, not yet handed to the splitter
	inflight  map[uint64]*entry // id -> bookkeeping, for requests past the splitter
	byTag     map[uint64]uint64 // primitive ClientTag -> request id, for request_for_tag
	completed []cbe.Request     // fully completed, awaiting client ack
}

// New creates a Pool bounded to capacity outstanding requests.
func New(capacity int) *Pool {
	return &Pool{
		capacity: capacity,
		inflight: make(map[uint64]*entry),
		byTag:    make(map[uint64]uint64),
	}
}

// Acceptable reports whether capacity remains for a new request.
func (p *Pool) Acceptable() bool {
	return len(p.pending)+len(p.inflight) < p.capacity
}

// Submit accepts req (assigning it an ID) and records that it will emit
// numPrimitives sub-primitives, each tagged with req.ClientTag.
func (p *Pool) Submit(req cbe.Request, numPrimitives uint32) cbe.Request {
	p.nextID++
	req.ID = p.nextID
	p.pending = append(p.pending, req)
	p.inflight[req.ID] = &entry{req: req, numPrimitives: numPrimitives}
	p.byTag[req.ClientTag] = req.ID
	return req
}

// PeekPendingRequest returns the next request awaiting the splitter.
func (p *Pool) PeekPendingRequest() (cbe.Request, bool) {
	if len(p.pending) == 0 {
		return cbe.Request{}, false
	}
	return p.pending[0], true
}

// DropPendingRequest removes the request returned by PeekPendingRequest.
func (p *Pool) DropPendingRequest() {
	if len(p.pending) > 0 {
		p.pending = p.pending[1:]
	}
}

// RequestForTag resolves a primitive's ClientTag back to its owning
// request.
func (p *Pool) RequestForTag(clientTag uint64) (cbe.Request, bool) {
	id, ok := p.byTag[clientTag]
	if !ok {
		return cbe.Request{}, false
	}
	e, ok := p.inflight[id]
	if !ok {
		return cbe.Request{}, false
	}
	return e.req, true
}

// MarkCompleted records that one sub-primitive of prim's owning request has
// finished. When all sub-primitives are done, the request moves to the
// completed queue.
func (p *Pool) MarkCompleted(prim cbe.Primitive) {
	id, ok := p.byTag[prim.ClientTag]
	if !ok {
		return
	}
	e, ok := p.inflight[id]
	if !ok {
		return
	}
	if !prim.Success && e.req.Err == nil {
		if prim.Err != nil {
			e.req.Err = prim.Err
		} else {
			e.req.Err = cbe.ErrAllocationExhausted
		}
	}
	e.completed++
	if e.completed >= e.numPrimitives {
		delete(p.inflight, id)
		delete(p.byTag, prim.ClientTag)
		p.completed = append(p.completed, e.req)
	}
}

// PeekCompletedRequest returns the next request ready for client ack.
func (p *Pool) PeekCompletedRequest() (cbe.Request, bool) {
	if len(p.completed) == 0 {
		return cbe.Request{}, false
	}
	return p.completed[0], true
}

// DropCompletedRequest removes the request returned by
// PeekCompletedRequest.
func (p *Pool) DropCompletedRequest() {
	if len(p.completed) > 0 {
		p.completed = p.completed[1:]
	}
}
