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

// Package io implements the Backend I/O stage (spec §4.10): the device
// abstraction blocks are read from and written to, plus the tag-dispatched
// completion queue every other stage's primitives flow through.
//
// Two interchangeable Device implementations are provided, mirroring the
// relay/wrapped-store pattern of ethdb/relaydb: a production, memory-mapped
// file (mmapdevice) and a goleveldb-backed store used by tests that need to
// close and reopen a real on-disk store between phases (crash/reload
// scenarios).
package io

import (
	"golang.org/x/sync/semaphore"

	"github.com/cbe-project/cbe"
)

// Device is a fixed-size, block-addressed backing store.
type Device interface {
	ReadBlock(pba cbe.PBA) (cbe.Block, error)
	WriteBlock(pba cbe.PBA, b cbe.Block) error
	Capacity() uint64
	Close() error
}

// Stage is the I/O stage: it gates in-flight submissions with a
// non-blocking semaphore (spec §5: "a stage that cannot accept is skipped,
// never awaited") and hands completions back still carrying the
// primitive's Tag, so the driver (engine.tickIO) dispatches on that Tag
// rather than by virtual call, per the tagged-sum design (spec §9).
type Stage struct {
	dev Device
	sem *semaphore.Weighted

	pending   []job
	completed []cbe.Primitive
	data      map[uint64]cbe.Block // keyed by a synthetic slot id, carried via Primitive.Index
}

type job struct {
	prim cbe.Primitive
	data cbe.Block
}

// New creates an I/O stage over dev, admitting up to maxInFlight
// concurrently submitted primitives.
func New(dev Device, maxInFlight int64) *Stage {
	return &Stage{
		dev:  dev,
		sem:  semaphore.NewWeighted(maxInFlight),
		data: make(map[uint64]cbe.Block),
	}
}

// Acceptable reports whether another submission would be admitted right
// now, without blocking.
func (s *Stage) Acceptable() bool {
	if s.sem.TryAcquire(1) {
		s.sem.Release(1)
		return true
	}
	return false
}

// SubmitRead queues a read of prim.PBA. prim.Op must be OpRead.
func (s *Stage) SubmitRead(prim cbe.Primitive) bool {
	if !s.sem.TryAcquire(1) {
		return false
	}
	s.pending = append(s.pending, job{prim: prim})
	return true
}

// SubmitWrite queues a write of data to prim.PBA. prim.Op must be OpWrite.
func (s *Stage) SubmitWrite(prim cbe.Primitive, data cbe.Block) bool {
	if !s.sem.TryAcquire(1) {
		return false
	}
	s.pending = append(s.pending, job{prim: prim, data: data})
	return true
}

// Execute services one queued job per tick, returning whether it made
// progress. Real device I/O is synchronous from Go's point of view, but
// the stage still only ever does one unit of work per tick, matching the
// driver's cooperative scheduling model.
func (s *Stage) Execute() bool {
	if len(s.pending) == 0 {
		return false
	}
	j := s.pending[0]
	s.pending = s.pending[1:]

	p := j.prim
	switch p.Op {
	case cbe.OpRead:
		b, err := s.dev.ReadBlock(p.PBA)
		s.sem.Release(1)
		if err != nil {
			p.Success = false
		} else {
			p.Success = true
			s.data[dataKey(p)] = b
		}
	case cbe.OpWrite:
		err := s.dev.WriteBlock(p.PBA, j.data)
		s.sem.Release(1)
		p.Success = err == nil
	default:
		s.sem.Release(1)
		p.Success = false
	}
	s.completed = append(s.completed, p)
	return true
}

func dataKey(p cbe.Primitive) uint64 { return p.ClientTag<<32 | uint64(p.Index) }

// PeekCompletedPrimitive returns the next completed primitive, origin-tagged
// for the caller to dispatch (spec §9: a tagged sum, not a virtual call).
func (s *Stage) PeekCompletedPrimitive() (cbe.Primitive, bool) {
	if len(s.completed) == 0 {
		return cbe.Primitive{}, false
	}
	return s.completed[0], true
}

// TakeReadData returns and clears the data read for a completed read
// primitive.
func (s *Stage) TakeReadData(p cbe.Primitive) (cbe.Block, bool) {
	b, ok := s.data[dataKey(p)]
	if ok {
		delete(s.data, dataKey(p))
	}
	return b, ok
}

// DropCompletedPrimitive removes the primitive returned by
// PeekCompletedPrimitive.
func (s *Stage) DropCompletedPrimitive() {
	if len(s.completed) > 0 {
		s.completed = s.completed[1:]
	}
}
