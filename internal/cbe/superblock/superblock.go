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

// Package superblock implements the Superblock sync stage (spec §4.9): the
// durable ring of NumSuperblocks header blocks that anchors the snapshot
// set and the free tree root. Each slot is self-describing — magic,
// version, payload, trailing checksum — the same header+checksum framing
// core/rawdb/freezer_table.go uses for its indexed item files, adapted
// from a two-file index/data scheme to a single self-contained block.
package superblock

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/cbe-project/cbe"
)

const (
	magic         = 0x43424530 // "CBE0"
	wireVersion   = 1
	snapshotWire  = 4 + 8 + cbe.HashSize + 8 + 4 + 8 + 4 // id,pba,hash,gen,height,leaves,flags
	freeTreeWire  = 8 + cbe.HashSize + 8 + 4 + 4 + 8     // pba,hash,gen,height,degree,leaves
	headerWire    = 4 + 4                                // magic, version
	checksumWire  = cbe.HashSize
	payloadOffset = headerWire
)

// Size is the on-disk size of one encoded superblock; it must fit within
// one Block.
var Size = payloadOffset + cbe.NumSnapshots*snapshotWire + 4 + 8 + freeTreeWire + 4 + checksumWire

// Encode packs sb into exactly one Block, self-checksummed.
func Encode(sb cbe.Superblock) cbe.Block {
	var blk cbe.Block
	off := 0
	binary.LittleEndian.PutUint32(blk[off:], magic)
	off += 4
	binary.LittleEndian.PutUint32(blk[off:], wireVersion)
	off += 4

	for _, s := range sb.Snapshots {
		binary.LittleEndian.PutUint32(blk[off:], s.ID)
		off += 4
		binary.LittleEndian.PutUint64(blk[off:], uint64(s.PBA))
		off += 8
		copy(blk[off:off+cbe.HashSize], s.Hash[:])
		off += cbe.HashSize
		binary.LittleEndian.PutUint64(blk[off:], uint64(s.Generation))
		off += 8
		binary.LittleEndian.PutUint32(blk[off:], s.Height)
		off += 4
		binary.LittleEndian.PutUint64(blk[off:], s.Leaves)
		off += 8
		binary.LittleEndian.PutUint32(blk[off:], uint32(s.Flags))
		off += 4
	}

	binary.LittleEndian.PutUint32(blk[off:], sb.CurrentSnapshotIdx)
	off += 4
	binary.LittleEndian.PutUint64(blk[off:], uint64(sb.LastSecuredGeneration))
	off += 8

	ft := sb.FreeTree
	binary.LittleEndian.PutUint64(blk[off:], uint64(ft.PBA))
	off += 8
	copy(blk[off:off+cbe.HashSize], ft.Hash[:])
	off += cbe.HashSize
	binary.LittleEndian.PutUint64(blk[off:], uint64(ft.Generation))
	off += 8
	binary.LittleEndian.PutUint32(blk[off:], ft.Height)
	off += 4
	binary.LittleEndian.PutUint32(blk[off:], ft.Degree)
	off += 4
	binary.LittleEndian.PutUint64(blk[off:], ft.Leaves)
	off += 8

	binary.LittleEndian.PutUint32(blk[off:], sb.Degree)
	off += 4

	sum := checksum(blk[:off])
	copy(blk[off:off+cbe.HashSize], sum[:])

	return blk
}

// Decode unpacks and validates a Block as a superblock. A checksum
// mismatch or bad magic/version means the slot is not usable.
func Decode(blk cbe.Block) (cbe.Superblock, error) {
	var sb cbe.Superblock
	off := 0
	if binary.LittleEndian.Uint32(blk[off:]) != magic {
		return sb, fmt.Errorf("superblock: %w", cbe.ErrNoValidSuperblock)
	}
	off += 4
	if binary.LittleEndian.Uint32(blk[off:]) != wireVersion {
		return sb, fmt.Errorf("superblock: %w", cbe.ErrNoValidSuperblock)
	}
	off += 4

	for i := range sb.Snapshots {
		var s cbe.Snapshot
		s.ID = binary.LittleEndian.Uint32(blk[off:])
		off += 4
		s.PBA = cbe.PBA(binary.LittleEndian.Uint64(blk[off:]))
		off += 8
		copy(s.Hash[:], blk[off:off+cbe.HashSize])
		off += cbe.HashSize
		s.Generation = cbe.Generation(binary.LittleEndian.Uint64(blk[off:]))
		off += 8
		s.Height = binary.LittleEndian.Uint32(blk[off:])
		off += 4
		s.Leaves = binary.LittleEndian.Uint64(blk[off:])
		off += 8
		s.Flags = cbe.SnapshotFlags(binary.LittleEndian.Uint32(blk[off:]))
		off += 4
		sb.Snapshots[i] = s
	}

	sb.CurrentSnapshotIdx = binary.LittleEndian.Uint32(blk[off:])
	off += 4
	sb.LastSecuredGeneration = cbe.Generation(binary.LittleEndian.Uint64(blk[off:]))
	off += 8

	var ft cbe.FreeTreeRoot
	ft.PBA = cbe.PBA(binary.LittleEndian.Uint64(blk[off:]))
	off += 8
	copy(ft.Hash[:], blk[off:off+cbe.HashSize])
	off += cbe.HashSize
	ft.Generation = cbe.Generation(binary.LittleEndian.Uint64(blk[off:]))
	off += 8
	ft.Height = binary.LittleEndian.Uint32(blk[off:])
	off += 4
	ft.Degree = binary.LittleEndian.Uint32(blk[off:])
	off += 4
	ft.Leaves = binary.LittleEndian.Uint64(blk[off:])
	off += 8
	sb.FreeTree = ft

	sb.Degree = binary.LittleEndian.Uint32(blk[off:])
	off += 4

	want := checksum(blk[:off])
	var got cbe.Hash
	copy(got[:], blk[off:off+cbe.HashSize])
	if want != got {
		return cbe.Superblock{}, fmt.Errorf("superblock: %w", cbe.ErrNoValidSuperblock)
	}
	return sb, nil
}

func checksum(b []byte) cbe.Hash { return sha256.Sum256(b) }

// Ring selects, from NumSuperblocks decoded candidates, the valid slot
// with the highest LastSecuredGeneration, and the next slot index to write
// on the following secure tick (ring rotation: always write the oldest or
// first-invalid slot).
type Ring struct {
	slots   [cbe.NumSuperblocks]cbe.Superblock
	valid   [cbe.NumSuperblocks]bool
	current int
}

// Load records the decode result for slot i.
func (r *Ring) Load(i int, sb cbe.Superblock, err error) {
	r.valid[i] = err == nil
	if err == nil {
		r.slots[i] = sb
	}
}

// Select picks the most recent valid slot. Returns ErrNoValidSuperblock if
// none decoded successfully (spec §7: startup fatal).
func (r *Ring) Select() (cbe.Superblock, error) {
	best := -1
	for i := 0; i < cbe.NumSuperblocks; i++ {
		if !r.valid[i] {
			continue
		}
		if best < 0 || r.slots[i].LastSecuredGeneration > r.slots[best].LastSecuredGeneration {
			best = i
		}
	}
	if best < 0 {
		return cbe.Superblock{}, cbe.ErrNoValidSuperblock
	}
	r.current = best
	return r.slots[best], nil
}

// NextSlot returns the ring index the next secure tick should write to.
func (r *Ring) NextSlot() int { return (r.current + 1) % cbe.NumSuperblocks }

// Commit records that sb was just durably written to slot i, advancing the
// ring's notion of "current".
func (r *Ring) Commit(i int, sb cbe.Superblock) {
	r.slots[i] = sb
	r.valid[i] = true
	r.current = i
}
