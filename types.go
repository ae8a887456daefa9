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

// Package cbe implements the Consistent Block Encrypter: a block-device
// virtualization layer that exposes a fixed-size logical block device while
// persisting all data on an untrusted backing device in encrypted,
// copy-on-write, versioned form.
package cbe

import "encoding/binary"

// BlockSize is the fixed size of every unit of I/O, encryption, hashing and
// tree storage.
const BlockSize = 4096

// HashSize is the width of a block hash (SHA-256).
const HashSize = 32

// Tree shape bounds (spec §3 invariants).
const (
	TreeMinHeight = 1
	TreeMaxHeight = 6
	TreeMinDegree = 4
)

// NumSnapshots is the size of the snapshot ring carried in a superblock.
const NumSnapshots = 8

// NumSuperblocks is the number of superblock slots at the head of the
// backing device.
const NumSuperblocks = 2

// FreeTreeRetryLimit bounds the number of snapshot discards attempted before
// an allocation is given up as exhausted (spec §4.7, §7).
const FreeTreeRetryLimit = 3

// Block is the fixed-size opaque payload moved between every stage.
type Block [BlockSize]byte

// PBA is a physical block address on the backing device.
type PBA uint64

// VBA is a virtual block address on the logical device.
type VBA uint64

// Generation is the monotonically increasing version counter stamped on
// every CoW node. Generation 0 marks an initial, freely-rewritable node.
type Generation uint64

// Hash is a SHA-256 digest over a full Block.
type Hash [HashSize]byte

// type1NodeWireSize is the packed, padded size of one inner-tree entry; the
// tree degree is derived from it so a Type1Node array always fills exactly
// one Block (spec §3: "degree entries, degree >= TreeMinDegree").
const type1NodeWireSize = 64

// Degree is the number of entries held by one inner-tree node block.
const Degree = BlockSize / type1NodeWireSize

// Type1Node is one entry of an inner Merkle-tree node: the child's physical
// address, the generation it was stamped at, and the hash that must match
// the child block's content.
type Type1Node struct {
	PBA        PBA
	Generation Generation
	Hash       Hash
}

// PutType1Node packs n into dst at the given entry index within a Block.
func PutType1Node(dst *Block, index int, n Type1Node) {
	off := index * type1NodeWireSize
	binary.LittleEndian.PutUint64(dst[off:], uint64(n.PBA))
	binary.LittleEndian.PutUint64(dst[off+8:], uint64(n.Generation))
	copy(dst[off+16:off+16+HashSize], n.Hash[:])
}

// GetType1Node unpacks the entry at index from a Block.
func GetType1Node(src *Block, index int) Type1Node {
	off := index * type1NodeWireSize
	var n Type1Node
	n.PBA = PBA(binary.LittleEndian.Uint64(src[off:]))
	n.Generation = Generation(binary.LittleEndian.Uint64(src[off+8:]))
	copy(n.Hash[:], src[off+16:off+16+HashSize])
	return n
}

// SnapshotFlags are the per-snapshot retention/validity bits.
type SnapshotFlags uint32

const (
	// SnapshotFlagValid marks a slot as holding a real snapshot.
	SnapshotFlagValid SnapshotFlags = 1 << iota
	// SnapshotFlagKeep marks a snapshot for manual retention: it is never
	// chosen by the automatic discard policy.
	SnapshotFlagKeep
)

// InvalidSnapshotID marks "no snapshot" for search/discard loops.
const InvalidSnapshotID uint32 = ^uint32(0)

// Snapshot captures one Merkle-tree root at one generation.
type Snapshot struct {
	ID         uint32
	PBA        PBA
	Hash       Hash
	Generation Generation
	Height     uint32
	Leaves     uint64
	Flags      SnapshotFlags
}

// Valid reports whether the slot holds a real snapshot.
func (s Snapshot) Valid() bool { return s.Flags&SnapshotFlagValid != 0 }

// Keep reports whether the slot is protected from automatic discard.
func (s Snapshot) Keep() bool { return s.Flags&SnapshotFlagKeep != 0 }

// FreeTreeRoot describes the root of the independent free-space tree.
type FreeTreeRoot struct {
	PBA        PBA
	Hash       Hash
	Generation Generation
	Height     uint32
	Degree     uint32
	Leaves     uint64
}

// Superblock names the current snapshot set, the free tree, and the last
// secured generation. One Superblock packs into exactly one Block.
type Superblock struct {
	Snapshots             [NumSnapshots]Snapshot
	CurrentSnapshotIdx    uint32
	LastSecuredGeneration Generation
	FreeTree              FreeTreeRoot
	Degree                uint32
}

// Op identifies the kind of client operation a Request carries.
type Op uint8

const (
	OpRead Op = iota
	OpWrite
	OpSync
)

// Valid reports whether op is one of the defined operations.
func (op Op) Valid() bool { return op == OpRead || op == OpWrite || op == OpSync }

// Tag is the origin/kind marker carried on every primitive so a completion
// can be dispatched without virtual calls (spec §9 design note).
type Tag uint8

const (
	TagInvalid Tag = iota
	TagPool
	TagSplitter
	TagVBD
	TagCache
	TagCacheFlush
	TagCryptoEncrypt
	TagCryptoDecrypt
	TagWriteBack
	TagSyncSB
	TagFreeTreeWB
	TagFreeTreeIO
)

// Request is a client-issued operation spanning one or more blocks. ID is
// an opaque handle assigned by the request pool on acceptance; the zero
// value names "no request".
type Request struct {
	ID        uint64
	Op        Op
	VBA       VBA
	Count     uint32
	ClientTag uint64
	Offset    int64
	Err       error
}

// Equal reports whether two requests refer to the same internal request.
func (r Request) Equal(o Request) bool { return r.ID != 0 && r.ID == o.ID }

// Valid reports whether r names a real, defined, accepted request.
func (r Request) Valid() bool { return r.ID != 0 && r.Op.Valid() }

// Primitive is one per-block unit of work threaded through the stages.
type Primitive struct {
	Valid     bool
	Tag       Tag
	Origin    Tag
	Op        Op
	VBA       VBA
	PBA       PBA
	ClientTag uint64
	ReqID     uint64
	Index     uint32
	Success   bool
	Err       error // set alongside Success == false to name the failure cause
}

// NewPrimitive builds a valid primitive for the given request/VBA pair.
func NewPrimitive(reqID uint64, index uint32, op Op, vba VBA, clientTag uint64) Primitive {
	return Primitive{
		Valid:     true,
		Tag:       TagPool,
		Op:        op,
		VBA:       vba,
		ClientTag: clientTag,
		ReqID:     reqID,
		Index:     index,
	}
}
