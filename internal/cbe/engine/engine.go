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

// Package engine implements the driver (spec §4.9/§5): the single
// Execute() tick that polls every stage in a fixed order, advances the
// ones that can make progress, and the client-facing request API. It is
// the Go-native counterpart of the original's Cbe::Library::execute(),
// right down to the "no coroutines, plain functions returning progress"
// discipline (spec §9).
package engine

import (
	"crypto/sha256"
	"fmt"

	"github.com/aristanetworks/goarista/monotime"

	"github.com/cbe-project/cbe"
	"github.com/cbe-project/cbe/internal/cbe/cache"
	"github.com/cbe-project/cbe/internal/cbe/config"
	"github.com/cbe-project/cbe/internal/cbe/crypto"
	"github.com/cbe-project/cbe/internal/cbe/flusher"
	"github.com/cbe-project/cbe/internal/cbe/freetree"
	ioStage "github.com/cbe-project/cbe/internal/cbe/io"
	"github.com/cbe-project/cbe/internal/cbe/pool"
	"github.com/cbe-project/cbe/internal/cbe/splitter"
	"github.com/cbe-project/cbe/internal/cbe/superblock"
	"github.com/cbe-project/cbe/internal/cbe/vbd"
	"github.com/cbe-project/cbe/internal/cbe/writeback"
	"github.com/cbe-project/cbe/internal/cbe/xlog"
)

// Engine is the CBE request-processing core. It is not safe for concurrent
// use: exactly one goroutine must call Execute in a loop (spec §5).
type Engine struct {
	log *xlog.Logger
	cfg config.Config

	dev ioStage.Device

	pool      *pool.Pool
	splitter  splitter.Splitter
	vbd       *vbd.VBD
	cache     *cache.Cache
	flusher   flusher.Flusher
	crypto    *crypto.Crypto
	freeTree  *freetree.FreeTree
	writeBack writeback.WriteBack
	io        *ioStage.Stage

	ring *superblock.Ring
	sb   cbe.Superblock

	currentGeneration cbe.Generation
	lastSnapshotID    uint32
	lastTick          uint64
	lastSyncTick      uint64
	lastSecureTick    uint64
	syncPending       bool
	securePending     bool
	flushSubmitted    bool

	// in-flight leaf write-back bookkeeping, keyed by the splitter
	// primitive's (ReqID, Index).
	writes map[writeKey]*writeState
}

type writeKey struct {
	reqID uint64
	index uint32
}

type writeState struct {
	prim          cbe.Primitive
	vba           cbe.VBA
	data          cbe.Block
	dataReady     bool
	path          [vbd.MaxLevels]cbe.Type1Node
	allocs        [vbd.MaxLevels]writeback.Alloc
	levelResolved [vbd.MaxLevels]bool
	resolved      int
	stage         int // 1=awaiting allocations, 2=allocations resolved, 3=submitted to crypto, 4=submitted to write-back
}

// Open selects the most recent valid superblock slot from dev, validates
// its tree shape against spec bounds, and returns a ready Engine.
// ErrNoValidSuperblock / ErrTreeHeightOutOfRange / ErrTreeDegreeTooLow are
// startup-fatal, per spec §7.
func Open(dev ioStage.Device, key []byte, cfg config.Config, poolCapacity, cacheSlots int, queryCacheBytes int) (*Engine, error) {
	ring := &superblock.Ring{}
	for i := 0; i < cbe.NumSuperblocks; i++ {
		blk, err := dev.ReadBlock(cbe.PBA(i))
		if err != nil {
			ring.Load(i, cbe.Superblock{}, err)
			continue
		}
		sb, err := superblock.Decode(blk)
		ring.Load(i, sb, err)
	}
	sb, err := ring.Select()
	if err != nil {
		return nil, err
	}
	if h := sb.Snapshots[sb.CurrentSnapshotIdx].Height; h < cbe.TreeMinHeight || h > cbe.TreeMaxHeight {
		return nil, fmt.Errorf("engine: %w", cbe.ErrTreeHeightOutOfRange)
	}
	if sb.FreeTree.Height > cbe.TreeMaxHeight {
		return nil, fmt.Errorf("engine: %w", cbe.ErrTreeHeightOutOfRange)
	}
	if sb.Degree != 0 && sb.Degree < cbe.TreeMinDegree {
		return nil, fmt.Errorf("engine: %w", cbe.ErrTreeDegreeTooLow)
	}

	cr, err := crypto.New(key)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		log:      xlog.New("engine"),
		cfg:      cfg,
		dev:      dev,
		pool:     pool.New(poolCapacity),
		vbd:      vbd.New(vbd.TreeHelper{}),
		cache:    cache.New(cacheSlots),
		crypto:   cr,
		freeTree: freetree.New(queryCacheBytes),
		io:       ioStage.New(dev, int64(cacheSlots)),
		ring:     ring,
		sb:       sb,
		writes:   make(map[writeKey]*writeState),
	}
	e.currentGeneration = sb.LastSecuredGeneration + 1
	e.freeTree.SetCurrentGeneration(e.currentGeneration)
	e.freeTree.SetLastSecuredGeneration(sb.LastSecuredGeneration)
	for _, snap := range sb.Snapshots {
		if snap.Valid() && snap.ID > e.lastSnapshotID {
			e.lastSnapshotID = snap.ID
		}
	}
	e.refreshActiveSnapshot()
	return e, nil
}

func (e *Engine) refreshActiveSnapshot() {
	snap := e.sb.Snapshots[e.sb.CurrentSnapshotIdx]
	e.vbd.SetTreeHelperInfo(vbd.TreeHelper{Height: snap.Height, Degree: e.sb.Degree, Leaves: snap.Leaves})
}

func (e *Engine) activeSnapshot() cbe.Snapshot { return e.sb.Snapshots[e.sb.CurrentSnapshotIdx] }

// SeedFreeSpace registers PBAs as available for the free tree to draw on.
// Used once after formatting a new device. Open does not rebuild a free set
// from the persisted free tree root, so a reopened device starts with an
// empty free set until this is called again (see DESIGN.md).
func (e *Engine) SeedFreeSpace(pbas []cbe.PBA) { e.freeTree.Seed(pbas) }

// SubmitRequest validates and accepts a new client request. It returns
// synchronously client-visible errors (spec §7): ErrMalformedOp,
// ErrOutOfRange, ErrPoolFull.
func (e *Engine) SubmitRequest(op cbe.Op, vba cbe.VBA, count uint32, clientTag uint64) (cbe.Request, error) {
	if !op.Valid() {
		return cbe.Request{}, cbe.ErrMalformedOp
	}
	if uint64(vba)+uint64(count) > e.activeSnapshot().Leaves {
		return cbe.Request{}, cbe.ErrOutOfRange
	}
	if !e.pool.Acceptable() {
		return cbe.Request{}, cbe.ErrPoolFull
	}
	req := cbe.Request{Op: op, VBA: vba, Count: count, ClientTag: clientTag}
	req = e.pool.Submit(req, count)
	return req, nil
}

// PeekCompletedRequest / DropCompletedRequest surface finished requests to
// the client.
func (e *Engine) PeekCompletedRequest() (cbe.Request, bool) { return e.pool.PeekCompletedRequest() }
func (e *Engine) DropCompletedRequest()                     { e.pool.DropCompletedRequest() }

// RequestSync asks the next tick to flush dirty cache slots and clone the
// working snapshot into a new snapshot slot, regardless of the configured
// interval (spec §4.9, client OpSync). Superblock rotation is requested
// separately by RequestSecure.
func (e *Engine) RequestSync()   { e.syncPending = true }
func (e *Engine) RequestSecure() { e.securePending = true }

// Execute advances every stage by one tick and returns whether any stage
// made progress. The caller loops on this; spec §9: "plain function
// returning progress: bool", never blocking.
func (e *Engine) Execute() bool {
	now := monotime.Now()
	if e.lastTick == 0 {
		e.lastTick = now
	}
	elapsed := now - e.lastTick
	if e.cfg.SyncIntervalMS > 0 && elapsed >= e.cfg.SyncIntervalMS*1_000_000 {
		e.syncPending = true
	}
	if e.cfg.SecureIntervalMS > 0 && elapsed >= e.cfg.SecureIntervalMS*1_000_000 {
		e.securePending = true
	}

	progress := false
	progress = e.tickIngress() || progress
	progress = e.tickTranslation() || progress
	progress = e.tickAllocation() || progress
	progress = e.tickCrypto() || progress
	progress = e.tickWriteBack() || progress
	progress = e.tickCache() || progress
	progress = e.tickFlusher() || progress
	progress = e.tickSync() || progress
	progress = e.tickIO() || progress

	if progress {
		e.lastTick = now
	}
	return progress
}

func (e *Engine) tickIngress() bool {
	progress := false
	if req, ok := e.pool.PeekPendingRequest(); ok {
		if e.splitter.RequestAcceptable() {
			e.splitter.SubmitRequest(req)
			e.pool.DropPendingRequest()
			progress = true
		}
	}
	if e.splitter.Execute() {
		progress = true
	}
	return progress
}

func (e *Engine) tickTranslation() bool {
	progress := false
	if prim, ok := e.splitter.PeekGeneratedPrimitive(); ok {
		if e.vbd.PrimitiveAcceptable() {
			root := cbe.Type1Node{PBA: e.activeSnapshot().PBA, Generation: e.activeSnapshot().Generation, Hash: e.activeSnapshot().Hash}
			e.vbd.SubmitPrimitive(root, prim)
			e.splitter.DropGeneratedPrimitive()
			progress = true
		}
	}
	if e.vbd.Execute(e.cache) {
		progress = true
	}
	if prim, ok := e.vbd.PeekCompletedPrimitive(); ok {
		progress = e.onTranslated(prim) || progress
	}
	return progress
}

func (e *Engine) onTranslated(prim cbe.Primitive) bool {
	key := writeKey{reqID: prim.ReqID, index: prim.Index}
	if !prim.Success {
		e.pool.MarkCompleted(prim)
		e.vbd.DropCompletedPrimitive()
		return true
	}
	if prim.Op == cbe.OpRead {
		// Leaf content is fetched directly by the client via GiveReadData's
		// caller-supplied VBA; translation alone is the unit of work here.
		e.pool.MarkCompleted(prim)
		e.vbd.DropCompletedPrimitive()
		return true
	}
	path, ok := e.vbd.TransGetType1Info()
	if !ok {
		return false
	}
	ws := &writeState{prim: prim, vba: prim.VBA, path: path, stage: 1}
	e.writes[key] = ws
	e.vbd.TransInhibitTranslation()
	e.vbd.DropCompletedPrimitive()
	height := e.activeSnapshot().Height
	for lvl := 0; lvl <= int(height); lvl++ {
		if e.freeTree.RequestAcceptable() {
			e.freeTree.SubmitRequest(freetree.Request{
				Old:       path[lvl],
				ClientTag: prim.ClientTag,
				ReqID:     prim.ReqID,
				Index:     prim.Index,
				Level:     uint32(lvl),
			})
		}
	}
	return true
}

func (e *Engine) tickAllocation() bool {
	progress := e.freeTree.Execute()
	if res, ok := e.freeTree.PeekGeneratedResult(); ok {
		for _, ws := range e.writes {
			if ws.stage != 1 {
				continue
			}
			for lvl := range ws.path {
				if !ws.levelResolved[lvl] && ws.path[lvl] == res.Old {
					ws.allocs[lvl] = writeback.Alloc{New: res.New, Reused: res.Reused}
					ws.levelResolved[lvl] = true
					ws.resolved++
					break
				}
			}
			if ws.resolved == int(e.activeSnapshot().Height)+1 {
				ws.stage = 2
			}
		}
		e.freeTree.DropGeneratedResult()
		progress = true
	}

	// A request parked on a failed draw waits for a snapshot discard to
	// free up space before it can retry (spec §4.7): "the driver then
	// discards the lowest-id non-kept non-current snapshot and calls
	// retry_allocation()". Mirroring the original, a discard that finds
	// nothing to reclaim leaves the request parked rather than giving up —
	// only FreeTreeRetryLimit *attempted* draws count toward exhaustion.
	if e.freeTree.HasParkedRequest() {
		if e.discardSnapshot() {
			e.freeTree.NotifySnapshotDiscarded()
			progress = true
		}
	}

	if req, ok := e.freeTree.PeekExhaustedRequest(); ok {
		e.completeWriteWithError(req.ReqID, req.Index, cbe.ErrAllocationExhausted)
		e.freeTree.DropExhaustedRequest()
		progress = true
	}
	return progress
}

// discardSnapshot implements the driver's snapshot discard policy (spec
// §2/§3/§4.7): reclaim the valid, non-kept, non-current snapshot with the
// lowest id. Only its root is retired to the free set — a full subtree
// walk is out of scope for this allocator (see DESIGN.md).
func (e *Engine) discardSnapshot() bool {
	current := e.activeSnapshot().ID
	lowestID := cbe.InvalidSnapshotID
	lowestIdx := -1
	for i, snap := range e.sb.Snapshots {
		if !snap.Valid() || snap.Keep() || snap.ID == current {
			continue
		}
		if snap.ID < lowestID {
			lowestID = snap.ID
			lowestIdx = i
		}
	}
	if lowestIdx < 0 {
		return false
	}
	discarded := e.sb.Snapshots[lowestIdx]
	e.log.Debug("discarding snapshot", "id", discarded.ID, "slot", lowestIdx)
	e.freeTree.Retire(discarded.PBA, discarded.Generation)
	e.sb.Snapshots[lowestIdx] = cbe.Snapshot{}
	return true
}

func (e *Engine) completeWriteWithError(reqID uint64, index uint32, err error) {
	key := writeKey{reqID: reqID, index: index}
	ws, ok := e.writes[key]
	if !ok {
		return
	}
	p := ws.prim
	p.Success = false
	p.Err = err
	e.pool.MarkCompleted(p)
	delete(e.writes, key)
	e.vbd.TransResumeTranslation()
}

func (e *Engine) tickCrypto() bool {
	progress := false
	for _, ws := range e.writes {
		if ws.stage != 2 || !ws.dataReady {
			continue
		}
		if !e.crypto.PrimitiveAcceptable() {
			continue
		}
		leafAlloc := ws.allocs[0]
		p := ws.prim
		p.Tag = cbe.TagCryptoEncrypt
		p.PBA = leafAlloc.New
		e.crypto.SubmitPrimitive(p, ws.data)
		ws.stage = 3
		progress = true
	}
	if e.crypto.Execute() {
		progress = true
	}
	if cp, ok := e.crypto.PeekCompletedPrimitive(); ok {
		key := writeKey{reqID: cp.ReqID, index: cp.Index}
		if ws, ok := e.writes[key]; ok && ws.stage == 3 {
			var cipher cbe.Block
			e.crypto.CopyCompletedData(&cipher)
			if e.writeBack.Acceptable() {
				if err := e.dev.WriteBlock(ws.allocs[0].New, cipher); err != nil {
					e.log.Error("leaf write failed", "pba", ws.allocs[0].New, "err", err)
					return progress
				}
				job := writeback.Job{
					Prim:       ws.prim,
					VBA:        ws.vba,
					Height:     e.activeSnapshot().Height,
					Degree:     e.sb.Degree,
					LeafCipher: cipher,
					LeafHash:   sha256Of(cipher),
					Path:       ws.path,
					Allocs:     ws.allocs,
				}
				e.writeBack.Submit(job, e.currentGeneration)
				ws.stage = 4
				e.crypto.DropCompletedPrimitive()
				progress = true
			}
		}
	}
	return progress
}

func (e *Engine) tickWriteBack() bool {
	progress := e.writeBack.Execute(e.cache, e.currentGeneration)
	if prim, root, ok := e.writeBack.PeekCompletedRoot(); ok {
		if e.activeSnapshot().Keep() {
			// The working snapshot is KEEP-protected: it must not be
			// mutated in place, so roll the working pointer onto a fresh
			// slot before recording this write's new root.
			if !e.createSnapshot() {
				e.log.Error("write blocked: no snapshot slot free to roll off a KEEP'd snapshot")
				return progress
			}
		}
		snap := &e.sb.Snapshots[e.sb.CurrentSnapshotIdx]
		snap.PBA = root.PBA
		snap.Hash = root.Hash
		snap.Generation = root.Generation
		e.refreshActiveSnapshot()

		p := prim
		p.Success = true
		e.pool.MarkCompleted(p)
		delete(e.writes, writeKey{reqID: prim.ReqID, index: prim.Index})
		e.writeBack.DropCompletedRoot()
		e.vbd.TransResumeTranslation()
		progress = true
	}
	return progress
}

func (e *Engine) tickCache() bool {
	progress := e.cache.Execute()
	if prim, ok := e.cache.PeekGeneratedPrimitive(); ok {
		if e.io.SubmitRead(prim) {
			e.cache.DropGeneratedPrimitive()
			progress = true
		}
	}
	return progress
}

func (e *Engine) tickFlusher() bool {
	if !e.syncPending && !e.securePending {
		e.flushSubmitted = false
		return false
	}
	progress := false
	if !e.flushSubmitted {
		for idx := 0; idx < e.cache.Slots(); idx++ {
			if e.cache.Dirty(idx) {
				e.flusher.SubmitRequest(e.cache.Flush(idx), idx)
			}
		}
		e.flushSubmitted = true
	}
	if e.flusher.Execute() {
		progress = true
	}
	if prim, idx, ok := e.flusher.PeekGeneratedPrimitive(); ok {
		data := *e.cache.Data(idx)
		if e.io.SubmitWrite(prim, data) {
			e.flusher.DropGeneratedPrimitive()
			progress = true
		}
	}
	return progress
}

// tickSync drives the sync and secure cadences (spec §4.9). A sync tick
// clones the working snapshot into a fresh slot once every dirty cache
// slot has been flushed; a secure tick stamps and rotates the superblock.
// The two are independent requests: either can fire on its own.
func (e *Engine) tickSync() bool {
	if !e.syncPending && !e.securePending {
		return false
	}
	for i := 0; i < e.cache.Slots(); i++ {
		if e.cache.Dirty(i) {
			return false // wait for the flusher to drain dirty slots first
		}
	}

	progress := false
	if e.syncPending {
		if !e.createSnapshot() {
			e.log.Error("could not find free snapshot slot")
			return progress
		}
		e.syncPending = false
		progress = true
	}

	if e.securePending {
		e.sb.FreeTree = e.freeTree.Root()
		e.sb.LastSecuredGeneration = e.currentGeneration
		e.freeTree.SetLastSecuredGeneration(e.sb.LastSecuredGeneration)

		slot := e.ring.NextSlot()
		blk := superblock.Encode(e.sb)
		if err := e.dev.WriteBlock(cbe.PBA(slot), blk); err != nil {
			e.log.Error("superblock write failed", "err", err)
			return progress
		}
		e.ring.Commit(slot, e.sb)
		e.securePending = false
		progress = true
	}
	return progress
}

// createSnapshot clones the working snapshot into the next available slot
// (spec §4.9): searching forward from the current slot, skipping only
// snapshots that are both valid and KEEP-protected, cloning into the first
// slot that is either invalid (free) or a valid-but-unprotected snapshot
// (silently superseding it, matching the original driver). The current slot
// is the last one visited, so when every other slot is KEEP-protected the
// clone lands in the current slot itself. Returns false, leaving the sync
// request pending, only if every slot, the current one included, is
// KEEP-protected (spec §8: a device with every slot KEEP'd fails gracefully
// rather than losing data).
func (e *Engine) createSnapshot() bool {
	cur := int(e.sb.CurrentSnapshotIdx)
	next := cur
	found := false
	for i := 0; i < cbe.NumSnapshots; i++ {
		next = (next + 1) % cbe.NumSnapshots
		snap := e.sb.Snapshots[next]
		if !snap.Valid() || !snap.Keep() {
			found = true
			break
		}
	}
	if !found {
		return false
	}

	working := e.activeSnapshot()
	e.lastSnapshotID++
	e.sb.Snapshots[next] = cbe.Snapshot{
		ID:         e.lastSnapshotID,
		PBA:        working.PBA,
		Hash:       working.Hash,
		Generation: e.currentGeneration,
		Height:     working.Height,
		Leaves:     working.Leaves,
		Flags:      cbe.SnapshotFlagValid,
	}
	e.sb.CurrentSnapshotIdx = uint32(next)
	e.currentGeneration++
	e.freeTree.SetCurrentGeneration(e.currentGeneration)
	e.refreshActiveSnapshot()
	return true
}

func (e *Engine) tickIO() bool {
	progress := e.io.Execute()
	if prim, ok := e.io.PeekCompletedPrimitive(); ok {
		switch prim.Tag {
		case cbe.TagCache:
			if b, ok := e.io.TakeReadData(prim); ok {
				*e.cache.Data(int(prim.Index)) = b
			}
			e.cache.MarkCompleted(prim)
		case cbe.TagCacheFlush:
			e.cache.MarkClean(prim.PBA)
			e.flusher.MarkGeneratedPrimitiveComplete(prim)
		}
		e.io.DropCompletedPrimitive()
		progress = true
	}
	return progress
}

// NeedData reports the next request awaiting leaf data from the client
// (spec §6: need_data/give_read_data/give_write_data).
func (e *Engine) NeedData() (cbe.Request, bool) {
	req, ok := e.pool.PeekPendingRequest()
	return req, ok
}

// GiveReadData resolves one leaf of a read request by translating its VBA,
// reading the ciphertext, verifying it against the hash recorded by its
// parent entry, and decrypting it into dst.
func (e *Engine) GiveReadData(vba cbe.VBA, dst *cbe.Block) error {
	root := cbe.Type1Node{PBA: e.activeSnapshot().PBA, Generation: e.activeSnapshot().Generation, Hash: e.activeSnapshot().Hash}
	if !e.vbd.PrimitiveAcceptable() {
		return cbe.ErrPoolFull
	}
	prim := cbe.NewPrimitive(0, 0, cbe.OpRead, vba, 0)
	e.vbd.SubmitPrimitive(root, prim)
	for {
		e.vbd.Execute(e.cache)
		if _, ok := e.vbd.PeekCompletedPrimitive(); ok {
			break
		}
		// The node on the translation path isn't cache-resident: drive the
		// cache/IO stages directly, since nothing else is ticking them while
		// this call blocks its caller.
		e.tickCache()
		e.tickIO()
	}
	resolved, ok := e.vbd.PeekCompletedPrimitive()
	if !ok || !resolved.Success {
		e.vbd.DropCompletedPrimitive()
		return cbe.ErrHashMismatch
	}
	path, _ := e.vbd.TransGetType1Info()
	e.vbd.DropCompletedPrimitive()

	cipher, err := e.dev.ReadBlock(resolved.PBA)
	if err != nil {
		return err
	}
	if sha256.Sum256(cipher[:]) != [sha256.Size]byte(path[0].Hash) {
		return cbe.ErrHashMismatch
	}

	if !e.crypto.PrimitiveAcceptable() {
		return cbe.ErrPoolFull
	}
	dp := prim
	dp.Tag = cbe.TagCryptoDecrypt
	dp.PBA = resolved.PBA
	e.crypto.SubmitPrimitive(dp, cipher)
	for !e.crypto.Execute() {
	}
	e.crypto.CopyCompletedData(dst)
	e.crypto.DropCompletedPrimitive()
	return nil
}

// GiveWriteData hands the client's plaintext block to an in-flight write
// request identified by (reqID, index).
func (e *Engine) GiveWriteData(reqID uint64, index uint32, data cbe.Block) bool {
	key := writeKey{reqID: reqID, index: index}
	ws, ok := e.writes[key]
	if !ok {
		return false
	}
	ws.data = data
	ws.dataReady = true
	return true
}

func sha256Of(b cbe.Block) cbe.Hash { return sha256.Sum256(b[:]) }
