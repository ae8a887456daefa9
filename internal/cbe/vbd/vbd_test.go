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

package vbd

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cbe-project/cbe"
	"github.com/cbe-project/cbe/internal/cbe/cache"
)

// buildOneLevelTree seeds a cache with a single inner node (the root) whose
// entry 0 points at a leaf PBA, returning the root descriptor.
func buildOneLevelTree(t *testing.T, c *cache.Cache, leafPBA cbe.PBA, leafHash cbe.Hash) cbe.Type1Node {
	t.Helper()
	var rootBlock cbe.Block
	cbe.PutType1Node(&rootBlock, 0, cbe.Type1Node{PBA: leafPBA, Generation: 1, Hash: leafHash})
	rootHash := sha256.Sum256(rootBlock[:])
	const rootPBA = cbe.PBA(500)
	require.True(t, c.Insert(rootPBA, rootBlock, false))
	return cbe.Type1Node{PBA: rootPBA, Generation: 1, Hash: cbe.Hash(rootHash)}
}

func TestVBDResolvesLeafPBA(t *testing.T) {
	c := cache.New(4)
	leafHash := cbe.Hash{9, 9, 9}
	root := buildOneLevelTree(t, c, cbe.PBA(42), leafHash)

	v := New(TreeHelper{Height: 1, Degree: cbe.Degree, Leaves: cbe.Degree})
	prim := cbe.NewPrimitive(1, 0, cbe.OpRead, 0, 7)
	require.True(t, v.PrimitiveAcceptable())
	v.SubmitPrimitive(root, prim)

	require.True(t, v.Execute(c))
	resolved, ok := v.PeekCompletedPrimitive()
	require.True(t, ok)
	require.True(t, resolved.Success)
	require.Equal(t, cbe.PBA(42), resolved.PBA)

	path, ok := v.TransGetType1Info()
	require.True(t, ok)
	require.Equal(t, leafHash, path[0].Hash)
	require.Equal(t, root, path[1])
}

func TestVBDDetectsHashMismatch(t *testing.T) {
	c := cache.New(4)
	root := buildOneLevelTree(t, c, cbe.PBA(42), cbe.Hash{1})
	root.Hash[0] ^= 0xFF // corrupt the expected root hash

	v := New(TreeHelper{Height: 1, Degree: cbe.Degree, Leaves: cbe.Degree})
	prim := cbe.NewPrimitive(1, 0, cbe.OpRead, 0, 7)
	v.SubmitPrimitive(root, prim)
	v.Execute(c)

	resolved, ok := v.PeekCompletedPrimitive()
	require.True(t, ok)
	require.False(t, resolved.Success)
}

func TestVBDOnlyOneInFlight(t *testing.T) {
	v := New(TreeHelper{Height: 1, Degree: cbe.Degree})
	v.SubmitPrimitive(cbe.Type1Node{}, cbe.NewPrimitive(1, 0, cbe.OpRead, 0, 0))
	require.False(t, v.PrimitiveAcceptable())
}

func TestIndexForLevel(t *testing.T) {
	h := TreeHelper{Degree: 8}
	require.Equal(t, uint32(5), h.IndexForLevel(cbe.VBA(5), 0))
	require.Equal(t, uint32(0), h.IndexForLevel(cbe.VBA(8), 0))
	require.Equal(t, uint32(1), h.IndexForLevel(cbe.VBA(8), 1))
}
