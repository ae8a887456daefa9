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

package pool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cbe-project/cbe"
)

func TestPoolRejectsBeyondCapacity(t *testing.T) {
	p := New(1)
	require.True(t, p.Acceptable())
	p.Submit(cbe.Request{Op: cbe.OpRead, ClientTag: 1}, 1)
	require.False(t, p.Acceptable())
}

func TestPoolCompletesAfterAllPrimitivesMarked(t *testing.T) {
	p := New(4)
	req := p.Submit(cbe.Request{Op: cbe.OpRead, ClientTag: 9}, 2)
	pending, ok := p.PeekPendingRequest()
	require.True(t, ok)
	require.Equal(t, req.ID, pending.ID)
	p.DropPendingRequest()

	p.MarkCompleted(cbe.Primitive{ClientTag: 9, Success: true})
	_, ok = p.PeekCompletedRequest()
	require.False(t, ok, "first of two primitives shouldn't complete the request")

	p.MarkCompleted(cbe.Primitive{ClientTag: 9, Success: true})
	completed, ok := p.PeekCompletedRequest()
	require.True(t, ok)
	require.Equal(t, req.ID, completed.ID)
	require.NoError(t, completed.Err)
	require.True(t, p.Acceptable(), "capacity freed once the request completes")
}

func TestPoolRecordsFailureCauseFromPrimitive(t *testing.T) {
	p := New(4)
	p.Submit(cbe.Request{Op: cbe.OpWrite, ClientTag: 3}, 1)

	p.MarkCompleted(cbe.Primitive{ClientTag: 3, Success: false, Err: cbe.ErrHashMismatch})
	completed, ok := p.PeekCompletedRequest()
	require.True(t, ok)
	require.ErrorIs(t, completed.Err, cbe.ErrHashMismatch)
}

func TestPoolFallsBackToGenericErrorWithoutPrimitiveErr(t *testing.T) {
	p := New(4)
	p.Submit(cbe.Request{Op: cbe.OpWrite, ClientTag: 5}, 1)

	p.MarkCompleted(cbe.Primitive{ClientTag: 5, Success: false})
	completed, ok := p.PeekCompletedRequest()
	require.True(t, ok)
	require.ErrorIs(t, completed.Err, cbe.ErrAllocationExhausted)
}

func TestRequestForTag(t *testing.T) {
	p := New(4)
	req := p.Submit(cbe.Request{Op: cbe.OpRead, ClientTag: 77}, 1)
	got, ok := p.RequestForTag(77)
	require.True(t, ok)
	require.Equal(t, req.ID, got.ID)
}
