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

package io

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cbe-project/cbe"
)

func openDevices(t *testing.T) map[string]Device {
	t.Helper()
	mm, err := OpenMMapDevice(filepath.Join(t.TempDir(), "dev.img"), 8)
	require.NoError(t, err)
	t.Cleanup(func() { mm.Close() })

	ldb, err := OpenLevelDBDevice(filepath.Join(t.TempDir(), "dev"), 8)
	require.NoError(t, err)
	t.Cleanup(func() { ldb.Close() })

	return map[string]Device{"mmap": mm, "leveldb": ldb}
}

func TestDeviceReadWriteRoundTrip(t *testing.T) {
	for name, dev := range openDevices(t) {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, uint64(8), dev.Capacity())

			var data cbe.Block
			for i := range data {
				data[i] = byte(i)
			}
			require.NoError(t, dev.WriteBlock(3, data))
			got, err := dev.ReadBlock(3)
			require.NoError(t, err)
			require.Equal(t, data, got)
		})
	}
}

func TestDeviceReadsNeverWrittenBlockAsZero(t *testing.T) {
	for name, dev := range openDevices(t) {
		t.Run(name, func(t *testing.T) {
			got, err := dev.ReadBlock(5)
			require.NoError(t, err)
			require.Equal(t, cbe.Block{}, got)
		})
	}
}

func TestDeviceRejectsOutOfRangePBA(t *testing.T) {
	for name, dev := range openDevices(t) {
		t.Run(name, func(t *testing.T) {
			_, err := dev.ReadBlock(100)
			require.ErrorIs(t, err, cbe.ErrOutOfRange)
			require.ErrorIs(t, dev.WriteBlock(100, cbe.Block{}), cbe.ErrOutOfRange)
		})
	}
}

func TestLevelDBDeviceSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "dev")
	dev, err := OpenLevelDBDevice(dir, 4)
	require.NoError(t, err)

	var data cbe.Block
	data[0] = 0x7a
	require.NoError(t, dev.WriteBlock(1, data))
	require.NoError(t, dev.Close())

	reopened, err := OpenLevelDBDevice(dir, 4)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.ReadBlock(1)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

type fakeDevice struct {
	blocks map[cbe.PBA]cbe.Block
}

func newFakeDevice() *fakeDevice { return &fakeDevice{blocks: make(map[cbe.PBA]cbe.Block)} }

func (f *fakeDevice) ReadBlock(pba cbe.PBA) (cbe.Block, error) { return f.blocks[pba], nil }
func (f *fakeDevice) WriteBlock(pba cbe.PBA, b cbe.Block) error {
	f.blocks[pba] = b
	return nil
}
func (f *fakeDevice) Capacity() uint64 { return 1 << 20 }
func (f *fakeDevice) Close() error     { return nil }

func TestStageGatesInFlightSubmissions(t *testing.T) {
	s := New(newFakeDevice(), 1)
	require.True(t, s.Acceptable())

	prim := cbe.Primitive{Valid: true, Tag: cbe.TagCache, Op: cbe.OpRead, PBA: 1, Index: 0}
	require.True(t, s.SubmitRead(prim))
	require.False(t, s.Acceptable(), "single in-flight slot is now held")
	require.False(t, s.SubmitRead(prim))

	require.True(t, s.Execute())
	require.True(t, s.Acceptable(), "slot released once the job completes")

	completed, ok := s.PeekCompletedPrimitive()
	require.True(t, ok)
	require.True(t, completed.Success)
}

func TestStageReadWriteRoundTrip(t *testing.T) {
	dev := newFakeDevice()
	s := New(dev, 4)

	var data cbe.Block
	data[0] = 9
	wp := cbe.Primitive{Valid: true, Tag: cbe.TagCacheFlush, Op: cbe.OpWrite, PBA: 2, Index: 7}
	require.True(t, s.SubmitWrite(wp, data))
	require.True(t, s.Execute())
	completed, ok := s.PeekCompletedPrimitive()
	require.True(t, ok)
	require.True(t, completed.Success)
	s.DropCompletedPrimitive()

	rp := cbe.Primitive{Valid: true, Tag: cbe.TagCache, Op: cbe.OpRead, PBA: 2, Index: 7}
	require.True(t, s.SubmitRead(rp))
	require.True(t, s.Execute())
	completed, ok = s.PeekCompletedPrimitive()
	require.True(t, ok)
	got, ok := s.TakeReadData(completed)
	require.True(t, ok)
	require.Equal(t, data, got)
}
