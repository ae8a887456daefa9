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
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"

	"github.com/cbe-project/cbe"
)

// MMapDevice is the production Device: a fixed-size backing file, mapped
// once at open time. Reads and writes are plain slice copies into the
// mapping; the kernel owns page-level durability until Close flushes the
// mapping.
type MMapDevice struct {
	f    *os.File
	m    mmap.MMap
	size uint64
}

// OpenMMapDevice opens or creates path, sized to hold capacity blocks.
func OpenMMapDevice(path string, capacity uint64) (*MMapDevice, error) {
	size := int64(capacity) * cbe.BlockSize
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("mmapdevice: open: %w", err)
	}
	if info, err := f.Stat(); err != nil {
		f.Close()
		return nil, fmt.Errorf("mmapdevice: stat: %w", err)
	} else if info.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("mmapdevice: truncate: %w", err)
		}
	}
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmapdevice: map: %w", err)
	}
	return &MMapDevice{f: f, m: m, size: capacity}, nil
}

// Capacity returns the number of addressable blocks.
func (d *MMapDevice) Capacity() uint64 { return d.size }

// ReadBlock copies pba's content out of the mapping.
func (d *MMapDevice) ReadBlock(pba cbe.PBA) (cbe.Block, error) {
	var b cbe.Block
	if uint64(pba) >= d.size {
		return b, cbe.ErrOutOfRange
	}
	off := int64(pba) * cbe.BlockSize
	copy(b[:], d.m[off:off+cbe.BlockSize])
	return b, nil
}

// WriteBlock copies b into pba's slot in the mapping.
func (d *MMapDevice) WriteBlock(pba cbe.PBA, b cbe.Block) error {
	if uint64(pba) >= d.size {
		return cbe.ErrOutOfRange
	}
	off := int64(pba) * cbe.BlockSize
	copy(d.m[off:off+cbe.BlockSize], b[:])
	return nil
}

// Close flushes the mapping and closes the backing file.
func (d *MMapDevice) Close() error {
	if err := d.m.Flush(); err != nil {
		d.f.Close()
		return fmt.Errorf("mmapdevice: flush: %w", err)
	}
	if err := d.m.Unmap(); err != nil {
		d.f.Close()
		return fmt.Errorf("mmapdevice: unmap: %w", err)
	}
	return d.f.Close()
}
