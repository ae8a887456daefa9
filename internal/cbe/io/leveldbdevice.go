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
	"encoding/binary"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/cbe-project/cbe"
)

// LevelDBDevice is the test/alternate Device: blocks stored under
// big-endian PBA keys in a goleveldb store. Unlike MMapDevice it can be
// closed and reopened against the same directory, which is what the
// engine's crash/reload tests need without a raw file fixture.
type LevelDBDevice struct {
	db       *leveldb.DB
	capacity uint64
}

// OpenLevelDBDevice opens or creates the store at dir.
func OpenLevelDBDevice(dir string, capacity uint64) (*LevelDBDevice, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("leveldbdevice: open: %w", err)
	}
	return &LevelDBDevice{db: db, capacity: capacity}, nil
}

// Capacity returns the number of addressable blocks.
func (d *LevelDBDevice) Capacity() uint64 { return d.capacity }

func pbaKey(pba cbe.PBA) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(pba))
	return k[:]
}

// ReadBlock returns pba's content, or a zero block if never written.
func (d *LevelDBDevice) ReadBlock(pba cbe.PBA) (cbe.Block, error) {
	var b cbe.Block
	if uint64(pba) >= d.capacity {
		return b, cbe.ErrOutOfRange
	}
	v, err := d.db.Get(pbaKey(pba), nil)
	if err == leveldb.ErrNotFound {
		return b, nil
	}
	if err != nil {
		return b, fmt.Errorf("leveldbdevice: get: %w", err)
	}
	copy(b[:], v)
	return b, nil
}

// WriteBlock persists b under pba's key.
func (d *LevelDBDevice) WriteBlock(pba cbe.PBA, b cbe.Block) error {
	if uint64(pba) >= d.capacity {
		return cbe.ErrOutOfRange
	}
	if err := d.db.Put(pbaKey(pba), b[:], nil); err != nil {
		return fmt.Errorf("leveldbdevice: put: %w", err)
	}
	return nil
}

// Close closes the underlying store.
func (d *LevelDBDevice) Close() error { return d.db.Close() }
