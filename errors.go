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

package cbe

import "errors"

// Configuration / startup fatal errors (spec §7): returned from Open, never
// from Execute.
var (
	ErrNoValidSuperblock    = errors.New("cbe: no valid superblock found on device")
	ErrTreeHeightOutOfRange = errors.New("cbe: tree height out of range")
	ErrTreeDegreeTooLow     = errors.New("cbe: tree degree below minimum")
)

// Integrity fatal: the request carrying this error failed, but the engine
// keeps serving other requests.
var ErrHashMismatch = errors.New("cbe: block hash does not match parent entry")

// Resource exhaustion: free-tree allocation failed FreeTreeRetryLimit draws,
// each failed draw but the last followed by a snapshot discard.
var ErrAllocationExhausted = errors.New("cbe: free tree exhausted after retry limit")

// Client-visible rejections, returned synchronously from SubmitRequest.
var (
	ErrOutOfRange = errors.New("cbe: virtual block address out of range")
	ErrMalformedOp = errors.New("cbe: malformed or undefined operation")
	ErrPoolFull    = errors.New("cbe: request pool full, retry")
)
