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

// Package crypto implements the Crypto stage (spec §4.6): symmetric
// encrypt/decrypt of whole 4 KiB blocks.
//
// It is built on golang.org/x/crypto/xts, the block-device cipher mode: each
// block is one XTS sector, tweaked by its physical block address, with no
// ciphertext expansion. An AEAD (the usual modern default) would grow the
// ciphertext and break the one-PBA-per-block addressing the rest of the
// engine depends on, so XTS — not an AEAD — is the right tool here.
package crypto

import (
	"crypto/aes"
	"fmt"

	"golang.org/x/crypto/xts"

	"github.com/cbe-project/cbe"
)

// Crypto is the single-slot encrypt/decrypt stage. At most one primitive is
// in flight at a time (spec: "driven at most once per primitive").
type Crypto struct {
	cipher *xts.Cipher

	pending    cbe.Primitive
	pendingIn  cbe.Block
	hasPending bool

	completed    cbe.Primitive
	completedOut cbe.Block
	hasCompleted bool
}

// New builds a Crypto stage from a raw key. The key must be 64 bytes (two
// AES-256 keys, as XTS requires).
func New(key []byte) (*Crypto, error) {
	c, err := xts.NewCipher(aes.NewCipher, key)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	return &Crypto{cipher: c}, nil
}

// PrimitiveAcceptable reports whether a new primitive can be submitted.
func (c *Crypto) PrimitiveAcceptable() bool { return !c.hasPending && !c.hasCompleted }

// SubmitPrimitive enqueues one block for encryption (prim.Tag ==
// TagCryptoEncrypt) or decryption (TagCryptoDecrypt). data is the
// plaintext (encrypt) or ciphertext (decrypt) source.
func (c *Crypto) SubmitPrimitive(prim cbe.Primitive, data cbe.Block) {
	c.pending = prim
	c.pendingIn = data
	c.hasPending = true
}

// Execute advances the stage by one tick, returning whether it made
// progress. Matches the "plain function returning progress: bool" pattern
// of spec §9 — no goroutines, no blocking.
func (c *Crypto) Execute() bool {
	if !c.hasPending || c.hasCompleted {
		return false
	}
	prim := c.pending
	var out cbe.Block
	sector := uint64(prim.PBA)
	switch prim.Tag {
	case cbe.TagCryptoEncrypt:
		c.cipher.Encrypt(out[:], c.pendingIn[:], sector)
	case cbe.TagCryptoDecrypt:
		c.cipher.Decrypt(out[:], c.pendingIn[:], sector)
	default:
		return false
	}
	prim.Success = true

	c.completed = prim
	c.completedOut = out
	c.hasCompleted = true
	c.hasPending = false
	return true
}

// PeekCompletedPrimitive returns the completed primitive, if any.
func (c *Crypto) PeekCompletedPrimitive() (cbe.Primitive, bool) {
	if !c.hasCompleted {
		return cbe.Primitive{}, false
	}
	return c.completed, true
}

// CopyCompletedData copies the result of the completed primitive into dst.
func (c *Crypto) CopyCompletedData(dst *cbe.Block) {
	*dst = c.completedOut
}

// DropCompletedPrimitive clears the completed slot, freeing it for the next
// submission.
func (c *Crypto) DropCompletedPrimitive() {
	c.hasCompleted = false
	c.completed = cbe.Primitive{}
}
