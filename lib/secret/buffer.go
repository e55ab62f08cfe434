// Copyright © 2026 Serpent OS Developers
// SPDX-License-Identifier: Zlib

// Package secret provides swap-locked memory for key material.
//
// A Buffer lives outside the Go heap in an anonymous mmap region that
// is locked into physical RAM (mlock) and excluded from core dumps
// (MADV_DONTDUMP). The garbage collector never sees the region, so it
// cannot copy or relocate the secret. Close zeroes the contents before
// releasing the mapping.
//
// The key manager holds its Ed25519 private key in a Buffer for the
// whole process lifetime, releasing the lock only at shutdown.
package secret

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Buffer holds sensitive bytes in memory that is never swapped to
// disk and never written to core dumps. A Buffer must not be copied.
// After Close, access to the contents panics.
type Buffer struct {
	mu     sync.Mutex
	region []byte
	closed bool
}

// New allocates a protected buffer of the given size.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: buffer size must be positive, got %d", size)
	}

	region, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap: %w", err)
	}

	if err := unix.Mlock(region); err != nil {
		_ = unix.Munmap(region)
		return nil, fmt.Errorf("secret: mlock: %w", err)
	}

	if err := unix.Madvise(region, unix.MADV_DONTDUMP); err != nil {
		_ = unix.Munlock(region)
		_ = unix.Munmap(region)
		return nil, fmt.Errorf("secret: madvise(MADV_DONTDUMP): %w", err)
	}

	return &Buffer{region: region}, nil
}

// NewFromBytes copies source into a new protected buffer and zeroes
// the caller's slice, so the only remaining copy of the secret lives
// in locked memory.
func NewFromBytes(source []byte) (*Buffer, error) {
	buffer, err := New(len(source))
	if err != nil {
		return nil, err
	}

	copy(buffer.region, source)
	for index := range source {
		source[index] = 0
	}
	return buffer, nil
}

// Bytes returns the protected contents. The slice aliases the mmap
// region directly; callers must not retain it past the Buffer's
// lifetime. Panics if the buffer has been closed.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		panic("secret: read from closed buffer")
	}
	return b.region
}

// Len returns the buffer size.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.region)
}

// Close zeroes the contents, unlocks and unmaps the region. Close is
// idempotent. The unlock happens before the unmap so the kernel never
// sees an unmapped-but-locked range.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for index := range b.region {
		b.region[index] = 0
	}

	var firstError error
	if err := unix.Munlock(b.region); err != nil {
		firstError = fmt.Errorf("secret: munlock: %w", err)
	}
	if err := unix.Munmap(b.region); err != nil && firstError == nil {
		firstError = fmt.Errorf("secret: munmap: %w", err)
	}
	b.region = nil
	return firstError
}
