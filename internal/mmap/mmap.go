// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mmap provides read/write access to memory-mapped device windows.
package mmap // import "github.com/go-lpc/flx/internal/mmap"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

var (
	errClosed = errors.New("mmap: closed")
)

// Handle is a memory-mapped window, optionally backed by an open file.
type Handle struct {
	f    *os.File
	data []byte
}

// Open maps size bytes of the named file (a device node, a PCI resource
// file or a plain file) starting at offset off.
func Open(fname string, off int64, size int) (*Handle, error) {
	f, err := os.OpenFile(fname, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("mmap: could not open %q: %w", fname, err)
	}

	data, err := unix.Mmap(
		int(f.Fd()), off, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("mmap: could not mmap %q: %w", fname, err)
	}
	if len(data) != size {
		_ = unix.Munmap(data)
		_ = f.Close()
		return nil, fmt.Errorf("mmap: invalid mmap'd data: %d (want=%d)", len(data), size)
	}

	h := HandleFrom(data)
	h.f = f
	return h, nil
}

// HandleFrom wraps already mapped memory.
func HandleFrom(data []byte) *Handle {
	h := &Handle{data: data}
	runtime.SetFinalizer(h, (*Handle).Close)
	return h
}

// Close unmaps the memory and closes the underlying file, if any.
func (h *Handle) Close() error {
	if h == nil {
		return os.ErrInvalid
	}

	if h.data == nil {
		return nil
	}
	data := h.data
	h.data = nil
	runtime.SetFinalizer(h, nil)

	err := unix.Munmap(data)
	if h.f != nil {
		if e := h.f.Close(); e != nil && err == nil {
			err = e
		}
		h.f = nil
	}
	return err
}

// Len returns the length of the mapped window.
func (h *Handle) Len() int {
	return len(h.data)
}

// ReadAt implements the io.ReaderAt interface.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	if h == nil {
		return 0, os.ErrInvalid
	}

	if h.data == nil {
		return 0, errClosed
	}
	if off < 0 || int64(len(h.data)) < off {
		return 0, fmt.Errorf("mmap: invalid ReadAt offset %d", off)
	}
	n := copy(p, h.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements the io.WriterAt interface.
func (h *Handle) WriteAt(p []byte, off int64) (int, error) {
	if h == nil {
		return 0, os.ErrInvalid
	}

	if h.data == nil {
		return 0, errClosed
	}
	if off < 0 || int64(len(h.data)) < off {
		return 0, fmt.Errorf("mmap: invalid WriteAt offset %d", off)
	}
	n := copy(h.data[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// ReadU64 reads the little-endian 64-bit word at offset off.
func (h *Handle) ReadU64(off int64) (uint64, error) {
	var buf [8]byte
	_, err := h.ReadAt(buf[:], off)
	if err != nil {
		return 0, fmt.Errorf("mmap: could not read word at 0x%x: %w", off, err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteU64 writes v as a little-endian 64-bit word at offset off.
func (h *Handle) WriteU64(off int64, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := h.WriteAt(buf[:], off)
	if err != nil {
		return fmt.Errorf("mmap: could not write word at 0x%x: %w", off, err)
	}
	return nil
}

var (
	_ io.ReaderAt = (*Handle)(nil)
	_ io.WriterAt = (*Handle)(nil)
	_ io.Closer   = (*Handle)(nil)
)
