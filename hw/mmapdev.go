// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hw

import (
	"fmt"
	"os"

	"github.com/go-lpc/flx/internal/mmap"
	"github.com/go-lpc/flx/regmap"
)

// MMap is a FELIX card device whose register window is memory-mapped from
// a device node.
type MMap struct {
	acc     access
	pattern string
	id      uint32
	h       *mmap.Handle
}

// NewMMap creates a closed memory-mapped device.
// The device node of card id is fmt.Sprintf(pattern, id).
func NewMMap(pattern string, rmap *regmap.Map) *MMap {
	if rmap == nil {
		rmap = regmap.Default()
	}
	if pattern == "" {
		pattern = "/dev/flx%d"
	}
	dev := &MMap{pattern: pattern}
	dev.acc = access{rmap: rmap, mem: (*mmapWords)(dev)}
	return dev
}

var _ Device = (*MMap)(nil)

type mmapWords MMap

func (w *mmapWords) load(reg regmap.Register) (uint64, error) {
	return w.h.ReadU64(reg.Offset)
}

func (w *mmapWords) store(reg regmap.Register, v uint64) error {
	return w.h.WriteU64(reg.Offset, v)
}

// window returns the size of the mapped window, rounded up to a page.
func window(rmap *regmap.Map) int {
	page := int64(os.Getpagesize())
	span := rmap.Span()
	return int((span + page - 1) / page * page)
}

func (dev *MMap) Open(id uint32) error {
	if dev.h != nil {
		return fmt.Errorf("hw: device %d already open", dev.id)
	}
	fname := fmt.Sprintf(dev.pattern, id)
	h, err := mmap.Open(fname, 0, window(dev.acc.rmap))
	if err != nil {
		return fmt.Errorf("hw: could not open device %d: %w", id, err)
	}
	dev.id = id
	dev.h = h
	return nil
}

func (dev *MMap) Close() error {
	if dev.h == nil {
		return ErrNotOpen
	}
	err := dev.h.Close()
	dev.h = nil
	if err != nil {
		return fmt.Errorf("hw: could not close device %d: %w", dev.id, err)
	}
	return nil
}

func (dev *MMap) ReadRegister(name string) (uint64, error) {
	if dev.h == nil {
		return 0, ErrNotOpen
	}
	return dev.acc.readRegister(name)
}

func (dev *MMap) WriteRegister(name string, v uint64) error {
	if dev.h == nil {
		return ErrNotOpen
	}
	return dev.acc.writeRegister(name, v)
}

func (dev *MMap) ReadBitfield(name string) (uint64, error) {
	if dev.h == nil {
		return 0, ErrNotOpen
	}
	return dev.acc.readBitfield(name)
}

func (dev *MMap) WriteBitfield(name string, v uint64) error {
	if dev.h == nil {
		return ErrNotOpen
	}
	return dev.acc.writeBitfield(name, v)
}

func (dev *MMap) ResetChannel(ch int) error {
	if dev.h == nil {
		return ErrNotOpen
	}
	return dev.acc.resetChannel(ch)
}

func (dev *MMap) SoftReset() error {
	if dev.h == nil {
		return ErrNotOpen
	}
	return dev.acc.softReset()
}

func (dev *MMap) GBTSetup(align Alignment, mode TMode) (int, error) {
	if dev.h == nil {
		return 0, ErrNotOpen
	}
	return dev.acc.gbtSetup(align, mode)
}

func (dev *MMap) DisableIRQ(irq IRQ) error {
	if dev.h == nil {
		return ErrNotOpen
	}
	return dev.acc.disableIRQ(irq)
}
