// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hw exposes FELIX card devices as symbolic register and bitfield
// read/write endpoints.
//
// Names are resolved to register offsets and bit ranges by a regmap.Map,
// behind the Device boundary, so that users of a Device never deal with
// physical addresses.
//
// A Device is not safe for concurrent use: callers serialize accesses.
package hw // import "github.com/go-lpc/flx/hw"

import (
	"errors"
	"fmt"

	"github.com/go-lpc/flx/regmap"
)

var (
	// ErrNotOpen is returned when accessing a device that is not open.
	ErrNotOpen = errors.New("hw: device not open")

	// ErrOverflow is returned when a value does not fit in a bitfield.
	ErrOverflow = errors.New("hw: value overflows bitfield")
)

// Alignment selects the GBT alignment procedure run by GBTSetup.
type Alignment uint64

const (
	AlignmentOne        Alignment = 1 // align each channel once
	AlignmentContinuous Alignment = 2 // keep re-aligning
)

// TMode selects the GBT transmission mode.
type TMode uint64

const (
	TModeFEC     TMode = 0 // forward error correction
	TModeWideBus TMode = 1
)

// IRQ is a mask of interrupt sources.
type IRQ uint64

const AllIRQs IRQ = 0xff

// NumChannels is the number of GBT channels of a card.
const NumChannels = 24

// Device is a FELIX card device.
type Device interface {
	// Open opens the device with the provided device number.
	Open(id uint32) error
	// Close closes the device.
	Close() error

	ReadRegister(name string) (uint64, error)
	WriteRegister(name string, v uint64) error
	ReadBitfield(name string) (uint64, error)
	WriteBitfield(name string, v uint64) error

	// ResetChannel resets the receiver of the GTH lane ch.
	ResetChannel(ch int) error

	// SoftReset issues a global soft reset of the card.
	SoftReset() error
	// GBTSetup runs the GBT channels bring-up and returns the number of
	// channels that did not train.
	GBTSetup(align Alignment, mode TMode) (int, error)
	// DisableIRQ masks the provided interrupt sources.
	DisableIRQ(irq IRQ) error
}

// New creates a closed device for the named backend.
// The device pattern is only used by the "mmap" backend, and holds the
// %d verb replaced with the device number at Open time.
func New(backend, pattern string, rmap *regmap.Map) (Device, error) {
	if rmap == nil {
		rmap = regmap.Default()
	}
	switch backend {
	case "sim", "":
		return NewSim(rmap), nil
	case "mmap":
		return NewMMap(pattern, rmap), nil
	default:
		return nil, fmt.Errorf("hw: unknown backend %q", backend)
	}
}

// alignmentErrors counts the channels not flagged in the aligned mask.
func alignmentErrors(aligned uint64) int {
	n := 0
	for ch := 0; ch < NumChannels; ch++ {
		if (aligned>>ch)&1 == 0 {
			n++
		}
	}
	return n
}

// words is the storage used by backends to hold register words.
type words interface {
	load(reg regmap.Register) (uint64, error)
	store(reg regmap.Register, v uint64) error
}

// access implements name resolution and bitfield read-modify-write on top
// of a register word storage.
type access struct {
	rmap *regmap.Map
	mem  words
}

func (acc *access) readRegister(name string) (uint64, error) {
	reg, err := acc.rmap.Register(name)
	if err != nil {
		return 0, fmt.Errorf("hw: could not read register: %w", err)
	}
	v, err := acc.mem.load(reg)
	if err != nil {
		return 0, fmt.Errorf("hw: could not read register %q: %w", name, err)
	}
	return v, nil
}

func (acc *access) writeRegister(name string, v uint64) error {
	reg, err := acc.rmap.Register(name)
	if err != nil {
		return fmt.Errorf("hw: could not write register: %w", err)
	}
	err = acc.mem.store(reg, v)
	if err != nil {
		return fmt.Errorf("hw: could not write register %q: %w", name, err)
	}
	return nil
}

func (acc *access) readBitfield(name string) (uint64, error) {
	bf, reg, err := acc.rmap.Bitfield(name)
	if err != nil {
		return 0, fmt.Errorf("hw: could not read bitfield: %w", err)
	}
	word, err := acc.mem.load(reg)
	if err != nil {
		return 0, fmt.Errorf("hw: could not read bitfield %q: %w", name, err)
	}
	return bf.Extract(word), nil
}

func (acc *access) writeBitfield(name string, v uint64) error {
	bf, reg, err := acc.rmap.Bitfield(name)
	if err != nil {
		return fmt.Errorf("hw: could not write bitfield: %w", err)
	}
	if v > bf.Mask()>>bf.Lo {
		return fmt.Errorf("%w: %q holds %d bits, got 0x%x", ErrOverflow, name, bf.Width(), v)
	}
	word, err := acc.mem.load(reg)
	if err != nil {
		return fmt.Errorf("hw: could not read bitfield %q: %w", name, err)
	}
	err = acc.mem.store(reg, bf.Insert(word, v))
	if err != nil {
		return fmt.Errorf("hw: could not write bitfield %q: %w", name, err)
	}
	return nil
}

// pulse sets the bitfield to v then clears it.
func (acc *access) pulse(name string, v uint64) error {
	err := acc.writeBitfield(name, v)
	if err != nil {
		return err
	}
	return acc.writeBitfield(name, 0)
}

func (acc *access) resetChannel(ch int) error {
	if ch < 0 || ch >= NumChannels {
		return fmt.Errorf("hw: invalid GTH lane %d", ch)
	}
	err := acc.pulse("GTH_RX_RESET", 1<<uint(ch))
	if err != nil {
		return fmt.Errorf("hw: could not reset GTH lane %d: %w", ch, err)
	}
	return nil
}

func (acc *access) softReset() error {
	err := acc.pulse("SOFT_RESET", 1)
	if err != nil {
		return fmt.Errorf("hw: could not issue soft reset: %w", err)
	}
	return nil
}

func (acc *access) gbtSetup(align Alignment, mode TMode) (int, error) {
	err := acc.writeBitfield("GBT_TMODE", uint64(mode))
	if err != nil {
		return 0, fmt.Errorf("hw: could not select GBT mode: %w", err)
	}
	err = acc.writeBitfield("GBT_ALIGNMENT_MODE", uint64(align))
	if err != nil {
		return 0, fmt.Errorf("hw: could not select GBT alignment: %w", err)
	}
	aligned, err := acc.readBitfield("GBT_ALIGNMENT_DONE")
	if err != nil {
		return 0, fmt.Errorf("hw: could not read GBT alignment: %w", err)
	}
	return alignmentErrors(aligned), nil
}

func (acc *access) disableIRQ(irq IRQ) error {
	ena, err := acc.readBitfield("INT_ENABLE")
	if err != nil {
		return fmt.Errorf("hw: could not read interrupt mask: %w", err)
	}
	err = acc.writeBitfield("INT_ENABLE", ena&^uint64(irq))
	if err != nil {
		return fmt.Errorf("hw: could not disable interrupts 0x%x: %w", uint64(irq), err)
	}
	return nil
}
