// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hw

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-lpc/flx/regmap"
)

func TestNew(t *testing.T) {
	for _, tc := range []struct {
		backend string
		err     bool
	}{
		{backend: ""},
		{backend: "sim"},
		{backend: "mmap"},
		{backend: "pcie", err: true},
	} {
		t.Run(tc.backend, func(t *testing.T) {
			dev, err := New(tc.backend, "", nil)
			switch {
			case err != nil && !tc.err:
				t.Fatalf("could not create device: %+v", err)
			case err == nil && tc.err:
				t.Fatalf("expected an error")
			case err == nil && dev == nil:
				t.Fatalf("nil device")
			}
		})
	}
}

func TestNotOpen(t *testing.T) {
	for _, dev := range []Device{NewSim(nil), NewMMap("", nil)} {
		_, err := dev.ReadRegister("GBT_ALIGNMENT_DONE")
		if !errors.Is(err, ErrNotOpen) {
			t.Fatalf("%T: invalid error: %+v", dev, err)
		}
		err = dev.WriteBitfield("GBT_SOFT_RESET", 1)
		if !errors.Is(err, ErrNotOpen) {
			t.Fatalf("%T: invalid error: %+v", dev, err)
		}
		err = dev.Close()
		if !errors.Is(err, ErrNotOpen) {
			t.Fatalf("%T: invalid error: %+v", dev, err)
		}
	}
}

func testDevice(t *testing.T, dev Device) {
	t.Helper()

	const v = 0x0123_4567_89ab_cdef
	err := dev.WriteRegister("GBT_SOFT_RESET", v)
	if err != nil {
		t.Fatalf("could not write register: %+v", err)
	}
	got, err := dev.ReadRegister("GBT_SOFT_RESET")
	if err != nil {
		t.Fatalf("could not read register: %+v", err)
	}
	if got != v {
		t.Fatalf("invalid register round-trip: got=0x%x, want=0x%x", got, uint64(v))
	}

	// bitfields sharing a register are written independently.
	for _, tc := range []struct {
		name string
		v    uint64
	}{
		{"SUPER_CHUNK_FACTOR_LINK_00", 0x01},
		{"SUPER_CHUNK_FACTOR_LINK_03", 0x42},
		{"SUPER_CHUNK_FACTOR_LINK_05", 0xff},
	} {
		err := dev.WriteBitfield(tc.name, tc.v)
		if err != nil {
			t.Fatalf("could not write bitfield %q: %+v", tc.name, err)
		}
	}
	word, err := dev.ReadRegister("SUPER_CHUNK_FACTOR_LINKS_00_05")
	if err != nil {
		t.Fatalf("could not read register: %+v", err)
	}
	if got, want := word, uint64(0xff00_4200_0001); got != want {
		t.Fatalf("invalid shared register: got=0x%x, want=0x%x", got, want)
	}
	bf, err := dev.ReadBitfield("SUPER_CHUNK_FACTOR_LINK_03")
	if err != nil {
		t.Fatalf("could not read bitfield: %+v", err)
	}
	if got, want := bf, uint64(0x42); got != want {
		t.Fatalf("invalid bitfield: got=0x%x, want=0x%x", got, want)
	}

	for _, tc := range []struct {
		name string
		v    uint64
	}{
		{"SUPER_CHUNK_FACTOR_LINK_03", 0x100},
		{"FE_EMU_ENA_EMU_TOHOST", 2},
		{"GBT_SOFT_RESET", 1 << 48},
	} {
		err := dev.WriteBitfield(tc.name, tc.v)
		if !errors.Is(err, ErrOverflow) {
			t.Fatalf("%s=0x%x: invalid error: %+v", tc.name, tc.v, err)
		}
	}
	word, err = dev.ReadRegister("SUPER_CHUNK_FACTOR_LINKS_00_05")
	if err != nil {
		t.Fatalf("could not read register: %+v", err)
	}
	if got, want := word, uint64(0xff00_4200_0001); got != want {
		t.Fatalf("overflowing write modified register: got=0x%x, want=0x%x", got, want)
	}

	_, err = dev.ReadBitfield("NOT_A_BITFIELD")
	if !errors.Is(err, regmap.ErrUnknownName) {
		t.Fatalf("invalid error: %+v", err)
	}

	err = dev.WriteBitfield("INT_ENABLE", 0xff)
	if err != nil {
		t.Fatalf("could not enable interrupts: %+v", err)
	}
	err = dev.DisableIRQ(0x0f)
	if err != nil {
		t.Fatalf("could not disable interrupts: %+v", err)
	}
	irq, err := dev.ReadBitfield("INT_ENABLE")
	if err != nil {
		t.Fatalf("could not read interrupts: %+v", err)
	}
	if got, want := irq, uint64(0xf0); got != want {
		t.Fatalf("invalid interrupt mask: got=0x%x, want=0x%x", got, want)
	}

	err = dev.ResetChannel(3)
	if err != nil {
		t.Fatalf("could not reset lane: %+v", err)
	}
	lanes, err := dev.ReadBitfield("GTH_RX_RESET")
	if err != nil {
		t.Fatalf("could not read lanes: %+v", err)
	}
	if lanes != 0 {
		t.Fatalf("lane reset not released: 0x%x", lanes)
	}
	err = dev.ResetChannel(NumChannels)
	if err == nil {
		t.Fatalf("expected an error resetting an invalid lane")
	}

	err = dev.SoftReset()
	if err != nil {
		t.Fatalf("could not soft-reset: %+v", err)
	}
	n, err := dev.GBTSetup(AlignmentContinuous, TModeFEC)
	if err != nil {
		t.Fatalf("could not setup GBT: %+v", err)
	}
	if got, want := n, NumChannels; got != want {
		t.Fatalf("invalid alignment errors: got=%d, want=%d", got, want)
	}
	mode, err := dev.ReadBitfield("GBT_ALIGNMENT_MODE")
	if err != nil {
		t.Fatalf("could not read alignment mode: %+v", err)
	}
	if got, want := Alignment(mode), AlignmentContinuous; got != want {
		t.Fatalf("invalid alignment mode: got=%d, want=%d", got, want)
	}
}

func TestSim(t *testing.T) {
	sim := NewSim(nil)
	err := sim.Open(3)
	if err != nil {
		t.Fatalf("could not open sim: %+v", err)
	}

	testDevice(t, sim)

	sim.SetAligned(0x00_ffff_f0)
	n, err := sim.GBTSetup(AlignmentOne, TModeFEC)
	if err != nil {
		t.Fatalf("could not setup GBT: %+v", err)
	}
	if got, want := n, 4; got != want {
		t.Fatalf("invalid alignment errors: got=%d, want=%d", got, want)
	}

	errBus := errors.New("bus error")
	sim.Fail("GBT_ALIGNMENT_DONE", errBus)
	_, err = sim.ReadBitfield("GBT_ALIGNMENT_DONE")
	if !errors.Is(err, errBus) {
		t.Fatalf("invalid error: %+v", err)
	}
	sim.Fail("GBT_ALIGNMENT_DONE", nil)
	_, err = sim.ReadBitfield("GBT_ALIGNMENT_DONE")
	if err != nil {
		t.Fatalf("could not read cleared register: %+v", err)
	}

	err = sim.Open(4)
	if err == nil {
		t.Fatalf("expected an error re-opening device")
	}

	st := sim.Stats()
	if got, want := st.ID, uint32(3); got != want {
		t.Fatalf("invalid id: got=%d, want=%d", got, want)
	}
	if got, want := st.SoftResets, 1; got != want {
		t.Fatalf("invalid soft-resets: got=%d, want=%d", got, want)
	}
	if got, want := st.GBTSetups, 2; got != want {
		t.Fatalf("invalid gbt-setups: got=%d, want=%d", got, want)
	}
	if got, want := st.Resets[3], 1; got != want {
		t.Fatalf("invalid lane resets: got=%d, want=%d", got, want)
	}
	if st.Overlaps != 0 {
		t.Fatalf("unexpected overlapping accesses: %d", st.Overlaps)
	}

	ops := sim.Ops()
	if len(ops) == 0 {
		t.Fatalf("no recorded ops")
	}
	if got, want := ops[0], (Op{Kind: "wreg", Name: "GBT_SOFT_RESET", Value: 0x0123_4567_89ab_cdef}); got != want {
		t.Fatalf("invalid first op: got=%v, want=%v", got, want)
	}
	if len(sim.Ops()) != 0 {
		t.Fatalf("ops not cleared")
	}

	err = sim.Close()
	if err != nil {
		t.Fatalf("could not close sim: %+v", err)
	}
	if sim.Stats().Open {
		t.Fatalf("sim still open")
	}
}

func TestMMap(t *testing.T) {
	rmap := regmap.Default()
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, "flx2"), make([]byte, window(rmap)), 0644)
	if err != nil {
		t.Fatalf("could not create fake device: %+v", err)
	}

	dev := NewMMap(filepath.Join(dir, "flx%d"), rmap)
	err = dev.Open(1)
	if err == nil {
		t.Fatalf("expected an error opening a missing device")
	}

	err = dev.Open(2)
	if err != nil {
		t.Fatalf("could not open device: %+v", err)
	}
	defer dev.Close()

	testDevice(t, dev)

	err = dev.Close()
	if err != nil {
		t.Fatalf("could not close device: %+v", err)
	}
}
