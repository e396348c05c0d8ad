// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hw

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-lpc/flx/regmap"
)

// Op is a hardware access recorded by the simulated device.
type Op struct {
	Kind  string // "rreg", "wreg", "rbf", "wbf", "reset", "soft-reset", "gbt-setup", "irq"
	Name  string
	Value uint64
}

func (op Op) String() string {
	return fmt.Sprintf("%s(%s, 0x%x)", op.Kind, op.Name, op.Value)
}

// Sim is an in-memory simulated FELIX card.
//
// Sim records every access and detects overlapping (concurrent) accesses,
// which a real card does not tolerate.
type Sim struct {
	acc access

	mu    sync.Mutex
	id    uint32
	open  bool
	mem   map[int64]uint64
	ops   []Op
	fails map[string]error

	opens      int
	closes     int
	softResets int
	gbtSetups  int
	resets     map[int]int

	inflight int32
	overlaps int32

	// OpenErr and CloseErr, when set, are returned by Open and Close.
	OpenErr  error
	CloseErr error
}

// NewSim creates a closed simulated card using the provided register map.
func NewSim(rmap *regmap.Map) *Sim {
	if rmap == nil {
		rmap = regmap.Default()
	}
	sim := &Sim{
		mem:    make(map[int64]uint64),
		fails:  make(map[string]error),
		resets: make(map[int]int),
	}
	sim.acc = access{rmap: rmap, mem: (*simWords)(sim)}
	return sim
}

var _ Device = (*Sim)(nil)

type simWords Sim

func (w *simWords) load(reg regmap.Register) (uint64, error) {
	if err := w.fails[reg.Name]; err != nil {
		return 0, err
	}
	return w.mem[reg.Offset], nil
}

func (w *simWords) store(reg regmap.Register, v uint64) error {
	if err := w.fails[reg.Name]; err != nil {
		return err
	}
	w.mem[reg.Offset] = v
	return nil
}

func (sim *Sim) enter() {
	if atomic.AddInt32(&sim.inflight, 1) > 1 {
		atomic.AddInt32(&sim.overlaps, 1)
	}
	sim.mu.Lock()
}

func (sim *Sim) exit() {
	sim.mu.Unlock()
	atomic.AddInt32(&sim.inflight, -1)
}

func (sim *Sim) record(kind, name string, v uint64) {
	sim.ops = append(sim.ops, Op{Kind: kind, Name: name, Value: v})
}

func (sim *Sim) Open(id uint32) error {
	sim.enter()
	defer sim.exit()

	if sim.OpenErr != nil {
		return sim.OpenErr
	}
	if sim.open {
		return fmt.Errorf("hw: simulated device %d already open", sim.id)
	}
	sim.id = id
	sim.open = true
	sim.opens++
	return nil
}

func (sim *Sim) Close() error {
	sim.enter()
	defer sim.exit()

	if sim.CloseErr != nil {
		return sim.CloseErr
	}
	if !sim.open {
		return ErrNotOpen
	}
	sim.open = false
	sim.closes++
	return nil
}

func (sim *Sim) ReadRegister(name string) (uint64, error) {
	sim.enter()
	defer sim.exit()

	if !sim.open {
		return 0, ErrNotOpen
	}
	sim.record("rreg", name, 0)
	return sim.acc.readRegister(name)
}

func (sim *Sim) WriteRegister(name string, v uint64) error {
	sim.enter()
	defer sim.exit()

	if !sim.open {
		return ErrNotOpen
	}
	sim.record("wreg", name, v)
	return sim.acc.writeRegister(name, v)
}

func (sim *Sim) ReadBitfield(name string) (uint64, error) {
	sim.enter()
	defer sim.exit()

	if !sim.open {
		return 0, ErrNotOpen
	}
	sim.record("rbf", name, 0)
	return sim.acc.readBitfield(name)
}

func (sim *Sim) WriteBitfield(name string, v uint64) error {
	sim.enter()
	defer sim.exit()

	if !sim.open {
		return ErrNotOpen
	}
	sim.record("wbf", name, v)
	return sim.acc.writeBitfield(name, v)
}

func (sim *Sim) ResetChannel(ch int) error {
	sim.enter()
	defer sim.exit()

	if !sim.open {
		return ErrNotOpen
	}
	sim.record("reset", "GTH_RX_RESET", uint64(ch))
	sim.resets[ch]++
	return sim.acc.resetChannel(ch)
}

func (sim *Sim) SoftReset() error {
	sim.enter()
	defer sim.exit()

	if !sim.open {
		return ErrNotOpen
	}
	sim.record("soft-reset", "SOFT_RESET", 1)
	sim.softResets++
	return sim.acc.softReset()
}

func (sim *Sim) GBTSetup(align Alignment, mode TMode) (int, error) {
	sim.enter()
	defer sim.exit()

	if !sim.open {
		return 0, ErrNotOpen
	}
	sim.record("gbt-setup", "GBT_MODE_CTRL", uint64(align))
	sim.gbtSetups++
	return sim.acc.gbtSetup(align, mode)
}

func (sim *Sim) DisableIRQ(irq IRQ) error {
	sim.enter()
	defer sim.exit()

	if !sim.open {
		return ErrNotOpen
	}
	sim.record("irq", "INT_ENABLE", uint64(irq))
	return sim.acc.disableIRQ(irq)
}

// SetAligned sets the GBT alignment status word reported by the card.
func (sim *Sim) SetAligned(mask uint64) {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	reg, err := sim.acc.rmap.Register("GBT_ALIGNMENT_DONE")
	if err != nil {
		panic(err)
	}
	sim.mem[reg.Offset] = mask
}

// Fail makes every subsequent access to the named register fail with err.
// A nil error clears the failure.
func (sim *Sim) Fail(register string, err error) {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	if err == nil {
		delete(sim.fails, register)
		return
	}
	sim.fails[register] = err
}

// Ops returns the recorded accesses and clears the record.
func (sim *Sim) Ops() []Op {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	ops := sim.ops
	sim.ops = nil
	return ops
}

// Stats reports the number of card-level operations seen so far.
type Stats struct {
	ID         uint32
	Open       bool
	Opens      int
	Closes     int
	SoftResets int
	GBTSetups  int
	Resets     map[int]int // GTH lane -> number of resets
	Overlaps   int         // number of overlapping accesses
}

// Stats returns a snapshot of the card-level operation counters.
func (sim *Sim) Stats() Stats {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	resets := make(map[int]int, len(sim.resets))
	for k, v := range sim.resets {
		resets[k] = v
	}
	return Stats{
		ID:         sim.id,
		Open:       sim.open,
		Opens:      sim.opens,
		Closes:     sim.closes,
		SoftResets: sim.softResets,
		GBTSetups:  sim.gbtSetups,
		Resets:     resets,
		Overlaps:   int(atomic.LoadInt32(&sim.overlaps)),
	}
}
