// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package card controls one logical unit (a card SLR) of a FELIX card:
// card initialization, link configuration, GTH resets and link alignment
// checks.
//
// Every hardware access of a Controller is serialized by a single mutex.
package card // import "github.com/go-lpc/flx/card"

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/flx/config"
	"github.com/go-lpc/flx/hw"
)

const (
	// NumGTHLanes is the number of GTH lanes reset by GTHReset.
	NumGTHLanes = 6

	// LinksPerSLR is the stride of a logical unit in the alignment mask.
	LinksPerSLR = 6

	gbtSoftResetAll = 0xffff_ffff_ffff
	tohostFanoutEmu = 0xff_ffff
)

var (
	// ErrClosed is returned when operating a closed controller.
	ErrClosed = errors.New("card: controller closed")

	// ErrHardware matches the errors of a device that could not be
	// opened or closed.
	ErrHardware = errors.New("card: hardware fault")
)

// HardwareError is a device open or close failure.
type HardwareError struct {
	Device DeviceID
	Op     string // "open" or "close"
	Err    error
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("card: could not %s device %d (%v): %v", e.Op, e.Device.Number(), e.Device, e.Err)
}

func (e *HardwareError) Unwrap() error        { return e.Err }
func (e *HardwareError) Is(target error) bool { return target == ErrHardware }

// DeviceID identifies a logical unit.
type DeviceID struct {
	Card uint32
	SLR  uint32
}

// Number returns the device number opened on the driver.
func (id DeviceID) Number() uint32 { return id.Card + id.SLR }

func (id DeviceID) String() string {
	return fmt.Sprintf("card=%d slr=%d dev=%d", id.Card, id.SLR, id.Number())
}

// State is the life-cycle state of a controller.
type State uint8

const (
	Opened      State = iota // device open, card not initialized
	Initialized              // card initialized
	Configured               // links configured
	Closed                   // device closed
)

func (st State) String() string {
	switch st {
	case Opened:
		return "opened"
	case Initialized:
		return "initialized"
	case Configured:
		return "configured"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", uint8(st))
}

// Misalignment reports an attached link whose alignment bit is not set.
type Misalignment struct {
	Device DeviceID
	Link   uint32
	Bit    uint32
}

func (m Misalignment) Error() string {
	return fmt.Sprintf("card: %v: link %d not aligned (bit %d)", m.Device, m.Link, m.Bit)
}

// Misalignments is a list of misaligned links.
type Misalignments []Misalignment

func (ms Misalignments) Error() string {
	o := make([]string, len(ms))
	for i, m := range ms {
		o[i] = m.Error()
	}
	return strings.Join(o, "\n")
}

// LinkStatus is the status of an attached link.
type LinkStatus struct {
	Device  DeviceID
	Link    uint32
	Enabled bool
	Aligned bool
}

// Controller controls a logical unit through an open device.
type Controller struct {
	mu    sync.Mutex
	dev   hw.Device
	id    DeviceID
	iface config.Interface
	links []config.DataSender
	msg   log.MsgStream

	state State
	emu   bool
}

// New opens the device of the logical unit id and returns its controller.
// senders are the enabled data senders attached to the unit.
func New(dev hw.Device, id DeviceID, iface config.Interface, senders []config.DataSender, msg log.MsgStream) (*Controller, error) {
	err := dev.Open(id.Number())
	if err != nil {
		return nil, &HardwareError{Device: id, Op: "open", Err: err}
	}
	msg.Debugf("opened device %v", id)

	ctl := &Controller{
		dev:   dev,
		id:    id,
		iface: iface,
		links: append([]config.DataSender(nil), senders...),
		msg:   msg,
		state: Opened,
		emu:   iface.EmuFanout,
	}
	return ctl, nil
}

// ID returns the identifier of the logical unit.
func (ctl *Controller) ID() DeviceID { return ctl.id }

// Interface returns the configuration of the logical unit.
func (ctl *Controller) Interface() config.Interface { return ctl.iface }

// Senders returns the data senders attached to the unit.
func (ctl *Controller) Senders() []config.DataSender {
	return append([]config.DataSender(nil), ctl.links...)
}

// State returns the current state of the controller.
func (ctl *Controller) State() State {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	return ctl.state
}

// Close closes the device. Closing a closed controller is a no-op.
// A device close failure matches ErrHardware.
func (ctl *Controller) Close() error {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()

	if ctl.state == Closed {
		return nil
	}
	ctl.state = Closed
	err := ctl.dev.Close()
	if err != nil {
		ctl.msg.Errorf("could not close device %v: %+v", ctl.id, err)
		return &HardwareError{Device: ctl.id, Op: "close", Err: err}
	}
	ctl.msg.Debugf("closed device %v", ctl.id)
	return nil
}

// Init runs the card-level initialization sequence and returns the number
// of GBT channels that did not train.
// Init must run once per physical card.
func (ctl *Controller) Init() (int, error) {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()

	if ctl.state == Closed {
		return 0, ErrClosed
	}

	ctl.msg.Debugf("initialize card %d...", ctl.id.Card)
	err := ctl.dev.WriteBitfield("MMCM_MAIN_LCLK_SEL", 1)
	if err != nil {
		return 0, ctl.fail("could not select local clock", err)
	}

	err = ctl.dev.SoftReset()
	if err != nil {
		return 0, ctl.fail("could not soft-reset card", err)
	}

	err = ctl.dev.WriteBitfield("GBT_SOFT_RESET", gbtSoftResetAll)
	if err != nil {
		return 0, ctl.fail("could not assert GBT soft reset", err)
	}
	err = ctl.dev.WriteBitfield("GBT_SOFT_RESET", 0)
	if err != nil {
		return 0, ctl.fail("could not release GBT soft reset", err)
	}

	bad, err := ctl.dev.GBTSetup(hw.AlignmentOne, hw.TModeFEC)
	if err != nil {
		return 0, ctl.fail("could not setup GBT channels", err)
	}
	if bad > 0 {
		ctl.msg.Warnf("card %d: %d GBT channel(s) not trained", ctl.id.Card, bad)
	}

	err = ctl.dev.DisableIRQ(hw.AllIRQs)
	if err != nil {
		return bad, ctl.fail("could not disable interrupts", err)
	}

	ctl.state = Initialized
	ctl.msg.Infof("card %d initialized", ctl.id.Card)
	return bad, nil
}

// Configure disables every link of the unit, programs the emulator fanout
// and enables the attached links with the provided super chunk factor.
func (ctl *Controller) Configure(superChunk uint64, emuFanout bool) error {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()

	if ctl.state == Closed {
		return ErrClosed
	}

	for i := 0; i < config.NumLinks; i++ {
		name := epathEna(uint32(i))
		err := ctl.dev.WriteBitfield(name, 0)
		if err != nil {
			return ctl.fail("could not disable link", err)
		}
	}

	type setting struct {
		name string
		v    uint64
	}
	fanout := []setting{
		{"FE_EMU_ENA_EMU_TOFRONTEND", 0},
		{"FE_EMU_ENA_EMU_TOHOST", 0},
		{"GBT_TOFRONTEND_FANOUT_SEL", 0},
		{"GBT_TOHOST_FANOUT_SEL", 0},
	}
	if emuFanout {
		fanout = []setting{
			{"GBT_TOFRONTEND_FANOUT_SEL", 0},
			{"GBT_TOHOST_FANOUT_SEL", tohostFanoutEmu},
			{"FE_EMU_ENA_EMU_TOFRONTEND", 0},
			{"FE_EMU_ENA_EMU_TOHOST", 1},
		}
	}
	for _, bf := range fanout {
		err := ctl.dev.WriteBitfield(bf.name, bf.v)
		if err != nil {
			return ctl.fail("could not setup emulator fanout", err)
		}
	}
	ctl.emu = emuFanout

	for _, link := range ctl.links {
		err := ctl.dev.WriteBitfield(superChunkFactor(link.Link), superChunk)
		if err != nil {
			return ctl.fail("could not set super chunk factor", err)
		}
		err = ctl.dev.WriteBitfield(epathEna(link.Link), 1)
		if err != nil {
			return ctl.fail("could not enable link", err)
		}
		ctl.msg.Debugf("%v: enabled link %d (super-chunk=%d)", ctl.id, link.Link, superChunk)
	}

	ctl.state = Configured
	ctl.msg.Infof("%v configured (links=%d, emu-fanout=%v)", ctl.id, len(ctl.links), emuFanout)
	return nil
}

// EmuFanout reports whether the emulator fanout is active.
func (ctl *Controller) EmuFanout() bool {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	return ctl.emu
}

// GetRegister reads the named register.
func (ctl *Controller) GetRegister(name string) (uint64, error) {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()

	if ctl.state == Closed {
		return 0, ErrClosed
	}
	v, err := ctl.dev.ReadRegister(name)
	if err != nil {
		return 0, ctl.fail("could not get register", err)
	}
	return v, nil
}

// SetRegister writes v to the named register.
func (ctl *Controller) SetRegister(name string, v uint64) error {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()

	if ctl.state == Closed {
		return ErrClosed
	}
	err := ctl.dev.WriteRegister(name, v)
	if err != nil {
		return ctl.fail("could not set register", err)
	}
	return nil
}

// GetBitfield reads the named bitfield.
func (ctl *Controller) GetBitfield(name string) (uint64, error) {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()

	if ctl.state == Closed {
		return 0, ErrClosed
	}
	v, err := ctl.dev.ReadBitfield(name)
	if err != nil {
		return 0, ctl.fail("could not get bitfield", err)
	}
	return v, nil
}

// SetBitfield writes v to the named bitfield, leaving the other bits of
// its register untouched.
func (ctl *Controller) SetBitfield(name string, v uint64) error {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()

	if ctl.state == Closed {
		return ErrClosed
	}
	err := ctl.dev.WriteBitfield(name, v)
	if err != nil {
		return ctl.fail("could not set bitfield", err)
	}
	return nil
}

// GTHReset resets the receivers of the GTH lanes 0 to NumGTHLanes-1.
func (ctl *Controller) GTHReset() error {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()

	if ctl.state == Closed {
		return ErrClosed
	}
	for lane := 0; lane < NumGTHLanes; lane++ {
		err := ctl.dev.ResetChannel(lane)
		if err != nil {
			return ctl.fail("could not reset GTH", err)
		}
	}
	ctl.msg.Debugf("%v: reset %d GTH lanes", ctl.id, NumGTHLanes)
	return nil
}

// CheckAlignment returns the attached links whose bit is not set in the
// aligned mask. Misalignments are not reported while the emulator fanout
// is active.
func (ctl *Controller) CheckAlignment(aligned uint64) Misalignments {
	if ctl.EmuFanout() {
		return nil
	}

	var bad Misalignments
	for _, link := range ctl.links {
		bit := ctl.alignmentBit(link.Link)
		if (aligned>>bit)&1 == 1 {
			continue
		}
		m := Misalignment{Device: ctl.id, Link: link.Link, Bit: bit}
		ctl.msg.Errorf("%v: link %d not aligned (alignment=0x%x)", ctl.id, link.Link, aligned)
		bad = append(bad, m)
	}
	return bad
}

func (ctl *Controller) alignmentBit(link uint32) uint32 {
	return ctl.id.SLR*LinksPerSLR + link
}

// Snapshot reads back the alignment and enable state of every attached link.
func (ctl *Controller) Snapshot() ([]LinkStatus, error) {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()

	if ctl.state == Closed {
		return nil, ErrClosed
	}

	aligned, err := ctl.dev.ReadRegister("GBT_ALIGNMENT_DONE")
	if err != nil {
		return nil, ctl.fail("could not read alignment", err)
	}

	o := make([]LinkStatus, len(ctl.links))
	for i, link := range ctl.links {
		ena, err := ctl.dev.ReadBitfield(epathEna(link.Link))
		if err != nil {
			return nil, ctl.fail("could not read link enable", err)
		}
		bit := ctl.alignmentBit(link.Link)
		o[i] = LinkStatus{
			Device:  ctl.id,
			Link:    link.Link,
			Enabled: ena != 0,
			Aligned: (aligned>>bit)&1 == 1,
		}
	}
	return o, nil
}

func (ctl *Controller) fail(msg string, err error) error {
	ctl.msg.Errorf("%v: %s: %+v", ctl.id, msg, err)
	return fmt.Errorf("card: %v: %s: %w", ctl.id, msg, err)
}

func epathEna(link uint32) string {
	return fmt.Sprintf("DECODING_LINK%02d_EGROUP0_CTRL_EPATH_ENA", link)
}

func superChunkFactor(link uint32) string {
	return fmt.Sprintf("SUPER_CHUNK_FACTOR_LINK_%02d", link)
}
