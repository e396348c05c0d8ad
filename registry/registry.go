// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package registry holds the card controllers of a control process, keyed
// by logical unit, and runs the card-level initialization once per
// physical card.
package registry // import "github.com/go-lpc/flx/registry"

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/flx/card"
	"github.com/go-lpc/flx/config"
	"github.com/go-lpc/flx/hw"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotFound  = errors.New("registry: device not found")
	ErrExists    = errors.New("registry: device already registered")
	ErrCollision = errors.New("registry: device number collision")
)

// Opener creates the (closed) device of a logical unit.
type Opener func(id card.DeviceID) (hw.Device, error)

// Registry is a set of card controllers.
type Registry struct {
	mu   sync.Mutex
	open Opener
	msg  log.MsgStream

	ctls   []*card.Controller // in registration order
	ids    map[card.DeviceID]*card.Controller
	nums   map[uint32]card.DeviceID
	inited map[uint32]bool // physical cards already initialized
}

// New creates an empty registry creating devices with open.
func New(open Opener, msg log.MsgStream) *Registry {
	return &Registry{
		open:   open,
		msg:    msg,
		ids:    make(map[card.DeviceID]*card.Controller),
		nums:   make(map[uint32]card.DeviceID),
		inited: make(map[uint32]bool),
	}
}

// Register creates, opens and stores the controller of the logical unit
// described by iface, with the enabled senders among senders attached.
// The first logical unit registered for a physical card initializes it.
func (reg *Registry) Register(iface config.Interface, senders []config.DataSender) (*card.Controller, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	id := card.DeviceID{Card: iface.Card, SLR: iface.SLR}
	if _, dup := reg.ids[id]; dup {
		return nil, fmt.Errorf("registry: could not register %v: %w", id, ErrExists)
	}
	if other, dup := reg.nums[id.Number()]; dup {
		return nil, fmt.Errorf(
			"registry: could not register %v (device %d already used by %v): %w",
			id, id.Number(), other, ErrCollision,
		)
	}

	var enabled []config.DataSender
	for _, s := range senders {
		if s.Disabled {
			reg.msg.Debugf("%v: skip disabled link %d", id, s.Link)
			continue
		}
		enabled = append(enabled, s)
	}

	dev, err := reg.open(id)
	if err != nil {
		return nil, fmt.Errorf("registry: could not create device for %v: %w", id, err)
	}

	ctl, err := card.New(dev, id, iface, enabled, reg.msg)
	if err != nil {
		return nil, fmt.Errorf("registry: could not create controller: %w", err)
	}

	if !reg.inited[id.Card] {
		_, err = ctl.Init()
		if err != nil {
			_ = ctl.Close()
			return nil, fmt.Errorf("registry: could not initialize card %d: %w", id.Card, err)
		}
		reg.inited[id.Card] = true
	}

	reg.ctls = append(reg.ctls, ctl)
	reg.ids[id] = ctl
	reg.nums[id.Number()] = id
	reg.msg.Infof("registered %v (links=%d)", id, len(enabled))
	return ctl, nil
}

// Lookup returns the controller of the logical unit (card, slr).
func (reg *Registry) Lookup(cardID, slr uint32) (*card.Controller, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	id := card.DeviceID{Card: cardID, SLR: slr}
	ctl, ok := reg.ids[id]
	if !ok {
		return nil, fmt.Errorf("registry: could not find %v: %w", id, ErrNotFound)
	}
	return ctl, nil
}

// First returns the first registered controller.
func (reg *Registry) First() (*card.Controller, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if len(reg.ctls) == 0 {
		return nil, ErrNotFound
	}
	return reg.ctls[0], nil
}

// Controllers returns the registered controllers in registration order.
func (reg *Registry) Controllers() []*card.Controller {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return append([]*card.Controller(nil), reg.ctls...)
}

// Len returns the number of registered controllers.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.ctls)
}

// ConfigureAll configures every controller with the super chunk factor and
// emulator fanout of its interface, then checks the link alignment read
// before configuration.
func (reg *Registry) ConfigureAll(ctx context.Context) (card.Misalignments, error) {
	var (
		mu  sync.Mutex
		bad card.Misalignments
	)

	grp, ctx := errgroup.WithContext(ctx)
	for _, ctl := range reg.Controllers() {
		ctl := ctl
		grp.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			ms, err := Configure(ctl)
			if err != nil {
				return err
			}
			mu.Lock()
			bad = append(bad, ms...)
			mu.Unlock()
			return nil
		})
	}

	err := grp.Wait()
	if err != nil {
		return bad, fmt.Errorf("registry: could not configure: %w", err)
	}
	return bad, nil
}

// Configure configures a controller with the settings of its interface and
// returns the links that were not aligned before configuration.
func Configure(ctl *card.Controller) (card.Misalignments, error) {
	iface := ctl.Interface()
	aligned, err := ctl.GetRegister("GBT_ALIGNMENT_DONE")
	if err != nil {
		return nil, err
	}
	err = ctl.Configure(iface.SuperChunkSize, iface.EmuFanout)
	if err != nil {
		return nil, err
	}
	return ctl.CheckAlignment(aligned), nil
}

// Close closes and forgets every controller.
func (reg *Registry) Close() error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	var err error
	for _, ctl := range reg.ctls {
		e := ctl.Close()
		if e != nil && err == nil {
			err = fmt.Errorf("registry: could not close %v: %w", ctl.ID(), e)
		}
	}
	reg.ctls = nil
	reg.ids = make(map[card.DeviceID]*card.Controller)
	reg.nums = make(map[uint32]card.DeviceID)
	reg.inited = make(map[uint32]bool)
	return err
}
