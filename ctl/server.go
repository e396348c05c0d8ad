// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ctl binds the FELIX card registry to tdaq commands.
package ctl // import "github.com/go-lpc/flx/ctl"

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-daq/tdaq"
	"github.com/go-lpc/flx/card"
	"github.com/go-lpc/flx/config"
	"github.com/go-lpc/flx/hw"
	"github.com/go-lpc/flx/monitor"
	"github.com/go-lpc/flx/registry"
	"github.com/go-lpc/flx/regmap"
)

var (
	// ErrNotInitialized is returned by commands issued before /init.
	ErrNotInitialized = errors.New("ctl: controllers not initialized")
)

// Server serves the tdaq commands of a set of FELIX devices.
type Server struct {
	cfg  config.Config
	open registry.Opener
	sink monitor.Sink

	// Controls returns the interfaces to register at /init.
	// It defaults to the controls of the configuration.
	Controls func(ctx context.Context) ([]config.Interface, error)

	// Fatal is called when a device could not be opened or closed.
	// It defaults to terminating the process.
	Fatal func(err error)

	mu   sync.Mutex
	reg  *registry.Registry
	data chan []byte
}

// New creates a server for the provided configuration.
// A nil sink disables snapshot publication to monitoring sinks.
func New(cfg config.Config, open registry.Opener, sink monitor.Sink) *Server {
	srv := &Server{
		cfg:  cfg,
		open: open,
		sink: sink,
		data: make(chan []byte, 16),
	}
	srv.Controls = func(context.Context) ([]config.Interface, error) {
		return srv.cfg.Controls, nil
	}
	srv.Fatal = func(err error) {
		log.Fatalf("ctl: hardware fault: %+v", err)
	}
	return srv
}

// fatal hands hardware faults to the Fatal hook.
func (srv *Server) fatal(ctx tdaq.Context, err error) {
	if !errors.Is(err, card.ErrHardware) {
		return
	}
	ctx.Msg.Errorf("hardware fault: %+v", err)
	srv.Fatal(err)
}

// NewOpener returns an opener creating devices of the configured backend.
func NewOpener(cfg config.Config) (registry.Opener, error) {
	rmap := regmap.Default()
	if cfg.RegMap != "" {
		m, err := regmap.Open(cfg.RegMap)
		if err != nil {
			return nil, fmt.Errorf("ctl: could not load register map: %w", err)
		}
		rmap = m
	}
	if _, err := hw.New(cfg.Backend, cfg.Device, rmap); err != nil {
		return nil, fmt.Errorf("ctl: could not create opener: %w", err)
	}
	return func(card.DeviceID) (hw.Device, error) {
		return hw.New(cfg.Backend, cfg.Device, rmap)
	}, nil
}

func (srv *Server) devices() (*registry.Registry, error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.reg == nil {
		return nil, ErrNotInitialized
	}
	return srv.reg, nil
}

func (srv *Server) lookup(ctx tdaq.Context, cardID, slr uint32) (*card.Controller, error) {
	reg, err := srv.devices()
	if err != nil {
		ctx.Msg.Errorf("could not find device card=%d slr=%d: %+v", cardID, slr, err)
		return nil, err
	}
	ctl, err := reg.Lookup(cardID, slr)
	if err != nil {
		ctx.Msg.Errorf("could not find device card=%d slr=%d: %+v", cardID, slr, err)
		return nil, fmt.Errorf("ctl: %w", err)
	}
	return ctl, nil
}

func (srv *Server) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")

	ifaces, err := srv.Controls(ctx.Ctx)
	if err != nil {
		ctx.Msg.Errorf("could not retrieve controls: %+v", err)
		return fmt.Errorf("ctl: could not retrieve controls: %w", err)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.reg != nil {
		err = srv.reg.Close()
		srv.reg = nil
		if err != nil {
			ctx.Msg.Warnf("could not close previous controllers: %+v", err)
			srv.fatal(ctx, err)
		}
	}

	reg := registry.New(srv.open, ctx.Msg)
	for _, iface := range ifaces {
		if iface.SuperChunkSize == 0 {
			iface.SuperChunkSize = srv.cfg.SuperChunkSize
		}
		_, err := reg.Register(iface, iface.Senders)
		if err != nil {
			_ = reg.Close()
			ctx.Msg.Errorf("could not register card=%d slr=%d: %+v", iface.Card, iface.SLR, err)
			err = fmt.Errorf("ctl: could not register card=%d slr=%d: %w", iface.Card, iface.SLR, err)
			srv.fatal(ctx, err)
			return err
		}
	}
	srv.reg = reg
	ctx.Msg.Infof("registered %d device(s)", reg.Len())
	return nil
}

func (srv *Server) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")
	reg, err := srv.devices()
	if err != nil {
		ctx.Msg.Errorf("could not configure: %+v", err)
		return err
	}

	bad, err := reg.ConfigureAll(ctx.Ctx)
	if err != nil {
		ctx.Msg.Errorf("could not configure devices: %+v", err)
		return fmt.Errorf("ctl: could not configure devices: %w", err)
	}
	if len(bad) > 0 {
		ctx.Msg.Warnf("%d link(s) not aligned", len(bad))
	}
	return nil
}

func (srv *Server) gthReset(ctx tdaq.Context) error {
	reg, err := srv.devices()
	if err != nil {
		ctx.Msg.Errorf("could not reset GTH: %+v", err)
		return err
	}
	ctl, err := reg.First()
	if err != nil {
		ctx.Msg.Errorf("could not reset GTH: %+v", err)
		return fmt.Errorf("ctl: could not reset GTH: %w", err)
	}
	err = ctl.GTHReset()
	if err != nil {
		ctx.Msg.Errorf("could not reset GTH of %v: %+v", ctl.ID(), err)
		return fmt.Errorf("ctl: could not reset GTH of %v: %w", ctl.ID(), err)
	}
	return nil
}

func (srv *Server) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	return srv.gthReset(ctx)
}

func (srv *Server) OnGTHReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /gthreset command...")
	return srv.gthReset(ctx)
}

func (srv *Server) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /stop command...")
	return nil
}

func (srv *Server) close(ctx tdaq.Context) error {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.reg == nil {
		return nil
	}
	err := srv.reg.Close()
	srv.reg = nil
	if err != nil {
		ctx.Msg.Errorf("could not close devices: %+v", err)
		err = fmt.Errorf("ctl: could not close devices: %w", err)
		srv.fatal(ctx, err)
		return err
	}
	return nil
}

func (srv *Server) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	return srv.close(ctx)
}

func (srv *Server) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	return srv.close(ctx)
}

func (srv *Server) get(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame, kind string, get func(*card.Controller, string) (uint64, error)) error {
	var greq GetRequest
	err := greq.UnmarshalTDAQ(req.Body)
	if err != nil {
		ctx.Msg.Errorf("could not decode /get%s request: %+v", kind, err)
		return err
	}

	ctl, err := srv.lookup(ctx, greq.CardID, greq.LogUnitID)
	if err != nil {
		return err
	}

	rep := Reply{Values: make([]RegVal, 0, len(greq.Names))}
	for _, name := range greq.Names {
		v, err := get(ctl, name)
		if err != nil {
			ctx.Msg.Errorf("could not read %s %q: %+v", kind, name, err)
			return fmt.Errorf("ctl: could not read %s %q: %w", kind, name, err)
		}
		ctx.Msg.Infof("%s 0x%x", name, v)
		rep.Values = append(rep.Values, RegVal{Name: name, Value: v})
	}

	resp.Body, err = rep.MarshalTDAQ()
	if err != nil {
		return fmt.Errorf("ctl: could not encode reply: %w", err)
	}
	return nil
}

func (srv *Server) set(ctx tdaq.Context, req tdaq.Frame, kind string, set func(*card.Controller, string, uint64) error) error {
	var sreq SetRequest
	err := sreq.UnmarshalTDAQ(req.Body)
	if err != nil {
		ctx.Msg.Errorf("could not decode /set%s request: %+v", kind, err)
		return err
	}

	ctl, err := srv.lookup(ctx, sreq.CardID, sreq.LogUnitID)
	if err != nil {
		return err
	}

	for _, p := range sreq.Pairs {
		err := set(ctl, p.Name, p.Value)
		if err != nil {
			ctx.Msg.Errorf("could not write %s %q: %+v", kind, p.Name, err)
			return fmt.Errorf("ctl: could not write %s %q: %w", kind, p.Name, err)
		}
		ctx.Msg.Debugf("%s 0x%x", p.Name, p.Value)
	}
	return nil
}

func (srv *Server) OnGetRegister(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /getregister command...")
	return srv.get(ctx, resp, req, "register", (*card.Controller).GetRegister)
}

func (srv *Server) OnSetRegister(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /setregister command...")
	return srv.set(ctx, req, "register", (*card.Controller).SetRegister)
}

func (srv *Server) OnGetBitfield(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /getbitfield command...")
	return srv.get(ctx, resp, req, "bitfield", (*card.Controller).GetBitfield)
}

func (srv *Server) OnSetBitfield(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /setbitfield command...")
	return srv.set(ctx, req, "bitfield", (*card.Controller).SetBitfield)
}

// snapshot collects the link status of every device and feeds the
// monitoring sinks.
func (srv *Server) snapshot(ctx tdaq.Context) (Snapshot, error) {
	var snap Snapshot
	reg, err := srv.devices()
	if err != nil {
		return snap, err
	}
	for _, ctl := range reg.Controllers() {
		links, err := ctl.Snapshot()
		if err != nil {
			return snap, fmt.Errorf("ctl: could not snapshot %v: %w", ctl.ID(), err)
		}
		snap.Links = append(snap.Links, links...)
	}

	if srv.sink != nil {
		err = srv.sink.Publish(ctx.Ctx, snap.Links)
		if err != nil {
			ctx.Msg.Warnf("could not publish snapshot: %+v", err)
		}
	}
	return snap, nil
}

func (srv *Server) OnSnapshot(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /snapshot command...")
	snap, err := srv.snapshot(ctx)
	if err != nil {
		ctx.Msg.Errorf("could not snapshot links: %+v", err)
		return err
	}
	resp.Body, err = snap.MarshalTDAQ()
	if err != nil {
		return fmt.Errorf("ctl: could not encode snapshot: %w", err)
	}
	return nil
}

// Alignment serves the snapshots produced by Run.
func (srv *Server) Alignment(ctx tdaq.Context, dst *tdaq.Frame) error {
	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
		return nil
	case data := <-srv.data:
		dst.Body = data
	}
	return nil
}

// Run takes a snapshot of the links at the configured monitoring frequency
// until the run stops. Snapshots are dropped when nobody consumes them.
func (srv *Server) Run(ctx tdaq.Context) error {
	freq := srv.cfg.Monitor.Freq
	if freq <= 0 {
		freq = 10 * time.Second
	}
	tck := time.NewTicker(freq)
	defer tck.Stop()

	for {
		select {
		case <-ctx.Ctx.Done():
			return nil
		case <-tck.C:
			snap, err := srv.snapshot(ctx)
			if err != nil {
				ctx.Msg.Warnf("could not snapshot links: %+v", err)
				continue
			}
			raw, err := snap.MarshalTDAQ()
			if err != nil {
				ctx.Msg.Warnf("could not encode snapshot: %+v", err)
				continue
			}
			select {
			case srv.data <- raw:
			default:
			}
		}
	}
}
