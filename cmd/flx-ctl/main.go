// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command flx-ctl starts a TDAQ server controlling FELIX cards.
//
// Usage: flx-ctl [tdaq options] config.yaml
//
// The logical units to control are listed in the YAML configuration file,
// or retrieved from the conditions database when the file holds a "db" DSN.
package main // import "github.com/go-lpc/flx/cmd/flx-ctl"

import (
	"context"
	"io"
	"log"
	"os"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
	tlog "github.com/go-daq/tdaq/log"
	"github.com/go-lpc/flx"
	"github.com/go-lpc/flx/conddb"
	"github.com/go-lpc/flx/config"
	"github.com/go-lpc/flx/ctl"
	"github.com/go-lpc/flx/monitor"
)

func main() {
	log.SetPrefix("flx-ctl: ")
	log.SetFlags(0)

	cmd := flags.New()
	if len(cmd.Args) != 1 {
		log.Fatalf("missing path to configuration file")
	}

	if v, _ := flx.Version(); v != "" {
		log.Printf("flx version %s", v)
	}

	cfg, err := config.Open(cmd.Args[0])
	if err != nil {
		log.Fatalf("could not load configuration: %+v", err)
	}

	open, err := ctl.NewOpener(cfg)
	if err != nil {
		log.Fatalf("could not create device opener: %+v", err)
	}

	dev := ctl.New(cfg, open, newSink(cfg, os.Stdout))
	if cfg.DB != "" {
		db, err := conddb.Open(cfg.DB)
		if err != nil {
			log.Fatalf("could not open conditions database: %+v", err)
		}
		defer db.Close()
		dev.Controls = db.Controls
	}

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/init", dev.OnInit)
	srv.CmdHandle("/config", dev.OnConfig)
	srv.CmdHandle("/conf", dev.OnConfig)
	srv.CmdHandle("/reset", dev.OnReset)
	srv.CmdHandle("/start", dev.OnStart)
	srv.CmdHandle("/stop", dev.OnStop)
	srv.CmdHandle("/quit", dev.OnQuit)

	srv.CmdHandle("/gthreset", dev.OnGTHReset)
	srv.CmdHandle("/getregister", dev.OnGetRegister)
	srv.CmdHandle("/setregister", dev.OnSetRegister)
	srv.CmdHandle("/getbitfield", dev.OnGetBitfield)
	srv.CmdHandle("/setbifield", dev.OnSetBitfield)
	srv.CmdHandle("/setbitfield", dev.OnSetBitfield)
	srv.CmdHandle("/snapshot", dev.OnSnapshot)

	srv.OutputHandle("/alignment", dev.Alignment)

	srv.RunHandle(dev.Run)

	err = srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}

func newSink(cfg config.Config, w io.Writer) monitor.Sink {
	msg := tlog.NewMsgStream("flx-mon", tlog.LvlInfo, w)
	sinks := monitor.Multi{monitor.LogSink{Msg: msg}}
	if cfg.Monitor.Mail != nil {
		sinks = append(sinks, monitor.NewMailSink(*cfg.Monitor.Mail, msg))
	}
	return sinks
}
