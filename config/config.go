// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config describes the static configuration of a FELIX control
// process: the logical units to control and the data senders attached
// to each of them.
package config // import "github.com/go-lpc/flx/config"

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// NumLinks is the number of links of a logical unit.
	NumLinks = 12

	// MaxSuperChunkSize is the largest super chunk factor of a link.
	MaxSuperChunkSize = 0xff

	defaultSuperChunkSize = 1
	defaultDevice         = "/dev/flx%d"
	defaultMonitorFreq    = 10 * time.Second
	defaultMaxAlerts      = 3
	defaultMailPort       = 587
)

// Config is the configuration of a control process.
type Config struct {
	SuperChunkSize uint64      `yaml:"super_chunk_size"`
	EmuFanout      bool        `yaml:"emu_fanout"`
	Backend        string      `yaml:"backend"` // "sim" or "mmap"
	Device         string      `yaml:"device"`  // device node pattern, e.g. /dev/flx%d
	RegMap         string      `yaml:"regmap"`  // register map file, empty for the built-in one
	DB             string      `yaml:"db"`      // conddb DSN, empty when controls are listed inline
	Monitor        Monitor     `yaml:"monitor"`
	Controls       []Interface `yaml:"controls"`
}

// Monitor configures the periodic alignment publication.
type Monitor struct {
	Freq time.Duration `yaml:"freq"`
	Mail *Mail         `yaml:"mail"`
}

// Mail configures alert mails sent on link misalignment.
type Mail struct {
	Server    string   `yaml:"server"`
	Port      int      `yaml:"port"`
	User      string   `yaml:"user"`
	Password  string   `yaml:"password"`
	From      string   `yaml:"from"`
	To        []string `yaml:"to"`
	MaxAlerts int      `yaml:"max_alerts"` // alerts per link
}

// Interface describes a logical unit (card, SLR) to control.
type Interface struct {
	Card           uint32       `yaml:"card"`
	SLR            uint32       `yaml:"slr"`
	SuperChunkSize uint64       `yaml:"super_chunk_size"`
	EmuFanout      bool         `yaml:"emu_fanout"`
	Senders        []DataSender `yaml:"senders"`
}

// DataSender is a front-end link attached to a logical unit.
type DataSender struct {
	Link     uint32 `yaml:"link"`
	Disabled bool   `yaml:"disabled"`
}

// Enabled returns the senders that are not disabled, in order.
func (iface Interface) Enabled() []DataSender {
	o := make([]DataSender, 0, len(iface.Senders))
	for _, s := range iface.Senders {
		if s.Disabled {
			continue
		}
		o = append(o, s)
	}
	return o
}

// Open loads, validates and normalizes the named YAML configuration file.
func Open(fname string) (Config, error) {
	f, err := os.Open(fname)
	if err != nil {
		return Config{}, fmt.Errorf("config: could not open %q: %w", fname, err)
	}
	defer f.Close()

	cfg, err := Load(f)
	if err != nil {
		return cfg, fmt.Errorf("config: could not load %q: %w", fname, err)
	}
	return cfg, nil
}

// Load decodes, validates and normalizes a YAML configuration.
func Load(r io.Reader) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	err := dec.Decode(&cfg)
	if err != nil && err != io.EOF {
		return cfg, fmt.Errorf("config: could not decode YAML: %w", err)
	}

	err = cfg.Validate()
	if err != nil {
		return cfg, err
	}
	cfg.Normalize()
	return cfg, nil
}

// Validate checks the configuration. It does not modify it.
func (cfg Config) Validate() error {
	switch cfg.Backend {
	case "", "sim", "mmap":
	default:
		return fmt.Errorf("config: unknown backend %q", cfg.Backend)
	}
	if cfg.SuperChunkSize > MaxSuperChunkSize {
		return fmt.Errorf(
			"config: invalid super chunk size %d (max=%d)",
			cfg.SuperChunkSize, MaxSuperChunkSize,
		)
	}
	if cfg.Monitor.Freq < 0 {
		return fmt.Errorf("config: invalid monitor frequency %v", cfg.Monitor.Freq)
	}
	if m := cfg.Monitor.Mail; m != nil {
		if m.Server == "" {
			return fmt.Errorf("config: missing mail server")
		}
		if len(m.To) == 0 {
			return fmt.Errorf("config: missing mail recipients")
		}
	}

	type key struct{ card, slr uint32 }
	seen := make(map[key]bool, len(cfg.Controls))
	for _, iface := range cfg.Controls {
		k := key{iface.Card, iface.SLR}
		if seen[k] {
			return fmt.Errorf("config: duplicate interface card=%d slr=%d", iface.Card, iface.SLR)
		}
		seen[k] = true
		err := iface.Validate()
		if err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the links and super chunk size of the interface.
// It does not modify it.
func (iface Interface) Validate() error {
	if iface.SuperChunkSize > MaxSuperChunkSize {
		return fmt.Errorf(
			"config: card=%d slr=%d: invalid super chunk size %d (max=%d)",
			iface.Card, iface.SLR, iface.SuperChunkSize, MaxSuperChunkSize,
		)
	}
	var links [NumLinks]bool
	for _, s := range iface.Senders {
		if s.Link >= NumLinks {
			return fmt.Errorf(
				"config: card=%d slr=%d: invalid link %d (max=%d)",
				iface.Card, iface.SLR, s.Link, NumLinks-1,
			)
		}
		if links[s.Link] {
			return fmt.Errorf(
				"config: card=%d slr=%d: duplicate link %d",
				iface.Card, iface.SLR, s.Link,
			)
		}
		links[s.Link] = true
	}
	return nil
}

// Normalize fills in defaults. Interfaces without a super chunk size
// inherit the module-level one.
func (cfg *Config) Normalize() {
	if cfg.SuperChunkSize == 0 {
		cfg.SuperChunkSize = defaultSuperChunkSize
	}
	if cfg.Backend == "" {
		cfg.Backend = "sim"
	}
	if cfg.Device == "" {
		cfg.Device = defaultDevice
	}
	if cfg.Monitor.Freq == 0 {
		cfg.Monitor.Freq = defaultMonitorFreq
	}
	if m := cfg.Monitor.Mail; m != nil {
		if m.Port == 0 {
			m.Port = defaultMailPort
		}
		if m.MaxAlerts == 0 {
			m.MaxAlerts = defaultMaxAlerts
		}
		if m.From == "" {
			m.From = m.User
		}
	}
	for i := range cfg.Controls {
		iface := &cfg.Controls[i]
		if iface.SuperChunkSize == 0 {
			iface.SuperChunkSize = cfg.SuperChunkSize
		}
	}
}
