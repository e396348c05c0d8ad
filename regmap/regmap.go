// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package regmap describes the symbolic register map of a FELIX card.
//
// Registers are 64-bit words addressed by a byte offset into the register
// window of the card. Bitfields are named, possibly sub-word, views into a
// single register.
package regmap // import "github.com/go-lpc/flx/regmap"

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownName is returned when a name is not part of the map.
	ErrUnknownName = errors.New("regmap: unknown name")
)

//go:embed felix.yaml
var felixYAML []byte

// Register is a 64-bit hardware word.
type Register struct {
	Name   string `yaml:"name"`
	Offset int64  `yaml:"offset"`
	Desc   string `yaml:"desc,omitempty"`
}

// Bitfield is the [Lo,Hi] bit range of a register.
type Bitfield struct {
	Name     string `yaml:"name"`
	Register string `yaml:"register"`
	Lo       uint   `yaml:"lo"`
	Hi       uint   `yaml:"hi"`
	Desc     string `yaml:"desc,omitempty"`
}

// Width returns the number of bits spanned by the bitfield.
func (bf Bitfield) Width() uint { return bf.Hi - bf.Lo + 1 }

// Mask returns the bitfield mask, in register coordinates.
func (bf Bitfield) Mask() uint64 {
	if bf.Width() >= 64 {
		return ^uint64(0)
	}
	return ((uint64(1) << bf.Width()) - 1) << bf.Lo
}

// Extract returns the value of the bitfield held in the register word.
func (bf Bitfield) Extract(word uint64) uint64 {
	return (word & bf.Mask()) >> bf.Lo
}

// Insert returns word with the bitfield set to v.
// Bits of v that do not fit in the bitfield are dropped.
func (bf Bitfield) Insert(word, v uint64) uint64 {
	m := bf.Mask()
	return (word &^ m) | ((v << bf.Lo) & m)
}

// Map is a register map.
type Map struct {
	Registers []Register `yaml:"registers"`
	Bitfields []Bitfield `yaml:"bitfields"`

	regs map[string]int
	bfs  map[string]int
}

// Default returns the built-in FELIX register map.
func Default() *Map {
	m, err := Load(bytes.NewReader(felixYAML))
	if err != nil {
		panic(fmt.Errorf("regmap: invalid embedded register map: %w", err))
	}
	return m
}

// Open loads a register map from the named YAML file.
func Open(fname string) (*Map, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("regmap: could not open %q: %w", fname, err)
	}
	defer f.Close()

	m, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("regmap: could not load %q: %w", fname, err)
	}
	return m, nil
}

// Load decodes and validates a YAML register map.
func Load(r io.Reader) (*Map, error) {
	var m Map
	err := yaml.NewDecoder(r).Decode(&m)
	if err != nil {
		return nil, fmt.Errorf("regmap: could not decode register map: %w", err)
	}

	err = m.Validate()
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the register map is self-consistent and builds the
// name indices.
func (m *Map) Validate() error {
	regs := make(map[string]int, len(m.Registers))
	offs := make(map[int64]string, len(m.Registers))
	for i, reg := range m.Registers {
		if reg.Name == "" {
			return fmt.Errorf("regmap: register #%d has no name", i)
		}
		if _, dup := regs[reg.Name]; dup {
			return fmt.Errorf("regmap: duplicate register %q", reg.Name)
		}
		if reg.Offset < 0 || reg.Offset%8 != 0 {
			return fmt.Errorf("regmap: register %q has invalid offset 0x%x", reg.Name, reg.Offset)
		}
		if prev, dup := offs[reg.Offset]; dup {
			return fmt.Errorf(
				"regmap: registers %q and %q share offset 0x%x",
				prev, reg.Name, reg.Offset,
			)
		}
		regs[reg.Name] = i
		offs[reg.Offset] = reg.Name
	}

	bfs := make(map[string]int, len(m.Bitfields))
	used := make(map[string]uint64) // register name -> bits claimed by bitfields
	for i, bf := range m.Bitfields {
		if bf.Name == "" {
			return fmt.Errorf("regmap: bitfield #%d has no name", i)
		}
		if _, dup := bfs[bf.Name]; dup {
			return fmt.Errorf("regmap: duplicate bitfield %q", bf.Name)
		}
		if _, ok := regs[bf.Register]; !ok {
			return fmt.Errorf(
				"regmap: bitfield %q refers to unknown register %q",
				bf.Name, bf.Register,
			)
		}
		if bf.Lo > bf.Hi || bf.Hi > 63 {
			return fmt.Errorf(
				"regmap: bitfield %q has invalid range [%d:%d]",
				bf.Name, bf.Hi, bf.Lo,
			)
		}
		if used[bf.Register]&bf.Mask() != 0 {
			return fmt.Errorf(
				"regmap: bitfield %q overlaps another bitfield of register %q",
				bf.Name, bf.Register,
			)
		}
		used[bf.Register] |= bf.Mask()
		bfs[bf.Name] = i
	}

	m.regs = regs
	m.bfs = bfs
	return nil
}

// Register returns the register with the provided name.
func (m *Map) Register(name string) (Register, error) {
	i, ok := m.regs[name]
	if !ok {
		return Register{}, fmt.Errorf("%w: register %q", ErrUnknownName, name)
	}
	return m.Registers[i], nil
}

// Bitfield returns the bitfield with the provided name, together with
// the register holding it.
func (m *Map) Bitfield(name string) (Bitfield, Register, error) {
	i, ok := m.bfs[name]
	if !ok {
		return Bitfield{}, Register{}, fmt.Errorf("%w: bitfield %q", ErrUnknownName, name)
	}
	bf := m.Bitfields[i]
	return bf, m.Registers[m.regs[bf.Register]], nil
}

// Span returns the size in bytes of the register window needed to
// address every register of the map.
func (m *Map) Span() int64 {
	var max int64
	for _, reg := range m.Registers {
		if end := reg.Offset + 8; end > max {
			max = end
		}
	}
	return max
}

// Names returns the sorted register and bitfield names.
func (m *Map) Names() (regs, bfs []string) {
	regs = make([]string, 0, len(m.Registers))
	for _, reg := range m.Registers {
		regs = append(regs, reg.Name)
	}
	bfs = make([]string, 0, len(m.Bitfields))
	for _, bf := range m.Bitfields {
		bfs = append(bfs, bf.Name)
	}
	sort.Strings(regs)
	sort.Strings(bfs)
	return regs, bfs
}
