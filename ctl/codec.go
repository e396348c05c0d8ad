// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ctl

import (
	"bytes"
	"fmt"

	"github.com/go-daq/tdaq"
	"github.com/go-lpc/flx/card"
)

// GetRequest asks for the values of registers or bitfields of a device.
type GetRequest struct {
	CardID    uint32
	LogUnitID uint32
	Names     []string
}

func (req GetRequest) MarshalTDAQ() ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := tdaq.NewEncoder(buf)
	enc.WriteU32(req.CardID)
	enc.WriteU32(req.LogUnitID)
	enc.WriteU32(uint32(len(req.Names)))
	for _, name := range req.Names {
		enc.WriteStr(name)
	}
	return buf.Bytes(), enc.Err()
}

func (req *GetRequest) UnmarshalTDAQ(p []byte) error {
	dec := tdaq.NewDecoder(bytes.NewReader(p))
	req.CardID = dec.ReadU32()
	req.LogUnitID = dec.ReadU32()
	n := int(dec.ReadU32())
	if err := dec.Err(); err != nil {
		return fmt.Errorf("ctl: could not decode get request: %w", err)
	}
	req.Names = nil
	for i := 0; i < n; i++ {
		req.Names = append(req.Names, dec.ReadStr())
		if err := dec.Err(); err != nil {
			return fmt.Errorf("ctl: could not decode get request name %d: %w", i, err)
		}
	}
	return nil
}

// RegVal is a named register or bitfield value.
type RegVal struct {
	Name  string
	Value uint64
}

// SetRequest asks for registers or bitfields of a device to be written.
type SetRequest struct {
	CardID    uint32
	LogUnitID uint32
	Pairs     []RegVal
}

func (req SetRequest) MarshalTDAQ() ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := tdaq.NewEncoder(buf)
	enc.WriteU32(req.CardID)
	enc.WriteU32(req.LogUnitID)
	encodeRegVals(enc, req.Pairs)
	return buf.Bytes(), enc.Err()
}

func (req *SetRequest) UnmarshalTDAQ(p []byte) error {
	dec := tdaq.NewDecoder(bytes.NewReader(p))
	req.CardID = dec.ReadU32()
	req.LogUnitID = dec.ReadU32()
	pairs, err := decodeRegVals(dec)
	if err != nil {
		return fmt.Errorf("ctl: could not decode set request: %w", err)
	}
	req.Pairs = pairs
	return nil
}

// Reply holds the values read by a get request.
type Reply struct {
	Values []RegVal
}

func (rep Reply) MarshalTDAQ() ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := tdaq.NewEncoder(buf)
	encodeRegVals(enc, rep.Values)
	return buf.Bytes(), enc.Err()
}

func (rep *Reply) UnmarshalTDAQ(p []byte) error {
	vs, err := decodeRegVals(tdaq.NewDecoder(bytes.NewReader(p)))
	if err != nil {
		return fmt.Errorf("ctl: could not decode reply: %w", err)
	}
	rep.Values = vs
	return nil
}

func encodeRegVals(enc *tdaq.Encoder, vs []RegVal) {
	enc.WriteU32(uint32(len(vs)))
	for _, v := range vs {
		enc.WriteStr(v.Name)
		enc.WriteU64(v.Value)
	}
}

func decodeRegVals(dec *tdaq.Decoder) ([]RegVal, error) {
	n := int(dec.ReadU32())
	if err := dec.Err(); err != nil {
		return nil, err
	}
	var vs []RegVal
	for i := 0; i < n; i++ {
		name := dec.ReadStr()
		v := dec.ReadU64()
		if err := dec.Err(); err != nil {
			return nil, fmt.Errorf("could not decode value %d: %w", i, err)
		}
		vs = append(vs, RegVal{Name: name, Value: v})
	}
	return vs, nil
}

const (
	flagEnabled = 1 << 0
	flagAligned = 1 << 1
)

// Snapshot is the link status of every registered device.
type Snapshot struct {
	Links []card.LinkStatus
}

func (snap Snapshot) MarshalTDAQ() ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := tdaq.NewEncoder(buf)
	enc.WriteU32(uint32(len(snap.Links)))
	for _, link := range snap.Links {
		var flags uint32
		if link.Enabled {
			flags |= flagEnabled
		}
		if link.Aligned {
			flags |= flagAligned
		}
		enc.WriteU32(link.Device.Card)
		enc.WriteU32(link.Device.SLR)
		enc.WriteU32(link.Link)
		enc.WriteU32(flags)
	}
	return buf.Bytes(), enc.Err()
}

func (snap *Snapshot) UnmarshalTDAQ(p []byte) error {
	dec := tdaq.NewDecoder(bytes.NewReader(p))
	n := int(dec.ReadU32())
	if err := dec.Err(); err != nil {
		return fmt.Errorf("ctl: could not decode snapshot: %w", err)
	}
	snap.Links = nil
	for i := 0; i < n; i++ {
		var link card.LinkStatus
		link.Device.Card = dec.ReadU32()
		link.Device.SLR = dec.ReadU32()
		link.Link = dec.ReadU32()
		flags := dec.ReadU32()
		if err := dec.Err(); err != nil {
			return fmt.Errorf("ctl: could not decode snapshot link %d: %w", i, err)
		}
		link.Enabled = flags&flagEnabled != 0
		link.Aligned = flags&flagAligned != 0
		snap.Links = append(snap.Links, link)
	}
	return nil
}
