// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package blockparser decodes FELIX to-host blocks into chunks.
//
// A block starts with a 4-byte header holding the start-of-block marker,
// the elink number and a 5-bit sequence number. The payload is a list of
// sub-chunks, each followed by a trailer describing it. Trailers are
// located walking the block backwards from its end. Sub-chunks are
// reassembled into chunks, possibly across blocks.
package blockparser // import "github.com/go-lpc/flx/blockparser"

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	HeaderSize = 4
	SOBMarker  = 0xabcd

	seqMask   = 0x1f
	elinkMask = 0x7ff
)

var (
	ErrMarker   = errors.New("blockparser: invalid start-of-block marker")
	ErrSize     = errors.New("blockparser: invalid block size")
	ErrSeq      = errors.New("blockparser: sequence number mismatch")
	ErrOverflow = errors.New("blockparser: sub-chunk overflows block")
	ErrOrphan   = errors.New("blockparser: sub-chunk without first sub-chunk")
	ErrDangling = errors.New("blockparser: chunk not terminated")
)

// Type is the type of a sub-chunk.
type Type uint8

const (
	Null    Type = 0
	First   Type = 1
	Last    Type = 2
	Both    Type = 3
	Middle  Type = 4
	Timeout Type = 5
	OOB     Type = 7
)

func (t Type) String() string {
	switch t {
	case Null:
		return "null"
	case First:
		return "first"
	case Last:
		return "last"
	case Both:
		return "both"
	case Middle:
		return "middle"
	case Timeout:
		return "timeout"
	case OOB:
		return "oob"
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// Header is a block header.
type Header struct {
	Elink uint32
	Seq   uint8
}

// DecodeHeader decodes a block header word.
func DecodeHeader(v uint32) (Header, error) {
	if v>>16 != SOBMarker {
		return Header{}, fmt.Errorf("%w (header=0x%08x)", ErrMarker, v)
	}
	return Header{
		Elink: v & elinkMask,
		Seq:   uint8((v >> 11) & seqMask),
	}, nil
}

// Encode returns the header word.
func (hdr Header) Encode() uint32 {
	return SOBMarker<<16 | uint32(hdr.Seq&seqMask)<<11 | hdr.Elink&elinkMask
}

// Trailer describes a sub-chunk.
type Trailer struct {
	Type   Type
	Trunc  bool
	Err    bool
	CRCErr bool
	Busy   bool // 32-bit trailers only
	Len    int
}

func bit(v uint32, i uint) bool { return (v>>i)&1 == 1 }

func flag(b bool, i uint) uint32 {
	if b {
		return 1 << i
	}
	return 0
}

// DecodeTrailer decodes a 16-bit or a 32-bit trailer word.
func DecodeTrailer(v uint32, trailer32b bool) Trailer {
	if trailer32b {
		return Trailer{
			Type:   Type(v >> 29 & 0x7),
			Trunc:  bit(v, 28),
			Err:    bit(v, 27),
			CRCErr: bit(v, 26),
			Busy:   bit(v, 25),
			Len:    int(v & 0xffff),
		}
	}
	return Trailer{
		Type:   Type(v >> 13 & 0x7),
		Trunc:  bit(v, 12),
		Err:    bit(v, 11),
		CRCErr: bit(v, 10),
		Len:    int(v & 0x3ff),
	}
}

// Encode returns the trailer word.
func (tr Trailer) Encode(trailer32b bool) uint32 {
	if trailer32b {
		return uint32(tr.Type&0x7)<<29 |
			flag(tr.Trunc, 28) | flag(tr.Err, 27) | flag(tr.CRCErr, 26) | flag(tr.Busy, 25) |
			uint32(tr.Len)&0xffff
	}
	return uint32(tr.Type&0x7)<<13 |
		flag(tr.Trunc, 12) | flag(tr.Err, 11) | flag(tr.CRCErr, 10) |
		uint32(tr.Len)&0x3ff
}

// TrailerSize returns the size in bytes of a trailer.
func TrailerSize(trailer32b bool) int {
	if trailer32b {
		return 4
	}
	return 2
}

// Chunk is a reassembled chunk.
type Chunk struct {
	Elink  uint32
	Data   []byte
	Trunc  bool
	Err    bool
	CRCErr bool
}

// Ops receives the outcome of parsing blocks.
// Chunk data is owned by the receiver.
type Ops interface {
	// Chunk is called for every complete chunk.
	Chunk(c Chunk)
	// ShortChunk is called for chunks cut by a timeout or a truncation.
	ShortChunk(c Chunk)
	// Error is called for malformed blocks and sub-chunk sequences.
	Error(err error)
}

// Parser parses blocks of one elink.
type Parser struct {
	BlockSize  int
	Trailer32b bool

	ops Ops

	seq     uint8
	hasSeq  bool
	partial *Chunk
	subs    []sub
}

type sub struct {
	tr   Trailer
	data []byte
}

// New creates a parser that hands chunks to ops.
func New(ops Ops, blockSize int, trailer32b bool) *Parser {
	return &Parser{
		BlockSize:  blockSize,
		Trailer32b: trailer32b,
		ops:        ops,
	}
}

// Reset forgets any partially reassembled chunk and the sequence number.
func (p *Parser) Reset() {
	p.partial = nil
	p.hasSeq = false
}

// Parse parses a block.
// Malformed blocks are reported to Ops.Error and returned.
func (p *Parser) Parse(block []byte) error {
	if len(block) != p.BlockSize || len(block) < HeaderSize {
		err := fmt.Errorf("%w: got=%d, want=%d", ErrSize, len(block), p.BlockSize)
		p.ops.Error(err)
		return err
	}

	hdr, err := DecodeHeader(binary.LittleEndian.Uint32(block))
	if err != nil {
		p.ops.Error(err)
		return err
	}

	if p.hasSeq && hdr.Seq != (p.seq+1)&seqMask {
		p.ops.Error(fmt.Errorf(
			"%w: elink=%d got=%d, want=%d",
			ErrSeq, hdr.Elink, hdr.Seq, (p.seq+1)&seqMask,
		))
	}
	p.seq = hdr.Seq
	p.hasSeq = true

	err = p.walk(block)
	if err != nil {
		p.ops.Error(err)
		return err
	}

	for i := len(p.subs) - 1; i >= 0; i-- {
		p.sub(hdr.Elink, p.subs[i])
	}
	return nil
}

// walk collects the sub-chunks of the block, last one first.
func (p *Parser) walk(block []byte) error {
	p.subs = p.subs[:0]

	var (
		size = TrailerSize(p.Trailer32b)
		pos  = len(block)
	)
	for pos-size >= HeaderSize {
		pos -= size
		var v uint32
		if p.Trailer32b {
			v = binary.LittleEndian.Uint32(block[pos:])
		} else {
			v = uint32(binary.LittleEndian.Uint16(block[pos:]))
		}
		if v == 0 {
			continue
		}

		tr := DecodeTrailer(v, p.Trailer32b)
		padded := (tr.Len + size - 1) / size * size
		beg := pos - padded
		if beg < HeaderSize {
			return fmt.Errorf(
				"%w: %v sub-chunk of %d bytes at offset %d",
				ErrOverflow, tr.Type, tr.Len, pos,
			)
		}
		pos = beg
		if tr.Type == Null {
			continue
		}
		p.subs = append(p.subs, sub{tr: tr, data: block[beg : beg+tr.Len]})
	}
	return nil
}

func (p *Parser) sub(elink uint32, s sub) {
	switch s.tr.Type {
	case First:
		p.dangling()
		p.partial = &Chunk{Elink: elink}
		p.append(s)

	case Middle:
		if p.partial == nil {
			p.ops.Error(fmt.Errorf("%w: elink=%d type=%v", ErrOrphan, elink, s.tr.Type))
			return
		}
		p.append(s)

	case Last:
		if p.partial == nil {
			p.ops.Error(fmt.Errorf("%w: elink=%d type=%v", ErrOrphan, elink, s.tr.Type))
			return
		}
		p.append(s)
		p.emit()

	case Both:
		p.dangling()
		p.partial = &Chunk{Elink: elink}
		p.append(s)
		p.emit()

	case Timeout:
		if p.partial == nil {
			p.partial = &Chunk{Elink: elink}
		}
		p.append(s)
		c := *p.partial
		p.partial = nil
		p.ops.ShortChunk(c)

	case OOB:
		p.ops.Error(fmt.Errorf("blockparser: elink=%d: out-of-band sub-chunk (%d bytes)", elink, s.tr.Len))

	default:
		p.ops.Error(fmt.Errorf("blockparser: elink=%d: invalid sub-chunk type %v", elink, s.tr.Type))
	}
}

func (p *Parser) append(s sub) {
	p.partial.Data = append(p.partial.Data, s.data...)
	p.partial.Trunc = p.partial.Trunc || s.tr.Trunc
	p.partial.Err = p.partial.Err || s.tr.Err
	p.partial.CRCErr = p.partial.CRCErr || s.tr.CRCErr
}

func (p *Parser) emit() {
	c := *p.partial
	p.partial = nil
	if c.Trunc {
		p.ops.ShortChunk(c)
		return
	}
	p.ops.Chunk(c)
}

// dangling reports a pending chunk interrupted by a new one.
func (p *Parser) dangling() {
	if p.partial == nil {
		return
	}
	c := *p.partial
	p.partial = nil
	p.ops.Error(fmt.Errorf("%w: elink=%d (%d bytes)", ErrDangling, c.Elink, len(c.Data)))
	p.ops.ShortChunk(c)
}
