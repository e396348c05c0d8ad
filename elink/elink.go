// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package elink implements the ingestion of FELIX DMA blocks for one link.
//
// An elink owns a bounded queue of block addresses, filled by a producer,
// and a block parser draining that queue while the elink is running.
// Producers are never blocked: a full queue rejects the address.
package elink // import "github.com/go-lpc/flx/elink"

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/flx/blockparser"
)

var (
	// ErrState is returned for a life-cycle transition not allowed from
	// the current state.
	ErrState = errors.New("elink: invalid state transition")
)

// Flavor selects the elink variant.
type Flavor uint8

const (
	StreamFlavor Flavor = iota // fixed-size frames
	RawFlavor                  // variable-length chunks
)

func (f Flavor) String() string {
	switch f {
	case StreamFlavor:
		return "stream"
	case RawFlavor:
		return "raw"
	}
	return fmt.Sprintf("Flavor(%d)", uint8(f))
}

// State is the life-cycle state of an elink.
type State uint8

const (
	Idle State = iota
	Initialized
	Configured
	Running
	Stopped
)

func (st State) String() string {
	switch st {
	case Idle:
		return "idle"
	case Initialized:
		return "initialized"
	case Configured:
		return "configured"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", uint8(st))
}

// Config is the ingestion configuration of an elink.
type Config struct {
	// Mem is the DMA buffer window holding blocks.
	Mem io.ReaderAt
	// Base is the address of the first byte of Mem.
	Base uint64
	// FrameSize is the size of the frames of a stream elink.
	FrameSize int
	// Handler receives the chunks of the elink.
	Handler func(c blockparser.Chunk)
}

// Stats holds the counters of an elink.
type Stats struct {
	Accepted uint64 // addresses queued
	Rejected uint64 // addresses rejected
	Blocks   uint64 // blocks parsed
	Chunks   uint64 // chunks handed over
	Shorts   uint64 // truncated chunks
	Errors   uint64 // malformed blocks, chunks and read errors
}

// Link is the contract of all elink variants.
type Link interface {
	// Init allocates the block address queue, holding up to capacity
	// addresses, and the block parser.
	Init(cfg Config, capacity int) error
	// Conf configures the block framing.
	Conf(cfg Config, blockSize int, trailer32b bool) error
	// Start starts draining the queue.
	Start(cfg Config) error
	// Stop stops the ingestion. Once Stop returns, no address is accepted
	// nor drained.
	Stop(cfg Config) error

	// QueueInBlockAddress queues the address of a block.
	// It returns false without blocking when the queue is full or the
	// elink does not accept addresses.
	QueueInBlockAddress(addr uint64) bool

	// SetIDs sets the identity of the elink used in its label.
	SetIDs(card, slr, link, tag int)
	String() string

	State() State
	Stats() Stats
}

// New creates an idle elink of the provided flavor.
func New(flavor Flavor, msg log.MsgStream) (Link, error) {
	switch flavor {
	case StreamFlavor:
		return NewStream(msg), nil
	case RawFlavor:
		return NewRaw(msg), nil
	default:
		return nil, fmt.Errorf("elink: unknown flavor %v", flavor)
	}
}

// elink holds the queue and life-cycle shared by all variants.
// Each variant owns its own elink value.
type elink struct {
	msg log.MsgStream
	ops blockparser.Ops

	mu     sync.RWMutex // guards state against producers
	state  State
	label  string
	cfg    Config
	queue  chan uint64
	parser *blockparser.Parser
	buf    []byte
	quit   chan struct{}
	done   chan struct{}

	accepted atomic.Uint64
	rejected atomic.Uint64
	blocks   atomic.Uint64
	chunks   atomic.Uint64
	shorts   atomic.Uint64
	errs     atomic.Uint64
}

func (e *elink) init(msg log.MsgStream, ops blockparser.Ops) {
	e.msg = msg
	e.ops = ops
	e.label = "Elink[cid:0|slr:0|lid:0|tag:0]"
}

func (e *elink) SetIDs(card, slr, link, tag int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.label = fmt.Sprintf("Elink[cid:%d|slr:%d|lid:%d|tag:%d]", card, slr, link, tag)
}

// String returns the label of the elink.
// It may be called concurrently with SetIDs.
func (e *elink) String() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.label
}

func (e *elink) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *elink) Stats() Stats {
	return Stats{
		Accepted: e.accepted.Load(),
		Rejected: e.rejected.Load(),
		Blocks:   e.blocks.Load(),
		Chunks:   e.chunks.Load(),
		Shorts:   e.shorts.Load(),
		Errors:   e.errs.Load(),
	}
}

func (e *elink) Init(cfg Config, capacity int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != Idle {
		return fmt.Errorf("%w: %s: init from %v", ErrState, e.label, e.state)
	}
	if capacity <= 0 {
		return fmt.Errorf("elink: %s: invalid queue capacity %d", e.label, capacity)
	}
	e.cfg = cfg
	e.queue = make(chan uint64, capacity)
	e.parser = blockparser.New(e.ops, 0, false)
	e.state = Initialized
	e.msg.Debugf("%s: initialized (capacity=%d)", e.label, capacity)
	return nil
}

func (e *elink) Conf(cfg Config, blockSize int, trailer32b bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case Initialized, Configured, Stopped:
	default:
		return fmt.Errorf("%w: %s: conf from %v", ErrState, e.label, e.state)
	}
	if blockSize < blockparser.HeaderSize {
		return fmt.Errorf("elink: %s: invalid block size %d", e.label, blockSize)
	}
	e.cfg = cfg
	e.parser.BlockSize = blockSize
	e.parser.Trailer32b = trailer32b
	e.parser.Reset()
	e.buf = make([]byte, blockSize)
	if e.state != Stopped {
		e.state = Configured
	}
	e.msg.Debugf("%s: configured (block-size=%d, 32b-trailers=%v)", e.label, blockSize, trailer32b)
	return nil
}

func (e *elink) Start(cfg Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case Configured, Stopped:
	default:
		return fmt.Errorf("%w: %s: start from %v", ErrState, e.label, e.state)
	}
	e.cfg = cfg
	e.quit = make(chan struct{})
	e.done = make(chan struct{})
	e.state = Running
	go e.run(e.quit, e.done)
	e.msg.Debugf("%s: started", e.label)
	return nil
}

func (e *elink) Stop(cfg Config) error {
	e.mu.Lock()
	switch e.state {
	case Idle:
		e.mu.Unlock()
		return fmt.Errorf("%w: %s: stop from %v", ErrState, e.label, e.state)
	case Stopped:
		e.mu.Unlock()
		return nil
	}
	var (
		quit = e.quit
		done = e.done
		run  = e.state == Running
	)
	e.state = Stopped
	e.quit = nil
	e.done = nil
	label := e.label
	e.mu.Unlock()

	if run {
		close(quit)
		<-done
	}
	e.msg.Debugf("%s: stopped", label)
	return nil
}

func (e *elink) QueueInBlockAddress(addr uint64) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	switch e.state {
	case Initialized, Configured, Running:
	default:
		e.rejected.Add(1)
		return false
	}

	select {
	case e.queue <- addr:
		e.accepted.Add(1)
		return true
	default:
		e.rejected.Add(1)
		return false
	}
}

func (e *elink) run(quit, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-quit:
			return
		case addr := <-e.queue:
			e.process(addr)
		}
	}
}

func (e *elink) process(addr uint64) {
	if addr < e.cfg.Base {
		e.fail(fmt.Errorf("elink: %s: block address 0x%x below base 0x%x", e, addr, e.cfg.Base))
		return
	}
	if e.cfg.Mem == nil || e.buf == nil {
		e.fail(fmt.Errorf("elink: %s: no block memory", e))
		return
	}
	_, err := e.cfg.Mem.ReadAt(e.buf, int64(addr-e.cfg.Base))
	if err != nil {
		e.fail(fmt.Errorf("elink: %s: could not read block at 0x%x: %w", e, addr, err))
		return
	}
	e.blocks.Add(1)
	_ = e.parser.Parse(e.buf)
}

func (e *elink) fail(err error) {
	e.errs.Add(1)
	e.msg.Warnf("%+v", err)
}

func (e *elink) handle(c blockparser.Chunk) {
	e.chunks.Add(1)
	if e.cfg.Handler != nil {
		e.cfg.Handler(c)
	}
}

func (e *elink) Error(err error) {
	e.fail(fmt.Errorf("elink: %s: %w", e, err))
}

// Stream is an elink carrying fixed-size frames.
// Chunks that are not a whole number of frames are dropped.
type Stream struct {
	elink
}

// NewStream creates an idle stream elink.
func NewStream(msg log.MsgStream) *Stream {
	s := &Stream{}
	s.elink.init(msg, s)
	return s
}

func (s *Stream) Chunk(c blockparser.Chunk) {
	if n := s.cfg.FrameSize; n > 0 && len(c.Data)%n != 0 {
		s.fail(fmt.Errorf(
			"elink: %s: chunk of %d bytes not a multiple of frame size %d",
			s, len(c.Data), n,
		))
		return
	}
	s.handle(c)
}

func (s *Stream) ShortChunk(c blockparser.Chunk) {
	s.shorts.Add(1)
}

// Raw is an elink carrying variable-length chunks, forwarded as-is,
// truncated ones included.
type Raw struct {
	elink
}

// NewRaw creates an idle raw elink.
func NewRaw(msg log.MsgStream) *Raw {
	r := &Raw{}
	r.elink.init(msg, r)
	return r
}

func (r *Raw) Chunk(c blockparser.Chunk) {
	r.handle(c)
}

func (r *Raw) ShortChunk(c blockparser.Chunk) {
	r.shorts.Add(1)
	r.handle(c)
}

var (
	_ Link            = (*Stream)(nil)
	_ Link            = (*Raw)(nil)
	_ blockparser.Ops = (*Stream)(nil)
	_ blockparser.Ops = (*Raw)(nil)
)
