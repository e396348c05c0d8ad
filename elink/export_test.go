// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package elink

// drain processes one queued address, if any.
func (e *elink) drain() bool {
	select {
	case addr := <-e.queue:
		e.process(addr)
		return true
	default:
		return false
	}
}
