// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package regmap

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	m := Default()

	for _, name := range []string{
		"MMCM_MAIN_LCLK_SEL",
		"GBT_SOFT_RESET",
		"GBT_ALIGNMENT_DONE",
		"GBT_TOFRONTEND_FANOUT_SEL",
		"GBT_TOHOST_FANOUT_SEL",
		"FE_EMU_ENA_EMU_TOFRONTEND",
		"FE_EMU_ENA_EMU_TOHOST",
		"GTH_RX_RESET",
		"INT_ENABLE",
	} {
		_, _, err := m.Bitfield(name)
		if err != nil {
			t.Errorf("missing bitfield %q: %+v", name, err)
		}
	}

	for i := 0; i < 12; i++ {
		for _, name := range []string{
			fmt.Sprintf("DECODING_LINK%02d_EGROUP0_CTRL_EPATH_ENA", i),
			fmt.Sprintf("SUPER_CHUNK_FACTOR_LINK_%02d", i),
		} {
			_, _, err := m.Bitfield(name)
			if err != nil {
				t.Errorf("missing bitfield %q: %+v", name, err)
			}
		}
	}

	_, err := m.Register("GBT_ALIGNMENT_DONE")
	if err != nil {
		t.Fatalf("missing alignment register: %+v", err)
	}

	if got, want := m.Span(), int64(0x8008); got != want {
		t.Fatalf("invalid span: got=0x%x, want=0x%x", got, want)
	}
}

func TestUnknownName(t *testing.T) {
	m := Default()
	_, err := m.Register("NOT_A_REGISTER")
	if !errors.Is(err, ErrUnknownName) {
		t.Fatalf("invalid error: %+v", err)
	}
	_, _, err = m.Bitfield("NOT_A_BITFIELD")
	if !errors.Is(err, ErrUnknownName) {
		t.Fatalf("invalid error: %+v", err)
	}
}

func TestBitfield(t *testing.T) {
	for _, tc := range []struct {
		bf   Bitfield
		word uint64
		v    uint64
		want uint64
	}{
		{
			bf:   Bitfield{Lo: 0, Hi: 0},
			word: 0xf0,
			v:    1,
			want: 0xf1,
		},
		{
			bf:   Bitfield{Lo: 8, Hi: 15},
			word: 0xffff_ffff,
			v:    0x2a,
			want: 0xffff_2aff,
		},
		{
			bf:   Bitfield{Lo: 8, Hi: 15},
			word: 0,
			v:    0x1ff, // truncated to the field width
			want: 0xff00,
		},
		{
			bf:   Bitfield{Lo: 0, Hi: 63},
			word: 0x1234,
			v:    0xdead_beef_0000_0001,
			want: 0xdead_beef_0000_0001,
		},
	} {
		t.Run("", func(t *testing.T) {
			got := tc.bf.Insert(tc.word, tc.v)
			if got != tc.want {
				t.Fatalf("invalid insert: got=0x%x, want=0x%x", got, tc.want)
			}
			if got, want := tc.bf.Extract(got), tc.v&(tc.bf.Mask()>>tc.bf.Lo); got != want {
				t.Fatalf("invalid extract: got=0x%x, want=0x%x", got, want)
			}
		})
	}
}

func TestLoadInvalid(t *testing.T) {
	for _, tc := range []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "dup-register",
			yaml: `
registers:
  - {name: A, offset: 0x0}
  - {name: A, offset: 0x8}
`,
			want: `regmap: duplicate register "A"`,
		},
		{
			name: "misaligned",
			yaml: `
registers:
  - {name: A, offset: 0x4}
`,
			want: `regmap: register "A" has invalid offset 0x4`,
		},
		{
			name: "shared-offset",
			yaml: `
registers:
  - {name: A, offset: 0x8}
  - {name: B, offset: 0x8}
`,
			want: `regmap: registers "A" and "B" share offset 0x8`,
		},
		{
			name: "unknown-register",
			yaml: `
registers:
  - {name: A, offset: 0x0}
bitfields:
  - {name: X, register: B, lo: 0, hi: 0}
`,
			want: `regmap: bitfield "X" refers to unknown register "B"`,
		},
		{
			name: "invalid-range",
			yaml: `
registers:
  - {name: A, offset: 0x0}
bitfields:
  - {name: X, register: A, lo: 4, hi: 64}
`,
			want: `regmap: bitfield "X" has invalid range [64:4]`,
		},
		{
			name: "overlap",
			yaml: `
registers:
  - {name: A, offset: 0x0}
bitfields:
  - {name: X, register: A, lo: 0, hi: 7}
  - {name: Y, register: A, lo: 7, hi: 8}
`,
			want: `regmap: bitfield "Y" overlaps another bitfield of register "A"`,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatalf("expected an error")
			}
			if got, want := err.Error(), tc.want; got != want {
				t.Fatalf("invalid error:\ngot= %s\nwant=%s", got, want)
			}
		})
	}
}
