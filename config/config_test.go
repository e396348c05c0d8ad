// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	const cfg = `
super_chunk_size: 4
backend: sim
monitor:
  freq: 2s
  mail:
    server: smtp.example.org
    user: daq@example.org
    to: [shifter@example.org]
controls:
  - card: 3
    slr: 0
    senders:
      - {link: 0}
      - {link: 5, disabled: true}
      - {link: 11}
  - card: 3
    slr: 1
    super_chunk_size: 8
    emu_fanout: true
    senders:
      - {link: 2}
`
	fname := filepath.Join(t.TempDir(), "flx.yaml")
	err := os.WriteFile(fname, []byte(cfg), 0644)
	if err != nil {
		t.Fatalf("could not write config: %+v", err)
	}

	got, err := Open(fname)
	if err != nil {
		t.Fatalf("could not load config: %+v", err)
	}

	want := Config{
		SuperChunkSize: 4,
		Backend:        "sim",
		Device:         "/dev/flx%d",
		Monitor: Monitor{
			Freq: 2 * time.Second,
			Mail: &Mail{
				Server:    "smtp.example.org",
				Port:      587,
				User:      "daq@example.org",
				From:      "daq@example.org",
				To:        []string{"shifter@example.org"},
				MaxAlerts: 3,
			},
		},
		Controls: []Interface{
			{
				Card: 3, SLR: 0, SuperChunkSize: 4,
				Senders: []DataSender{{Link: 0}, {Link: 5, Disabled: true}, {Link: 11}},
			},
			{
				Card: 3, SLR: 1, SuperChunkSize: 8, EmuFanout: true,
				Senders: []DataSender{{Link: 2}},
			},
		},
	}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid config:\ngot= %+v\nwant=%+v", got, want)
	}

	if got, want := got.Controls[0].Enabled(), []DataSender{{Link: 0}, {Link: 11}}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid enabled senders:\ngot= %+v\nwant=%+v", got, want)
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := Load(strings.NewReader(""))
	if err != nil {
		t.Fatalf("could not load empty config: %+v", err)
	}
	if got, want := cfg.SuperChunkSize, uint64(1); got != want {
		t.Fatalf("invalid super chunk size: got=%d, want=%d", got, want)
	}
	if got, want := cfg.Backend, "sim"; got != want {
		t.Fatalf("invalid backend: got=%q, want=%q", got, want)
	}
	if got, want := cfg.Monitor.Freq, 10*time.Second; got != want {
		t.Fatalf("invalid monitor frequency: got=%v, want=%v", got, want)
	}
}

func TestInvalid(t *testing.T) {
	for _, tc := range []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "link-out-of-range",
			yaml: `
controls:
  - card: 0
    senders: [{link: 12}]
`,
			want: "config: card=0 slr=0: invalid link 12 (max=11)",
		},
		{
			name: "dup-link",
			yaml: `
controls:
  - card: 1
    slr: 1
    senders: [{link: 3}, {link: 3, disabled: true}]
`,
			want: "config: card=1 slr=1: duplicate link 3",
		},
		{
			name: "dup-interface",
			yaml: `
controls:
  - {card: 1, slr: 0}
  - {card: 1, slr: 0}
`,
			want: "config: duplicate interface card=1 slr=0",
		},
		{
			name: "super-chunk",
			yaml: `super_chunk_size: 256`,
			want: "config: invalid super chunk size 256 (max=255)",
		},
		{
			name: "iface-super-chunk",
			yaml: `
controls:
  - {card: 2, slr: 1, super_chunk_size: 300}
`,
			want: "config: card=2 slr=1: invalid super chunk size 300 (max=255)",
		},
		{
			name: "backend",
			yaml: `backend: pcie`,
			want: `config: unknown backend "pcie"`,
		},
		{
			name: "mail",
			yaml: `
monitor:
  mail: {server: smtp.example.org}
`,
			want: "config: missing mail recipients",
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

func TestValidateNoMutation(t *testing.T) {
	cfg := Config{
		Controls: []Interface{{Card: 2, Senders: []DataSender{{Link: 1}}}},
	}
	err := cfg.Validate()
	if err != nil {
		t.Fatalf("could not validate: %+v", err)
	}
	if cfg.Backend != "" || cfg.Controls[0].SuperChunkSize != 0 {
		t.Fatalf("validate modified the configuration: %+v", cfg)
	}
}
