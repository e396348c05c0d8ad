// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package conddb

import (
	"context"
	"database/sql/driver"
	"reflect"
	"strings"
	"testing"

	"github.com/go-lpc/flx/config"
	"github.com/go-lpc/flx/internal/fakedb"
)

func init() {
	drvName = "fakedb"
}

func TestDSN(t *testing.T) {
	got := DSN("daq", "s3cr3t", "localhost:3306", "felix")
	if want := "daq:s3cr3t@tcp(localhost:3306)/felix"; got != want {
		t.Fatalf("invalid DSN: got=%q, want=%q", got, want)
	}
}

func TestOpen(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()
}

func TestOpenInvalidDSN(t *testing.T) {
	drvName = "mysql"
	defer func() { drvName = "fakedb" }()

	_, err := Open("daq@localhost/felix")
	if err == nil {
		t.Fatalf("expected an error")
	}
	if !strings.HasPrefix(err.Error(), "conddb: invalid DSN") {
		t.Fatalf("invalid error: %+v", err)
	}
}

func TestInterfaces(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()

	rows := []fakedb.Rows{{
		Names: []string{"card", "slr", "super_chunk_size", "emu_fanout"},
		Values: [][]driver.Value{
			{int64(3), int64(0), int64(4), false},
			{int64(3), int64(1), int64(0), true},
		},
	}}
	_, err = fakedb.Run(context.Background(), rows, func(ctx context.Context) error {
		got, err := db.Interfaces(ctx)
		if err != nil {
			t.Fatalf("could not retrieve interfaces: %+v", err)
		}
		want := []config.Interface{
			{Card: 3, SLR: 0, SuperChunkSize: 4},
			{Card: 3, SLR: 1, EmuFanout: true},
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("invalid interfaces:\ngot= %+v\nwant=%+v", got, want)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("could not run queries: %+v", err)
	}
}

func TestControls(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()

	rows := []fakedb.Rows{
		{
			Names: []string{"card", "slr", "super_chunk_size", "emu_fanout"},
			Values: [][]driver.Value{
				{int64(1), int64(0), int64(2), false},
				{int64(1), int64(1), int64(2), false},
			},
		},
		{
			Names: []string{"link", "disabled"},
			Values: [][]driver.Value{
				{int64(0), false},
				{int64(3), true},
			},
		},
		{
			Names: []string{"link", "disabled"},
			Values: [][]driver.Value{
				{int64(11), false},
			},
		},
	}

	queries, err := fakedb.Run(context.Background(), rows, func(ctx context.Context) error {
		got, err := db.Controls(ctx)
		if err != nil {
			t.Fatalf("could not retrieve controls: %+v", err)
		}
		want := []config.Interface{
			{
				Card: 1, SLR: 0, SuperChunkSize: 2,
				Senders: []config.DataSender{{Link: 0}, {Link: 3, Disabled: true}},
			},
			{
				Card: 1, SLR: 1, SuperChunkSize: 2,
				Senders: []config.DataSender{{Link: 11}},
			},
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("invalid controls:\ngot= %+v\nwant=%+v", got, want)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("could not run queries: %+v", err)
	}

	if got, want := len(queries), 3; got != want {
		t.Fatalf("invalid number of queries: got=%d, want=%d", got, want)
	}
	for i, want := range [][]driver.Value{
		{int64(1), int64(0)},
		{int64(1), int64(1)},
	} {
		if got := queries[i+1].Args; !reflect.DeepEqual(got, want) {
			t.Fatalf("invalid args for query %d: got=%v, want=%v", i+1, got, want)
		}
	}
}

func TestControlsInvalid(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()

	rows := []fakedb.Rows{
		{
			Names:  []string{"card", "slr", "super_chunk_size", "emu_fanout"},
			Values: [][]driver.Value{{int64(0), int64(0), int64(1), false}},
		},
		{
			Names:  []string{"link", "disabled"},
			Values: [][]driver.Value{{int64(12), false}},
		},
	}
	_, err = fakedb.Run(context.Background(), rows, func(ctx context.Context) error {
		_, err := db.Controls(ctx)
		return err
	})
	if err == nil {
		t.Fatalf("expected an error")
	}
	if got, want := err.Error(), "conddb: invalid interface: config: card=0 slr=0: invalid link 12 (max=11)"; got != want {
		t.Fatalf("invalid error:\ngot= %s\nwant=%s", got, want)
	}
}
