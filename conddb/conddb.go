// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package conddb retrieves the configuration of FELIX logical units and
// of their data senders from the configuration database.
package conddb // import "github.com/go-lpc/flx/conddb"

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-lpc/flx/config"
	"github.com/go-sql-driver/mysql"
)

const timeout = 5 * time.Second

var (
	drvName = "mysql"
)

// DB exposes convenience methods to retrieve configuration data from the
// FELIX configuration database.
type DB struct {
	db *sql.DB
}

// DSN returns the data source name of the named MySQL database.
func DSN(usr, pwd, host, dbname string) string {
	cfg := mysql.NewConfig()
	cfg.User = usr
	cfg.Passwd = pwd
	cfg.Net = "tcp"
	cfg.Addr = host
	cfg.DBName = dbname
	return cfg.FormatDSN()
}

// Open opens a connection to the database described by dsn.
func Open(dsn string) (*DB, error) {
	if drvName == "mysql" {
		_, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("conddb: invalid DSN: %w", err)
		}
	}

	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, fmt.Errorf("conddb: could not open db: %w", err)
	}

	err = ping(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &DB{db: db}, nil
}

func ping(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("conddb: could not ping db: %w", err)
	}

	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// Interfaces returns the logical units, without their senders.
func (db *DB) Interfaces(ctx context.Context) ([]config.Interface, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var ifaces []config.Interface
	rows, err := db.db.QueryContext(
		ctx,
		"SELECT card, slr, super_chunk_size, emu_fanout FROM felix_interfaces ORDER BY card, slr",
	)
	if err != nil {
		return nil, fmt.Errorf("conddb: could not query interfaces: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var iface config.Interface
		err = rows.Scan(&iface.Card, &iface.SLR, &iface.SuperChunkSize, &iface.EmuFanout)
		if err != nil {
			return ifaces, fmt.Errorf("conddb: could not scan interface %d: %w", len(ifaces), err)
		}
		ifaces = append(ifaces, iface)
	}

	if err := rows.Err(); err != nil {
		return ifaces, fmt.Errorf("conddb: could not scan db for interfaces: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return ifaces, fmt.Errorf("conddb: context error while retrieving interfaces: %w", err)
	}

	return ifaces, nil
}

// Senders returns the data senders attached to the logical unit (card, slr).
func (db *DB) Senders(ctx context.Context, card, slr uint32) ([]config.DataSender, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var senders []config.DataSender
	rows, err := db.db.QueryContext(
		ctx,
		"SELECT link, disabled FROM felix_senders WHERE card=? AND slr=? ORDER BY link",
		card, slr,
	)
	if err != nil {
		return nil, fmt.Errorf(
			"conddb: could not query senders of card=%d slr=%d: %w",
			card, slr, err,
		)
	}
	defer rows.Close()

	for rows.Next() {
		var s config.DataSender
		err = rows.Scan(&s.Link, &s.Disabled)
		if err != nil {
			return senders, fmt.Errorf(
				"conddb: could not scan sender %d of card=%d slr=%d: %w",
				len(senders), card, slr, err,
			)
		}
		senders = append(senders, s)
	}

	if err := rows.Err(); err != nil {
		return senders, fmt.Errorf("conddb: could not scan db for senders: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return senders, fmt.Errorf("conddb: context error while retrieving senders: %w", err)
	}

	return senders, nil
}

// Controls returns the logical units with their senders attached.
func (db *DB) Controls(ctx context.Context) ([]config.Interface, error) {
	ifaces, err := db.Interfaces(ctx)
	if err != nil {
		return nil, err
	}

	for i := range ifaces {
		iface := &ifaces[i]
		iface.Senders, err = db.Senders(ctx, iface.Card, iface.SLR)
		if err != nil {
			return nil, err
		}
		err = iface.Validate()
		if err != nil {
			return nil, fmt.Errorf("conddb: invalid interface: %w", err)
		}
	}

	return ifaces, nil
}
