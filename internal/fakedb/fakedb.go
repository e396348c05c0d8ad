// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fakedb provides an in-memory SQL driver, registered as "fakedb",
// replaying canned result sets.
package fakedb // import "github.com/go-lpc/flx/internal/fakedb"

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"sync"
)

// Query is a query received by the driver.
type Query struct {
	SQL  string
	Args []driver.Value
}

var queries struct {
	mu   sync.Mutex
	rows []Rows
	seen []Query
}

// Run runs f while the driver answers the n-th query with rows[n].
// It returns f's error and the queries received by the driver.
func Run(ctx context.Context, rows []Rows, f func(ctx context.Context) error) ([]Query, error) {
	queries.mu.Lock()
	defer queries.mu.Unlock()

	queries.rows = append([]Rows(nil), rows...)
	queries.seen = nil
	defer func() {
		queries.rows = nil
		queries.seen = nil
	}()

	err := f(ctx)
	return append([]Query(nil), queries.seen...), err
}

// next returns the result set of the next query.
// It is called by f, while Run holds the lock.
func next(query string, args []driver.Value) (driver.Rows, error) {
	queries.seen = append(queries.seen, Query{SQL: query, Args: args})
	if len(queries.rows) == 0 {
		return nil, fmt.Errorf("fakedb: no result set for query %d", len(queries.seen))
	}
	rows := queries.rows[0]
	queries.rows = queries.rows[1:]
	return &rows, nil
}

func init() {
	sql.Register("fakedb", &Driver{})
}

type Driver struct{}

// Open returns a new connection to the database.
func (drv *Driver) Open(name string) (driver.Conn, error) {
	return &Conn{}, nil
}

type Conn struct{}

func (c *Conn) Prepare(query string) (driver.Stmt, error) {
	return &Stmt{query: query}, nil
}

func (c *Conn) Close() error {
	return nil
}

func (c *Conn) Begin() (driver.Tx, error) {
	return nil, fmt.Errorf("fakedb: transactions not supported")
}

// Ping implements driver.Pinger.
func (c *Conn) Ping(ctx context.Context) error {
	return ctx.Err()
}

type Stmt struct {
	query string
}

func (stmt *Stmt) Close() error {
	return nil
}

// NumInput returns -1: the driver does not check placeholders.
func (stmt *Stmt) NumInput() int {
	return -1
}

func (stmt *Stmt) Exec(args []driver.Value) (driver.Result, error) {
	return nil, fmt.Errorf("fakedb: exec not supported")
}

func (stmt *Stmt) Query(args []driver.Value) (driver.Rows, error) {
	return next(stmt.query, args)
}

// Rows is a canned result set.
type Rows struct {
	Names  []string
	Values [][]driver.Value
}

func (rows *Rows) Columns() []string {
	return rows.Names
}

func (rows *Rows) Close() error {
	return nil
}

// Next populates dest with the next row, or returns io.EOF.
func (rows *Rows) Next(dest []driver.Value) error {
	if len(rows.Values) == 0 {
		return io.EOF
	}
	copy(dest, rows.Values[0])
	rows.Values = rows.Values[1:]
	return nil
}

var (
	_ driver.Driver = (*Driver)(nil)
	_ driver.Conn   = (*Conn)(nil)
	_ driver.Pinger = (*Conn)(nil)
	_ driver.Stmt   = (*Stmt)(nil)
	_ driver.Rows   = (*Rows)(nil)
)
