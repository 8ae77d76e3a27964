// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"net"
	"sync/atomic"
	"time"
	"weak"
)

// Conn is a checked-out pooled connection. It holds a weak reference to its
// pool: an outstanding Conn never keeps a pool alive, and releasing a Conn
// whose pool is gone simply closes it.
//
// Any read or write error marks the connection broken so it is not reused.
type Conn struct {
	net.Conn
	key       Key
	createdAt time.Time
	reused    bool
	pool      weak.Pointer[Pool]
	broken    atomic.Bool
	released  atomic.Bool
}

func newConn(p *Pool, key Key, conn net.Conn, createdAt time.Time, reused bool) *Conn {
	return &Conn{
		Conn:      conn,
		key:       key,
		createdAt: createdAt,
		reused:    reused,
		pool:      weak.Make(p),
	}
}

// Key returns the key c was acquired for.
func (c *Conn) Key() Key { return c.key }

// Reused reports whether c came from the idle set rather than a new dial.
func (c *Conn) Reused() bool { return c.reused }

// CreatedAt returns when the underlying connection was established.
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// MarkBroken prevents c from returning to the idle set.
func (c *Conn) MarkBroken() { c.broken.Store(true) }

// Broken reports whether c was marked broken.
func (c *Conn) Broken() bool { return c.broken.Load() }

func (c *Conn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if err != nil {
		c.MarkBroken()
	}
	return n, err
}

func (c *Conn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if err != nil {
		c.MarkBroken()
	}
	return n, err
}

// Release returns c to its pool. Only the first call has an effect.
func (c *Conn) Release() error {
	if p := c.pool.Value(); p != nil {
		return p.Release(c)
	}
	if c.released.CompareAndSwap(false, true) {
		return c.Conn.Close()
	}
	return nil
}

// Close releases c to its pool, matching the net.Conn contract for callers
// that do not know about pooling.
func (c *Conn) Close() error {
	return c.Release()
}

// Discard closes c without returning it to the idle set.
func (c *Conn) Discard() error {
	c.MarkBroken()
	return c.Release()
}
