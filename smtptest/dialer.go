package smtptest

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
)

// Dialer sends every dial to the test server whatever address is asked for,
// and remembers the addresses and connections.
type Dialer struct {
	target string

	mu    sync.Mutex
	addrs []string
	conns []*Conn
}

// Conn is a client connection handed out by Dialer.
type Conn struct {
	net.Conn
	closed atomic.Bool
}

func (c *Conn) Close() error {
	c.closed.Store(true)
	return c.Conn.Close()
}

// Closed reports whether the client closed the connection.
func (c *Conn) Closed() bool { return c.closed.Load() }

func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {

	d.mu.Lock()
	d.addrs = append(d.addrs, address)
	d.mu.Unlock()

	var nd net.Dialer
	c, err := nd.DialContext(ctx, "tcp", d.target)
	if err != nil {
		return nil, err
	}

	conn := &Conn{Conn: c}
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

// Addrs lists the addresses dialed so far, in order.
func (d *Dialer) Addrs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.addrs...)
}

// Conns lists the connections handed out so far, in order.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}
