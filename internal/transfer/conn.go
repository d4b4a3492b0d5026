package transfer

import (
	"context"
	"net"
	"time"
)

func (c *Client) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: c.config.DialTimeout, KeepAlive: 30 * time.Second}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	if c.config.IdleTimeout <= 0 {
		return conn, nil
	}
	return &stallConn{Conn: conn, idle: c.config.IdleTimeout}, nil
}

// stallConn fails a Write that makes no progress for idle. Reads are left
// alone: the transport reads while the body is still going out, and the wait
// for response headers has its own bound.
type stallConn struct {
	net.Conn
	idle time.Duration
}

func (s *stallConn) Write(b []byte) (int, error) {
	if err := s.Conn.SetWriteDeadline(time.Now().Add(s.idle)); err != nil {
		return 0, err
	}
	return s.Conn.Write(b)
}
