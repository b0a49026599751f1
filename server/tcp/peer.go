package tcp

import (
	"context"
	"net"
	"sync"
	"time"
)

// peer is a registered TCP connection. Writes from concurrent broadcasts are
// serialized so lines never interleave.
type peer struct {
	conn      net.Conn
	addr      string
	wmx       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newPeer(conn net.Conn) *peer {
	return &peer{
		conn: conn,
		addr: conn.RemoteAddr().String(),
	}
}

func (p *peer) Send(ctx context.Context, data []byte) error {
	p.wmx.Lock()
	defer p.wmx.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteDeadline)
	}
	if err := p.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := p.conn.Write(data)
	return err
}

func (p *peer) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.conn.Close()
	})
	return p.closeErr
}

func (p *peer) Addr() string {
	return p.addr
}
