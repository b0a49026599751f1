package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultWriteDeadline = 5 * time.Second
	defaultMaxLineSize   = 64 * 1024
)

var ErrLineTooLong = errors.New("line exceeds maximum size")

// Transport carries envelope lines between the client and the room server.
type Transport interface {
	// ReadLine returns the next line including its terminator.
	ReadLine() ([]byte, error)
	WriteLine(ctx context.Context, line []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens a transport to addr.
type Dialer func(ctx context.Context, addr string) (Transport, error)

type tcpTransport struct {
	conn   net.Conn
	reader *bufio.Reader
	wmx    sync.Mutex
}

// DialTCP connects to a room served over plain TCP.
func DialTCP(ctx context.Context, addr string) (Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpTransport{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, defaultMaxLineSize),
	}, nil
}

// ReadLine never buffers more than the reader size. Longer lines are skipped
// up to their terminator and reported as ErrLineTooLong.
func (t *tcpTransport) ReadLine() ([]byte, error) {
	line, err := t.reader.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		for errors.Is(err, bufio.ErrBufferFull) {
			_, err = t.reader.ReadSlice('\n')
		}
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: more than %d bytes", ErrLineTooLong, t.reader.Size())
	}
	if err != nil {
		// partial line before EOF
		return nil, err
	}
	return bytes.Clone(line), nil
}

func (t *tcpTransport) WriteLine(ctx context.Context, line []byte) error {
	t.wmx.Lock()
	defer t.wmx.Unlock()

	if err := t.conn.SetWriteDeadline(writeDeadline(ctx)); err != nil {
		return err
	}
	_, err := t.conn.Write(line)
	return err
}

func (t *tcpTransport) SetReadDeadline(tm time.Time) error {
	return t.conn.SetReadDeadline(tm)
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

type wsTransport struct {
	conn *websocket.Conn
	wmx  sync.Mutex
}

// DialWebSocket connects to a room served over WebSocket.
func DialWebSocket(ctx context.Context, addr string) (Transport, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/room"}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(defaultMaxLineSize)
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) ReadLine() ([]byte, error) {
	_, msg, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return append(msg, '\n'), nil
}

func (t *wsTransport) WriteLine(ctx context.Context, line []byte) error {
	t.wmx.Lock()
	defer t.wmx.Unlock()

	if err := t.conn.SetWriteDeadline(writeDeadline(ctx)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, bytes.TrimSuffix(line, []byte{'\n'}))
}

func (t *wsTransport) SetReadDeadline(tm time.Time) error {
	return t.conn.SetReadDeadline(tm)
}

func (t *wsTransport) Close() error {
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return t.conn.Close()
}

func writeDeadline(ctx context.Context) time.Time {
	if deadline, ok := ctx.Deadline(); ok {
		return deadline
	}
	return time.Now().Add(defaultWriteDeadline)
}
