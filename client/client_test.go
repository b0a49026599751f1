package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adwski/cmd-chat/codec"
	"github.com/adwski/cmd-chat/crypto/kdf"
	"github.com/adwski/cmd-chat/crypto/token"
	"github.com/adwski/cmd-chat/model"
	"github.com/adwski/cmd-chat/server/tcp"
	"github.com/adwski/cmd-chat/service"
	sw "github.com/adwski/cmd-chat/switch"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPassword = "secret123"

var testSalt = bytes.Repeat([]byte{0x5a}, 16)

type event struct {
	kind string
	user string
	text string
}

type fakeUI struct {
	mx     sync.Mutex
	events []event
}

func (u *fakeUI) add(e event) {
	u.mx.Lock()
	defer u.mx.Unlock()
	u.events = append(u.events, e)
}

func (u *fakeUI) Message(user, text string) { u.add(event{kind: "message", user: user, text: text}) }
func (u *fakeUI) System(text string)        { u.add(event{kind: "system", text: text}) }
func (u *fakeUI) Error(text string)         { u.add(event{kind: "error", text: text}) }
func (u *fakeUI) Info(text string)          { u.add(event{kind: "info", text: text}) }
func (u *fakeUI) Success(text string)       { u.add(event{kind: "success", text: text}) }

func (u *fakeUI) count(e event) int {
	u.mx.Lock()
	defer u.mx.Unlock()
	n := 0
	for _, got := range u.events {
		if got == e {
			n++
		}
	}
	return n
}

func (u *fakeUI) has(e event) bool {
	return u.count(e) > 0
}

func (u *fakeUI) kinds(kind string) []event {
	u.mx.Lock()
	defer u.mx.Unlock()
	var out []event
	for _, got := range u.events {
		if got.kind == kind {
			out = append(out, got)
		}
	}
	return out
}

func (u *fakeUI) waitFor(t *testing.T, e event) {
	t.Helper()
	require.Eventually(t, func() bool { return u.has(e) }, 5*time.Second, 10*time.Millisecond,
		"ui event %+v not seen", e)
}

type fakeInput struct {
	lines chan string
}

func newFakeInput() *fakeInput {
	return &fakeInput{lines: make(chan string)}
}

func (in *fakeInput) ReadLine(ctx context.Context) (string, error) {
	select {
	case l, ok := <-in.lines:
		if !ok {
			return "", io.EOF
		}
		return l, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type session struct {
	ui    *fakeUI
	input *fakeInput
	done  chan error
}

func startClient(t *testing.T, addr, username, password string, cfg Config) *session {
	t.Helper()
	logger := zerolog.Nop()
	s := &session{
		ui:    &fakeUI{},
		input: newFakeInput(),
		done:  make(chan error, 1),
	}
	cfg.Logger = &logger
	cfg.UI = s.ui
	cfg.Input = s.input
	cfg.Addr = addr
	cfg.Username = username
	cfg.Password = password
	c := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { s.done <- c.Run(ctx) }()
	return s
}

func (s *session) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-s.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop")
		return nil
	}
}

func startRoom(t *testing.T) string {
	t.Helper()
	logger := zerolog.Nop()

	svc, err := service.NewService(service.Config{
		Switch: sw.NewSwitch(sw.Config{Logger: &logger, Secret: testPassword}),
		Logger: &logger,
	})
	require.NoError(t, err)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := tcp.NewServer(tcp.Config{Logger: &logger, RoomService: svc, Listener: l})
	ctx, cancel := context.WithCancel(context.Background())
	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 1)
	)
	wg.Add(1)
	go srv.Run(ctx, wg, errc)
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return l.Addr().String()
}

// scriptedServer accepts one connection and hands it to script.
func scriptedServer(t *testing.T, script func(conn net.Conn, r *bufio.Reader)) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn, bufio.NewReader(conn))
	}()
	return l.Addr().String()
}

func testCipher(t *testing.T) *token.Cipher {
	t.Helper()
	key, err := kdf.RoomKey(testPassword, testSalt)
	require.NoError(t, err)
	c, err := token.NewCipher(key)
	require.NoError(t, err)
	return c
}

func TestChatSession(t *testing.T) {
	addr := startRoom(t)

	alice := startClient(t, addr, "alice", testPassword, Config{})
	alice.ui.waitFor(t, event{kind: "success", text: "Connected to secure room as 'alice'"})

	bob := startClient(t, addr, "bob", testPassword, Config{})
	alice.ui.waitFor(t, event{kind: "message", user: "bob", text: "[bob joined the room]"})

	alice.input.lines <- "hello"
	bob.ui.waitFor(t, event{kind: "message", user: "alice", text: "hello"})

	bob.input.lines <- "привет"
	alice.ui.waitFor(t, event{kind: "message", user: "bob", text: "привет"})

	alice.input.lines <- "/quit"
	require.NoError(t, alice.wait(t))
	bob.ui.waitFor(t, event{kind: "message", user: "alice", text: "[alice left the room]"})

	close(bob.input.lines)
	require.NoError(t, bob.wait(t))

	// own lines are never echoed back
	for _, e := range alice.ui.kinds("message") {
		assert.NotEqual(t, "alice", e.user)
	}
	assert.Equal(t, 1, alice.ui.count(event{kind: "info", text: "You left the room."}))
	assert.Equal(t, 1, bob.ui.count(event{kind: "info", text: "You left the room."}))
	assert.Empty(t, alice.ui.kinds("error"))
	assert.Empty(t, bob.ui.kinds("error"))
}

func TestHelpIsLocal(t *testing.T) {
	lines := make(chan string, 8)
	addr := scriptedServer(t, func(conn net.Conn, r *bufio.Reader) {
		_, _ = r.ReadBytes('\n')
		_, _ = conn.Write(codec.MustEncode(model.NewInit(hex.EncodeToString(testSalt))))
		for {
			line, err := r.ReadBytes('\n')
			if err != nil {
				close(lines)
				return
			}
			lines <- string(line)
		}
	})

	s := startClient(t, addr, "alice", testPassword, Config{})
	s.input.lines <- "/help"
	s.ui.waitFor(t, event{kind: "info", text: helpText})
	s.input.lines <- "   "
	close(s.input.lines)
	require.NoError(t, s.wait(t))

	var texts []string
	c := testCipher(t)
	for line := range lines {
		env, err := codec.Decode([]byte(line))
		require.NoError(t, err)
		require.Equal(t, model.TypeMessage, env.Type)
		require.Equal(t, "alice", env.User)
		text, err := c.Open(env.Text)
		require.NoError(t, err)
		texts = append(texts, text)
	}
	assert.Equal(t, []string{"[alice joined the room]", "[alice left the room]"}, texts)
}

func TestOversizedInputIsNotSent(t *testing.T) {
	lines := make(chan string, 8)
	addr := scriptedServer(t, func(conn net.Conn, r *bufio.Reader) {
		_, _ = r.ReadBytes('\n')
		_, _ = conn.Write(codec.MustEncode(model.NewInit(hex.EncodeToString(testSalt))))
		for {
			line, err := r.ReadBytes('\n')
			if err != nil {
				close(lines)
				return
			}
			lines <- string(line)
		}
	})

	s := startClient(t, addr, "alice", testPassword, Config{MaxLineSize: 512})
	s.input.lines <- strings.Repeat("x", 1024)
	s.ui.waitFor(t, event{kind: "error", text: "Message too long, not sent"})
	s.input.lines <- "hello"
	close(s.input.lines)
	require.NoError(t, s.wait(t))

	var texts []string
	c := testCipher(t)
	for line := range lines {
		assert.LessOrEqual(t, len(line), 512)
		env, err := codec.Decode([]byte(line))
		require.NoError(t, err)
		text, err := c.Open(env.Text)
		require.NoError(t, err)
		texts = append(texts, text)
	}
	assert.Equal(t, []string{"[alice joined the room]", "hello", "[alice left the room]"}, texts)
}

func TestOversizedServerLineIsSkipped(t *testing.T) {
	c := testCipher(t)
	addr := scriptedServer(t, func(conn net.Conn, r *bufio.Reader) {
		_, _ = r.ReadBytes('\n')
		_, _ = conn.Write(codec.MustEncode(model.NewInit(hex.EncodeToString(testSalt))))
		_, _ = r.ReadBytes('\n') // join notice

		tok, _ := c.Seal("still here")
		_, _ = conn.Write(append(bytes.Repeat([]byte{'x'}, 2*defaultMaxLineSize), '\n'))
		_, _ = conn.Write(codec.MustEncode(model.NewChat("bob", tok)))
	})

	s := startClient(t, addr, "alice", testPassword, Config{})
	require.NoError(t, s.wait(t))

	assert.True(t, s.ui.has(event{kind: "error", text: "Dropped oversized message from server"}))
	assert.True(t, s.ui.has(event{kind: "message", user: "bob", text: "still here"}))
}

func TestWrongPassword(t *testing.T) {
	addr := startRoom(t)

	s := startClient(t, addr, "alice", "bad", Config{})
	err := s.wait(t)
	assert.ErrorIs(t, err, ErrRejected)
	assert.True(t, s.ui.has(event{kind: "error", text: "authentication failed"}))
	assert.False(t, s.ui.has(event{kind: "info", text: "You left the room."}))
}

func TestConnectRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	s := startClient(t, addr, "alice", testPassword, Config{})
	assert.ErrorIs(t, s.wait(t), ErrTransport)
	assert.True(t, s.ui.has(event{kind: "error", text: fmt.Sprintf("Could not connect to %s", addr)}))
}

func TestHandshakeTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	addr := scriptedServer(t, func(net.Conn, *bufio.Reader) { <-release })

	s := startClient(t, addr, "alice", testPassword, Config{HandshakeTimeout: 100 * time.Millisecond})
	assert.ErrorIs(t, s.wait(t), ErrTimeout)
	assert.True(t, s.ui.has(event{kind: "error", text: "Server did not respond in time"}))
}

func TestUnexpectedResponse(t *testing.T) {
	addr := scriptedServer(t, func(conn net.Conn, r *bufio.Reader) {
		_, _ = r.ReadBytes('\n')
		_, _ = conn.Write(codec.MustEncode(model.NewSystem("hi")))
	})

	s := startClient(t, addr, "alice", testPassword, Config{})
	assert.ErrorIs(t, s.wait(t), ErrUnexpectedResponse)
	assert.True(t, s.ui.has(event{kind: "error", text: "Unexpected server response"}))
}

func TestBadRoomSalt(t *testing.T) {
	addr := scriptedServer(t, func(conn net.Conn, r *bufio.Reader) {
		_, _ = r.ReadBytes('\n')
		_, _ = conn.Write(codec.MustEncode(model.NewInit("zz")))
	})

	s := startClient(t, addr, "alice", testPassword, Config{})
	assert.ErrorIs(t, s.wait(t), ErrSetup)
}

func TestServerClosesConnection(t *testing.T) {
	c := testCipher(t)
	addr := scriptedServer(t, func(conn net.Conn, r *bufio.Reader) {
		_, _ = r.ReadBytes('\n')
		_, _ = conn.Write(codec.MustEncode(model.NewInit(hex.EncodeToString(testSalt))))
		_, _ = r.ReadBytes('\n') // join notice

		tok, _ := c.Seal("hi alice")
		_, _ = conn.Write([]byte("garbage\n"))
		_, _ = conn.Write(codec.MustEncode(model.NewChat("bob", "forged")))
		_, _ = conn.Write(codec.MustEncode(model.NewSystem("1 user in the room")))
		_, _ = conn.Write(codec.MustEncode(model.NewChat("bob", tok)))
	})

	s := startClient(t, addr, "alice", testPassword, Config{})
	require.NoError(t, s.wait(t))

	assert.True(t, s.ui.has(event{kind: "system", text: "1 user in the room"}))
	assert.True(t, s.ui.has(event{kind: "message", user: "bob", text: "hi alice"}))
	assert.True(t, s.ui.has(event{kind: "system", text: "Server closed connection"}))
	assert.Len(t, s.ui.kinds("error"), 2, "bad lines are reported one by one")
	assert.Equal(t, 1, s.ui.count(event{kind: "info", text: "You left the room."}))
}

func TestInterrupt(t *testing.T) {
	addr := startRoom(t)
	logger := zerolog.Nop()
	ui := &fakeUI{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- New(Config{
			Logger:   &logger,
			UI:       ui,
			Input:    newFakeInput(),
			Addr:     addr,
			Username: "alice",
			Password: testPassword,
		}).Run(ctx)
	}()
	ui.waitFor(t, event{kind: "success", text: "Connected to secure room as 'alice'"})

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop")
	}
	assert.Equal(t, 1, ui.count(event{kind: "info", text: "You left the room."}))
}
