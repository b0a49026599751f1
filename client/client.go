// Package client implements one participant of an encrypted chat room.
//
// The client authenticates with the room password, derives the room key from
// the salt returned by the server and then runs two loops: one seals and sends
// user input, the other receives and opens broadcasts. The server only ever
// sees sealed tokens.
package client

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adwski/cmd-chat/codec"
	"github.com/adwski/cmd-chat/crypto/kdf"
	"github.com/adwski/cmd-chat/crypto/token"
	"github.com/adwski/cmd-chat/model"
	"github.com/rs/zerolog"
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultLeaveTimeout     = 2 * time.Second

	cmdQuit = "/quit"
	cmdHelp = "/help"

	helpText = "Available commands:\n" +
		"  /quit  - Leave the chat room\n" +
		"  /help  - Show this help message"
)

var (
	ErrTransport          = errors.New("transport failure")
	ErrTimeout            = errors.New("server did not respond in time")
	ErrRejected           = errors.New("rejected by server")
	ErrUnexpectedResponse = errors.New("unexpected server response")
	ErrSetup              = errors.New("encryption setup failed")
	ErrMessageTooLong     = errors.New("message too long")
)

type (
	// UI renders session events.
	UI interface {
		Message(user, text string)
		System(text string)
		Error(text string)
		Info(text string)
		Success(text string)
	}

	// LineSource yields user input. ReadLine returns io.EOF at end of input.
	LineSource interface {
		ReadLine(ctx context.Context) (string, error)
	}

	Config struct {
		Logger   *zerolog.Logger
		UI       UI
		Input    LineSource
		Addr     string
		Username string
		Password string

		// Dialer defaults to DialTCP.
		Dialer Dialer

		HandshakeTimeout time.Duration

		// MaxLineSize caps an encoded outgoing line, it must not exceed the
		// server limit.
		MaxLineSize int
	}

	Client struct {
		logger   zerolog.Logger
		ui       UI
		input    LineSource
		dial     Dialer
		addr     string
		username string
		password string

		handshakeTimeout time.Duration
		maxLineSize      int

		transport Transport
		cipher    *token.Cipher
		active    atomic.Bool
		closeOnce sync.Once
	}
)

func New(cfg Config) *Client {
	c := &Client{
		logger:           cfg.Logger.With().Str("component", "client").Logger(),
		ui:               cfg.UI,
		input:            cfg.Input,
		dial:             cfg.Dialer,
		addr:             cfg.Addr,
		username:         cfg.Username,
		password:         cfg.Password,
		handshakeTimeout: cfg.HandshakeTimeout,
		maxLineSize:      cfg.MaxLineSize,
	}
	if c.dial == nil {
		c.dial = DialTCP
	}
	if c.handshakeTimeout <= 0 {
		c.handshakeTimeout = defaultHandshakeTimeout
	}
	if c.maxLineSize <= 0 {
		c.maxLineSize = defaultMaxLineSize
	}
	return c
}

// Run joins the room and blocks until the session ends. Only failures to
// establish the session are returned.
func (c *Client) Run(ctx context.Context) error {
	if err := c.connect(ctx); err != nil {
		return err
	}
	defer c.shutdown()

	if err := c.send(ctx, joinNotice(c.username)); err != nil {
		c.ui.Error(fmt.Sprintf("Failed to send message: %v", err))
		return nil
	}

	lCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errc <- c.inputLoop(lCtx)
	}()
	go func() {
		defer wg.Done()
		errc <- c.receiveLoop()
	}()

	select {
	case err := <-errc:
		if err != nil {
			c.logger.Debug().Err(err).Msg("session loop failed")
		}
	case <-ctx.Done():
		c.logger.Debug().Msg("interrupted")
	}
	c.shutdown()
	cancel()
	wg.Wait()
	return nil
}

func (c *Client) connect(ctx context.Context) error {
	t, err := c.dial(ctx, c.addr)
	if err != nil {
		c.ui.Error(fmt.Sprintf("Could not connect to %s", c.addr))
		return errors.Join(ErrTransport, err)
	}

	fail := func(err error) error {
		_ = t.Close()
		return err
	}

	auth, err := codec.Encode(model.NewAuth(c.password))
	if err != nil {
		return fail(err)
	}
	if err = t.WriteLine(ctx, auth); err != nil {
		c.ui.Error(fmt.Sprintf("Authentication send failed: %v", err))
		return fail(errors.Join(ErrTransport, err))
	}

	if err = t.SetReadDeadline(time.Now().Add(c.handshakeTimeout)); err != nil {
		return fail(errors.Join(ErrTransport, err))
	}
	line, err := t.ReadLine()
	if err != nil {
		if isTimeout(err) {
			c.ui.Error("Server did not respond in time")
			return fail(errors.Join(ErrTimeout, err))
		}
		c.ui.Error("Server closed connection")
		return fail(errors.Join(ErrTransport, err))
	}
	if err = t.SetReadDeadline(time.Time{}); err != nil {
		return fail(errors.Join(ErrTransport, err))
	}

	env, err := codec.Decode(line)
	if err != nil {
		c.ui.Error(fmt.Sprintf("Invalid server response: %v", err))
		return fail(err)
	}
	switch env.Type {
	case model.TypeInit:
	case model.TypeError:
		msg := env.Message
		if msg == "" {
			msg = "Authentication failed"
		}
		c.ui.Error(msg)
		return fail(errors.Join(ErrRejected, errors.New(msg)))
	default:
		c.ui.Error("Unexpected server response")
		return fail(fmt.Errorf("%w: %q", ErrUnexpectedResponse, env.Type))
	}

	if c.cipher, err = newRoomCipher(c.password, env.RoomSalt); err != nil {
		c.ui.Error(fmt.Sprintf("Encryption setup failed: %v", err))
		return fail(errors.Join(ErrSetup, err))
	}

	c.transport = t
	c.active.Store(true)
	c.ui.Success(fmt.Sprintf("Connected to secure room as '%s'", c.username))
	c.logger.Debug().Str("addr", c.addr).Msg("session established")
	return nil
}

func newRoomCipher(password, roomSalt string) (*token.Cipher, error) {
	salt, err := hex.DecodeString(roomSalt)
	if err != nil {
		return nil, fmt.Errorf("bad room salt: %w", err)
	}
	key, err := kdf.RoomKey(password, salt)
	if err != nil {
		return nil, err
	}
	return token.NewCipher(key)
}

func (c *Client) send(ctx context.Context, text string) error {
	tok, err := c.cipher.Seal(text)
	if err != nil {
		return err
	}
	line, err := codec.Encode(model.NewChat(c.username, tok))
	if err != nil {
		return err
	}
	if len(line) > c.maxLineSize {
		return fmt.Errorf("%w: %d bytes encoded, limit is %d", ErrMessageTooLong, len(line), c.maxLineSize)
	}
	return c.transport.WriteLine(ctx, line)
}

func (c *Client) inputLoop(ctx context.Context) error {
	c.ui.Info("Commands: /quit to exit, /help for help")
	for {
		text, err := c.input.ReadLine(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			c.ui.Error(fmt.Sprintf("Input error: %v", err))
			return err
		}

		switch strings.TrimSpace(text) {
		case cmdQuit:
			return nil
		case cmdHelp:
			c.ui.Info(helpText)
			continue
		case "":
			continue
		}

		if err = c.send(ctx, text); err != nil {
			if errors.Is(err, ErrMessageTooLong) {
				c.ui.Error("Message too long, not sent")
				continue
			}
			if !c.active.Load() {
				return nil
			}
			c.ui.Error(fmt.Sprintf("Failed to send message: %v", err))
			return errors.Join(ErrTransport, err)
		}
	}
}

func (c *Client) receiveLoop() error {
	for {
		line, err := c.transport.ReadLine()
		if errors.Is(err, ErrLineTooLong) {
			c.ui.Error("Dropped oversized message from server")
			continue
		}
		if len(line) > 0 {
			c.handleLine(line)
		}
		if err != nil {
			if !c.active.Load() {
				return nil
			}
			if errors.Is(err, io.EOF) || isClosed(err) {
				c.ui.System("Server closed connection")
				return nil
			}
			c.ui.Error(fmt.Sprintf("Receive error: %v", err))
			return errors.Join(ErrTransport, err)
		}
	}
}

func (c *Client) handleLine(line []byte) {
	env, err := codec.Decode(line)
	if err != nil {
		c.ui.Error(fmt.Sprintf("Failed to decode message: %v", err))
		return
	}
	switch env.Type {
	case model.TypeMessage:
		text, err := c.cipher.Open(env.Text)
		if err != nil {
			c.ui.Error(fmt.Sprintf("Failed to decrypt message: %v", err))
			return
		}
		if env.User != c.username {
			c.ui.Message(env.User, text)
		}
	case model.TypeSystem:
		c.ui.System(env.Text)
	case model.TypeError:
		c.ui.Error(env.Message)
	default:
		c.logger.Debug().Str("type", env.Type).Msg("ignoring envelope")
	}
}

// shutdown announces departure and closes the transport. It runs once no
// matter which side of the session ended first.
func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultLeaveTimeout)
		defer cancel()
		if err := c.send(ctx, leaveNotice(c.username)); err != nil {
			c.logger.Debug().Err(err).Msg("failed to send leave notice")
		}
		c.active.Store(false)
		if err := c.transport.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("failed to close transport")
		}
		c.ui.Info("You left the room.")
	})
}

func joinNotice(username string) string {
	return fmt.Sprintf("[%s joined the room]", username)
}

func leaveNotice(username string) string {
	return fmt.Sprintf("[%s left the room]", username)
}
