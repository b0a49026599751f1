// Package websocket serves the chat room over WebSocket. Every text frame
// carries exactly one envelope.
package websocket

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/cmd-chat/codec"
	"github.com/adwski/cmd-chat/model"
	"github.com/adwski/cmd-chat/server/ratelimit"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultAuthTimeout = 10 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 64 * 1024
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second

	defaultRateBurst    = 20
	defaultRateInterval = time.Second

	// Path is the room endpoint.
	Path = "/room"

	msgRateLimited = "rate limit exceeded, message dropped"
	msgTooLong     = "message too long, dropped"
)

var (
	ErrUnexpected     = errors.New("unexpected server error")
	ErrMessageTooLong = errors.New("message exceeds maximum size")
)

type (
	RoomService interface {
		Handshake(line []byte) ([]byte, error)
		Join(ctx context.Context, peer model.Peer) int
		Leave(peer model.Peer) int
		Relay(ctx context.Context, line []byte) (int, error)
	}

	Config struct {
		Logger      *zerolog.Logger
		RoomService RoomService
		ListenAddr  string

		// Listener is used instead of listening on ListenAddr when set.
		Listener net.Listener

		AuthTimeout    time.Duration
		MaxMessageSize int64
		RateBurst      int
		RateInterval   time.Duration
	}

	Server struct {
		svc      RoomService
		ws       *websocket.Upgrader
		listener net.Listener
		connWg   *sync.WaitGroup
		*http.Server

		authTimeout    time.Duration
		maxMessageSize int64
		rateBurst      int
		rateInterval   time.Duration

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:   cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:      cfg.RoomService,
		listener: cfg.Listener,
		connWg:   &sync.WaitGroup{},
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		authTimeout:    cfg.AuthTimeout,
		maxMessageSize: cfg.MaxMessageSize,
		rateBurst:      cfg.RateBurst,
		rateInterval:   cfg.RateInterval,
	}
	if srv.authTimeout <= 0 {
		srv.authTimeout = defaultAuthTimeout
	}
	if srv.maxMessageSize <= 0 {
		srv.maxMessageSize = defaultWebSocketMaxMessageSize
	}
	if srv.rateBurst <= 0 {
		srv.rateBurst = defaultRateBurst
	}
	if srv.rateInterval <= 0 {
		srv.rateInterval = defaultRateInterval
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+Path, srv.room)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.connWg.Wait()
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	// hijacked connections outlive Shutdown, they watch this context instead
	srv.BaseContext = func(net.Listener) context.Context { return ctx }

	errSrv := make(chan error)
	go func() {
		if srv.listener != nil {
			errSrv <- srv.Serve(srv.listener)
			return
		}
		errSrv <- srv.ListenAndServe()
	}()

	addr := srv.Addr
	if srv.listener != nil {
		addr = srv.listener.Addr().String()
	}
	srv.logger.Info().Str("addr", addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) room(w http.ResponseWriter, r *http.Request) {
	// must be counted before the hijack, Shutdown stops tracking the conn after it
	srv.connWg.Add(1)
	defer srv.connWg.Done()

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	srv.handleWSConn(r.Context(), conn)
}

func (srv *Server) handleWSConn(ctx context.Context, conn *websocket.Conn) {
	var (
		p      = newPeer(conn)
		logger = srv.logger.With().Str("remote", p.Addr()).Logger()
	)
	logger.Info().Msg("new connection")

	stop := context.AfterFunc(ctx, func() { _ = p.Close() })
	defer func() {
		stop()
		if r := recover(); r != nil {
			logger.Error().Any("panic", r).Msg("connection handler panicked")
		}
		_ = p.Close()
	}()

	if !srv.authenticate(ctx, p, &logger) {
		return
	}

	count := srv.svc.Join(ctx, p)
	logger.Info().Int("count", count).Msg("client authenticated")
	defer func() {
		count := srv.svc.Leave(p)
		_ = p.Close()
		logger.Info().Int("count", count).Msg("client removed")
	}()

	done := make(chan struct{})
	defer close(done)
	go p.pinger(done, &logger)

	srv.webSocketReceiver(ctx, p, &logger)
}

func (srv *Server) authenticate(ctx context.Context, p *peer, logger *zerolog.Logger) bool {
	if err := p.conn.SetReadDeadline(time.Now().Add(srv.authTimeout)); err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return false
	}
	msg, err := readMessage(p.conn, srv.maxMessageSize)
	if err != nil {
		var nErr net.Error
		if errors.As(err, &nErr) && nErr.Timeout() {
			logger.Warn().Msg("authentication timeout")
		} else {
			logger.Warn().Err(err).Msg("failed to read auth")
		}
		return false
	}

	reply, err := srv.svc.Handshake(msg)
	if reply != nil {
		if sErr := p.Send(ctx, reply); sErr != nil {
			logger.Error().Err(sErr).Msg("failed to send handshake reply")
			return false
		}
	}
	if err != nil {
		logger.Warn().Err(err).Msg("handshake failed")
		return false
	}
	return true
}

func (srv *Server) webSocketReceiver(ctx context.Context, p *peer, logger *zerolog.Logger) {
	readDeadLineFunc := func(deadline time.Duration) error {
		return p.conn.SetReadDeadline(time.Now().Add(deadline))
	}
	p.conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	if err := readDeadLineFunc(defaultPongWait); err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

	limiter := ratelimit.New(srv.rateBurst, srv.rateInterval)
	for {
		msg, wsErr := readMessage(p.conn, srv.maxMessageSize)
		if errors.Is(wsErr, ErrMessageTooLong) {
			logger.Warn().Err(wsErr).Msg("oversized message dropped")
			srv.reject(ctx, p, msgTooLong, logger)
			continue
		}
		if wsErr != nil {
			if websocket.IsCloseError(wsErr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				logger.Info().Msg("client disconnected")
			} else if ctx.Err() != nil {
				logger.Debug().Msg("connection closed by shutdown")
			} else {
				logger.Warn().Err(wsErr).Msg("unexpected error during receive")
			}
			return
		}
		// any traffic proves the client is alive
		if err := readDeadLineFunc(defaultPongWait); err != nil {
			logger.Error().Err(err).Msg("failed to set websocket read deadline")
			return
		}
		if !limiter.Allow() {
			logger.Warn().Msg("rate limit exceeded, message dropped")
			srv.reject(ctx, p, msgRateLimited, logger)
			continue
		}
		if _, err := srv.svc.Relay(ctx, msg); err != nil {
			logger.Error().Err(err).Msg("error processing message")
		}
	}
}

// reject tells the sender alone that its message was not relayed.
func (srv *Server) reject(ctx context.Context, p *peer, msg string, logger *zerolog.Logger) {
	if err := p.Send(ctx, codec.MustEncode(model.NewError(msg))); err != nil {
		logger.Debug().Err(err).Msg("failed to send error reply")
	}
}

// readMessage reads one data message. A message larger than limit is
// discarded and reported as ErrMessageTooLong, the connection stays usable.
func readMessage(conn *websocket.Conn, limit int64) ([]byte, error) {
	_, r, err := conn.NextReader()
	if err != nil {
		return nil, err
	}
	msg, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(msg)) > limit {
		if _, err = io.Copy(io.Discard, r); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: more than %d bytes", ErrMessageTooLong, limit)
	}
	return msg, nil
}

type peer struct {
	conn      *websocket.Conn
	addr      string
	wmx       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newPeer(conn *websocket.Conn) *peer {
	return &peer{
		conn: conn,
		addr: conn.RemoteAddr().String(),
	}
}

// Send writes one envelope line as a text frame.
func (p *peer) Send(ctx context.Context, data []byte) error {
	p.wmx.Lock()
	defer p.wmx.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWebSocketWriteDeadline)
	}
	if err := p.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return p.conn.WriteMessage(websocket.TextMessage, bytes.TrimSuffix(data, []byte{'\n'}))
}

func (p *peer) Close() error {
	p.closeOnce.Do(func() {
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(defaultWebSocketCloseWriteDeadline))
		p.closeErr = p.conn.Close()
	})
	return p.closeErr
}

func (p *peer) Addr() string {
	return p.addr
}

func (p *peer) pinger(done <-chan struct{}, logger *zerolog.Logger) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer pingTicker.Stop()
	for {
		select {
		case <-done:
			return
		case <-pingTicker.C:
			err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(defaultWebSocketWriteDeadline))
			if err != nil {
				logger.Debug().Err(err).Msg("failed to send ping")
				return
			}
			logger.Trace().Msg("ping sent")
		}
	}
}
