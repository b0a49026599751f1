// Package tcp serves the chat room over plain TCP, one envelope per line.
package tcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/adwski/cmd-chat/codec"
	"github.com/adwski/cmd-chat/model"
	"github.com/adwski/cmd-chat/server/ratelimit"
	"github.com/rs/zerolog"
)

const (
	defaultAuthTimeout   = 10 * time.Second
	defaultWriteDeadline = 5 * time.Second
	defaultMaxLineSize   = 64 * 1024
	defaultRateBurst     = 20
	defaultRateInterval  = time.Second

	msgRateLimited = "rate limit exceeded, message dropped"
	msgTooLong     = "message too long, dropped"
)

var (
	ErrUnexpected  = errors.New("unexpected server error")
	ErrLineTooLong = errors.New("line exceeds maximum size")
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

		AuthTimeout  time.Duration
		MaxLineSize  int
		RateBurst    int
		RateInterval time.Duration
	}

	Server struct {
		svc      RoomService
		logger   zerolog.Logger
		addr     string
		listener net.Listener

		authTimeout  time.Duration
		maxLineSize  int
		rateBurst    int
		rateInterval time.Duration
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:       cfg.Logger.With().Str("component", "tcp-server").Logger(),
		svc:          cfg.RoomService,
		addr:         cfg.ListenAddr,
		listener:     cfg.Listener,
		authTimeout:  cfg.AuthTimeout,
		maxLineSize:  cfg.MaxLineSize,
		rateBurst:    cfg.RateBurst,
		rateInterval: cfg.RateInterval,
	}
	if srv.authTimeout <= 0 {
		srv.authTimeout = defaultAuthTimeout
	}
	if srv.maxLineSize <= 0 {
		srv.maxLineSize = defaultMaxLineSize
	}
	if srv.rateBurst <= 0 {
		srv.rateBurst = defaultRateBurst
	}
	if srv.rateInterval <= 0 {
		srv.rateInterval = defaultRateInterval
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	if srv.listener == nil {
		l, err := net.Listen("tcp", srv.addr)
		if err != nil {
			errc <- errors.Join(ErrUnexpected, err)
			return
		}
		srv.listener = l
	}
	srv.logger.Info().Str("addr", srv.listener.Addr().String()).Msg("server started")

	stop := context.AfterFunc(ctx, func() {
		if err := srv.listener.Close(); err != nil {
			srv.logger.Error().Err(err).Msg("failed to close listener")
		}
	})
	defer stop()

	connWg := &sync.WaitGroup{}
	defer connWg.Wait()

	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			if ctx.Err() == nil {
				errc <- errors.Join(ErrUnexpected, err)
			}
			return
		}
		connWg.Add(1)
		go func() {
			defer connWg.Done()
			srv.handleConn(ctx, conn)
		}()
	}
}

func (srv *Server) handleConn(ctx context.Context, conn net.Conn) {
	var (
		p      = newPeer(conn)
		logger = srv.logger.With().Str("remote", p.Addr()).Logger()
		reader = bufio.NewReaderSize(conn, srv.maxLineSize)
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

	if !srv.authenticate(ctx, p, reader, &logger) {
		return
	}

	count := srv.svc.Join(ctx, p)
	logger.Info().Int("count", count).Msg("client authenticated")
	defer func() {
		count := srv.svc.Leave(p)
		_ = p.Close()
		logger.Info().Int("count", count).Msg("client removed")
	}()

	srv.relay(ctx, p, reader, &logger)
}

func (srv *Server) authenticate(ctx context.Context, p *peer, reader *bufio.Reader, logger *zerolog.Logger) bool {
	if err := p.conn.SetReadDeadline(time.Now().Add(srv.authTimeout)); err != nil {
		logger.Error().Err(err).Msg("failed to set auth read deadline")
		return false
	}
	line, err := readLine(reader)
	if err != nil {
		var nErr net.Error
		switch {
		case errors.As(err, &nErr) && nErr.Timeout():
			logger.Warn().Msg("authentication timeout")
		case errors.Is(err, io.EOF):
			logger.Warn().Msg("client closed connection before auth")
		default:
			logger.Warn().Err(err).Msg("failed to read auth")
		}
		return false
	}

	reply, err := srv.svc.Handshake(line)
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
	if err = p.conn.SetReadDeadline(time.Time{}); err != nil {
		logger.Error().Err(err).Msg("failed to clear read deadline")
		return false
	}
	return true
}

func (srv *Server) relay(ctx context.Context, p *peer, reader *bufio.Reader, logger *zerolog.Logger) {
	limiter := ratelimit.New(srv.rateBurst, srv.rateInterval)
	for {
		line, err := readLine(reader)
		if errors.Is(err, ErrLineTooLong) {
			logger.Warn().Err(err).Msg("oversized line dropped")
			srv.reject(ctx, p, msgTooLong, logger)
			continue
		}
		if len(line) > 0 {
			if !limiter.Allow() {
				logger.Warn().Msg("rate limit exceeded, line dropped")
				srv.reject(ctx, p, msgRateLimited, logger)
			} else if _, rErr := srv.svc.Relay(ctx, line); rErr != nil {
				logger.Error().Err(rErr).Msg("error processing message")
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				logger.Info().Msg("client disconnected")
			case ctx.Err() != nil:
				logger.Debug().Msg("connection closed by shutdown")
			default:
				logger.Warn().Err(err).Msg("connection read failed")
			}
			return
		}
	}
}

// reject tells the sender alone that its line was not relayed.
func (srv *Server) reject(ctx context.Context, p *peer, msg string, logger *zerolog.Logger) {
	if err := p.Send(ctx, codec.MustEncode(model.NewError(msg))); err != nil {
		logger.Debug().Err(err).Msg("failed to send error reply")
	}
}

// readLine reads one '\n' terminated line. A line that does not fit into the
// reader buffer is discarded up to its terminator and reported as
// ErrLineTooLong, the next call starts at the following line.
func readLine(reader *bufio.Reader) ([]byte, error) {
	line, err := reader.ReadSlice('\n')
	if !errors.Is(err, bufio.ErrBufferFull) {
		return line, err
	}
	for errors.Is(err, bufio.ErrBufferFull) {
		_, err = reader.ReadSlice('\n')
	}
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: more than %d bytes", ErrLineTooLong, reader.Size())
}
