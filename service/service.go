package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/adwski/cmd-chat/codec"
	"github.com/adwski/cmd-chat/crypto/kdf"
	"github.com/adwski/cmd-chat/model"
	"github.com/rs/zerolog"
)

const (
	roomSaltSize = kdf.MinSaltSize

	authFailedMessage = "authentication failed"
)

var (
	// ErrHandshake means the peer did not start with a valid auth envelope.
	// The connection is dropped without a reply.
	ErrHandshake = errors.New("invalid handshake")
	// ErrAuth means the peer presented a wrong room secret.
	ErrAuth = errors.New("authentication failed")
	// ErrRelay means a line could not be relayed.
	ErrRelay = errors.New("unable to relay")
)

type (
	Switch interface {
		Join(peer model.Peer) int
		Leave(peer model.Peer) int
		Count() int
		Broadcast(ctx context.Context, data []byte, exclude model.Peer) int
		VerifySecret(candidate string) bool
		Shutdown()
	}

	// Service is the transport independent part of the room server.
	Service struct {
		sw      Switch
		logger  zerolog.Logger
		salt    []byte
		initMsg []byte
		started time.Time
	}

	Config struct {
		Switch Switch
		Logger *zerolog.Logger

		// Salt overrides the random room salt.
		Salt []byte
	}
)

func NewService(cfg Config) (*Service, error) {
	salt := cfg.Salt
	if salt == nil {
		salt = make([]byte, roomSaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("unable to generate room salt: %w", err)
		}
	}
	if len(salt) < kdf.MinSaltSize {
		return nil, fmt.Errorf("room salt must be at least %d bytes", kdf.MinSaltSize)
	}
	initMsg, err := codec.Encode(model.NewInit(hex.EncodeToString(salt)))
	if err != nil {
		return nil, err
	}
	svc := &Service{
		sw:      cfg.Switch,
		logger:  cfg.Logger.With().Str("component", "room").Logger(),
		salt:    salt,
		initMsg: initMsg,
		started: time.Now(),
	}
	svc.logger.Info().Msg("room initialized with new room salt")
	return svc, nil
}

// RoomSalt returns the hex encoded room salt.
func (svc *Service) RoomSalt() string {
	return hex.EncodeToString(svc.salt)
}

// Handshake checks the first line of a connection and returns the reply that
// must be sent back. A nil reply means the connection is dropped silently.
func (svc *Service) Handshake(line []byte) ([]byte, error) {
	env, err := codec.Decode(line)
	if err != nil {
		return nil, errors.Join(ErrHandshake, err)
	}
	if env.Type != model.TypeAuth {
		return nil, errors.Join(ErrHandshake, fmt.Errorf("unexpected envelope type %q", env.Type))
	}
	if !svc.sw.VerifySecret(env.Password) {
		return codec.MustEncode(model.NewError(authFailedMessage)), ErrAuth
	}
	return svc.initMsg, nil
}

// Join registers an authenticated peer and greets it with the room size.
func (svc *Service) Join(ctx context.Context, peer model.Peer) int {
	count := svc.sw.Join(peer)
	notice := codec.MustEncode(model.NewSystem(membersNotice(count)))
	if err := peer.Send(ctx, notice); err != nil {
		svc.logger.Debug().Err(err).Str("remote", peer.Addr()).Msg("failed to send room notice")
	}
	return count
}

func (svc *Service) Leave(peer model.Peer) int {
	return svc.sw.Leave(peer)
}

// Relay validates line and broadcasts it to every member, sender included.
func (svc *Service) Relay(ctx context.Context, line []byte) (int, error) {
	env, err := codec.Decode(line)
	if err != nil {
		return 0, errors.Join(ErrRelay, err)
	}
	data, err := codec.Encode(env)
	if err != nil {
		return 0, errors.Join(ErrRelay, err)
	}
	return svc.sw.Broadcast(ctx, data, nil), nil
}

func (svc *Service) Members() int {
	return svc.sw.Count()
}

func (svc *Service) Uptime() time.Duration {
	return time.Since(svc.started)
}

// Shutdown disconnects every member.
func (svc *Service) Shutdown() {
	svc.sw.Shutdown()
	svc.logger.Debug().Msg("room closed")
}

func membersNotice(count int) string {
	if count == 1 {
		return "1 user in the room"
	}
	return fmt.Sprintf("%d users in the room", count)
}
