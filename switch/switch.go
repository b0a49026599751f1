package _switch

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/adwski/cmd-chat/model"
	"github.com/rs/zerolog"
)

const (
	defaultSendTimeout = 5 * time.Second
)

type (
	// Switch is the set of peers connected to one room.
	Switch struct {
		logger      zerolog.Logger
		mx          *sync.Mutex
		peers       map[model.Peer]struct{}
		secret      []byte
		sendTimeout time.Duration
	}

	Config struct {
		Logger *zerolog.Logger

		// Secret is the room password peers must present.
		Secret string

		// SendTimeout bounds a single peer write during Broadcast.
		SendTimeout time.Duration
	}
)

func NewSwitch(cfg Config) *Switch {
	sendTimeout := cfg.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	return &Switch{
		logger:      cfg.Logger.With().Str("component", "switch").Logger(),
		mx:          &sync.Mutex{},
		peers:       make(map[model.Peer]struct{}),
		secret:      []byte(cfg.Secret),
		sendTimeout: sendTimeout,
	}
}

// VerifySecret compares candidate with the room secret in constant time.
func (sw *Switch) VerifySecret(candidate string) bool {
	return subtle.ConstantTimeCompare([]byte(candidate), sw.secret) == 1
}

// Join adds peer to the room and returns the number of members.
func (sw *Switch) Join(peer model.Peer) int {
	sw.mx.Lock()
	sw.peers[peer] = struct{}{}
	count := len(sw.peers)
	sw.mx.Unlock()

	sw.logger.Debug().
		Str("peer", peer.Addr()).
		Int("count", count).
		Msg("peer joined")
	return count
}

// Leave removes peer from the room and returns the number of members.
func (sw *Switch) Leave(peer model.Peer) int {
	sw.mx.Lock()
	_, ok := sw.peers[peer]
	delete(sw.peers, peer)
	count := len(sw.peers)
	sw.mx.Unlock()

	if ok {
		sw.logger.Debug().
			Str("peer", peer.Addr()).
			Int("count", count).
			Msg("peer left")
	}
	return count
}

// Count returns the number of members.
func (sw *Switch) Count() int {
	sw.mx.Lock()
	defer sw.mx.Unlock()
	return len(sw.peers)
}

// Broadcast writes data to every member except exclude and returns the number
// of successful writes. Members that fail are evicted and closed.
func (sw *Switch) Broadcast(ctx context.Context, data []byte, exclude model.Peer) int {
	sw.mx.Lock()
	snapshot := make([]model.Peer, 0, len(sw.peers))
	for peer := range sw.peers {
		if exclude != nil && peer == exclude {
			continue
		}
		snapshot = append(snapshot, peer)
	}
	sw.mx.Unlock()

	var (
		wg     = &sync.WaitGroup{}
		failed = make([]bool, len(snapshot))
	)
	wg.Add(len(snapshot))
	for i, peer := range snapshot {
		go func() {
			defer wg.Done()
			failed[i] = !sw.send(ctx, peer, data)
		}()
	}
	wg.Wait()

	var (
		sent int
		dead []model.Peer
	)
	for i, peer := range snapshot {
		if failed[i] {
			dead = append(dead, peer)
		} else {
			sent++
		}
	}
	if len(dead) > 0 {
		sw.evict(dead)
	}
	return sent
}

func (sw *Switch) send(ctx context.Context, peer model.Peer, data []byte) bool {
	sCtx, cancel := context.WithTimeout(ctx, sw.sendTimeout)
	defer cancel()
	if err := peer.Send(sCtx, data); err != nil {
		sw.logger.Error().Err(err).Str("peer", peer.Addr()).Msg("dead endpoint")
		return false
	}
	return true
}

func (sw *Switch) evict(dead []model.Peer) {
	sw.mx.Lock()
	for _, peer := range dead {
		delete(sw.peers, peer)
	}
	count := len(sw.peers)
	sw.mx.Unlock()

	for _, peer := range dead {
		if err := peer.Close(); err != nil {
			sw.logger.Debug().Err(err).Str("peer", peer.Addr()).Msg("failed to close evicted peer")
		}
		sw.logger.Warn().
			Str("peer", peer.Addr()).
			Int("count", count).
			Msg("peer evicted")
	}
}

// Shutdown removes and closes every member.
func (sw *Switch) Shutdown() {
	sw.mx.Lock()
	peers := make([]model.Peer, 0, len(sw.peers))
	for peer := range sw.peers {
		peers = append(peers, peer)
	}
	clear(sw.peers)
	sw.mx.Unlock()

	for _, peer := range peers {
		_ = peer.Close()
	}
}
