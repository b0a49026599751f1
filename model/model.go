package model

import (
	"context"
)

// Envelope types.
const (
	TypeAuth    = "auth"
	TypeInit    = "init"
	TypeMessage = "message"
	TypeSystem  = "system"
	TypeError   = "error"
)

// Envelope is one line of the room protocol.
type Envelope struct {
	Type     string `json:"type"`
	Password string `json:"password,omitempty"`
	RoomSalt string `json:"room_salt,omitempty"` // hex
	User     string `json:"user,omitempty"`
	Text     string `json:"text,omitempty"` // sealed token for message type
	Message  string `json:"message,omitempty"`
}

// KnownType reports whether t is one of the protocol envelope types.
func KnownType(t string) bool {
	switch t {
	case TypeAuth, TypeInit, TypeMessage, TypeSystem, TypeError:
		return true
	}
	return false
}

func NewAuth(password string) Envelope {
	return Envelope{Type: TypeAuth, Password: password}
}

func NewInit(roomSalt string) Envelope {
	return Envelope{Type: TypeInit, RoomSalt: roomSalt}
}

func NewChat(user, text string) Envelope {
	return Envelope{Type: TypeMessage, User: user, Text: text}
}

func NewSystem(text string) Envelope {
	return Envelope{Type: TypeSystem, Text: text}
}

func NewError(message string) Envelope {
	return Envelope{Type: TypeError, Message: message}
}

// Peer is a server side handle of one authenticated connection.
// Send must be safe for concurrent use.
type Peer interface {
	Send(ctx context.Context, data []byte) error
	Close() error
	Addr() string
}
