// Package codec implements newline delimited JSON framing of room envelopes.
//
// Decoding is stricter than encoding/json: object keys must be unique and
// envelope fields must be spelled exactly as on the wire, so "TYPE" or a
// second "type" key makes the line invalid. Unknown keys are ignored.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/adwski/cmd-chat/model"
)

var (
	ErrEncode = errors.New("unable to encode envelope")
	ErrDecode = errors.New("unable to decode envelope")

	errNoType      = errors.New("envelope has no type")
	errEmpty       = errors.New("empty line")
	errInvalidUTF8 = errors.New("line is not valid utf-8")
	errNotObject   = errors.New("line is not a json object")
	errTrailing    = errors.New("trailing data after envelope")

	fieldNames = []string{"type", "password", "room_salt", "user", "text", "message"}
)

// Encode serializes env as a single line terminated by '\n'.
func Encode(env model.Envelope) ([]byte, error) {
	if env.Type == "" {
		return nil, errors.Join(ErrEncode, errNoType)
	}
	if !model.KnownType(env.Type) {
		return nil, errors.Join(ErrEncode, fmt.Errorf("unknown type %q", env.Type))
	}
	b, err := json.Marshal(&env)
	if err != nil {
		return nil, errors.Join(ErrEncode, err)
	}
	// json.Marshal escapes control characters so b never contains a raw newline.
	return append(b, '\n'), nil
}

// Decode parses one line produced by Encode. Surrounding whitespace is ignored.
func Decode(line []byte) (model.Envelope, error) {
	var env model.Envelope

	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return env, errors.Join(ErrDecode, errEmpty)
	}
	if !utf8.Valid(line) {
		return env, errors.Join(ErrDecode, errInvalidUTF8)
	}
	if line[0] != '{' {
		return env, errors.Join(ErrDecode, errNotObject)
	}

	dec := json.NewDecoder(bytes.NewReader(line))
	if err := dec.Decode(&env); err != nil {
		return env, errors.Join(ErrDecode, err)
	}
	if dec.InputOffset() != int64(len(line)) {
		return env, errors.Join(ErrDecode, errTrailing)
	}
	if err := checkKeys(line); err != nil {
		return env, errors.Join(ErrDecode, err)
	}
	if env.Type == "" {
		return env, errors.Join(ErrDecode, errNoType)
	}
	if !model.KnownType(env.Type) {
		return env, errors.Join(ErrDecode, fmt.Errorf("unknown type %q", env.Type))
	}
	return env, nil
}

// checkKeys walks the top level keys of a syntactically valid object.
func checkKeys(line []byte) error {
	dec := json.NewDecoder(bytes.NewReader(line))
	if _, err := dec.Token(); err != nil {
		return err
	}
	seen := make(map[string]struct{})
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := tok.(string)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("duplicate key %q", key)
		}
		seen[key] = struct{}{}
		for _, name := range fieldNames {
			if key != name && strings.EqualFold(key, name) {
				return fmt.Errorf("key %q must be spelled %q", key, name)
			}
		}
		var value json.RawMessage
		if err = dec.Decode(&value); err != nil {
			return err
		}
	}
	return nil
}

// MustEncode is Encode for envelopes built by the model constructors.
func MustEncode(env model.Envelope) []byte {
	b, err := Encode(env)
	if err != nil {
		panic(err)
	}
	return b
}
