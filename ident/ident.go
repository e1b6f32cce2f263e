// Package ident parses and canonicalizes the two identifiers that cross every
// boundary of the system: wallet addresses and transcript ids.
//
// Addresses are 20 bytes rendered as "0x" + 40 hex characters. Input is
// case-insensitive; the canonical form is lower-case and is the only form
// used as a map or storage key. Transcript ids are 32 bytes rendered as
// "0x" + 64 hex characters.
package ident

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/abdoulaahmad/transcrypt2/internal/util"
)

var (
	ErrInvalidAddress      = errors.New("invalid address")
	ErrInvalidTranscriptID = errors.New("invalid transcript id")
)

const (
	AddressLength      = 20
	TranscriptIDLength = 32
)

// Address is a canonical lower-case "0x"-prefixed wallet address.
type Address string

// ParseAddress validates s and returns its canonical form.
func ParseAddress(s string) (Address, error) {
	canon, err := parseHex(strings.TrimSpace(s), AddressLength)
	if err != nil {
		return "", fmt.Errorf("%q: %w", s, ErrInvalidAddress)
	}
	return Address(canon), nil
}

// MustAddress is ParseAddress for constants and tests.
func MustAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) String() string { return string(a) }

func (a Address) IsZero() bool { return a == "" }

// TranscriptID is a canonical lower-case "0x"-prefixed 32-byte id.
type TranscriptID string

// ParseTranscriptID accepts only the strict wire form.
func ParseTranscriptID(s string) (TranscriptID, error) {
	canon, err := parseHex(strings.TrimSpace(s), TranscriptIDLength)
	if err != nil {
		return "", fmt.Errorf("%q: %w", s, ErrInvalidTranscriptID)
	}
	return TranscriptID(canon), nil
}

// MustTranscriptID is ParseTranscriptID for constants and tests.
func MustTranscriptID(s string) TranscriptID {
	id, err := ParseTranscriptID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// DeriveTranscriptID maps free-form issuer input onto a transcript id.
// An empty input yields a random id, a well-formed id is returned as-is, and
// any other string is hashed with keccak256 over its UTF-8 bytes.
func DeriveTranscriptID(input string) (TranscriptID, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		b, err := util.RandomBytes(TranscriptIDLength)
		if err != nil {
			return "", err
		}
		return TranscriptID("0x" + hex.EncodeToString(b)), nil
	}
	if id, err := ParseTranscriptID(trimmed); err == nil {
		return id, nil
	}
	return TranscriptID("0x" + hex.EncodeToString(util.Keccak256([]byte(trimmed)))), nil
}

func (id TranscriptID) String() string { return string(id) }

// Bytes returns the raw 32 bytes. It panics on a non-canonical id.
func (id TranscriptID) Bytes() []byte {
	b, err := hex.DecodeString(strings.TrimPrefix(string(id), "0x"))
	if err != nil || len(b) != TranscriptIDLength {
		panic(fmt.Sprintf("ident: non-canonical transcript id %q", string(id)))
	}
	return b
}

func parseHex(s string, n int) (string, error) {
	if len(s) != 2+2*n || (s[:2] != "0x" && s[:2] != "0X") {
		return "", errors.New("bad length or prefix")
	}
	body := strings.ToLower(s[2:])
	if _, err := hex.DecodeString(body); err != nil {
		return "", err
	}
	return "0x" + body, nil
}
