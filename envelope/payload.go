package envelope

import (
	"bytes"
	"fmt"
)

// AES-256-GCM field widths.
const (
	PayloadIVLength  = 12
	PayloadTagLength = 16
)

var payloadMagic = []byte("TCP1")

const payloadHeaderLength = 4 + 1 + 1

// CipherPayload is the encrypted content body.
type CipherPayload struct {
	Ciphertext []byte
	IV         []byte
	AuthTag    []byte
}

// PackCipherPayload lays the payload out as
//
//	"TCP1" | ivLen(1) | tagLen(1) | iv | authTag | ciphertext
func PackCipherPayload(p CipherPayload) ([]byte, error) {
	if len(p.IV) != PayloadIVLength {
		return nil, fmt.Errorf("iv is %d bytes, want %d: %w", len(p.IV), PayloadIVLength, ErrMalformedEnvelope)
	}
	if len(p.AuthTag) != PayloadTagLength {
		return nil, fmt.Errorf("auth tag is %d bytes, want %d: %w", len(p.AuthTag), PayloadTagLength, ErrMalformedEnvelope)
	}
	out := make([]byte, 0, payloadHeaderLength+len(p.IV)+len(p.AuthTag)+len(p.Ciphertext))
	out = append(out, payloadMagic...)
	out = append(out, byte(len(p.IV)), byte(len(p.AuthTag)))
	out = append(out, p.IV...)
	out = append(out, p.AuthTag...)
	out = append(out, p.Ciphertext...)
	return out, nil
}

// UnpackCipherPayload is the inverse of PackCipherPayload. The returned
// slices are copies.
func UnpackCipherPayload(data []byte) (CipherPayload, error) {
	if len(data) < payloadHeaderLength || !bytes.Equal(data[:4], payloadMagic) {
		return CipherPayload{}, fmt.Errorf("missing payload header: %w", ErrMalformedEnvelope)
	}
	ivLen, tagLen := int(data[4]), int(data[5])
	if ivLen != PayloadIVLength || tagLen != PayloadTagLength {
		return CipherPayload{}, fmt.Errorf("unsupported iv/tag lengths %d/%d: %w", ivLen, tagLen, ErrMalformedEnvelope)
	}
	body := data[payloadHeaderLength:]
	if len(body) < ivLen+tagLen {
		return CipherPayload{}, fmt.Errorf("payload truncated: %w", ErrMalformedEnvelope)
	}
	return CipherPayload{
		IV:         bytes.Clone(body[:ivLen]),
		AuthTag:    bytes.Clone(body[ivLen : ivLen+tagLen]),
		Ciphertext: append([]byte{}, body[ivLen+tagLen:]...),
	}, nil
}
