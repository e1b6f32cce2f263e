// Package envelope is the single codec for wrapped keys and cipher payloads.
//
// A wrapped key has two wire forms carrying identical bytes:
//
//   - structured: a JSON object with base64 fields, field names as produced by
//     MetaMask eth-sig-util ("version", "nonce", "ephemPublicKey", "ciphertext");
//   - hex: "0x" + hex(ephemPublicKey || nonce || ciphertext).
//
// The hex form carries no lengths. The split is fixed by the scheme version,
// so every conversion from hex needs SchemeLengths.
package envelope

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// VersionX25519 is the only wrapping scheme in use: x25519-xsalsa20-poly1305.
const VersionX25519 = "x25519-xsalsa20-poly1305"

// SchemeLengths fixes the field widths of a wrapping scheme version.
type SchemeLengths struct {
	Version        string
	EphemPublicKey int
	Nonce          int
}

// X25519Lengths are the widths for VersionX25519.
var X25519Lengths = SchemeLengths{Version: VersionX25519, EphemPublicKey: 32, Nonce: 24}

var schemes = map[string]SchemeLengths{
	VersionX25519: X25519Lengths,
}

// LengthsFor returns the registered lengths for version.
func LengthsFor(version string) (SchemeLengths, error) {
	l, ok := schemes[version]
	if !ok {
		return SchemeLengths{}, fmt.Errorf("unknown scheme version %q: %w", version, ErrMalformedEnvelope)
	}
	return l, nil
}

func (l SchemeLengths) prefix() int { return l.EphemPublicKey + l.Nonce }

var b64 = base64.StdEncoding.Strict()

// WrappedKey is the decoded form of a sealed content key.
type WrappedKey struct {
	Version        string
	EphemPublicKey []byte
	Nonce          []byte
	Ciphertext     []byte
}

// StructuredWrappedKey is the JSON wire form.
type StructuredWrappedKey struct {
	Version        string `json:"version"`
	Nonce          string `json:"nonce"`
	EphemPublicKey string `json:"ephemPublicKey"`
	Ciphertext     string `json:"ciphertext"`
}

// Structured encodes wk into its JSON wire form.
func (wk WrappedKey) Structured() StructuredWrappedKey {
	return StructuredWrappedKey{
		Version:        wk.Version,
		Nonce:          b64.EncodeToString(wk.Nonce),
		EphemPublicKey: b64.EncodeToString(wk.EphemPublicKey),
		Ciphertext:     b64.EncodeToString(wk.Ciphertext),
	}
}

// MarshalStructured returns the JSON text of the structured form.
func (wk WrappedKey) MarshalStructured() (string, error) {
	data, err := json.Marshal(wk.Structured())
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Hex returns the concatenated hex form. It fails when the field widths do
// not match the version, since the result could not be split again.
func (wk WrappedKey) Hex() (string, error) {
	l, err := LengthsFor(wk.Version)
	if err != nil {
		return "", err
	}
	if len(wk.EphemPublicKey) != l.EphemPublicKey || len(wk.Nonce) != l.Nonce {
		return "", fmt.Errorf("field widths %d/%d do not match %s: %w",
			len(wk.EphemPublicKey), len(wk.Nonce), wk.Version, ErrMalformedEnvelope)
	}
	var buf bytes.Buffer
	buf.Grow(l.prefix() + len(wk.Ciphertext))
	buf.Write(wk.EphemPublicKey)
	buf.Write(wk.Nonce)
	buf.Write(wk.Ciphertext)
	return "0x" + hex.EncodeToString(buf.Bytes()), nil
}

// Decode base64-decodes every field.
func (s StructuredWrappedKey) Decode() (WrappedKey, error) {
	eph, err := b64.DecodeString(s.EphemPublicKey)
	if err != nil {
		return WrappedKey{}, fmt.Errorf("ephemPublicKey: %w", ErrMalformedEnvelope)
	}
	nonce, err := b64.DecodeString(s.Nonce)
	if err != nil {
		return WrappedKey{}, fmt.Errorf("nonce: %w", ErrMalformedEnvelope)
	}
	ct, err := b64.DecodeString(s.Ciphertext)
	if err != nil {
		return WrappedKey{}, fmt.Errorf("ciphertext: %w", ErrMalformedEnvelope)
	}
	return WrappedKey{Version: s.Version, EphemPublicKey: eph, Nonce: nonce, Ciphertext: ct}, nil
}

// ToHex converts the structured form to the hex form.
func ToHex(s StructuredWrappedKey) (string, error) {
	wk, err := s.Decode()
	if err != nil {
		return "", err
	}
	return wk.Hex()
}

// FromHex splits a hex form using the given scheme lengths.
func FromHex(h string, l SchemeLengths) (WrappedKey, error) {
	h = strings.TrimSpace(h)
	if !strings.HasPrefix(h, "0x") && !strings.HasPrefix(h, "0X") {
		return WrappedKey{}, fmt.Errorf("missing 0x prefix: %w", ErrMalformedEnvelope)
	}
	raw, err := hex.DecodeString(h[2:])
	if err != nil {
		return WrappedKey{}, fmt.Errorf("invalid hex: %w", ErrMalformedEnvelope)
	}
	if len(raw) < l.prefix() {
		return WrappedKey{}, fmt.Errorf("%d bytes is shorter than the %d-byte fixed prefix: %w",
			len(raw), l.prefix(), ErrMalformedEnvelope)
	}
	return WrappedKey{
		Version:        l.Version,
		EphemPublicKey: raw[:l.EphemPublicKey:l.EphemPublicKey],
		Nonce:          raw[l.EphemPublicKey:l.prefix():l.prefix()],
		Ciphertext:     raw[l.prefix():],
	}, nil
}

// Parse accepts either wire form. Hex input is split with the lengths of
// VersionX25519, the only version that has a hex form in circulation.
func Parse(s string) (WrappedKey, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "{"):
		var sw StructuredWrappedKey
		if err := json.Unmarshal([]byte(s), &sw); err != nil {
			return WrappedKey{}, fmt.Errorf("decoding structured form: %w", ErrMalformedEnvelope)
		}
		wk, err := sw.Decode()
		if err != nil {
			return WrappedKey{}, err
		}
		if _, err := wk.Hex(); err != nil {
			return WrappedKey{}, err
		}
		return wk, nil
	case strings.HasPrefix(s, "0x"), strings.HasPrefix(s, "0X"):
		return FromHex(s, X25519Lengths)
	default:
		return WrappedKey{}, fmt.Errorf("unrecognised wire form: %w", ErrMalformedEnvelope)
	}
}

// Normalize returns the canonical hex form of either wire form.
func Normalize(s string) (string, error) {
	wk, err := Parse(s)
	if err != nil {
		return "", err
	}
	return wk.Hex()
}

// Equal reports whether two wrapped keys carry identical bytes.
func (wk WrappedKey) Equal(other WrappedKey) bool {
	return wk.Version == other.Version &&
		bytes.Equal(wk.EphemPublicKey, other.EphemPublicKey) &&
		bytes.Equal(wk.Nonce, other.Nonce) &&
		bytes.Equal(wk.Ciphertext, other.Ciphertext)
}
