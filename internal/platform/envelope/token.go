// Package envelope implements the SMART Health Links wire formats: the
// shareable "shlink:/" token and the direct-key JWE compact envelope used for
// every encrypted payload. Only the single alg/enc combination the SHL
// protocol mandates (dir + A256GCM with raw-DEFLATE compression) is
// supported; a full JOSE stack is deliberately not pulled in.
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// TokenPrefix is the literal scheme every SHL token starts with.
const TokenPrefix = "shlink:/"

// KeySize is the content-key length in bytes. The key travels inside the
// token and never reaches the storage backend.
const KeySize = 32

// MaxLabelLength is the maximum label length in Unicode code points. Longer
// labels are truncated on encode.
const MaxLabelLength = 80

var (
	// ErrInvalidToken indicates a token that is structurally malformed:
	// wrong prefix, bad base64, bad JSON, or a missing/mistyped field.
	ErrInvalidToken = errors.New("envelope: invalid token")

	// ErrInvalidKey indicates a content key of the wrong length.
	ErrInvalidKey = errors.New("envelope: content key must be 32 bytes")
)

// Payload is the decoded body of an SHL token.
type Payload struct {
	// URL is the absolute manifest endpoint, "{baseUrl}/{shlId}".
	URL string

	// Key is the 32-byte content key.
	Key []byte

	// Flag is the sorted subset of {L, P} that applies to this SHL.
	Flag string

	// V is the envelope version; 1 when absent on the wire.
	V int

	// Exp is the absolute expiration in whole seconds since the Unix
	// epoch; 0 means no expiration.
	Exp int64

	// Label is an optional human-readable caption.
	Label string
}

// tokenJSON is the wire shape of the token payload.
type tokenJSON struct {
	URL   string `json:"url"`
	Key   string `json:"key"`
	Flag  string `json:"flag"`
	V     int    `json:"v,omitempty"`
	Exp   *int64 `json:"exp,omitempty"`
	Label string `json:"label,omitempty"`
}

// EncodeToken serializes a payload into a "shlink:/" token. The label is
// truncated to MaxLabelLength code points and the flag characters are sorted
// ascending so that equal payloads always produce byte-identical tokens.
func EncodeToken(p Payload) (string, error) {
	if len(p.Key) != KeySize {
		return "", ErrInvalidKey
	}
	if p.URL == "" {
		return "", fmt.Errorf("%w: url is required", ErrInvalidToken)
	}
	if p.Flag == "" {
		return "", fmt.Errorf("%w: flag is required", ErrInvalidToken)
	}

	wire := tokenJSON{
		URL:   p.URL,
		Key:   base64.RawURLEncoding.EncodeToString(p.Key),
		Flag:  sortFlag(p.Flag),
		V:     p.V,
		Label: TruncateLabel(p.Label),
	}
	if p.Exp > 0 {
		exp := p.Exp
		wire.Exp = &exp
	}

	raw, err := json.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("envelope: encode token: %w", err)
	}
	return TokenPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeToken parses and validates a "shlink:/" token. Every structural
// problem is reported as ErrInvalidToken.
func DecodeToken(token string) (*Payload, error) {
	if !strings.HasPrefix(token, TokenPrefix) {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrInvalidToken, TokenPrefix)
	}
	body := token[len(TokenPrefix):]
	if body == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidToken)
	}

	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not base64url", ErrInvalidToken)
	}

	var wire tokenJSON
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidToken)
	}
	if wire.URL == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidToken)
	}
	if wire.Flag == "" {
		return nil, fmt.Errorf("%w: flag is required", ErrInvalidToken)
	}
	if wire.Key == "" {
		return nil, fmt.Errorf("%w: key is required", ErrInvalidToken)
	}

	key, err := base64.RawURLEncoding.DecodeString(wire.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: key is not base64url", ErrInvalidToken)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must decode to %d bytes", ErrInvalidToken, KeySize)
	}

	p := &Payload{
		URL:   wire.URL,
		Key:   key,
		Flag:  wire.Flag,
		V:     wire.V,
		Label: wire.Label,
	}
	if p.V == 0 {
		p.V = 1
	}
	if wire.Exp != nil {
		p.Exp = *wire.Exp
	}
	return p, nil
}

// TruncateLabel limits a label to MaxLabelLength Unicode code points.
func TruncateLabel(label string) string {
	runes := []rune(label)
	if len(runes) <= MaxLabelLength {
		return label
	}
	return string(runes[:MaxLabelLength])
}

func sortFlag(flag string) string {
	chars := strings.Split(flag, "")
	sort.Strings(chars)
	return strings.Join(chars, "")
}
