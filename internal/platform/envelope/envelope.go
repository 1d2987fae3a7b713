package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
)

const (
	// ivSize is the AES-GCM nonce length in bytes.
	ivSize = 12

	// tagSize is the AES-GCM authentication tag length in bytes.
	tagSize = 16

	// DefaultContentType is assumed when an envelope header carries no cty.
	DefaultContentType = "application/octet-stream"
)

// ErrDecryptFailed covers every decryption failure: malformed compact
// serialization, unsupported alg/enc, authentication failure, and inflate
// errors. Callers cannot distinguish a wrong key from tampered ciphertext.
var ErrDecryptFailed = errors.New("envelope: decrypt failed")

// header is the protected JWE header. Field order matters: the serialized
// header doubles as additional authenticated data, so it must be stable.
type header struct {
	Alg string `json:"alg"`
	Enc string `json:"enc"`
	Cty string `json:"cty"`
	Zip string `json:"zip"`
}

// Encrypt compresses plaintext with raw DEFLATE and seals it with
// AES-256-GCM into the five-segment compact form "header..iv.ct.tag". The
// second segment is empty because direct-key mode has no wrapped key. The
// base64url header is the AAD, so the content type is tamper-evident.
func Encrypt(plaintext, key []byte, contentType string) (string, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}

	compressed, err := deflate(plaintext)
	if err != nil {
		return "", fmt.Errorf("envelope: compress: %w", err)
	}

	rawHeader, err := json.Marshal(header{Alg: "dir", Enc: "A256GCM", Cty: contentType, Zip: "DEF"})
	if err != nil {
		return "", fmt.Errorf("envelope: marshal header: %w", err)
	}
	encHeader := base64.RawURLEncoding.EncodeToString(rawHeader)

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("envelope: generate iv: %w", err)
	}

	sealed := aead.Seal(nil, iv, compressed, []byte(encHeader))
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return strings.Join([]string{
		encHeader,
		"",
		base64.RawURLEncoding.EncodeToString(iv),
		base64.RawURLEncoding.EncodeToString(ct),
		base64.RawURLEncoding.EncodeToString(tag),
	}, "."), nil
}

// Decrypt opens a five-segment compact envelope and returns the content type
// from the header together with the decompressed plaintext. All failure
// modes collapse into ErrDecryptFailed.
func Decrypt(compact string, key []byte) (contentType string, data []byte, err error) {
	aead, err := newAEAD(key)
	if err != nil {
		return "", nil, err
	}

	segments := strings.Split(compact, ".")
	if len(segments) != 5 || segments[1] != "" {
		return "", nil, ErrDecryptFailed
	}

	rawHeader, err := base64.RawURLEncoding.DecodeString(segments[0])
	if err != nil {
		return "", nil, ErrDecryptFailed
	}
	var hdr header
	if err := json.Unmarshal(rawHeader, &hdr); err != nil {
		return "", nil, ErrDecryptFailed
	}
	if hdr.Alg != "dir" || hdr.Enc != "A256GCM" {
		return "", nil, ErrDecryptFailed
	}

	iv, err := base64.RawURLEncoding.DecodeString(segments[2])
	if err != nil || len(iv) != ivSize {
		return "", nil, ErrDecryptFailed
	}
	ct, err := base64.RawURLEncoding.DecodeString(segments[3])
	if err != nil {
		return "", nil, ErrDecryptFailed
	}
	tag, err := base64.RawURLEncoding.DecodeString(segments[4])
	if err != nil || len(tag) != tagSize {
		return "", nil, ErrDecryptFailed
	}

	plaintext, err := aead.Open(nil, iv, append(ct, tag...), []byte(segments[0]))
	if err != nil {
		return "", nil, ErrDecryptFailed
	}

	if hdr.Zip == "DEF" {
		plaintext, err = inflate(plaintext)
		if err != nil {
			return "", nil, ErrDecryptFailed
		}
	}

	contentType = hdr.Cty
	if contentType == "" {
		contentType = DefaultContentType
	}
	return contentType, plaintext, nil
}

// GenerateKey draws a fresh 32-byte content key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("envelope: generate key: %w", err)
	}
	return key, nil
}

// GenerateID draws a fresh SHL identifier: 32 random bytes rendered as a
// 43-character unpadded base64url string.
func GenerateID() (string, error) {
	id := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, id); err != nil {
		return "", fmt.Errorf("envelope: generate id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(id), nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("envelope: create GCM: %w", err)
	}
	return aead, nil
}

// deflate produces a raw RFC 1951 stream with no zlib wrapper.
func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	return io.ReadAll(r)
}
