package shl

import (
	"github.com/FHIRfly-io/fhirfly-shl-sub000/internal/platform/envelope"
)

// Content is a decrypted attachment or document with its declared content
// type.
type Content struct {
	ContentType string
	Data        []byte
}

// Decode parses a "shlink:/" token into its manifest URL, content key, and
// option fields. Structural problems surface as envelope.ErrInvalidToken.
func Decode(token string) (*envelope.Payload, error) {
	return envelope.DecodeToken(token)
}

// DecryptDocument opens a primary-document envelope and returns the raw
// FHIR JSON bytes. Failures surface as envelope.ErrDecryptFailed with no
// distinction between a wrong key and tampering.
func DecryptDocument(compact string, key []byte) ([]byte, error) {
	_, data, err := envelope.Decrypt(compact, key)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// DecryptContent opens any envelope and returns the plaintext together with
// the content type carried in its protected header.
func DecryptContent(compact string, key []byte) (*Content, error) {
	contentType, data, err := envelope.Decrypt(compact, key)
	if err != nil {
		return nil, err
	}
	return &Content{ContentType: contentType, Data: data}, nil
}
