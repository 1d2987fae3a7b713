// Package shl implements SMART Health Links over the envelope and storage
// packages: minting links from FHIR documents, serving the manifest protocol
// with passcode/expiry/access-count enforcement, decoding tokens on the
// consumer side, and revocation.
package shl

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Content types fixed by the SHL protocol.
const (
	ContentTypeFHIR = "application/fhir+json"
	ContentTypeJOSE = "application/jose"
	ContentTypeJSON = "application/json"
)

// ErrValidation indicates malformed caller input. Not retryable.
var ErrValidation = errors.New("shl: invalid input")

// FileEntry is one file listed in a manifest. Location is an absolute URL
// on the operator's endpoint.
type FileEntry struct {
	ContentType string `json:"contentType"`
	Location    string `json:"location"`
}

// Manifest lists the files available for one SHL. The first entry is always
// the primary FHIR document.
type Manifest struct {
	Files []FileEntry `json:"files"`
}

// Metadata is the server-private access-control state for one SHL. It never
// leaves the server.
type Metadata struct {
	CreatedAt   time.Time  `json:"createdAt"`
	Passcode    string     `json:"passcode,omitempty"` // lowercase-hex SHA-256, never the passcode itself
	MaxAccesses *int       `json:"maxAccesses,omitempty"`
	AccessCount int        `json:"accessCount"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// AccessEvent is delivered to the operator's callback after a successful
// manifest access. It is ephemeral; nothing persists it.
type AccessEvent struct {
	ShlID       string    `json:"shlId"`
	AccessCount int       `json:"accessCount"`
	Timestamp   time.Time `json:"timestamp"`
}

// Attachment is an additional file shared alongside the primary document.
type Attachment struct {
	ContentType string
	Data        []byte
}

// Storage keys for the artifacts of one SHL.

func contentKey(shlID string) string { return shlID + "/content.jwe" }

func attachmentKey(shlID string, index int) string {
	return fmt.Sprintf("%s/attachment-%d.jwe", shlID, index)
}

func manifestKey(shlID string) string { return shlID + "/manifest.json" }

// hashPasscode is the single hashing path for both sides of the passcode
// comparison: lowercase-hex SHA-256 of the raw passcode string.
func hashPasscode(passcode string) string {
	sum := sha256.Sum256([]byte(passcode))
	return hex.EncodeToString(sum[:])
}
