package shl

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/FHIRfly-io/fhirfly-shl-sub000/internal/platform/envelope"
	"github.com/FHIRfly-io/fhirfly-shl-sub000/internal/platform/storage"
)

// Options configures a new SHL. The zero value shares a document with no
// passcode, no expiration, and unlimited accesses.
type Options struct {
	// Passcode gates manifest access when non-empty. Only its SHA-256
	// reaches storage.
	Passcode string

	// ExpiresAt is the absolute expiration; the expired side of the
	// boundary includes the instant itself.
	ExpiresAt *time.Time

	// MaxAccesses caps successful manifest accesses. Zero means nobody
	// may ever access; nil means unlimited.
	MaxAccesses *int

	// Label is a human-readable caption, truncated to 80 code points.
	Label string

	// Attachments are encrypted and listed after the primary document in
	// input order.
	Attachments []Attachment

	// Now overrides the clock. Tests only.
	Now func() time.Time
}

// CreateResult is everything the producer gets back. The token is the only
// artifact a consumer needs; losing it means losing the content key.
type CreateResult struct {
	Token     string
	ID        string
	Passcode  string
	ExpiresAt *time.Time
}

// Create encrypts document (opaque FHIR JSON) and its attachments under a
// fresh content key, persists the ciphertexts, manifest, and access-control
// metadata under a fresh SHL id, and returns the sharable token.
func Create(ctx context.Context, store storage.Store, document []byte, opts Options) (*CreateResult, error) {
	if len(document) == 0 {
		return nil, fmt.Errorf("%w: document is required", ErrValidation)
	}
	if !json.Valid(document) {
		return nil, fmt.Errorf("%w: document must be valid JSON", ErrValidation)
	}
	if opts.MaxAccesses != nil && *opts.MaxAccesses < 0 {
		return nil, fmt.Errorf("%w: maxAccesses must not be negative", ErrValidation)
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	key, err := envelope.GenerateKey()
	if err != nil {
		return nil, err
	}
	shlID, err := envelope.GenerateID()
	if err != nil {
		return nil, err
	}

	// Primary document.
	sealed, err := envelope.Encrypt(document, key, ContentTypeFHIR)
	if err != nil {
		return nil, err
	}
	if err := store.Put(ctx, contentKey(shlID), []byte(sealed)); err != nil {
		return nil, err
	}

	// Attachments, in input order.
	for i, att := range opts.Attachments {
		sealed, err := envelope.Encrypt(att.Data, key, att.ContentType)
		if err != nil {
			return nil, err
		}
		if err := store.Put(ctx, attachmentKey(shlID, i), []byte(sealed)); err != nil {
			return nil, err
		}
	}

	manifest := Manifest{
		Files: []FileEntry{{
			ContentType: ContentTypeFHIR,
			Location:    fmt.Sprintf("%s/%s/content", store.BaseURL(), shlID),
		}},
	}
	for i, att := range opts.Attachments {
		manifest.Files = append(manifest.Files, FileEntry{
			ContentType: att.ContentType,
			Location:    fmt.Sprintf("%s/%s/attachment/%d", store.BaseURL(), shlID, i),
		})
	}
	rawManifest, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("shl: marshal manifest: %w", err)
	}
	if err := store.Put(ctx, manifestKey(shlID), rawManifest); err != nil {
		return nil, err
	}

	md := Metadata{
		CreatedAt:   now().UTC(),
		MaxAccesses: opts.MaxAccesses,
	}
	if opts.Passcode != "" {
		md.Passcode = hashPasscode(opts.Passcode)
	}
	if opts.ExpiresAt != nil {
		exp := opts.ExpiresAt.UTC()
		md.ExpiresAt = &exp
	}
	rawMetadata, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("shl: marshal metadata: %w", err)
	}
	if err := store.Put(ctx, storage.MetadataKey(shlID), rawMetadata); err != nil {
		return nil, err
	}

	payload := envelope.Payload{
		URL:   fmt.Sprintf("%s/%s", store.BaseURL(), shlID),
		Key:   key,
		Flag:  "L",
		V:     1,
		Label: opts.Label,
	}
	if opts.Passcode != "" {
		payload.Flag = "LP"
	}
	if opts.ExpiresAt != nil {
		payload.Exp = opts.ExpiresAt.Unix()
	}
	token, err := envelope.EncodeToken(payload)
	if err != nil {
		return nil, err
	}

	return &CreateResult{
		Token:     token,
		ID:        shlID,
		Passcode:  opts.Passcode,
		ExpiresAt: opts.ExpiresAt,
	}, nil
}
