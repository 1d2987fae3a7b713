package shl

import (
	"context"
	"fmt"

	"github.com/FHIRfly-io/fhirfly-shl-sub000/internal/platform/storage"
)

// Revoke deletes every artifact of an SHL. Idempotent: revoking an already
// revoked (or never existing) id succeeds. After revocation every engine
// route for the id answers 404.
func Revoke(ctx context.Context, store storage.Store, shlID string) error {
	if shlID == "" {
		return fmt.Errorf("%w: shl id is required", ErrValidation)
	}
	return store.DeletePrefix(ctx, shlID+"/")
}
