// Package store persists serialized document state keyed by document id.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Load when no state has been persisted for the
// document id.
var ErrNotFound = errors.New("store: document not found")

// Store is the key→bytes contract rooms persist through. Load failures other
// than ErrNotFound and Save failures are surfaced to the caller, which
// decides whether to proceed (room creation) or retry later (flush).
type Store interface {
	Load(ctx context.Context, documentID string) ([]byte, error)
	Save(ctx context.Context, documentID string, data []byte) error
}
