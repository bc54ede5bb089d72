package ports

import "context"

// SessionBlobStore is the single addressable blob backing the session cache.
type SessionBlobStore interface {
	// ReadBlob returns the stored bytes. A store that does not exist yet MUST return (nil, nil).
	ReadBlob(ctx context.Context) ([]byte, error)

	// WriteBlob replaces the whole blob. Readers MUST never observe a torn write.
	WriteBlob(ctx context.Context, b []byte) error
}

// AuthStore manages per-device auth material persisted by the engine outside the session
// cache (e.g. a browser profile directory).
type AuthStore interface {
	// RemoveAuth deletes the material for id. Removing absent material is not an error.
	RemoveAuth(ctx context.Context, id string) error

	// ListAuth returns the ids that currently have material on record.
	ListAuth(ctx context.Context) ([]string, error)
}
