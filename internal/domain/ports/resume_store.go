package ports

import (
	"context"

	"torrentcore/internal/domain"
)

// ResumeStore persists per-transfer resume blobs and metadata documents.
type ResumeStore interface {
	EnsureInitialized(ctx context.Context) error
	// LoadAll returns every stored entry, including partial ones. A non-nil
	// error alongside entries reports per-entry problems.
	LoadAll(ctx context.Context) ([]domain.StoredTorrentState, error)
	WriteFastresume(ctx context.Context, id domain.TorrentID, data []byte) error
	// WriteMetadata stamps UpdatedAt before persisting.
	WriteMetadata(ctx context.Context, id domain.TorrentID, md domain.StoredTorrentMetadata) error
	// Remove is idempotent.
	Remove(ctx context.Context, id domain.TorrentID) error
}
