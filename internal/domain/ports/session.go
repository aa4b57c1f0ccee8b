package ports

import (
	"context"

	"torrentcore/internal/domain"
)

// Session is the full surface the worker drives. Mutating calls return an
// error matching domain.ErrNotFound for unknown ids or
// domain.ErrOperationFailed for engine failures.
type Session interface {
	AddTorrent(ctx context.Context, req domain.AddTorrentRequest) error
	CreateTorrent(ctx context.Context, req domain.CreateTorrentRequest) (domain.CreateTorrentResult, error)
	RemoveTorrent(ctx context.Context, id domain.TorrentID, withData bool) error
	PauseTorrent(ctx context.Context, id domain.TorrentID) error
	ResumeTorrent(ctx context.Context, id domain.TorrentID) error
	SetSequential(ctx context.Context, id domain.TorrentID, sequential bool) error
	LoadFastresume(ctx context.Context, id domain.TorrentID, data []byte) error
	// UpdateLimits applies client-wide limits when id is nil.
	UpdateLimits(ctx context.Context, id *domain.TorrentID, limits domain.Limits) error
	UpdateSelection(ctx context.Context, id domain.TorrentID, sel domain.FileSelection) error
	UpdateOptions(ctx context.Context, id domain.TorrentID, opts domain.TorrentOptions) error
	UpdateTrackers(ctx context.Context, id domain.TorrentID, update domain.TrackerUpdate) error
	UpdateWebSeeds(ctx context.Context, id domain.TorrentID, update domain.WebSeedUpdate) error
	SetPieceDeadline(ctx context.Context, id domain.TorrentID, deadline domain.PieceDeadline) error
	Reannounce(ctx context.Context, id domain.TorrentID) error
	MoveTorrent(ctx context.Context, id domain.TorrentID, downloadDir string) error
	Recheck(ctx context.Context, id domain.TorrentID) error
	Peers(ctx context.Context, id domain.TorrentID) ([]domain.PeerInfo, error)
	ApplyConfig(ctx context.Context, opts domain.NativeOptions) error
	PollEvents(ctx context.Context) ([]domain.EngineEvent, error)
	InspectSettings(ctx context.Context) (domain.EngineSettings, error)
}
