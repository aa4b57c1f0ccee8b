package events

import "torrentcore/internal/domain"

// Kind names an event type on the wire.
type Kind string

const (
	KindTorrentAdded        Kind = "torrent_added"
	KindFilesDiscovered     Kind = "files_discovered"
	KindProgress            Kind = "progress"
	KindStateChanged        Kind = "state_changed"
	KindCompleted           Kind = "completed"
	KindMetadataUpdated     Kind = "metadata_updated"
	KindTorrentRemoved      Kind = "torrent_removed"
	KindFsopsStarted        Kind = "fsops_started"
	KindFsopsProgress       Kind = "fsops_progress"
	KindFsopsCompleted      Kind = "fsops_completed"
	KindFsopsFailed         Kind = "fsops_failed"
	KindSettingsChanged     Kind = "settings_changed"
	KindHealthChanged       Kind = "health_changed"
	KindSelectionReconciled Kind = "selection_reconciled"
)

// Event is one of the public event payloads below.
type Event interface {
	Kind() Kind
}

type TorrentAdded struct {
	ID          domain.TorrentID `json:"id"`
	Name        string           `json:"name,omitempty"`
	DownloadDir string           `json:"downloadDir,omitempty"`
	Sequential  bool             `json:"sequential"`
	Paused      bool             `json:"paused,omitempty"`
	SeedMode    bool             `json:"seedMode,omitempty"`
}

type FilesDiscovered struct {
	ID    domain.TorrentID  `json:"id"`
	Files []domain.FileInfo `json:"files"`
}

type Progress struct {
	ID       domain.TorrentID `json:"id"`
	Progress domain.Progress  `json:"progress"`
	Ratio    float64          `json:"ratio"`
}

type StateChanged struct {
	ID    domain.TorrentID     `json:"id"`
	State domain.TransferState `json:"state"`
}

type Completed struct {
	ID domain.TorrentID `json:"id"`
}

type MetadataUpdated struct {
	ID         domain.TorrentID `json:"id"`
	Name       string           `json:"name"`
	InfoHash   string           `json:"infoHash,omitempty"`
	TotalBytes int64            `json:"totalBytes"`
	NumPieces  int              `json:"numPieces"`
}

type TorrentRemoved struct {
	ID          domain.TorrentID `json:"id"`
	DeletedData bool             `json:"deletedData"`
}

// Fsops events are published by the post-processing pipeline that reacts to
// Completed events.
type FsopsStarted struct {
	ID     domain.TorrentID `json:"id"`
	Target string           `json:"target"`
}

type FsopsProgress struct {
	ID           domain.TorrentID `json:"id"`
	BytesDone    int64            `json:"bytesDone"`
	BytesTotal   int64            `json:"bytesTotal"`
	CurrentEntry string           `json:"currentEntry,omitempty"`
}

type FsopsCompleted struct {
	ID     domain.TorrentID `json:"id"`
	Target string           `json:"target"`
}

type FsopsFailed struct {
	ID      domain.TorrentID `json:"id"`
	Message string           `json:"message"`
}

type SettingsChanged struct {
	Options  domain.NativeOptions `json:"options"`
	Warnings []string             `json:"warnings,omitempty"`
}

// HealthComponent is a degraded component and what went wrong.
type HealthComponent struct {
	Name   string `json:"name"`
	Detail string `json:"detail,omitempty"`
}

type HealthChanged struct {
	Degraded []HealthComponent `json:"degraded"`
}

// Healthy reports whether no component is degraded.
func (h HealthChanged) Healthy() bool { return len(h.Degraded) == 0 }

type SelectionReconciled struct {
	ID     domain.TorrentID `json:"id"`
	Group  string           `json:"group"`
	Reason string           `json:"reason"`
}

func (TorrentAdded) Kind() Kind        { return KindTorrentAdded }
func (FilesDiscovered) Kind() Kind     { return KindFilesDiscovered }
func (Progress) Kind() Kind            { return KindProgress }
func (StateChanged) Kind() Kind        { return KindStateChanged }
func (Completed) Kind() Kind           { return KindCompleted }
func (MetadataUpdated) Kind() Kind     { return KindMetadataUpdated }
func (TorrentRemoved) Kind() Kind      { return KindTorrentRemoved }
func (FsopsStarted) Kind() Kind        { return KindFsopsStarted }
func (FsopsProgress) Kind() Kind       { return KindFsopsProgress }
func (FsopsCompleted) Kind() Kind      { return KindFsopsCompleted }
func (FsopsFailed) Kind() Kind         { return KindFsopsFailed }
func (SettingsChanged) Kind() Kind     { return KindSettingsChanged }
func (HealthChanged) Kind() Kind       { return KindHealthChanged }
func (SelectionReconciled) Kind() Kind { return KindSelectionReconciled }
