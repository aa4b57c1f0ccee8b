package domain

// EngineEvent is emitted by a Session when polled. The worker translates
// these into public bus events.
type EngineEvent interface {
	TorrentID() TorrentID
	engineEvent()
}

type FilesDiscoveredEvent struct {
	ID    TorrentID
	Files []FileInfo
}

type ProgressEvent struct {
	ID       TorrentID
	Progress Progress
}

type StateChangedEvent struct {
	ID    TorrentID
	State TransferState
}

type CompletedEvent struct {
	ID TorrentID
}

type MetadataUpdatedEvent struct {
	ID         TorrentID
	Name       string
	InfoHash   string
	TotalBytes int64
	NumPieces  int
}

type ResumeDataEvent struct {
	ID   TorrentID
	Data []byte
}

type ErrorEvent struct {
	ID      TorrentID
	Message string
}

func (e FilesDiscoveredEvent) TorrentID() TorrentID { return e.ID }
func (e ProgressEvent) TorrentID() TorrentID        { return e.ID }
func (e StateChangedEvent) TorrentID() TorrentID    { return e.ID }
func (e CompletedEvent) TorrentID() TorrentID       { return e.ID }
func (e MetadataUpdatedEvent) TorrentID() TorrentID { return e.ID }
func (e ResumeDataEvent) TorrentID() TorrentID      { return e.ID }
func (e ErrorEvent) TorrentID() TorrentID           { return e.ID }

func (FilesDiscoveredEvent) engineEvent() {}
func (ProgressEvent) engineEvent()        {}
func (StateChangedEvent) engineEvent()    {}
func (CompletedEvent) engineEvent()       {}
func (MetadataUpdatedEvent) engineEvent() {}
func (ResumeDataEvent) engineEvent()      {}
func (ErrorEvent) engineEvent()           {}
