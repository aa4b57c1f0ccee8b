package domain

import "time"

// StoredTorrentMetadata is the persisted, user-controlled configuration of a
// transfer. It is restored when the same id is admitted again.
type StoredTorrentMetadata struct {
	Selection   FileSelection `json:"selection"`
	DownloadDir string        `json:"downloadDir,omitempty"`
	Sequential  bool          `json:"sequential"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// StoredTorrentState is everything the resume store holds for one id.
// Either artifact may be missing.
type StoredTorrentState struct {
	ID         TorrentID
	ResumeData []byte
	Metadata   *StoredTorrentMetadata
}

func (s StoredTorrentState) Complete() bool {
	return len(s.ResumeData) > 0 && s.Metadata != nil
}
