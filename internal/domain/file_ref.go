package domain

// FileInfo describes one file inside a transfer once metadata is known.
type FileInfo struct {
	Index          int          `json:"index"`
	Path           string       `json:"path"`
	Length         int64        `json:"length"`
	BytesCompleted int64        `json:"bytesCompleted"`
	Priority       FilePriority `json:"priority,omitempty"`
}

// Progress is a point-in-time transfer counter sample.
type Progress struct {
	BytesCompleted int64 `json:"bytesCompleted"`
	BytesTotal     int64 `json:"bytesTotal"`
	DownloadRate   int64 `json:"downloadRate"`
	UploadRate     int64 `json:"uploadRate"`
	Peers          int   `json:"peers"`
}

// Ratio returns completion in the range [0, 1].
func (p Progress) Ratio() float64 {
	if p.BytesTotal <= 0 {
		return 0
	}
	r := float64(p.BytesCompleted) / float64(p.BytesTotal)
	if r > 1 {
		return 1
	}
	return r
}
