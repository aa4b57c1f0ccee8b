package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TorrentSource is exactly one of a magnet URI or raw metainfo bytes.
type TorrentSource struct {
	Magnet   string `json:"magnet,omitempty"`
	Metainfo []byte `json:"metainfo,omitempty"`
}

func (s TorrentSource) Validate() error {
	hasMagnet := strings.TrimSpace(s.Magnet) != ""
	hasMetainfo := len(s.Metainfo) > 0
	if hasMagnet == hasMetainfo {
		return fmt.Errorf("%w: exactly one of magnet or metainfo is required", ErrInvalidRequest)
	}
	return nil
}

// AddTorrentRequest admits a transfer. Nil optional fields mean "engine
// default" and are subject to reconciliation with stored metadata.
type AddTorrentRequest struct {
	ID          TorrentID      `json:"id"`
	Source      TorrentSource  `json:"source"`
	Name        string         `json:"name,omitempty"`
	DownloadDir string         `json:"downloadDir,omitempty"`
	Sequential  *bool          `json:"sequential,omitempty"`
	Selection   *FileSelection `json:"selection,omitempty"`
	Paused      bool           `json:"paused,omitempty"`
	SeedMode    bool           `json:"seedMode,omitempty"`
	Trackers    []string       `json:"trackers,omitempty"`
	WebSeeds    []string       `json:"webSeeds,omitempty"`
}

func (r AddTorrentRequest) Validate() error {
	if r.ID.IsZero() {
		return fmt.Errorf("%w: torrent id is required", ErrInvalidRequest)
	}
	return r.Source.Validate()
}

// DisplayName returns the best known human name before metadata arrives.
func (r AddTorrentRequest) DisplayName() string {
	if name := strings.TrimSpace(r.Name); name != "" {
		return name
	}
	if dn := MagnetParam(r.Source.Magnet, "dn"); dn != "" {
		return dn
	}
	return InfoHashFromMagnet(r.Source.Magnet)
}

// Limits are byte-per-second caps. Zero means unlimited.
type Limits struct {
	DownloadBPS int64 `json:"downloadBps"`
	UploadBPS   int64 `json:"uploadBps"`
}

func (l Limits) Validate() error {
	if l.DownloadBPS < 0 || l.UploadBPS < 0 {
		return errors.New("limits must not be negative")
	}
	return nil
}

type TorrentOptions struct {
	MaxConnections *int `json:"maxConnections,omitempty"`
}

type TrackerUpdate struct {
	Trackers []string `json:"trackers"`
	Replace  bool     `json:"replace"`
}

type WebSeedUpdate struct {
	URLs    []string `json:"urls"`
	Replace bool     `json:"replace"`
}

// PieceDeadline asks the engine to have a piece within the given duration.
type PieceDeadline struct {
	Piece    int           `json:"piece"`
	Deadline time.Duration `json:"deadline"`
}

type CreateTorrentRequest struct {
	SourcePath  string   `json:"sourcePath"`
	Trackers    []string `json:"trackers,omitempty"`
	WebSeeds    []string `json:"webSeeds,omitempty"`
	Comment     string   `json:"comment,omitempty"`
	Private     bool     `json:"private,omitempty"`
	PieceLength int64    `json:"pieceLength,omitempty"`
}

type CreateTorrentResult struct {
	Metainfo []byte `json:"metainfo"`
	InfoHash string `json:"infoHash"`
	Magnet   string `json:"magnet"`
}

type PeerInfo struct {
	Addr     string  `json:"addr"`
	Network  string  `json:"network,omitempty"`
	Client   string  `json:"client,omitempty"`
	Progress float64 `json:"progress"`
}

// InfoHashFromMagnet extracts the btih value of a magnet URI, or "".
func InfoHashFromMagnet(magnet string) string {
	magnet = strings.TrimSpace(magnet)
	if magnet == "" {
		return ""
	}

	lower := strings.ToLower(magnet)
	idx := strings.Index(lower, "xt=urn:btih:")
	if idx == -1 {
		return ""
	}

	rest := magnet[idx+len("xt=urn:btih:"):]
	if end := strings.Index(rest, "&"); end != -1 {
		rest = rest[:end]
	}
	return strings.ToLower(rest)
}

// MagnetParam returns the first raw value of a magnet query parameter.
func MagnetParam(magnet, key string) string {
	_, query, ok := strings.Cut(magnet, "?")
	if !ok {
		return ""
	}
	for _, part := range strings.Split(query, "&") {
		k, v, _ := strings.Cut(part, "=")
		if strings.EqualFold(k, key) {
			return strings.ReplaceAll(v, "+", " ")
		}
	}
	return ""
}
