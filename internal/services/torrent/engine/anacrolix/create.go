package anacrolix

import (
	"bytes"
	"context"
	"errors"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"

	"torrentcore/internal/domain"
)

const (
	defaultPieceLength = 256 << 10
	createdBy          = "torrentcore"
)

// CreateTorrent hashes a file or directory into a new metainfo. It does not
// add the result; callers add it like any other source.
func (e *Engine) CreateTorrent(_ context.Context, req domain.CreateTorrentRequest) (domain.CreateTorrentResult, error) {
	const op = "create_torrent"
	if req.SourcePath == "" {
		return domain.CreateTorrentResult{}, domain.OperationFailed(op, nil, errors.New("empty source path"))
	}
	if req.PieceLength < 0 {
		return domain.CreateTorrentResult{}, domain.OperationFailed(op, nil, errors.New("piece length must not be negative"))
	}

	info := metainfo.Info{PieceLength: req.PieceLength}
	if info.PieceLength == 0 {
		info.PieceLength = defaultPieceLength
	}
	if req.Private {
		private := true
		info.Private = &private
	}
	if err := info.BuildFromFilePath(req.SourcePath); err != nil {
		return domain.CreateTorrentResult{}, domain.OperationFailed(op, nil, err)
	}
	infoBytes, err := bencode.Marshal(info)
	if err != nil {
		return domain.CreateTorrentResult{}, domain.OperationFailed(op, nil, err)
	}

	mi := metainfo.MetaInfo{
		InfoBytes:    infoBytes,
		Comment:      req.Comment,
		CreatedBy:    createdBy,
		CreationDate: e.now().Unix(),
		UrlList:      req.WebSeeds,
	}
	if len(req.Trackers) > 0 {
		mi.Announce = req.Trackers[0]
		mi.AnnounceList = [][]string{req.Trackers}
	}

	var buf bytes.Buffer
	if err := mi.Write(&buf); err != nil {
		return domain.CreateTorrentResult{}, domain.OperationFailed(op, nil, err)
	}

	hash := mi.HashInfoBytes()
	magnet := metainfo.Magnet{
		InfoHash:    hash,
		Trackers:    req.Trackers,
		DisplayName: info.Name,
	}
	return domain.CreateTorrentResult{
		Metainfo: buf.Bytes(),
		InfoHash: hash.HexString(),
		Magnet:   magnet.String(),
	}, nil
}
