package worker

import (
	"fmt"

	"torrentcore/internal/domain"
)

type reconciliation struct {
	group  string
	reason string
}

// reconcile merges stored metadata into an add request. Stored values win.
// Empty request fields adopt them silently; explicit conflicting values are
// overridden and reported.
func reconcile(req domain.AddTorrentRequest, stored *domain.StoredTorrentMetadata) (domain.AddTorrentRequest, []reconciliation) {
	if stored == nil {
		return req, nil
	}

	var out []reconciliation
	effective := req

	sel := stored.Selection.Clone()
	if req.Selection != nil && !req.Selection.Equal(stored.Selection) {
		out = append(out, reconciliation{
			group:  "selection",
			reason: "requested selection differs from stored selection",
		})
	}
	effective.Selection = &sel

	sequential := stored.Sequential
	if req.Sequential != nil && *req.Sequential != stored.Sequential {
		out = append(out, reconciliation{
			group:  "sequential",
			reason: fmt.Sprintf("requested sequential=%t, stored sequential=%t", *req.Sequential, stored.Sequential),
		})
	}
	effective.Sequential = &sequential

	if stored.DownloadDir != "" {
		if req.DownloadDir != "" && req.DownloadDir != stored.DownloadDir {
			out = append(out, reconciliation{
				group:  "download_dir",
				reason: fmt.Sprintf("requested %q, stored %q", req.DownloadDir, stored.DownloadDir),
			})
		}
		effective.DownloadDir = stored.DownloadDir
	}

	return effective, out
}
