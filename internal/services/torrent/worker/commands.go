package worker

import (
	"torrentcore/internal/app"
	"torrentcore/internal/domain"
)

// command is one unit of work for the worker loop.
type command interface {
	name() string
}

type addCmd struct {
	req domain.AddTorrentRequest
}

type removeCmd struct {
	id       domain.TorrentID
	withData bool
}

type pauseCmd struct{ id domain.TorrentID }

type resumeCmd struct{ id domain.TorrentID }

type setSequentialCmd struct {
	id         domain.TorrentID
	sequential bool
}

// updateLimitsCmd targets the whole client when id is nil.
type updateLimitsCmd struct {
	id     *domain.TorrentID
	limits domain.Limits
}

type updateSelectionCmd struct {
	id        domain.TorrentID
	selection domain.FileSelection
}

type updateOptionsCmd struct {
	id      domain.TorrentID
	options domain.TorrentOptions
}

type updateTrackersCmd struct {
	id     domain.TorrentID
	update domain.TrackerUpdate
}

type updateWebSeedsCmd struct {
	id     domain.TorrentID
	update domain.WebSeedUpdate
}

type setPieceDeadlineCmd struct {
	id       domain.TorrentID
	deadline domain.PieceDeadline
}

type reannounceCmd struct{ id domain.TorrentID }

type moveStorageCmd struct {
	id  domain.TorrentID
	dir string
}

type recheckCmd struct{ id domain.TorrentID }

type createResult struct {
	result domain.CreateTorrentResult
	err    error
}

type createTorrentCmd struct {
	req   domain.CreateTorrentRequest
	reply chan createResult
}

type peersResult struct {
	peers []domain.PeerInfo
	err   error
}

type queryPeersCmd struct {
	id    domain.TorrentID
	reply chan peersResult
}

type applyConfigCmd struct {
	cfg   app.RuntimeConfig
	reply chan error
}

func (addCmd) name() string              { return "add" }
func (removeCmd) name() string           { return "remove" }
func (pauseCmd) name() string            { return "pause" }
func (resumeCmd) name() string           { return "resume" }
func (setSequentialCmd) name() string    { return "set_sequential" }
func (updateLimitsCmd) name() string     { return "update_limits" }
func (updateSelectionCmd) name() string  { return "update_selection" }
func (updateOptionsCmd) name() string    { return "update_options" }
func (updateTrackersCmd) name() string   { return "update_trackers" }
func (updateWebSeedsCmd) name() string   { return "update_web_seeds" }
func (setPieceDeadlineCmd) name() string { return "set_piece_deadline" }
func (reannounceCmd) name() string       { return "reannounce" }
func (moveStorageCmd) name() string      { return "move_storage" }
func (recheckCmd) name() string          { return "recheck" }
func (createTorrentCmd) name() string    { return "create_torrent" }
func (queryPeersCmd) name() string       { return "query_peers" }
func (applyConfigCmd) name() string      { return "apply_config" }

// target returns the transfer a command addresses, if any.
func target(cmd command) (domain.TorrentID, bool) {
	switch c := cmd.(type) {
	case addCmd:
		return c.req.ID, true
	case removeCmd:
		return c.id, true
	case pauseCmd:
		return c.id, true
	case resumeCmd:
		return c.id, true
	case setSequentialCmd:
		return c.id, true
	case updateLimitsCmd:
		if c.id != nil {
			return *c.id, true
		}
	case updateSelectionCmd:
		return c.id, true
	case updateOptionsCmd:
		return c.id, true
	case updateTrackersCmd:
		return c.id, true
	case updateWebSeedsCmd:
		return c.id, true
	case setPieceDeadlineCmd:
		return c.id, true
	case reannounceCmd:
		return c.id, true
	case moveStorageCmd:
		return c.id, true
	case recheckCmd:
		return c.id, true
	case queryPeersCmd:
		return c.id, true
	}
	return domain.TorrentID{}, false
}

// isQuery reports whether the caller waits for the command's result.
func isQuery(cmd command) bool {
	switch cmd.(type) {
	case createTorrentCmd, queryPeersCmd, applyConfigCmd:
		return true
	}
	return false
}
