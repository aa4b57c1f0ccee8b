package apihttp

import (
	"context"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"torrentcore/internal/domain"
)

// Engine calls that wait for a reply are capped so a stalled worker never
// pins a request forever.
const replyTimeout = 30 * time.Second

type addTorrentJSON struct {
	ID          string                `json:"id,omitempty"`
	Magnet      string                `json:"magnet,omitempty"`
	Metainfo    []byte                `json:"metainfo,omitempty"`
	Name        string                `json:"name,omitempty"`
	DownloadDir string                `json:"downloadDir,omitempty"`
	Sequential  *bool                 `json:"sequential,omitempty"`
	Selection   *domain.FileSelection `json:"selection,omitempty"`
	Paused      bool                  `json:"paused,omitempty"`
	SeedMode    bool                  `json:"seedMode,omitempty"`
	Trackers    []string              `json:"trackers,omitempty"`
	WebSeeds    []string              `json:"webSeeds,omitempty"`
}

type acceptedResponse struct {
	ID domain.TorrentID `json:"id"`
}

func (s *Server) handleAddTorrent(w http.ResponseWriter, r *http.Request) {
	if !s.requireEngine(w) {
		return
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		mediaType = ""
	}

	var req domain.AddTorrentRequest
	switch mediaType {
	case "application/json":
		var body addTorrentJSON
		if !decodeJSON(w, r, &body) {
			return
		}
		req, err = body.toRequest()
	case "multipart/form-data":
		req, err = parseAddMultipart(r)
	default:
		writeError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "unsupported content type")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.ID.IsZero() {
		req.ID = domain.NewTorrentID()
	}

	id, err := s.engine.Add(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{ID: id})
}

func (b addTorrentJSON) toRequest() (domain.AddTorrentRequest, error) {
	req := domain.AddTorrentRequest{
		Source: domain.TorrentSource{
			Magnet:   strings.TrimSpace(b.Magnet),
			Metainfo: b.Metainfo,
		},
		Name:        strings.TrimSpace(b.Name),
		DownloadDir: strings.TrimSpace(b.DownloadDir),
		Sequential:  b.Sequential,
		Selection:   b.Selection,
		Paused:      b.Paused,
		SeedMode:    b.SeedMode,
		Trackers:    b.Trackers,
		WebSeeds:    b.WebSeeds,
	}
	if raw := strings.TrimSpace(b.ID); raw != "" {
		id, err := domain.ParseTorrentID(raw)
		if err != nil {
			return domain.AddTorrentRequest{}, err
		}
		req.ID = id
	}
	return req, nil
}

func parseAddMultipart(r *http.Request) (domain.AddTorrentRequest, error) {
	const maxMemory = 5 << 20
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		return domain.AddTorrentRequest{}, err
	}
	file, _, err := r.FormFile("torrent")
	if err != nil {
		return domain.AddTorrentRequest{}, err
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxBodyBytes))
	if err != nil {
		return domain.AddTorrentRequest{}, err
	}
	body := addTorrentJSON{
		ID:          r.FormValue("id"),
		Metainfo:    data,
		Name:        r.FormValue("name"),
		DownloadDir: r.FormValue("downloadDir"),
		Paused:      r.FormValue("paused") == "true",
		SeedMode:    r.FormValue("seedMode") == "true",
	}
	if raw := r.FormValue("sequential"); raw != "" {
		sequential := raw == "true"
		body.Sequential = &sequential
	}
	return body.toRequest()
}

func (s *Server) handleRemoveTorrent(w http.ResponseWriter, r *http.Request) {
	if !s.requireEngine(w) {
		return
	}
	id, ok := pathTorrentID(w, r)
	if !ok {
		return
	}
	withData := r.URL.Query().Get("deleteFiles") == "true"
	if err := s.engine.Remove(r.Context(), id, withData); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{ID: id})
}

type moveRequest struct {
	Dir string `json:"dir"`
}

func (s *Server) handleTorrentAction(w http.ResponseWriter, r *http.Request) {
	if !s.requireEngine(w) {
		return
	}
	id, ok := pathTorrentID(w, r)
	if !ok {
		return
	}

	var err error
	switch action := r.PathValue("action"); action {
	case "pause":
		err = s.engine.Pause(r.Context(), id)
	case "resume":
		err = s.engine.Resume(r.Context(), id)
	case "recheck":
		err = s.engine.Recheck(r.Context(), id)
	case "reannounce":
		err = s.engine.Reannounce(r.Context(), id)
	case "move":
		var body moveRequest
		if !decodeJSON(w, r, &body) {
			return
		}
		err = s.engine.MoveStorage(r.Context(), id, strings.TrimSpace(body.Dir))
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown action")
		return
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{ID: id})
}

type sequentialRequest struct {
	Sequential bool `json:"sequential"`
}

func (s *Server) handleSetSequential(w http.ResponseWriter, r *http.Request) {
	var body sequentialRequest
	s.torrentUpdate(w, r, &body, func(ctx context.Context, id domain.TorrentID) error {
		return s.engine.SetSequential(ctx, id, body.Sequential)
	})
}

func (s *Server) handleUpdateSelection(w http.ResponseWriter, r *http.Request) {
	var body domain.FileSelection
	s.torrentUpdate(w, r, &body, func(ctx context.Context, id domain.TorrentID) error {
		for index, priority := range body.Priorities {
			if _, err := domain.ParseFilePriority(string(priority)); err != nil || index < 0 {
				return invalidf("invalid priority for file %d", index)
			}
		}
		return s.engine.UpdateSelection(ctx, id, body)
	})
}

func (s *Server) handleUpdateLimits(w http.ResponseWriter, r *http.Request) {
	var body domain.Limits
	s.torrentUpdate(w, r, &body, func(ctx context.Context, id domain.TorrentID) error {
		return s.engine.UpdateLimits(ctx, &id, body)
	})
}

func (s *Server) handleUpdateOptions(w http.ResponseWriter, r *http.Request) {
	var body domain.TorrentOptions
	s.torrentUpdate(w, r, &body, func(ctx context.Context, id domain.TorrentID) error {
		if body.MaxConnections != nil && *body.MaxConnections < 0 {
			return invalidf("maxConnections must not be negative")
		}
		return s.engine.UpdateOptions(ctx, id, body)
	})
}

func (s *Server) handleUpdateTrackers(w http.ResponseWriter, r *http.Request) {
	var body domain.TrackerUpdate
	s.torrentUpdate(w, r, &body, func(ctx context.Context, id domain.TorrentID) error {
		return s.engine.UpdateTrackers(ctx, id, body)
	})
}

func (s *Server) handleUpdateWebSeeds(w http.ResponseWriter, r *http.Request) {
	var body domain.WebSeedUpdate
	s.torrentUpdate(w, r, &body, func(ctx context.Context, id domain.TorrentID) error {
		return s.engine.UpdateWebSeeds(ctx, id, body)
	})
}

type deadlineRequest struct {
	Piece      int   `json:"piece"`
	DeadlineMs int64 `json:"deadlineMs"`
}

func (s *Server) handleSetPieceDeadline(w http.ResponseWriter, r *http.Request) {
	var body deadlineRequest
	s.torrentUpdate(w, r, &body, func(ctx context.Context, id domain.TorrentID) error {
		if body.DeadlineMs < 0 {
			return invalidf("deadlineMs must not be negative")
		}
		return s.engine.SetPieceDeadline(ctx, id, domain.PieceDeadline{
			Piece:    body.Piece,
			Deadline: time.Duration(body.DeadlineMs) * time.Millisecond,
		})
	})
}

// torrentUpdate decodes body, resolves the path id and runs apply.
func (s *Server) torrentUpdate(w http.ResponseWriter, r *http.Request, body any, apply func(context.Context, domain.TorrentID) error) {
	if !s.requireEngine(w) {
		return
	}
	id, ok := pathTorrentID(w, r)
	if !ok {
		return
	}
	if !decodeJSON(w, r, body) {
		return
	}
	if err := apply(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{ID: id})
}

func (s *Server) handleUpdateGlobalLimits(w http.ResponseWriter, r *http.Request) {
	if !s.requireEngine(w) {
		return
	}
	var body domain.Limits
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := s.engine.UpdateLimits(r.Context(), nil, body); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if !s.requireEngine(w) {
		return
	}
	id, ok := pathTorrentID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), replyTimeout)
	defer cancel()

	peers, err := s.engine.QueryPeers(ctx, id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if peers == nil {
		peers = []domain.PeerInfo{}
	}
	writeJSON(w, http.StatusOK, peers)
}

func (s *Server) handleCreateTorrent(w http.ResponseWriter, r *http.Request) {
	if !s.requireEngine(w) {
		return
	}
	var body domain.CreateTorrentRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.SourcePath) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "sourcePath is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), replyTimeout)
	defer cancel()

	res, err := s.engine.CreateTorrent(ctx, body)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}
