package fsresume

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"torrentcore/internal/domain"
	"torrentcore/internal/metrics"
)

const (
	ResumeSuffix   = ".fastresume"
	MetadataSuffix = ".meta.json"

	dirPerm  = 0o755
	filePerm = 0o644
)

// Store keeps one resume blob and one metadata document per transfer id as
// sibling files in a single directory.
type Store struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

func New(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, logger: logger, now: time.Now}
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) EnsureInitialized(_ context.Context) error {
	if err := os.MkdirAll(s.dir, dirPerm); err != nil {
		return fmt.Errorf("create resume dir %s: %w", s.dir, err)
	}
	return nil
}

func (s *Store) WriteFastresume(_ context.Context, id domain.TorrentID, data []byte) error {
	err := s.writeAtomic(s.resumePath(id), data)
	observe("write_fastresume", err)
	if err != nil {
		return fmt.Errorf("write fastresume %s: %w", id, err)
	}
	return nil
}

func (s *Store) WriteMetadata(_ context.Context, id domain.TorrentID, md domain.StoredTorrentMetadata) error {
	md.UpdatedAt = s.now().UTC()
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata %s: %w", id, err)
	}
	err = s.writeAtomic(s.metadataPath(id), data)
	observe("write_metadata", err)
	if err != nil {
		return fmt.Errorf("write metadata %s: %w", id, err)
	}
	return nil
}

func (s *Store) Remove(_ context.Context, id domain.TorrentID) error {
	var errs []error
	for _, p := range []string{s.resumePath(id), s.metadataPath(id)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	observe("remove", err)
	if err != nil {
		return fmt.Errorf("remove resume entry %s: %w", id, err)
	}
	return nil
}

// LoadAll reads every entry in the directory. Entries with only one artifact
// are returned as partial states. Per-entry read or parse failures are joined
// into the returned error while the remaining entries are still returned.
func (s *Store) LoadAll(_ context.Context) ([]domain.StoredTorrentState, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		observe("load_all", err)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read resume dir %s: %w", s.dir, err)
	}

	states := make(map[domain.TorrentID]*domain.StoredTorrentState)
	get := func(id domain.TorrentID) *domain.StoredTorrentState {
		st, ok := states[id]
		if !ok {
			st = &domain.StoredTorrentState{ID: id}
			states[id] = st
		}
		return st
	}

	var errs []error
	for _, entry := range dirEntries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		id, suffix, ok := splitName(name)
		if !ok {
			continue
		}
		full := filepath.Join(s.dir, name)

		switch suffix {
		case ResumeSuffix:
			data, err := os.ReadFile(full)
			if err != nil {
				errs = append(errs, fmt.Errorf("read %s: %w", name, err))
				get(id)
				continue
			}
			get(id).ResumeData = data
		case MetadataSuffix:
			md, err := readMetadata(full)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				get(id)
				continue
			}
			get(id).Metadata = md
		}
	}

	out := make([]domain.StoredTorrentState, 0, len(states))
	for _, st := range states {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() < out[j].ID.String()
	})

	loadErr := errors.Join(errs...)
	observe("load_all", loadErr)
	return out, loadErr
}

func (s *Store) resumePath(id domain.TorrentID) string {
	return filepath.Join(s.dir, id.String()+ResumeSuffix)
}

func (s *Store) metadataPath(id domain.TorrentID) string {
	return filepath.Join(s.dir, id.String()+MetadataSuffix)
}

func (s *Store) writeAtomic(path string, data []byte) error {
	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(filePerm))
	if err != nil {
		return fmt.Errorf("create pending file: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			s.logger.Debug("cleanup pending resume file",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}
	}()

	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("write pending file: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace: %w", err)
	}
	return nil
}

func readMetadata(path string) (*domain.StoredTorrentMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	var md domain.StoredTorrentMetadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCorruptMetadata, err)
	}
	return &md, nil
}

func splitName(name string) (domain.TorrentID, string, bool) {
	for _, suffix := range []string{ResumeSuffix, MetadataSuffix} {
		if base, ok := strings.CutSuffix(name, suffix); ok {
			id, err := domain.ParseTorrentID(base)
			if err != nil {
				return domain.TorrentID{}, "", false
			}
			return id, suffix, true
		}
	}
	return domain.TorrentID{}, "", false
}

func observe(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.ResumeStoreOpsTotal.WithLabelValues(op, result).Inc()
}
