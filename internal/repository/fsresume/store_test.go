package fsresume

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"torrentcore/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "resume"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, s.EnsureInitialized(context.Background()))
	return s
}

func sampleMetadata() domain.StoredTorrentMetadata {
	return domain.StoredTorrentMetadata{
		Selection: domain.FileSelection{
			Rules: domain.SelectionRules{
				Include:   []string{"*.mkv", "Extras/*"},
				Exclude:   []string{"*sample*"},
				SkipFluff: true,
			},
			Priorities: map[int]domain.FilePriority{0: domain.PriorityHigh, 3: domain.PrioritySkip},
		},
		DownloadDir: "/data/shows",
		Sequential:  true,
	}
}

func TestEnsureInitializedCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	s := New(dir, nil)
	require.NoError(t, s.EnsureInitialized(context.Background()))
	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
	require.NoError(t, s.EnsureInitialized(context.Background()))
}

func TestMetadataRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	stamp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return stamp }

	id := domain.NewTorrentID()
	md := sampleMetadata()
	require.NoError(t, s.WriteMetadata(ctx, id, md))
	require.NoError(t, s.WriteFastresume(ctx, id, []byte("d4:infod4:name3:abcee")))

	states, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)

	got := states[0]
	require.Equal(t, id, got.ID)
	require.True(t, got.Complete())
	require.Equal(t, []byte("d4:infod4:name3:abcee"), got.ResumeData)
	require.Equal(t, md.Selection, got.Metadata.Selection)
	require.Equal(t, md.DownloadDir, got.Metadata.DownloadDir)
	require.Equal(t, md.Sequential, got.Metadata.Sequential)
	require.True(t, got.Metadata.UpdatedAt.Equal(stamp))
}

func TestLoadAllReturnsPartialEntries(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	onlyResume := domain.NewTorrentID()
	onlyMeta := domain.NewTorrentID()
	require.NoError(t, s.WriteFastresume(ctx, onlyResume, []byte("blob")))
	require.NoError(t, s.WriteMetadata(ctx, onlyMeta, sampleMetadata()))

	states, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)

	byID := map[domain.TorrentID]domain.StoredTorrentState{}
	for _, st := range states {
		byID[st.ID] = st
	}
	require.Nil(t, byID[onlyResume].Metadata)
	require.Equal(t, []byte("blob"), byID[onlyResume].ResumeData)
	require.NotNil(t, byID[onlyMeta].Metadata)
	require.Empty(t, byID[onlyMeta].ResumeData)
}

func TestLoadAllReportsCorruptMetadataAndKeepsOthers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	good := domain.NewTorrentID()
	bad := domain.NewTorrentID()
	require.NoError(t, s.WriteMetadata(ctx, good, sampleMetadata()))
	require.NoError(t, s.WriteFastresume(ctx, bad, []byte("blob")))
	require.NoError(t, os.WriteFile(s.metadataPath(bad), []byte("{not json"), 0o644))

	states, err := s.LoadAll(ctx)
	require.Error(t, err)
	require.True(t, errors.Is(err, domain.ErrCorruptMetadata))
	require.Len(t, states, 2)
	for _, st := range states {
		if st.ID == bad {
			require.Nil(t, st.Metadata)
			require.Equal(t, []byte("blob"), st.ResumeData)
		}
	}
}

func TestLoadAllIgnoresForeignFiles(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "README"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "nope.fastresume"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), ".tmp-123"), []byte("x"), 0o644))

	states, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Empty(t, states)
}

func TestLoadAllMissingDirectoryIsEmpty(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "missing"), nil)
	states, err := s.LoadAll(context.Background())
	require.NoError(t, err)
	require.Empty(t, states)
}

func TestRemoveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id := domain.NewTorrentID()

	require.NoError(t, s.Remove(ctx, id))

	require.NoError(t, s.WriteFastresume(ctx, id, []byte("blob")))
	require.NoError(t, s.WriteMetadata(ctx, id, sampleMetadata()))
	require.NoError(t, s.Remove(ctx, id))
	require.NoError(t, s.Remove(ctx, id))

	states, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Empty(t, states)
}

func TestWriteFastresumeOverwrites(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id := domain.NewTorrentID()

	require.NoError(t, s.WriteFastresume(ctx, id, []byte("first")))
	require.NoError(t, s.WriteFastresume(ctx, id, []byte("second")))

	data, err := os.ReadFile(filepath.Join(s.Dir(), id.String()+ResumeSuffix))
	require.NoError(t, err)
	require.Equal(t, "second", string(data))
}
