package anacrolix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/bencode"

	"torrentcore/internal/domain"
)

// resumeBlob is the bencoded fast-resume payload. Completed is a high-water
// bitfield, most significant bit first, kept so progress does not drop while
// the client re-verifies pieces after a restart.
type resumeBlob struct {
	Info      []byte   `bencode:"info,omitempty"`
	Trackers  []string `bencode:"trackers,omitempty"`
	WebSeeds  []string `bencode:"webseeds,omitempty"`
	NumPieces int      `bencode:"pieces,omitempty"`
	Completed []byte   `bencode:"completed,omitempty"`
}

func encodeResume(b resumeBlob) ([]byte, error) {
	return bencode.Marshal(b)
}

func decodeResume(data []byte) (resumeBlob, error) {
	var b resumeBlob
	if len(data) == 0 {
		return b, errors.New("empty resume data")
	}
	if err := bencode.Unmarshal(data, &b); err != nil {
		return b, fmt.Errorf("decode resume data: %w", err)
	}
	if b.NumPieces < 0 || len(b.Completed) > (b.NumPieces+7)/8 {
		return b, errors.New("resume bitfield does not match piece count")
	}
	return b, nil
}

// LoadFastresume seeds a freshly added transfer with stored info, trackers,
// web seeds and the completion high-water mark.
func (e *Engine) LoadFastresume(_ context.Context, id domain.TorrentID, data []byte) error {
	const op = "load_fastresume"
	blob, err := decodeResume(data)
	if err != nil {
		return domain.OperationFailed(op, &id, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tr, err := e.lookupLocked(id)
	if err != nil {
		return err
	}
	if len(blob.Info) > 0 && !torrentInfoReady(tr.t) {
		if err := tr.t.SetInfoBytes(blob.Info); err != nil {
			return domain.OperationFailed(op, &id, err)
		}
	}
	if added := missing(tr.trackers, blob.Trackers); len(added) > 0 {
		tr.t.AddTrackers([][]string{added})
		tr.trackers = append(tr.trackers, added...)
	}
	if added := missing(tr.webSeeds, blob.WebSeeds); len(added) > 0 {
		tr.t.AddWebSeeds(added)
		tr.webSeeds = append(tr.webSeeds, added...)
	}
	tr.peakBitfield = mergeBitfield(tr.peakBitfield, blob.Completed)
	return nil
}

func missing(have, want []string) []string {
	var out []string
	for _, u := range want {
		if u != "" && !slices.Contains(have, u) && !slices.Contains(out, u) {
			out = append(out, u)
		}
	}
	return out
}

// emitResumeLocked queues resume data for transfers whose info is known.
func (e *Engine) emitResumeLocked(tr *transfer) {
	if !torrentInfoReady(tr.t) {
		return
	}
	numPieces, bitfield := pieceBitfield(tr.t)
	tr.peakBitfield = mergeBitfield(tr.peakBitfield, bitfield)

	data, err := encodeResume(resumeBlob{
		Info:      tr.t.Metainfo().InfoBytes,
		Trackers:  slices.Clone(tr.trackers),
		WebSeeds:  slices.Clone(tr.webSeeds),
		NumPieces: numPieces,
		Completed: slices.Clone(tr.peakBitfield),
	})
	if err != nil {
		e.logger.Warn("encode resume data",
			slog.String("torrentId", tr.id.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	tr.lastResumeAt = e.now()
	tr.resumeDirty = false
	e.emitLocked(domain.ResumeDataEvent{ID: tr.id, Data: data})
}

// pieceBitfield returns the piece count and completion bitfield.
func pieceBitfield(t *torrent.Torrent) (int, []byte) {
	if !torrentInfoReady(t) {
		return 0, nil
	}
	n := t.NumPieces()
	if n <= 0 {
		return 0, nil
	}
	buf := make([]byte, (n+7)/8)
	for i := 0; i < n; i++ {
		if t.PieceState(i).Complete {
			setBit(buf, i)
		}
	}
	return n, buf
}

func setBit(buf []byte, i int) {
	buf[i/8] |= 1 << (7 - uint(i%8))
}

// mergeBitfield ORs raw into peak, growing peak as needed. Once a piece has
// been seen complete it stays complete.
func mergeBitfield(peak, raw []byte) []byte {
	if len(peak) < len(raw) {
		extended := make([]byte, len(raw))
		copy(extended, peak)
		peak = extended
	}
	for i, b := range raw {
		peak[i] |= b
	}
	return peak
}

func countBits(buf []byte) int {
	n := 0
	for _, b := range buf {
		for ; b != 0; b &= b - 1 {
			n++
		}
	}
	return n
}
