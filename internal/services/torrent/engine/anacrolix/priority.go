package anacrolix

import (
	"log/slog"
	"time"

	"github.com/anacrolix/torrent"

	"torrentcore/internal/domain"
)

// urgentDeadline is the cutoff under which a piece deadline asks for the
// piece now rather than next.
const urgentDeadline = 2 * time.Second

// mapPriority maps file priorities onto the client's piece priorities.
// The client has no low priority, so low and normal share one level.
func mapPriority(prio domain.FilePriority) torrent.PiecePriority {
	switch prio {
	case domain.PrioritySkip:
		return torrent.PiecePriorityNone
	case domain.PriorityHigh:
		return torrent.PiecePriorityHigh
	default:
		return torrent.PiecePriorityNormal
	}
}

func deadlinePriority(d time.Duration) torrent.PiecePriority {
	if d <= urgentDeadline {
		return torrent.PiecePriorityNow
	}
	return torrent.PiecePriorityNext
}

// applyPriorities pushes the selection onto file priorities and rebuilds the
// sequential window. It is a no-op until metadata arrives.
func (e *Engine) applyPriorities(tr *transfer) {
	if !torrentInfoReady(tr.t) {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Warn("applyPriorities recovered from panic",
				slog.Any("panic", rec),
				slog.String("torrentId", tr.id.String()),
			)
		}
	}()

	for i, f := range tr.t.Files() {
		f.SetPriority(mapPriority(tr.selection.Priority(i, f.Path())))
	}
	if !tr.sequential {
		e.clearWindow(tr)
		return
	}
	e.advanceWindow(tr)
}

// advanceWindow keeps the first sequentialWindow wanted, incomplete pieces at
// next priority. Pieces that leave the window fall back to their file
// priority.
func (e *Engine) advanceWindow(tr *transfer) {
	t := tr.t
	wanted := wantedPieces(t, tr.selection)
	next := nextWindow(t.NumPieces(), sequentialWindow, func(i int) bool {
		return wanted[i]
	}, func(i int) bool {
		return t.PieceState(i).Complete
	})

	inNext := make(map[int]struct{}, len(next))
	for _, i := range next {
		inNext[i] = struct{}{}
	}
	for _, i := range tr.window {
		if _, keep := inNext[i]; !keep {
			if _, pinned := tr.deadlines[i]; !pinned {
				t.Piece(i).SetPriority(torrent.PiecePriorityNone)
			}
		}
	}
	for _, i := range next {
		if _, pinned := tr.deadlines[i]; !pinned {
			t.Piece(i).SetPriority(torrent.PiecePriorityNext)
		}
	}
	tr.window = next
}

func (e *Engine) clearWindow(tr *transfer) {
	for _, i := range tr.window {
		if _, pinned := tr.deadlines[i]; !pinned {
			tr.t.Piece(i).SetPriority(torrent.PiecePriorityNone)
		}
	}
	tr.window = nil
}

// expireDeadlines drops deadlines that are met or past due.
func (e *Engine) expireDeadlines(tr *transfer, now time.Time) {
	for piece, at := range tr.deadlines {
		if !tr.t.PieceState(piece).Complete && now.Before(at) {
			continue
		}
		delete(tr.deadlines, piece)
		if !containsPiece(tr.window, piece) {
			tr.t.Piece(piece).SetPriority(torrent.PiecePriorityNone)
		}
	}
}

func wantedPieces(t *torrent.Torrent, sel domain.FileSelection) []bool {
	wanted := make([]bool, t.NumPieces())
	for i, f := range t.Files() {
		if sel.Priority(i, f.Path()) == domain.PrioritySkip || f.Length() == 0 {
			continue
		}
		for p := f.BeginPieceIndex(); p < f.EndPieceIndex() && p < len(wanted); p++ {
			wanted[p] = true
		}
	}
	return wanted
}

// nextWindow lists up to size pieces, lowest index first, that are wanted
// and not yet complete.
func nextWindow(numPieces, size int, wanted, complete func(int) bool) []int {
	out := make([]int, 0, size)
	for i := 0; i < numPieces && len(out) < size; i++ {
		if wanted(i) && !complete(i) {
			out = append(out, i)
		}
	}
	return out
}

func containsPiece(pieces []int, piece int) bool {
	for _, p := range pieces {
		if p == piece {
			return true
		}
	}
	return false
}
