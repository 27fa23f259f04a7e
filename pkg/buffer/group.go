package buffer

import (
	"github.com/dd0wney/cluso-pixmem/pkg/lifetime"
)

// Group is a typed buffer split across several equally sized blocks that
// are rented and returned together.
type Group[T any] struct {
	guard  *lifetime.Guard
	pieces [][]T
	total  int
}

// NewGroup builds views over the guard's blocks. Each block holds up to
// perPiece elements; the last piece holds the remainder of total.
func NewGroup[T any](g *lifetime.Guard, total, perPiece, alignment int) (*Group[T], error) {
	if err := CheckElementType[T](); err != nil {
		return nil, err
	}

	blocks := blocksOf(g.Storage())
	grp := &Group[T]{guard: g, total: total, pieces: make([][]T, 0, len(blocks))}
	remaining := total
	for _, b := range blocks {
		n := min(perPiece, remaining)
		piece, err := view[T](b, n, alignment)
		if err != nil {
			return nil, err
		}
		grp.pieces = append(grp.pieces, piece)
		remaining -= n
	}
	if remaining > 0 {
		return nil, ErrTooSmall
	}
	return grp, nil
}

func blocksOf(s lifetime.Storage) [][]byte {
	if s.Kind != lifetime.KindNativeGroup {
		return [][]byte{s.Bytes()}
	}
	out := make([][]byte, len(s.Natives))
	for i, h := range s.Natives {
		out[i] = h.Bytes()
	}
	return out
}

// Len returns the total number of elements.
func (g *Group[T]) Len() int { return g.total }

// Count returns the number of pieces.
func (g *Group[T]) Count() int { return len(g.pieces) }

// Piece returns the elements of piece i. It panics with ErrDisposed after
// Dispose.
func (g *Group[T]) Piece(i int) []T {
	if g.guard.IsDisposed() {
		panic(ErrDisposed)
	}
	return g.pieces[i]
}

// Pieces returns every piece in order. It panics with ErrDisposed after
// Dispose.
func (g *Group[T]) Pieces() [][]T {
	if g.guard.IsDisposed() {
		panic(ErrDisposed)
	}
	return g.pieces
}

// IsDisposed reports whether Dispose was called.
func (g *Group[T]) IsDisposed() bool { return g.guard.IsDisposed() }

// Dispose returns every block to its pool. It is safe to call more than
// once.
func (g *Group[T]) Dispose() { g.guard.Dispose() }
