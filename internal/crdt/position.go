package crdt

import (
	"cmp"
	"strings"

	"collabtext/internal/codec"
)

const (
	// base bounds the digits at each position level.
	base = 1 << 16
	// maxStep caps how far past the left neighbour a new digit lands, which
	// leaves room for later inserts when typing at the end.
	maxStep = 32
)

func compareIdent(a, b codec.Ident) int {
	if c := cmp.Compare(a.Digit, b.Digit); c != 0 {
		return c
	}
	return strings.Compare(a.Peer, b.Peer)
}

func comparePosition(a, b []codec.Ident) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := compareIdent(a[i], b[i]); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(a), len(b))
}

func compareID(a, b codec.CharID) int {
	if c := strings.Compare(a.Peer, b.Peer); c != 0 {
		return c
	}
	return cmp.Compare(a.Clock, b.Clock)
}

// compareChar is the document order.
func compareChar(a, b codec.Char) int {
	if c := comparePosition(a.Position, b.Position); c != 0 {
		return c
	}
	return compareID(a.ID, b.ID)
}

func compareContent(a, b codec.Char) int {
	if c := compareChar(a, b); c != 0 {
		return c
	}
	return strings.Compare(a.Value, b.Value)
}

// between allocates a position strictly between lo and hi for peer. A nil
// lo means the document start, a nil hi the document end.
func between(lo, hi []codec.Ident, peer string) []codec.Ident {
	var pos []codec.Ident
	bounded := hi != nil
	for i := 0; ; i++ {
		var l codec.Ident
		if i < len(lo) {
			l = lo[i]
		}
		h := codec.Ident{Digit: base}
		if bounded && i < len(hi) {
			h = hi[i]
		}
		if h.Digit > l.Digit+1 {
			step := min(h.Digit-l.Digit-1, maxStep)
			return append(pos, codec.Ident{Digit: l.Digit + 1 + step/2, Peer: peer})
		}
		pos = append(pos, l)
		if bounded && compareIdent(l, h) < 0 {
			bounded = false
		}
	}
}
