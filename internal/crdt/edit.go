package crdt

import (
	"collabtext/internal/codec"
)

// Insert inserts text before the index-th visible character, one character
// per rune, applies it locally and returns the update frame for peers.
// index is clamped to the document bounds.
func (r *Replica) Insert(index int, text string) []byte {
	index = max(0, min(index, len(r.chars)))
	var lo, hi []codec.Ident
	if index > 0 {
		lo = r.chars[index-1].Position
	}
	if index < len(r.chars) {
		hi = r.chars[index].Position
	}
	var f codec.Frame
	for _, ch := range text {
		r.clock++
		pos := between(lo, hi, r.peer)
		f.Inserts = append(f.Inserts, codec.Char{
			ID:       codec.CharID{Clock: r.clock, Peer: r.peer},
			Value:    string(ch),
			Position: pos,
		})
		lo = pos
	}
	r.apply(f)
	return codec.EncodeFrame(f)
}

// Delete removes up to n visible characters starting at index, applies it
// locally and returns the update frame for peers.
func (r *Replica) Delete(index, n int) []byte {
	var f codec.Frame
	for i := index; i < index+n && i >= 0 && i < len(r.chars); i++ {
		f.Deletes = append(f.Deletes, r.chars[i].ID)
	}
	r.apply(f)
	return codec.EncodeFrame(f)
}
