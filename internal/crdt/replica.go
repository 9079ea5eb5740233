// Package crdt implements the merge engine: a Logoot-style sequence CRDT
// whose merge is commutative, associative and idempotent.
//
// Characters are ordered by their position identifier; characters with
// equal positions are ordered by peer, then clock. Deletes leave
// tombstones so a delete that arrives before its insert still wins.
package crdt

import (
	"slices"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"collabtext/internal/codec"
)

var (
	// ErrMalformedFrame is returned by Apply for bytes that do not decode
	// as an update frame.
	ErrMalformedFrame = errors.New("malformed update frame")

	// ErrCorruptState is returned by Load for persisted bytes that do not
	// decode as a snapshot.
	ErrCorruptState = errors.New("corrupt document state")
)

// Effect describes what an applied frame changed.
type Effect struct {
	Inserted int
	Deleted  int
}

// Changed reports whether the replica state changed.
func (e Effect) Changed() bool {
	return e.Inserted > 0 || e.Deleted > 0
}

// Replica is one copy of a document. It is not safe for concurrent use.
type Replica struct {
	peer       string
	clock      uint64
	chars      []codec.Char // live characters in document order
	live       map[codec.CharID]codec.Char
	tombstones map[codec.CharID]struct{}
	vector     codec.StateVector
}

// NewReplica returns an empty replica. peer identifies the replica when it
// generates local edits; server-side replicas that only merge may use "".
func NewReplica(peer string) *Replica {
	return &Replica{
		peer:       peer,
		live:       make(map[codec.CharID]codec.Char),
		tombstones: make(map[codec.CharID]struct{}),
		vector:     make(codec.StateVector),
	}
}

// Load initializes a replica from a snapshot produced by EncodeState.
// Empty input yields an empty replica. On ErrCorruptState the returned
// replica is empty and usable.
func Load(state []byte) (*Replica, error) {
	r := NewReplica("")
	if len(state) == 0 {
		return r, nil
	}
	f, err := codec.DecodeFrame(state)
	if err != nil {
		return r, errors.Wrap(ErrCorruptState, err.Error())
	}
	r.apply(f)
	return r, nil
}

// Apply validates frame and merges it. A malformed frame leaves the
// replica untouched.
func (r *Replica) Apply(frame []byte) (Effect, error) {
	f, err := codec.DecodeFrame(frame)
	if err != nil {
		return Effect{}, errors.Wrap(ErrMalformedFrame, err.Error())
	}
	return r.apply(f), nil
}

func (r *Replica) apply(f codec.Frame) Effect {
	var eff Effect
	for _, id := range f.Deletes {
		r.observe(id)
		if _, dead := r.tombstones[id]; dead {
			continue
		}
		r.tombstones[id] = struct{}{}
		if c, ok := r.live[id]; ok {
			r.remove(c)
			delete(r.live, id)
		}
		eff.Deleted++
	}
	for _, c := range f.Inserts {
		r.observe(c.ID)
		if _, dead := r.tombstones[c.ID]; dead {
			continue
		}
		if old, ok := r.live[c.ID]; ok {
			// Same id with different content: keep the lesser so every
			// replica picks the same one.
			if compareContent(c, old) >= 0 {
				continue
			}
			r.remove(old)
		}
		r.insert(c)
		r.live[c.ID] = c
		eff.Inserted++
	}
	return eff
}

func (r *Replica) observe(id codec.CharID) {
	if id.Clock > r.vector[id.Peer] {
		r.vector[id.Peer] = id.Clock
	}
	if id.Peer == r.peer && id.Clock > r.clock {
		r.clock = id.Clock
	}
}

func (r *Replica) search(c codec.Char) int {
	return sort.Search(len(r.chars), func(i int) bool {
		return compareChar(r.chars[i], c) >= 0
	})
}

func (r *Replica) insert(c codec.Char) {
	r.chars = slices.Insert(r.chars, r.search(c), c)
}

func (r *Replica) remove(c codec.Char) {
	i := r.search(c)
	if i < len(r.chars) && r.chars[i].ID == c.ID {
		r.chars = slices.Delete(r.chars, i, i+1)
	}
}

// EncodeState returns a self-contained snapshot. Replicas holding the same
// set of operations produce identical bytes.
func (r *Replica) EncodeState() []byte {
	return codec.EncodeFrame(codec.Frame{
		Inserts: slices.Clone(r.chars),
		Deletes: r.sortedTombstones(),
	})
}

// EncodeDiff returns a frame with every insert the remote replica described
// by stateVector has not seen, plus all tombstones. It assumes the remote
// saw each peer's operations up to its recorded clock without gaps.
func (r *Replica) EncodeDiff(stateVector []byte) ([]byte, error) {
	sv, err := codec.DecodeStateVector(stateVector)
	if err != nil {
		return nil, errors.Wrap(ErrMalformedFrame, err.Error())
	}
	f := codec.Frame{Deletes: r.sortedTombstones()}
	for _, c := range r.chars {
		if c.ID.Clock > sv[c.ID.Peer] {
			f.Inserts = append(f.Inserts, c)
		}
	}
	return codec.EncodeFrame(f), nil
}

// StateVector returns the encoded summary of operations seen per peer.
func (r *Replica) StateVector() []byte {
	return codec.EncodeStateVector(r.vector)
}

// Text returns the visible document content.
func (r *Replica) Text() string {
	var sb strings.Builder
	for _, c := range r.chars {
		sb.WriteString(c.Value)
	}
	return sb.String()
}

// Len returns the number of visible characters.
func (r *Replica) Len() int {
	return len(r.chars)
}

func (r *Replica) sortedTombstones() []codec.CharID {
	ids := make([]codec.CharID, 0, len(r.tombstones))
	for id := range r.tombstones {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, compareID)
	return ids
}
