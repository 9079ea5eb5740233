// Package codec encodes and decodes the binary update frames exchanged
// between editors and the sync server.
//
// Frames use the protobuf wire format without generated code:
//
//	Frame   { 1: version; 2: repeated Insert; 3: repeated CharID (deletes) }
//	Insert  { 1: CharID; 2: value; 3: repeated Ident (position) }
//	CharID  { 1: clock; 2: peer }
//	Ident   { 1: digit; 2: peer }
//
// A full document snapshot is a Frame holding every live character and
// every tombstone, so it can initialize a fresh replica on its own.
package codec

// Version is the only frame version this package reads and writes.
const Version = 1

// CharID is a globally unique identifier for a character, combining a
// logical clock and the ID of the peer that created it.
type CharID struct {
	Clock uint64
	Peer  string
}

// Ident is one level of a position identifier.
type Ident struct {
	Digit uint32
	Peer  string
}

// Char is a single character in the sequence. Position determines its
// place in the document.
type Char struct {
	ID       CharID
	Value    string
	Position []Ident
}

// Frame is a batch of operations. An empty frame is a valid no-op.
type Frame struct {
	Inserts []Char
	Deletes []CharID
}

// StateVector maps a peer to the highest clock seen from it.
type StateVector map[string]uint64
