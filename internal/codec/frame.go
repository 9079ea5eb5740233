package codec

import (
	"math"
	"sort"
	"unicode/utf8"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned for bytes that are not a well-formed frame.
var ErrMalformed = errors.New("malformed frame")

const (
	frameVersion protowire.Number = 1
	frameInsert  protowire.Number = 2
	frameDelete  protowire.Number = 3

	charID       protowire.Number = 1
	charValue    protowire.Number = 2
	charPosition protowire.Number = 3

	idClock protowire.Number = 1
	idPeer  protowire.Number = 2

	identDigit protowire.Number = 1
	identPeer  protowire.Number = 2

	entryPeer  protowire.Number = 1
	entryClock protowire.Number = 2

	vectorEntry protowire.Number = 1
)

// EncodeFrame returns the wire encoding of f.
func EncodeFrame(f Frame) []byte {
	b := protowire.AppendTag(nil, frameVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, Version)
	for _, c := range f.Inserts {
		b = protowire.AppendTag(b, frameInsert, protowire.BytesType)
		b = protowire.AppendBytes(b, appendChar(nil, c))
	}
	for _, id := range f.Deletes {
		b = protowire.AppendTag(b, frameDelete, protowire.BytesType)
		b = protowire.AppendBytes(b, appendCharID(nil, id))
	}
	return b
}

// DecodeFrame parses and validates a frame. Nothing is returned unless
// the whole input is well-formed.
func DecodeFrame(b []byte) (Frame, error) {
	var (
		f       Frame
		version uint64
		seen    bool
	)
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case frameVersion:
			v, n, err := consumeVarint(typ, b)
			version, seen = v, true
			return n, err
		case frameInsert:
			raw, n, err := consumeBytes(typ, b)
			if err != nil || n < 0 {
				return n, err
			}
			c, err := decodeChar(raw)
			if err != nil {
				return 0, err
			}
			f.Inserts = append(f.Inserts, c)
			return n, nil
		case frameDelete:
			raw, n, err := consumeBytes(typ, b)
			if err != nil || n < 0 {
				return n, err
			}
			id, err := decodeCharID(raw)
			if err != nil {
				return 0, err
			}
			f.Deletes = append(f.Deletes, id)
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return Frame{}, err
	}
	if !seen {
		return Frame{}, errors.Wrap(ErrMalformed, "missing version")
	}
	if version != Version {
		return Frame{}, errors.Wrapf(ErrMalformed, "unsupported version %d", version)
	}
	return f, nil
}

// EncodeStateVector returns the wire encoding of sv, with peers sorted so
// equal vectors encode identically.
func EncodeStateVector(sv StateVector) []byte {
	peers := make([]string, 0, len(sv))
	for p := range sv {
		peers = append(peers, p)
	}
	sort.Strings(peers)
	var b []byte
	for _, p := range peers {
		var e []byte
		e = protowire.AppendTag(e, entryPeer, protowire.BytesType)
		e = protowire.AppendString(e, p)
		e = protowire.AppendTag(e, entryClock, protowire.VarintType)
		e = protowire.AppendVarint(e, sv[p])
		b = protowire.AppendTag(b, vectorEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, e)
	}
	return b
}

// DecodeStateVector parses a state vector. Empty input is an empty vector.
func DecodeStateVector(b []byte) (StateVector, error) {
	sv := make(StateVector)
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != vectorEntry {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		raw, n, err := consumeBytes(typ, b)
		if err != nil || n < 0 {
			return n, err
		}
		var (
			peer  string
			clock uint64
		)
		err = walk(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case entryPeer:
				v, n, err := consumeBytes(typ, b)
				peer = string(v)
				return n, err
			case entryClock:
				v, n, err := consumeVarint(typ, b)
				clock = v
				return n, err
			default:
				return protowire.ConsumeFieldValue(num, typ, b), nil
			}
		})
		if err != nil {
			return 0, err
		}
		if peer == "" || !utf8.ValidString(peer) {
			return 0, errors.Wrap(ErrMalformed, "state vector entry without peer")
		}
		if clock > sv[peer] {
			sv[peer] = clock
		}
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return sv, nil
}

func appendCharID(b []byte, id CharID) []byte {
	b = protowire.AppendTag(b, idClock, protowire.VarintType)
	b = protowire.AppendVarint(b, id.Clock)
	b = protowire.AppendTag(b, idPeer, protowire.BytesType)
	return protowire.AppendString(b, id.Peer)
}

func appendChar(b []byte, c Char) []byte {
	b = protowire.AppendTag(b, charID, protowire.BytesType)
	b = protowire.AppendBytes(b, appendCharID(nil, c.ID))
	b = protowire.AppendTag(b, charValue, protowire.BytesType)
	b = protowire.AppendString(b, c.Value)
	for _, id := range c.Position {
		var e []byte
		e = protowire.AppendTag(e, identDigit, protowire.VarintType)
		e = protowire.AppendVarint(e, uint64(id.Digit))
		if id.Peer != "" {
			e = protowire.AppendTag(e, identPeer, protowire.BytesType)
			e = protowire.AppendString(e, id.Peer)
		}
		b = protowire.AppendTag(b, charPosition, protowire.BytesType)
		b = protowire.AppendBytes(b, e)
	}
	return b
}

func decodeCharID(b []byte) (CharID, error) {
	var id CharID
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case idClock:
			v, n, err := consumeVarint(typ, b)
			id.Clock = v
			return n, err
		case idPeer:
			v, n, err := consumeBytes(typ, b)
			id.Peer = string(v)
			return n, err
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return CharID{}, err
	}
	if id.Clock == 0 {
		return CharID{}, errors.Wrap(ErrMalformed, "char id with zero clock")
	}
	if id.Peer == "" || !utf8.ValidString(id.Peer) {
		return CharID{}, errors.Wrap(ErrMalformed, "char id without peer")
	}
	return id, nil
}

func decodeIdent(b []byte) (Ident, error) {
	var id Ident
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case identDigit:
			v, n, err := consumeVarint(typ, b)
			if err == nil && v > math.MaxUint32 {
				return 0, errors.Wrap(ErrMalformed, "position digit overflows")
			}
			id.Digit = uint32(v)
			return n, err
		case identPeer:
			v, n, err := consumeBytes(typ, b)
			id.Peer = string(v)
			return n, err
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return Ident{}, err
	}
	if !utf8.ValidString(id.Peer) {
		return Ident{}, errors.Wrap(ErrMalformed, "position peer is not utf-8")
	}
	return id, nil
}

func decodeChar(b []byte) (Char, error) {
	var (
		c     Char
		hasID bool
	)
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case charID:
			raw, n, err := consumeBytes(typ, b)
			if err != nil || n < 0 {
				return n, err
			}
			id, err := decodeCharID(raw)
			if err != nil {
				return 0, err
			}
			c.ID, hasID = id, true
			return n, nil
		case charValue:
			v, n, err := consumeBytes(typ, b)
			c.Value = string(v)
			return n, err
		case charPosition:
			raw, n, err := consumeBytes(typ, b)
			if err != nil || n < 0 {
				return n, err
			}
			id, err := decodeIdent(raw)
			if err != nil {
				return 0, err
			}
			c.Position = append(c.Position, id)
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return Char{}, err
	}
	switch {
	case !hasID:
		return Char{}, errors.Wrap(ErrMalformed, "insert without id")
	case c.Value == "" || !utf8.ValidString(c.Value):
		return Char{}, errors.Wrap(ErrMalformed, "insert without value")
	case len(c.Position) == 0:
		return Char{}, errors.Wrap(ErrMalformed, "insert without position")
	}
	return c, nil
}

// walk calls fn for every field in b. fn returns the length of the value
// it consumed, or a negative protowire error code.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(ErrMalformed, protowire.ParseError(n).Error())
		}
		b = b[n:]
		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if n < 0 {
			return errors.Wrapf(ErrMalformed, "field %d: %v", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, errors.Wrapf(ErrMalformed, "wire type %d, want varint", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	return v, n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, errors.Wrapf(ErrMalformed, "wire type %d, want bytes", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	return v, n, nil
}
