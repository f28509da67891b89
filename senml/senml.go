// Package senml implements the streaming SenML-CBOR input context used to
// decode Write/Write-Composite request bodies (RFC 8428 records encoded per
// RFC 8949 CBOR). It decodes one record at a time from whatever input has
// been fed so far, never committing to a numeric value's int/uint/double
// interpretation until the caller asks for one.
package senml

import (
	"fmt"
	"strconv"
	"strings"
)

// ValueType identifies the resolved Go-side type of a decoded SenML value.
type ValueType uint8

const (
	TypeInt ValueType = 1 << iota
	TypeUint
	TypeDouble
	TypeBool
	TypeString
	TypeBytes
)

func (t ValueType) String() string {
	switch t {
	case TypeInt:
		return "INT"
	case TypeUint:
		return "UINT"
	case TypeDouble:
		return "DOUBLE"
	case TypeBool:
		return "BOOL"
	case TypeString:
		return "STRING"
	case TypeBytes:
		return "BYTES"
	default:
		return fmt.Sprintf("ValueType(%d)", uint8(t))
	}
}

// TypeMask is a bitwise combination of ValueType flags. The decoder offers
// one when a numeric value needs disambiguation (StatusWantTypeDisambiguation)
// and the caller echoes back the single bit it wants via the next Next call.
type TypeMask ValueType

// TypeAny requests no particular interpretation; only valid on a call that
// isn't resolving a pending numeric disambiguation.
const TypeAny TypeMask = 0

func (m TypeMask) has(t ValueType) bool { return ValueType(m)&t != 0 }

// Status is the outcome of a single Decoder.Next call.
type Status int

const (
	// StatusReady means Entry is fully populated.
	StatusReady Status = iota
	// StatusWantTypeDisambiguation means Entry.Path is valid but the value
	// is a number the decoder hasn't committed to a representation for;
	// the acceptable TypeMask is returned alongside, and the caller must
	// call Next again passing the single bit it wants.
	StatusWantTypeDisambiguation
	// StatusWantNextPayload means the buffered input ends mid-item; the
	// caller must Feed more bytes (or Feed(nil, true) to signal no more
	// are coming) before calling Next again.
	StatusWantNextPayload
	// StatusEOF means the outer array is exhausted; no more records.
	StatusEOF
)

// Path is 1-4 ascending path segments, each in [0, 65535], assembled from a
// record's basename (persists across records until overwritten) concatenated
// with its name.
type Path []uint16

func (p Path) String() string {
	var b strings.Builder
	for _, seg := range p {
		b.WriteByte('/')
		b.WriteString(strconv.Itoa(int(seg)))
	}
	return b.String()
}

func parsePath(concat string) (Path, error) {
	parts := strings.Split(concat, "/")
	var segs []uint16
	for _, p := range parts {
		if p == "" {
			continue
		}
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil || n >= 65536 {
			return nil, fmt.Errorf("%w: path segment %q is not a decimal integer in [0,65535]", ErrFormat, p)
		}
		segs = append(segs, uint16(n))
	}
	if len(segs) == 0 || len(segs) > 4 {
		return nil, fmt.Errorf("%w: path must have 1-4 segments, got %d", ErrFormat, len(segs))
	}
	return segs, nil
}

// Entry is one decoded SenML record, addressed by its assembled path. Only
// the field matching Type is meaningful.
//
// For TypeString and TypeBytes, Str/Bytes may be only one chunk of a
// larger value rather than the whole thing: a CBOR-indefinite-length
// string or byte string is streamed chunk by chunk across successive
// Next calls instead of being reassembled in memory. Offset is this
// chunk's byte offset into the overall value; ChunkLength is len(Str) or
// len(Bytes) for this call. FullLengthHint is 0 until the terminal call
// for that value, which carries ChunkLength == 0 and FullLengthHint set
// to the now-known total length. A value encoded with a definite CBOR
// length is delivered in a single call, with FullLengthHint == ChunkLength
// from the start.
type Entry struct {
	Path Path
	Type ValueType

	Int    int64
	Uint   uint64
	Double float64
	Bool   bool
	Str    string
	Bytes  []byte

	Offset         int
	ChunkLength    int
	FullLengthHint int
}
