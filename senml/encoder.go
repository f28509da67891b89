package senml

import (
	"encoding/binary"
	"math"
)

// Encoder assembles a SenML-CBOR array of records — the response side of
// C9's contract (Read responses, Composite Read responses). Each Add* call
// appends one record written as a definite-length two-entry map: its path
// under label 0 (name) and the value under the appropriate label. Records
// are independent (no basename factoring) — simpler to get right than a
// cross-record basename optimization, and the decoder accepts this form
// fine since basename is optional per record.
type Encoder struct {
	records [][]byte
}

func NewEncoder() *Encoder {
	return &Encoder{}
}

func appendHeader(buf []byte, major byte, arg uint64) []byte {
	switch {
	case arg < 24:
		return append(buf, major<<5|byte(arg))
	case arg <= 0xff:
		return append(buf, major<<5|24, byte(arg))
	case arg <= 0xffff:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(arg))
		return append(append(buf, major<<5|25), b...)
	case arg <= 0xffffffff:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(arg))
		return append(append(buf, major<<5|26), b...)
	default:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, arg)
		return append(append(buf, major<<5|27), b...)
	}
}

func appendTextString(buf []byte, s string) []byte {
	buf = appendHeader(buf, 3, uint64(len(s)))
	return append(buf, s...)
}

func appendByteString(buf []byte, b []byte) []byte {
	buf = appendHeader(buf, 2, uint64(len(b)))
	return append(buf, b...)
}

func appendUint(buf []byte, v uint64) []byte {
	return appendHeader(buf, 0, v)
}

func appendInt(buf []byte, v int64) []byte {
	if v >= 0 {
		return appendUint(buf, uint64(v))
	}
	return appendHeader(buf, 1, uint64(-1-v))
}

func appendDouble(buf []byte, v float64) []byte {
	buf = append(buf, 7<<5|27)
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, math.Float64bits(v))
	return append(buf, b...)
}

func appendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 7<<5|21)
	}
	return append(buf, 7<<5|20)
}

func (e *Encoder) addRecord(path Path, valueAppend func([]byte) []byte) {
	var rec []byte
	rec = appendHeader(rec, 5, 2) // map(2)
	rec = appendUint(rec, 0)      // label 0: name
	rec = appendTextString(rec, path.String())
	rec = valueAppend(rec)
	e.records = append(e.records, rec)
}

func (e *Encoder) AddInt(path Path, v int64) {
	e.addRecord(path, func(b []byte) []byte {
		b = appendUint(b, 2)
		return appendInt(b, v)
	})
}

func (e *Encoder) AddUint(path Path, v uint64) {
	e.addRecord(path, func(b []byte) []byte {
		b = appendUint(b, 2)
		return appendUint(b, v)
	})
}

func (e *Encoder) AddDouble(path Path, v float64) {
	e.addRecord(path, func(b []byte) []byte {
		b = appendUint(b, 2)
		return appendDouble(b, v)
	})
}

func (e *Encoder) AddBool(path Path, v bool) {
	e.addRecord(path, func(b []byte) []byte {
		b = appendUint(b, 4)
		return appendBool(b, v)
	})
}

func (e *Encoder) AddString(path Path, v string) {
	e.addRecord(path, func(b []byte) []byte {
		b = appendUint(b, 3)
		return appendTextString(b, v)
	})
}

func (e *Encoder) AddBytes(path Path, v []byte) {
	e.addRecord(path, func(b []byte) []byte {
		b = appendUint(b, 8)
		return appendByteString(b, v)
	})
}

// Encode returns the complete CBOR array of records accumulated so far.
func (e *Encoder) Encode() []byte {
	var out []byte
	out = appendHeader(out, 4, uint64(len(e.records)))
	for _, r := range e.records {
		out = append(out, r...)
	}
	return out
}
