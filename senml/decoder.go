package senml

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrFormat is the sentinel wrapped by every rejection the decoder makes:
// malformed CBOR, a SenML record violating the subset this context accepts,
// or a premature end of input. Once returned, the Decoder is done: every
// subsequent Next call returns the same error.
var ErrFormat = errors.New("senml: format error")

// errNeedMore is an internal-only sentinel: the buffered input ends before
// the item being decoded is complete. It never escapes Feed/Next — Next
// either turns it into StatusWantNextPayload or, if the feed was final,
// into a wrapped ErrFormat ("premature EOF").
var errNeedMore = errors.New("senml: need more input")

// cur is a read cursor over a byte slice; it never panics on short input,
// returning errNeedMore instead so callers can retry once more data arrives.
type cur struct {
	buf []byte
	pos int
}

func (c *cur) require(n int) error {
	if len(c.buf)-c.pos < n {
		return errNeedMore
	}
	return nil
}

type header struct {
	major      byte
	argument   uint64
	indefinite bool
	simple     byte // meaningful only when major == 7
}

// isBreak reports whether h is the CBOR "break" stop code (0xFF), which
// terminates an indefinite-length array, map, or string.
func (h header) isBreak() bool { return h.major == 7 && h.indefinite }

func readHeader(c *cur) (header, error) {
	if err := c.require(1); err != nil {
		return header{}, err
	}
	b := c.buf[c.pos]
	major := b >> 5
	info := b & 0x1f
	h := header{major: major}
	switch {
	case info < 24:
		h.argument = uint64(info)
		c.pos++
	case info == 24:
		if err := c.require(2); err != nil {
			return header{}, err
		}
		h.argument = uint64(c.buf[c.pos+1])
		c.pos += 2
	case info == 25:
		if err := c.require(3); err != nil {
			return header{}, err
		}
		h.argument = uint64(binary.BigEndian.Uint16(c.buf[c.pos+1 : c.pos+3]))
		c.pos += 3
	case info == 26:
		if err := c.require(5); err != nil {
			return header{}, err
		}
		h.argument = uint64(binary.BigEndian.Uint32(c.buf[c.pos+1 : c.pos+5]))
		c.pos += 5
	case info == 27:
		if err := c.require(9); err != nil {
			return header{}, err
		}
		h.argument = binary.BigEndian.Uint64(c.buf[c.pos+1 : c.pos+9])
		c.pos += 9
	case info == 31:
		h.indefinite = true
		c.pos++
	default:
		return header{}, fmt.Errorf("%w: reserved CBOR additional info %d", ErrFormat, info)
	}
	if major == 7 {
		h.simple = info
	}
	return h, nil
}

// readStringBytes reads one CBOR text (major 3) or byte (major 2) string,
// definite or indefinite-length-chunked, and returns the fully assembled
// value. Used only for SenML name/basename (label 0/-2), which this
// context expects to be short; the larger resource value labels (3/8)
// are streamed chunk by chunk instead — see readChunk and
// Decoder.nextChunk.
func readStringBytes(c *cur, major byte) ([]byte, error) {
	h, err := readHeader(c)
	if err != nil {
		return nil, err
	}
	if h.major != major {
		return nil, fmt.Errorf("%w: expected major type %d, got %d", ErrFormat, major, h.major)
	}
	if !h.indefinite {
		n := int(h.argument)
		if err := c.require(n); err != nil {
			return nil, err
		}
		data := append([]byte(nil), c.buf[c.pos:c.pos+n]...)
		c.pos += n
		return data, nil
	}
	var out []byte
	for {
		chunkHdr, err := readHeader(c)
		if err != nil {
			return nil, err
		}
		if chunkHdr.isBreak() {
			return out, nil
		}
		if chunkHdr.major != major || chunkHdr.indefinite {
			return nil, fmt.Errorf("%w: nested indefinite or mismatched chunk in string", ErrFormat)
		}
		n := int(chunkHdr.argument)
		if err := c.require(n); err != nil {
			return nil, err
		}
		out = append(out, c.buf[c.pos:c.pos+n]...)
		c.pos += n
	}
}

// readChunk reads one sub-chunk of an indefinite-length CBOR text or byte
// string, or reports the terminating break. It never buffers more than
// the one chunk it returns.
func readChunk(c *cur, major byte) (data []byte, isBreak bool, err error) {
	h, err := readHeader(c)
	if err != nil {
		return nil, false, err
	}
	if h.isBreak() {
		return nil, true, nil
	}
	if h.major != major || h.indefinite {
		return nil, false, fmt.Errorf("%w: nested indefinite or mismatched chunk in string", ErrFormat)
	}
	n := int(h.argument)
	if err := c.require(n); err != nil {
		return nil, false, err
	}
	data = append([]byte(nil), c.buf[c.pos:c.pos+n]...)
	c.pos += n
	return data, false, nil
}

// rawNumeric is an undecided numeric value: the caller hasn't yet said
// whether it wants int, uint, or double.
type rawNumeric struct {
	kind byte // 'u' unsigned, 'i' negative (CBOR major 1), 'f' float
	uarg uint64
	fval float64
}

func halfToFloat64(bits uint16) float64 {
	sign := uint32(bits>>15) & 0x1
	exp := uint32(bits>>10) & 0x1f
	frac := uint32(bits) & 0x3ff
	var f32 uint32
	switch exp {
	case 0:
		if frac == 0 {
			f32 = sign << 31
		} else {
			exp32 := uint32(127 - 15 + 1)
			for frac&0x400 == 0 {
				frac <<= 1
				exp32--
			}
			frac &= 0x3ff
			f32 = (sign << 31) | (exp32 << 23) | (frac << 13)
		}
	case 0x1f:
		f32 = (sign << 31) | (0xff << 23) | (frac << 13)
	default:
		f32 = (sign << 31) | ((exp - 15 + 127) << 23) | (frac << 13)
	}
	return float64(math.Float32frombits(f32))
}

func readNumeric(c *cur) (rawNumeric, error) {
	h, err := readHeader(c)
	if err != nil {
		return rawNumeric{}, err
	}
	switch h.major {
	case 0:
		return rawNumeric{kind: 'u', uarg: h.argument}, nil
	case 1:
		return rawNumeric{kind: 'i', uarg: h.argument}, nil
	case 7:
		switch h.simple {
		case 25:
			return rawNumeric{kind: 'f', fval: halfToFloat64(uint16(h.argument))}, nil
		case 26:
			return rawNumeric{kind: 'f', fval: float64(math.Float32frombits(uint32(h.argument)))}, nil
		case 27:
			return rawNumeric{kind: 'f', fval: math.Float64frombits(h.argument)}, nil
		}
	}
	return rawNumeric{}, fmt.Errorf("%w: expected a numeric value, got CBOR major %d", ErrFormat, h.major)
}

// acceptableMask reports which ValueType interpretations a raw numeric value
// can honor; resolveNumeric still checks exactness for float<->int/uint.
func acceptableMask(n rawNumeric) TypeMask {
	switch n.kind {
	case 'u':
		return TypeMask(TypeUint | TypeInt | TypeDouble)
	case 'i':
		return TypeMask(TypeInt | TypeDouble)
	case 'f':
		return TypeMask(TypeDouble | TypeInt | TypeUint)
	}
	return 0
}

func resolveNumeric(n rawNumeric, want TypeMask) (Entry, error) {
	switch n.kind {
	case 'u':
		switch {
		case want.has(TypeUint):
			return Entry{Type: TypeUint, Uint: n.uarg}, nil
		case want.has(TypeInt):
			if n.uarg > math.MaxInt64 {
				return Entry{}, fmt.Errorf("%w: unsigned value overflows int64", ErrFormat)
			}
			return Entry{Type: TypeInt, Int: int64(n.uarg)}, nil
		case want.has(TypeDouble):
			return Entry{Type: TypeDouble, Double: float64(n.uarg)}, nil
		}
	case 'i':
		v := -1 - int64(n.uarg)
		switch {
		case want.has(TypeInt):
			return Entry{Type: TypeInt, Int: v}, nil
		case want.has(TypeDouble):
			return Entry{Type: TypeDouble, Double: float64(v)}, nil
		case want.has(TypeUint):
			return Entry{}, fmt.Errorf("%w: negative value requested as UINT", ErrFormat)
		}
	case 'f':
		switch {
		case want.has(TypeDouble):
			return Entry{Type: TypeDouble, Double: n.fval}, nil
		case want.has(TypeInt):
			if n.fval != math.Trunc(n.fval) || n.fval < math.MinInt64 || n.fval > math.MaxInt64 {
				return Entry{}, fmt.Errorf("%w: float value not exactly representable as INT", ErrFormat)
			}
			return Entry{Type: TypeInt, Int: int64(n.fval)}, nil
		case want.has(TypeUint):
			if n.fval != math.Trunc(n.fval) || n.fval < 0 || n.fval > math.MaxUint64 {
				return Entry{}, fmt.Errorf("%w: float value not exactly representable as UINT", ErrFormat)
			}
			return Entry{Type: TypeUint, Uint: uint64(n.fval)}, nil
		}
	}
	return Entry{}, fmt.Errorf("%w: requested type not acceptable for this value", ErrFormat)
}

// Decoder is a streaming SenML-CBOR input context: Feed appends bytes as
// they arrive, Next pulls the next decoded record (or a disambiguation
// request, or a demand for more input). It never blocks and never buffers
// more than one record's worth of state plus, for a STRING or BYTES value
// encoded with an indefinite CBOR length, the single chunk currently in
// flight — the value itself is streamed out via repeated Next calls
// rather than reassembled (spec.md §4.9).
type Decoder struct {
	buf   []byte
	final bool
	err   error

	started       bool
	arrIndefinite bool
	arrCount      int
	emitted       int
	eof           bool

	baseName string

	pendingNumeric *rawNumeric
	pendingPath    Path

	// record-in-progress state: a SenML map's keys are scanned one at a
	// time, resuming here across Next calls that need more input or that
	// pause to stream a chunked value.
	recOpen        bool
	recCount       int // -1 when the map has an indefinite length
	recIndex       int
	recHasName     bool
	recName        string
	recHasBaseName bool
	recBaseName    string
	recHasValue    bool
	recValueKind   byte // 0 none, 'n' numeric, 'b' bool, 's' string, 'y' bytes, 'c' streamed (chunked) value
	recNumeric     rawNumeric
	recBoolVal     bool
	recStringVal   []byte
	recBytesVal    []byte

	// chunk-streaming state for an in-progress indefinite-length STRING or
	// BYTES value (recValueKind == 'c').
	chunkMajor  byte // 0 when idle, else 2 (bytes) or 3 (text)
	chunkType   ValueType
	chunkPath   Path
	chunkOffset int
}

func NewDecoder() *Decoder {
	return &Decoder{arrCount: -1}
}

// Feed appends data (which may be empty) to the decoder's input. Set final
// on the last feed so the decoder can distinguish "need more bytes" from
// "this is truncated".
func (d *Decoder) Feed(data []byte, final bool) error {
	if d.err != nil {
		return d.err
	}
	if len(data) > 0 {
		d.buf = append(d.buf, data...)
	}
	if final {
		d.final = true
	}
	return nil
}

func (d *Decoder) fail(err error) (Status, *Entry, TypeMask, error) {
	d.err = err
	return StatusReady, nil, 0, err
}

// Next advances the decoder by one step. want is only consulted when the
// previous call returned StatusWantTypeDisambiguation; otherwise pass
// TypeAny.
func (d *Decoder) Next(want TypeMask) (Status, *Entry, TypeMask, error) {
	if d.err != nil {
		return StatusReady, nil, 0, d.err
	}
	if d.pendingNumeric != nil {
		entry, err := resolveNumeric(*d.pendingNumeric, want)
		if err != nil {
			return d.fail(err)
		}
		entry.Path = d.pendingPath
		d.pendingNumeric = nil
		d.pendingPath = nil
		return StatusReady, &entry, 0, nil
	}
	if d.chunkMajor != 0 {
		return d.nextChunk()
	}
	if d.eof {
		return StatusEOF, nil, 0, nil
	}

	c := &cur{buf: d.buf}
	if !d.started {
		h, err := readHeader(c)
		if err != nil {
			return d.needMoreOr(err, "top-level array header")
		}
		if h.major != 4 {
			return d.fail(fmt.Errorf("%w: top level must be a CBOR array, got major %d", ErrFormat, h.major))
		}
		d.started = true
		d.arrIndefinite = h.indefinite
		if !h.indefinite {
			d.arrCount = int(h.argument)
		}
		d.buf = d.buf[c.pos:]
		c = &cur{buf: d.buf}
	}

	if !d.recOpen {
		if d.arrIndefinite {
			save := c.pos
			peek, err := readHeader(c)
			if err == nil && peek.isBreak() {
				d.eof = true
				d.buf = d.buf[c.pos:]
				return StatusEOF, nil, 0, nil
			}
			c.pos = save
			if err != nil && !errors.Is(err, errNeedMore) {
				return d.fail(err)
			}
		} else if d.emitted >= d.arrCount {
			d.eof = true
			return StatusEOF, nil, 0, nil
		}

		h, err := readHeader(c)
		if err != nil {
			return d.needMoreOr(err, "SenML record")
		}
		if h.major != 5 {
			return d.fail(fmt.Errorf("%w: expected a SenML record map, got major %d", ErrFormat, h.major))
		}
		d.buf = d.buf[c.pos:]
		d.recOpen = true
		d.recCount = -1
		if !h.indefinite {
			d.recCount = int(h.argument)
		}
		d.recIndex = 0
		d.recHasName, d.recHasBaseName, d.recHasValue = false, false, false
		d.recValueKind = 0
	}

	return d.scanRecord(want)
}

// currentPath assembles the path of the record currently being scanned
// from the persistent basename plus this record's name, if any.
func (d *Decoder) currentPath() (Path, error) {
	name := ""
	if d.recHasName {
		name = d.recName
	}
	return parsePath(d.baseName + name)
}

// scanRecord reads the current record's remaining map keys, resuming
// from d.recIndex. Every value type except an indefinite-length STRING
// or BYTES resolves and is emitted only once the whole record has been
// scanned (matching how a CBOR map has to be fully read to know no
// further key overrides it); an indefinite-length value is the one
// exception — it pauses the scan to stream its chunks out immediately,
// resuming the remaining keys (if any) afterward.
func (d *Decoder) scanRecord(want TypeMask) (Status, *Entry, TypeMask, error) {
	c := &cur{buf: d.buf}
	for {
		if d.recCount < 0 {
			save := c.pos
			peek, err := readHeader(c)
			if err != nil {
				return d.needMoreOr(err, "SenML record")
			}
			if peek.isBreak() {
				d.buf = d.buf[c.pos:]
				return d.finishRecord(want)
			}
			c.pos = save
		} else if d.recIndex >= d.recCount {
			return d.finishRecord(want)
		}

		keyHdr, err := readHeader(c)
		if err != nil {
			return d.needMoreOr(err, "SenML record")
		}
		var label int64
		switch keyHdr.major {
		case 0:
			label = int64(keyHdr.argument)
		case 1:
			label = -1 - int64(keyHdr.argument)
		default:
			return d.fail(fmt.Errorf("%w: bogus SenML map key type (CBOR major %d)", ErrFormat, keyHdr.major))
		}

		switch label {
		case 0:
			if d.recHasName {
				return d.fail(fmt.Errorf("%w: duplicate name (label 0)", ErrFormat))
			}
			s, err := readStringBytes(c, 3)
			if err != nil {
				return d.needMoreOr(err, "SenML record")
			}
			d.recHasName, d.recName = true, string(s)
		case -2:
			if d.recHasBaseName {
				return d.fail(fmt.Errorf("%w: duplicate basename (label -2)", ErrFormat))
			}
			s, err := readStringBytes(c, 3)
			if err != nil {
				return d.needMoreOr(err, "SenML record")
			}
			d.recHasBaseName, d.recBaseName = true, string(s)
			d.baseName = d.recBaseName
		case 2:
			if d.recHasValue {
				return d.fail(fmt.Errorf("%w: multiple value labels in one record", ErrFormat))
			}
			n, err := readNumeric(c)
			if err != nil {
				return d.needMoreOr(err, "SenML record")
			}
			d.recHasValue, d.recValueKind, d.recNumeric = true, 'n', n
		case 4:
			if d.recHasValue {
				return d.fail(fmt.Errorf("%w: multiple value labels in one record", ErrFormat))
			}
			bh, err := readHeader(c)
			if err != nil {
				return d.needMoreOr(err, "SenML record")
			}
			if bh.major != 7 || (bh.simple != 20 && bh.simple != 21) {
				return d.fail(fmt.Errorf("%w: expected a boolean value", ErrFormat))
			}
			d.recHasValue, d.recValueKind, d.recBoolVal = true, 'b', bh.simple == 21
		case 3, 8:
			if d.recHasValue {
				return d.fail(fmt.Errorf("%w: multiple value labels in one record", ErrFormat))
			}
			major, typ := byte(3), TypeString
			if label == 8 {
				major, typ = 2, TypeBytes
			}
			save := c.pos
			h, err := readHeader(c)
			if err != nil {
				return d.needMoreOr(err, "SenML record")
			}
			if h.major != major {
				return d.fail(fmt.Errorf("%w: expected major type %d, got %d", ErrFormat, major, h.major))
			}
			if !h.indefinite {
				n := int(h.argument)
				if err := c.require(n); err != nil {
					c.pos = save
					return d.needMoreOr(err, "SenML record")
				}
				data := append([]byte(nil), c.buf[c.pos:c.pos+n]...)
				c.pos += n
				if typ == TypeString {
					d.recHasValue, d.recValueKind, d.recStringVal = true, 's', data
				} else {
					d.recHasValue, d.recValueKind, d.recBytesVal = true, 'y', data
				}
			} else {
				// An indefinite-length value is streamed chunk by chunk
				// instead of buffered (spec.md §4.9). Canonical CBOR
				// integer-key ordering (-2 < 0 < 2 < 3 < 4 < 8) puts
				// basename/name ahead of every value label, so the path
				// is already final by the time a value key is reached.
				path, perr := d.currentPath()
				if perr != nil {
					return d.fail(perr)
				}
				d.recIndex++
				d.buf = d.buf[c.pos:]
				d.recHasValue, d.recValueKind = true, 'c'
				d.chunkMajor = major
				d.chunkType = typ
				d.chunkPath = path
				d.chunkOffset = 0
				return d.nextChunk()
			}
		default:
			return d.fail(fmt.Errorf("%w: unrecognized or unsupported SenML label %d", ErrFormat, label))
		}
		d.recIndex++
		d.buf = d.buf[c.pos:]
		c = &cur{buf: d.buf}
	}
}

// finishRecord is reached once a record's map has been fully scanned. It
// resolves and emits whichever value label (if any) the record carried;
// a streamed (chunked) value has already emitted all of its own entries
// as it streamed, so there's nothing further to report for it here.
func (d *Decoder) finishRecord(want TypeMask) (Status, *Entry, TypeMask, error) {
	d.recOpen = false
	d.emitted++
	kind := d.recValueKind

	if kind == 0 || kind == 'c' {
		// No value (a name/basename-only record sets context for later
		// records) or a chunked value already streamed out: nothing of
		// this record's own remains to report.
		return d.Next(want)
	}

	path, perr := d.currentPath()
	if perr != nil {
		return d.fail(perr)
	}

	switch kind {
	case 'n':
		d.pendingNumeric = &d.recNumeric
		d.pendingPath = path
		return StatusWantTypeDisambiguation, &Entry{Path: path}, acceptableMask(d.recNumeric), nil
	case 'b':
		return StatusReady, &Entry{Path: path, Type: TypeBool, Bool: d.recBoolVal}, 0, nil
	case 's':
		n := len(d.recStringVal)
		return StatusReady, &Entry{Path: path, Type: TypeString, Str: string(d.recStringVal),
			Offset: 0, ChunkLength: n, FullLengthHint: n}, 0, nil
	default: // 'y'
		n := len(d.recBytesVal)
		return StatusReady, &Entry{Path: path, Type: TypeBytes, Bytes: d.recBytesVal,
			Offset: 0, ChunkLength: n, FullLengthHint: n}, 0, nil
	}
}

// nextChunk streams one sub-chunk of an in-progress indefinite-length
// STRING or BYTES value, or, once its terminating break is reached,
// emits the terminal zero-length chunk carrying the now-known total
// length and resumes scanning the record's remaining keys (if any) on
// the following Next call.
func (d *Decoder) nextChunk() (Status, *Entry, TypeMask, error) {
	c := &cur{buf: d.buf}
	data, isBreak, err := readChunk(c, d.chunkMajor)
	if err != nil {
		return d.needMoreOr(err, "chunked SenML value")
	}
	d.buf = d.buf[c.pos:]
	if isBreak {
		entry := Entry{Path: d.chunkPath, Type: d.chunkType, Offset: d.chunkOffset, FullLengthHint: d.chunkOffset}
		d.chunkMajor = 0
		return StatusReady, &entry, 0, nil
	}
	entry := Entry{Path: d.chunkPath, Type: d.chunkType, Offset: d.chunkOffset, ChunkLength: len(data)}
	if d.chunkType == TypeString {
		entry.Str = string(data)
	} else {
		entry.Bytes = data
	}
	d.chunkOffset += len(data)
	return StatusReady, &entry, 0, nil
}

func (d *Decoder) needMoreOr(err error, what string) (Status, *Entry, TypeMask, error) {
	if !errors.Is(err, errNeedMore) {
		return d.fail(err)
	}
	if d.final {
		return d.fail(fmt.Errorf("%w: premature EOF while decoding %s", ErrFormat, what))
	}
	return StatusWantNextPayload, nil, 0, nil
}
