package coapmsg

import "encoding/binary"

// tcpLenExtent returns how many extended length bytes a TCP header's high
// nibble implies, and the base value those bytes are added to (RFC 8323
// section 3.2).
func tcpLenExtent(nibble int) (extBytes, base int) {
	switch nibble {
	case 13:
		return 1, 13
	case 14:
		return 2, 269
	case 15:
		return 4, 65805
	default:
		return 0, 0
	}
}

// ParseTCPHeader decodes the fixed part of a TCP CoAP frame: the length
// class, token length, code and token, stopping as soon as it knows
// bodyLength (the combined size of the options+payload section that
// follows). need reports how many additional bytes are required when buf
// is too short; it is 0 once err is nil or non-recoverable.
func ParseTCPHeader(buf []byte) (code Code, tkl, bodyLength, headerLen, need int, err error) {
	if len(buf) < 2 {
		return 0, 0, 0, 0, 2 - len(buf), ErrInsufficientData
	}
	lenNibble := int(buf[0] >> 4)
	tkl = int(buf[0] & 0x0f)
	if tkl > 8 {
		return 0, 0, 0, 0, 0, ErrMalformedMessage
	}
	code = Code(buf[1])

	extBytes, base := tcpLenExtent(lenNibble)
	fixedLen := 2 + extBytes
	if len(buf) < fixedLen {
		return 0, 0, 0, 0, fixedLen - len(buf), ErrInsufficientData
	}

	var lenField int
	switch extBytes {
	case 0:
		lenField = lenNibble
	case 1:
		lenField = int(buf[2]) + base
	case 2:
		lenField = int(binary.BigEndian.Uint16(buf[2:4])) + base
	case 4:
		lenField = int(binary.BigEndian.Uint32(buf[2:6])) + base
	}

	headerLen = fixedLen + tkl
	if len(buf) < headerLen {
		return 0, 0, 0, 0, headerLen - len(buf), ErrInsufficientData
	}
	return code, tkl, lenField, headerLen, 0, nil
}

// TCPFrameStatus is the outcome of one TCPFrameParser.Feed call, modeled
// as an explicit Pending/Ready/Error state machine per the streaming
// design this engine uses throughout (see the SenML-CBOR decoder for the
// same pattern).
type TCPFrameStatus int

const (
	// TCPFramePending means Feed made no progress decodable by the
	// caller; wait for more bytes and call Feed again with them appended.
	TCPFramePending TCPFrameStatus = iota
	// TCPFrameReady means a complete message (header, options and the
	// entire payload) was decoded in this call.
	TCPFrameReady
	// TCPFramePayloadPartial means the header and full option section
	// decoded, but the declared payload length exceeds what's been fed
	// so far; Payload carries the chunk seen in this call, and the
	// caller should keep feeding payload bytes in subsequent calls.
	TCPFramePayloadPartial
	// TCPFrameMalformed means framing is broken; the caller should abort
	// the connection rather than attempt to resynchronize.
	TCPFrameMalformed
)

// TCPFrameResult is what one Feed call returns.
type TCPFrameResult struct {
	Status   TCPFrameStatus
	Consumed int // bytes of the fed buffer the caller should discard
	NeedMore int // when Status is Pending, a lower bound on bytes still needed

	Code    Code
	Token   Token
	Options Options // valid on Ready and PayloadPartial

	Payload       []byte // this call's payload chunk (may be empty)
	PayloadOffset int    // offset of Payload[0] within the full payload
	PayloadTotal  int    // full payload length, known once the header is parsed
}

type tcpParserState int

const (
	tcpAwaitingFrame tcpParserState = iota
	tcpStreamingPayload
)

// TCPFrameParser incrementally decodes a sequence of TCP CoAP frames
// (RFC 8323 section 3) from a caller-maintained inbound buffer. The
// caller appends newly received bytes to its buffer, calls Feed with the
// unconsumed prefix, and discards Consumed bytes from the front after
// each call — the same contract §4.8's receive loop drives against the
// socket. maxOptionBytes bounds how many bytes of options this parser
// will ever hold onto at once (it is never asked to buffer the payload;
// that streams through in whatever chunks arrive).
type TCPFrameParser struct {
	maxOptionBytes int

	state tcpParserState

	code             Code
	token            Token
	options          Options
	payloadTotal     int
	payloadDelivered int
}

// NewTCPFrameParser returns a parser ready to decode the next frame.
// maxOptionBytes bounds the option section this parser will accept; a
// frame whose options exceed it is reported as TCPFrameMalformed.
func NewTCPFrameParser(maxOptionBytes int) *TCPFrameParser {
	return &TCPFrameParser{maxOptionBytes: maxOptionBytes, state: tcpAwaitingFrame}
}

// Feed offers buf, the currently unconsumed bytes of the inbound stream,
// and returns how much of it this call was able to use.
func (p *TCPFrameParser) Feed(buf []byte) TCPFrameResult {
	if p.state == tcpStreamingPayload {
		return p.feedPayload(buf)
	}
	return p.feedHeader(buf)
}

func (p *TCPFrameParser) feedHeader(buf []byte) TCPFrameResult {
	code, tkl, bodyLength, headerLen, need, err := ParseTCPHeader(buf)
	if err == ErrInsufficientData {
		return TCPFrameResult{Status: TCPFramePending, NeedMore: need}
	}
	if err != nil {
		return TCPFrameResult{Status: TCPFrameMalformed}
	}

	fixedLen := headerLen - tkl
	token := Token(append([]byte(nil), buf[fixedLen:headerLen]...))

	bodyAvail := len(buf) - headerLen
	if bodyAvail < 0 {
		bodyAvail = 0
	}
	if bodyAvail > bodyLength {
		bodyAvail = bodyLength
	}
	bodyBuf := buf[headerLen : headerLen+bodyAvail]

	res, err := ValidateOptionsUntilPayloadMarker(bodyBuf)
	if err != nil {
		if bodyAvail < bodyLength {
			// A trailing option cut short by the end of the fed bytes fails
			// validation just like a broken one; decide once the body is in.
			return TCPFrameResult{Status: TCPFramePending, NeedMore: 1}
		}
		return TCPFrameResult{Status: TCPFrameMalformed}
	}
	if p.maxOptionBytes > 0 && res.OptionsEnd > p.maxOptionBytes {
		return TCPFrameResult{Status: TCPFrameMalformed}
	}
	if !res.PayloadMarker && res.OptionsEnd == bodyAvail && bodyAvail < bodyLength {
		// The option section hasn't finished arriving yet: we cannot
		// even tell where it ends, so there is nothing to report.
		return TCPFrameResult{Status: TCPFramePending, NeedMore: 1}
	}

	optionsBytes := append([]byte(nil), bodyBuf[:res.OptionsEnd]...)
	options := NewOptionsView(optionsBytes, len(optionsBytes))

	payloadStart := res.OptionsEnd
	if res.PayloadMarker {
		payloadStart++
	}
	payloadChunk := bodyBuf[payloadStart:]
	payloadTotal := bodyLength - payloadStart
	consumed := headerLen + payloadStart + len(payloadChunk)

	if len(payloadChunk) == payloadTotal {
		p.state = tcpAwaitingFrame
		return TCPFrameResult{
			Status: TCPFrameReady, Consumed: consumed,
			Code: code, Token: token, Options: options,
			Payload: payloadChunk, PayloadOffset: 0, PayloadTotal: payloadTotal,
		}
	}

	p.state = tcpStreamingPayload
	p.code, p.token, p.options = code, token, options
	p.payloadTotal = payloadTotal
	p.payloadDelivered = len(payloadChunk)

	return TCPFrameResult{
		Status: TCPFramePayloadPartial, Consumed: consumed,
		Code: code, Token: token, Options: options,
		Payload: payloadChunk, PayloadOffset: 0, PayloadTotal: payloadTotal,
	}
}

func (p *TCPFrameParser) feedPayload(buf []byte) TCPFrameResult {
	remaining := p.payloadTotal - p.payloadDelivered
	chunk := buf
	if len(chunk) > remaining {
		chunk = chunk[:remaining]
	}
	offset := p.payloadDelivered
	p.payloadDelivered += len(chunk)

	if p.payloadDelivered == p.payloadTotal {
		p.state = tcpAwaitingFrame
		return TCPFrameResult{
			Status: TCPFrameReady, Consumed: len(chunk),
			Code: p.code, Token: p.token, Options: p.options,
			Payload: chunk, PayloadOffset: offset, PayloadTotal: p.payloadTotal,
		}
	}

	if len(chunk) == 0 {
		return TCPFrameResult{Status: TCPFramePending, NeedMore: 1}
	}

	return TCPFrameResult{
		Status: TCPFramePayloadPartial, Consumed: len(chunk),
		Code: p.code, Token: p.token, Options: p.options,
		Payload: chunk, PayloadOffset: offset, PayloadTotal: p.payloadTotal,
	}
}

// SerializeTCPHeader writes a TCP CoAP frame header (length class, token
// length, code, extended length bytes and token) into dst, returning the
// number of bytes written. bodyLength is the combined size of the
// options+payload section that will follow.
func SerializeTCPHeader(dst []byte, code Code, token Token, bodyLength int) (int, error) {
	if len(token) > 8 {
		return 0, ErrMalformedMessage
	}
	nibble, extBytes, base := tcpLenNibbleFor(bodyLength)
	need := 2 + extBytes + len(token)
	if len(dst) < need {
		return 0, ErrInsufficientSpace
	}

	dst[0] = byte(nibble<<4) | byte(len(token))
	dst[1] = byte(code)
	off := 2
	switch extBytes {
	case 1:
		dst[off] = byte(bodyLength - base)
		off++
	case 2:
		binary.BigEndian.PutUint16(dst[off:], uint16(bodyLength-base))
		off += 2
	case 4:
		binary.BigEndian.PutUint32(dst[off:], uint32(bodyLength-base))
		off += 4
	}
	off += copy(dst[off:], token)
	return off, nil
}

func tcpLenNibbleFor(length int) (nibble, extBytes, base int) {
	switch {
	case length < 13:
		return length, 0, 0
	case length < 269:
		return 13, 1, 13
	case length < 65805:
		return 14, 2, 269
	default:
		return 15, 4, 65805
	}
}
