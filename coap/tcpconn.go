package coap

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lobaro/coap-engine/coapmsg"
)

// ConnState is the TCP connection's lifecycle state (spec.md §4.8).
type ConnState int

const (
	ConnAwaitingPeerCSM ConnState = iota
	ConnEstablished
	ConnAborted
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnAwaitingPeerCSM:
		return "awaiting_peer_csm"
	case ConnEstablished:
		return "established"
	case ConnAborted:
		return "aborted"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PeerCSM is the per-peer negotiated state spec.md §3 describes.
// PeerExtendedTokens always stays false: this engine doesn't implement
// the extended-token-length signaling option, so there is nothing to
// negotiate it to true from.
type PeerCSM struct {
	Sent, Received     bool
	PeerMaxMessageSize uint32
	PeerBlockCapable   bool
	PeerExtendedTokens bool
}

// Signaling option numbers (RFC 8323 section 5). These are scoped per
// signaling code and share numbers with unrelated request/response
// options in coapmsg — that's fine, option numbers are only meaningful
// within the message they appear on.
const (
	optCSMMaxMessageSize      coapmsg.OptionNumber = 2
	optCSMBlockWiseTransfer   coapmsg.OptionNumber = 4
	optPingPongCustody        coapmsg.OptionNumber = 2
	optReleaseAlternativeAddr coapmsg.OptionNumber = 2
	optReleaseHoldOff         coapmsg.OptionNumber = 4
	optAbortBadCSMOption      coapmsg.OptionNumber = 2
)

const defaultCSMDeadline = 37 * time.Second

// TCPConn drives one TCP CoAP connection: the CSM handshake, Ping/Pong/
// Release/Abort signaling, and incremental framing across partial
// socket reads (spec.md §4.8). It delivers decoded data messages to
// Dispatch once the connection is Established.
type TCPConn struct {
	ctx  *Context
	sock Socket

	parser     *coapmsg.TCPFrameParser
	inBuf      []byte
	curPayload []byte

	state ConnState
	csm   PeerCSM

	csmDeadline     JobHandle
	haveCSMDeadline bool

	localMaxMessageSize uint32
	localBlockCapable   bool

	Dispatch func(msg coapmsg.Message)
}

// State reports the connection's current lifecycle state.
func (c *TCPConn) State() ConnState { return c.state }

func NewTCPConn(ctx *Context, sock Socket, maxOptionBytes int, localMaxMessageSize uint32, localBlockCapable bool) *TCPConn {
	return &TCPConn{
		ctx:                 ctx,
		sock:                sock,
		parser:              coapmsg.NewTCPFrameParser(maxOptionBytes),
		state:               ConnAwaitingPeerCSM,
		localMaxMessageSize: localMaxMessageSize,
		localBlockCapable:   localBlockCapable,
	}
}

// Start connects the socket, emits the local CSM, and arms the deadline
// by which a peer CSM must arrive.
func (c *TCPConn) Start() error {
	if err := c.sock.Connect(); err != nil {
		return err
	}
	if err := c.sendCSM(); err != nil {
		c.abort("failed to send initial CSM: " + err.Error())
		return err
	}
	c.armCSMDeadline()
	return nil
}

func (c *TCPConn) sendCSM() error {
	opts := coapmsg.NewOptions()
	if err := opts.AddU32(optCSMMaxMessageSize, c.localMaxMessageSize); err != nil {
		return err
	}
	if c.localBlockCapable {
		if err := opts.AddOpaque(optCSMBlockWiseTransfer, nil); err != nil {
			return err
		}
	}
	return c.sendSignaling(coapmsg.CSM, opts, nil)
}

func (c *TCPConn) sendSignaling(code coapmsg.Code, opts coapmsg.Options, payload []byte) error {
	bodyLen := opts.Len()
	if len(payload) > 0 {
		bodyLen += 1 + len(payload)
	}
	buf := make([]byte, 6+bodyLen)
	n, err := coapmsg.SerializeTCPHeader(buf, code, nil, bodyLen)
	if err != nil {
		return err
	}
	n += copy(buf[n:], opts.Bytes())
	if len(payload) > 0 {
		buf[n] = coapmsg.PayloadMarker
		n++
		n += copy(buf[n:], payload)
	}
	_, err = c.sock.Send(buf[:n])
	return err
}

// SendMessage serializes and sends one ordinary (non-signaling) data
// message, preserving submission order on the wire (spec.md §5).
func (c *TCPConn) SendMessage(msg coapmsg.Message) error {
	if c.state != ConnEstablished {
		return wrapError(ErrTCPConnClosed, nil)
	}
	bodyLen := msg.Options.Len()
	if len(msg.Payload) > 0 {
		bodyLen += 1 + len(msg.Payload)
	}
	buf := make([]byte, 6+len(msg.Token)+bodyLen)
	n, err := coapmsg.SerializeTCPHeader(buf, msg.Code, msg.Token, bodyLen)
	if err != nil {
		return err
	}
	n += copy(buf[n:], msg.Options.Bytes())
	if len(msg.Payload) > 0 {
		buf[n] = coapmsg.PayloadMarker
		n++
		n += copy(buf[n:], msg.Payload)
	}
	_, err = c.sock.Send(buf[:n])
	return err
}

// SendPing emits a Ping, optionally carrying the Custody option.
func (c *TCPConn) SendPing(custody []byte) error {
	opts := coapmsg.NewOptions()
	if custody != nil {
		if err := opts.AddOpaque(optPingPongCustody, custody); err != nil {
			return err
		}
	}
	return c.sendSignaling(coapmsg.Ping, opts, nil)
}

// SendRelease emits a Release and leaves the connection open for
// draining; the peer (or our own receive loop, on seeing their Release)
// is expected to close it.
func (c *TCPConn) SendRelease() error {
	return c.sendSignaling(coapmsg.Release, coapmsg.NewOptions(), nil)
}

func (c *TCPConn) armCSMDeadline() {
	c.csmDeadline = c.ctx.cfg.Scheduler.Schedule(defaultCSMDeadline, func() {
		if c.csm.Received {
			return
		}
		c.abort("CSM_NOT_RECEIVED: peer CSM did not arrive within the deadline")
		c.failAllExchanges()
	})
	c.haveCSMDeadline = true
}

func (c *TCPConn) cancelCSMDeadline() {
	if c.haveCSMDeadline {
		c.ctx.cfg.Scheduler.Cancel(c.csmDeadline)
		c.haveCSMDeadline = false
	}
}

func (c *TCPConn) failAllExchanges() {
	c.ctx.mu.Lock()
	exs := make([]*Exchange, 0, len(c.ctx.exchanges))
	for _, ex := range c.ctx.exchanges {
		exs = append(exs, ex)
	}
	c.ctx.mu.Unlock()
	for _, ex := range exs {
		c.ctx.CancelExchange(ex)
	}
}

func (c *TCPConn) abort(reason string) {
	if c.state == ConnAborted || c.state == ConnClosed {
		return
	}
	logrus.WithField("reason", reason).Warn("aborting TCP CoAP connection")
	_ = c.sendSignaling(coapmsg.Abort, coapmsg.NewOptions(), []byte(reason))
	c.state = ConnAborted
	c.cancelCSMDeadline()
	_ = c.sock.Close()
}

// ReceiveStep performs one non-blocking read-and-parse pass of §4.8's
// receive loop: while the socket reports buffered data, read it, feed
// the framing parser, and dispatch whatever frames complete.
func (c *TCPConn) ReceiveStep() error {
	for c.sock.HasBufferedData() {
		tmp := make([]byte, 4096)
		n, err := c.sock.Recv(tmp)
		if err != nil {
			return err
		}
		if n == 0 {
			c.state = ConnClosed
			return wrapError(ErrTCPConnClosed, nil)
		}
		c.inBuf = append(c.inBuf, tmp[:n]...)
		if err := c.drainParser(); err != nil {
			return err
		}
	}
	return nil
}

func (c *TCPConn) drainParser() error {
	for {
		res := c.parser.Feed(c.inBuf)
		if res.Consumed > 0 {
			c.inBuf = c.inBuf[res.Consumed:]
		}

		switch res.Status {
		case coapmsg.TCPFramePending:
			return nil
		case coapmsg.TCPFrameMalformed:
			c.abort("malformed TCP framing")
			return wrapError(ErrMalformedMessage, nil)
		case coapmsg.TCPFramePayloadPartial:
			c.curPayload = append(c.curPayload, res.Payload...)
			continue
		case coapmsg.TCPFrameReady:
			payload := append(c.curPayload, res.Payload...)
			c.curPayload = nil
			msg := coapmsg.Message{Code: res.Code, Token: res.Token, Options: res.Options, Payload: payload}
			if err := c.handleFrame(msg); err != nil {
				return err
			}
		}
	}
}

func (c *TCPConn) handleFrame(msg coapmsg.Message) error {
	if msg.Code.IsSignaling() {
		return c.handleSignaling(msg)
	}
	if !c.csm.Received {
		c.abort("data message received before peer CSM")
		c.failAllExchanges()
		return wrapError(ErrTCPCSMNotReceived, nil)
	}
	if c.Dispatch != nil {
		c.Dispatch(msg)
	}
	return nil
}

func (c *TCPConn) handleSignaling(msg coapmsg.Message) error {
	switch msg.Code {
	case coapmsg.CSM:
		c.csm.Received = true
		c.cancelCSMDeadline()
		if it, ok := msg.Options.FindFirst(optCSMMaxMessageSize); ok {
			if v, err := it.Value(); err == nil {
				c.csm.PeerMaxMessageSize = decodeU32(v)
			}
		}
		if _, ok := msg.Options.FindFirst(optCSMBlockWiseTransfer); ok {
			c.csm.PeerBlockCapable = true
		}
		if c.state == ConnAwaitingPeerCSM {
			c.state = ConnEstablished
		}
	case coapmsg.Ping:
		opts := coapmsg.NewOptions()
		if it, ok := msg.Options.FindFirst(optPingPongCustody); ok {
			if v, err := it.Value(); err == nil {
				_ = opts.AddOpaque(optPingPongCustody, v)
			}
		}
		_ = c.sendSignaling(coapmsg.Pong, opts, nil)
	case coapmsg.Pong:
		// No core action: a keepalive collaborator watching for Pong
		// would cancel its own ping timeout here.
	case coapmsg.Release:
		c.state = ConnClosed
		_ = c.sock.Close()
	case coapmsg.Abort:
		c.state = ConnAborted
		_ = c.sock.Close()
	}
	return nil
}

func decodeU32(b []byte) uint32 {
	var v uint32
	for _, by := range b {
		v = v<<8 | uint32(by)
	}
	return v
}
