package coap

import (
	"bytes"
	"testing"

	"github.com/lobaro/coap-engine/coapmsg"
)

// fakeSocket is an in-memory Socket: Feed() queues bytes as if received
// from the peer, and Sent() drains what the code under test wrote out.
type fakeSocket struct {
	inbox   []byte
	outbox  bytes.Buffer
	closed  bool
	connErr error
}

func (s *fakeSocket) Connect() error { return s.connErr }
func (s *fakeSocket) Close() error   { s.closed = true; return nil }

func (s *fakeSocket) Send(b []byte) (int, error) {
	return s.outbox.Write(b)
}

func (s *fakeSocket) Recv(buf []byte) (int, error) {
	n := copy(buf, s.inbox)
	s.inbox = s.inbox[n:]
	return n, nil
}

func (s *fakeSocket) HasBufferedData() bool { return len(s.inbox) > 0 }

func (s *fakeSocket) Feed(b []byte) { s.inbox = append(s.inbox, b...) }

func (s *fakeSocket) Sent() []byte { return s.outbox.Bytes() }

func buildSignalingFrame(t *testing.T, code coapmsg.Code, opts coapmsg.Options) []byte {
	t.Helper()
	bodyLen := opts.Len()
	buf := make([]byte, 6+bodyLen)
	n, err := coapmsg.SerializeTCPHeader(buf, code, nil, bodyLen)
	if err != nil {
		t.Fatalf("SerializeTCPHeader: %v", err)
	}
	n += copy(buf[n:], opts.Bytes())
	return buf[:n]
}

func buildDataFrame(t *testing.T, code coapmsg.Code, token coapmsg.Token, payload []byte) []byte {
	t.Helper()
	opts := coapmsg.NewOptions()
	bodyLen := opts.Len()
	if len(payload) > 0 {
		bodyLen += 1 + len(payload)
	}
	buf := make([]byte, 6+len(token)+bodyLen)
	n, err := coapmsg.SerializeTCPHeader(buf, code, token, bodyLen)
	if err != nil {
		t.Fatalf("SerializeTCPHeader: %v", err)
	}
	n += copy(buf[n:], opts.Bytes())
	if len(payload) > 0 {
		buf[n] = coapmsg.PayloadMarker
		n++
		n += copy(buf[n:], payload)
	}
	return buf[:n]
}

func newTestTCPConn(sched Scheduler) (*TCPConn, *fakeSocket) {
	ctx := NewContext(ContextConfig{TokenGen: NewCountingTokenGenerator(), Scheduler: sched})
	sock := &fakeSocket{}
	conn := NewTCPConn(ctx, sock, 1024, 1152, true)
	return conn, sock
}

func TestTCPConnStartSendsCSMAndAwaitsPeer(t *testing.T) {
	conn, sock := newTestTCPConn(newFakeScheduler())
	if err := conn.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if conn.State() != ConnAwaitingPeerCSM {
		t.Fatalf("state = %v, want awaiting_peer_csm", conn.State())
	}
	if len(sock.Sent()) == 0 {
		t.Fatalf("expected a CSM frame to have been sent")
	}
}

func TestTCPConnEstablishesOnPeerCSM(t *testing.T) {
	conn, sock := newTestTCPConn(newFakeScheduler())
	if err := conn.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	peerOpts := coapmsg.NewOptions()
	_ = peerOpts.AddU32(optCSMMaxMessageSize, 2048)
	_ = peerOpts.AddOpaque(optCSMBlockWiseTransfer, nil)
	sock.Feed(buildSignalingFrame(t, coapmsg.CSM, peerOpts))

	if err := conn.ReceiveStep(); err != nil {
		t.Fatalf("ReceiveStep: %v", err)
	}
	if conn.State() != ConnEstablished {
		t.Fatalf("state = %v, want established", conn.State())
	}
	if !conn.csm.Received || conn.csm.PeerMaxMessageSize != 2048 || !conn.csm.PeerBlockCapable {
		t.Fatalf("csm = %+v", conn.csm)
	}
}

func TestTCPConnCSMDeadlineAbortsAndFailsExchanges(t *testing.T) {
	sched := newFakeScheduler()
	conn, sock := newTestTCPConn(sched)
	if err := conn.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var reason DeliveryReason
	conn.ctx.SendAsyncRequest(&coapmsg.Message{Code: coapmsg.GET}, nil, func(ex *Exchange, r DeliveryReason, resp *coapmsg.Message) {
		reason = r
	})

	sched.fire(conn.csmDeadline)

	if conn.State() != ConnAborted {
		t.Fatalf("state = %v, want aborted", conn.State())
	}
	if !sock.closed {
		t.Fatalf("expected socket to be closed on abort")
	}
	if reason != DeliveryCancel {
		t.Fatalf("reason = %v, want DeliveryCancel (CancelExchange path)", reason)
	}
}

func TestTCPConnCSMDeadlineNoopIfPeerCSMAlreadyReceived(t *testing.T) {
	sched := newFakeScheduler()
	conn, sock := newTestTCPConn(sched)
	if err := conn.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sock.Feed(buildSignalingFrame(t, coapmsg.CSM, coapmsg.NewOptions()))
	if err := conn.ReceiveStep(); err != nil {
		t.Fatalf("ReceiveStep: %v", err)
	}

	sched.fire(conn.csmDeadline)
	if conn.State() != ConnEstablished {
		t.Fatalf("state = %v, want still established after a stale CSM deadline fires", conn.State())
	}
}

func TestTCPConnRejectsDataMessageBeforeCSM(t *testing.T) {
	conn, sock := newTestTCPConn(newFakeScheduler())
	if err := conn.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sock.Feed(buildDataFrame(t, coapmsg.GET, coapmsg.Token{0x01}, nil))

	err := conn.ReceiveStep()
	eng, ok := err.(*EngineError)
	if !ok || eng.Code != ErrTCPCSMNotReceived {
		t.Fatalf("err = %v, want ErrTCPCSMNotReceived", err)
	}
}

func TestTCPConnDispatchesEstablishedDataMessage(t *testing.T) {
	conn, sock := newTestTCPConn(newFakeScheduler())
	_ = conn.Start()
	sock.Feed(buildSignalingFrame(t, coapmsg.CSM, coapmsg.NewOptions()))
	_ = conn.ReceiveStep()

	var got *coapmsg.Message
	conn.Dispatch = func(msg coapmsg.Message) { got = &msg }

	sock.Feed(buildDataFrame(t, coapmsg.Content, coapmsg.Token{0x09}, []byte("hi")))
	if err := conn.ReceiveStep(); err != nil {
		t.Fatalf("ReceiveStep: %v", err)
	}
	if got == nil || string(got.Payload) != "hi" || !got.Token.Equal(coapmsg.Token{0x09}) {
		t.Fatalf("got = %+v", got)
	}
}

// TestTCPConnReassemblesMessageSplitAcrossReceiveSteps exercises a data
// message whose bytes arrive from the peer in two separate reads, each
// driven by its own ReceiveStep call.
func TestTCPConnReassemblesMessageSplitAcrossReceiveSteps(t *testing.T) {
	conn, sock := newTestTCPConn(newFakeScheduler())
	_ = conn.Start()
	sock.Feed(buildSignalingFrame(t, coapmsg.CSM, coapmsg.NewOptions()))
	_ = conn.ReceiveStep()

	frame := buildDataFrame(t, coapmsg.Content, coapmsg.Token{0x02}, []byte("hello world"))
	split := len(frame) / 2

	var got *coapmsg.Message
	conn.Dispatch = func(msg coapmsg.Message) { got = &msg }

	sock.Feed(frame[:split])
	if err := conn.ReceiveStep(); err != nil {
		t.Fatalf("ReceiveStep (first half): %v", err)
	}
	if got != nil {
		t.Fatalf("message dispatched before it was fully received")
	}

	sock.Feed(frame[split:])
	if err := conn.ReceiveStep(); err != nil {
		t.Fatalf("ReceiveStep (second half): %v", err)
	}
	if got == nil || string(got.Payload) != "hello world" {
		t.Fatalf("got = %+v", got)
	}
}

func TestTCPConnAbortsOnMalformedFraming(t *testing.T) {
	conn, sock := newTestTCPConn(newFakeScheduler())
	_ = conn.Start()
	// length nibble 0, token-length nibble 9 (>8, invalid per RFC 8323 §3.2).
	sock.Feed([]byte{0x09, byte(coapmsg.GET), 0, 0, 0, 0, 0, 0, 0, 0, 0})

	err := conn.ReceiveStep()
	eng, ok := err.(*EngineError)
	if !ok || eng.Code != ErrMalformedMessage {
		t.Fatalf("err = %v, want ErrMalformedMessage", err)
	}
	if conn.State() != ConnAborted {
		t.Fatalf("state = %v, want aborted", conn.State())
	}
}

func TestTCPConnRespondsToPingWithPong(t *testing.T) {
	conn, sock := newTestTCPConn(newFakeScheduler())
	_ = conn.Start()
	sock.Feed(buildSignalingFrame(t, coapmsg.CSM, coapmsg.NewOptions()))
	_ = conn.ReceiveStep()

	before := len(sock.Sent())
	sock.Feed(buildSignalingFrame(t, coapmsg.Ping, coapmsg.NewOptions()))
	if err := conn.ReceiveStep(); err != nil {
		t.Fatalf("ReceiveStep: %v", err)
	}
	if len(sock.Sent()) <= before {
		t.Fatalf("expected a Pong to have been sent in response to Ping")
	}
}

func TestTCPConnHandlesRelease(t *testing.T) {
	conn, sock := newTestTCPConn(newFakeScheduler())
	_ = conn.Start()
	sock.Feed(buildSignalingFrame(t, coapmsg.CSM, coapmsg.NewOptions()))
	_ = conn.ReceiveStep()

	sock.Feed(buildSignalingFrame(t, coapmsg.Release, coapmsg.NewOptions()))
	if err := conn.ReceiveStep(); err != nil {
		t.Fatalf("ReceiveStep: %v", err)
	}
	if conn.State() != ConnClosed {
		t.Fatalf("state = %v, want closed", conn.State())
	}
	if !sock.closed {
		t.Fatalf("expected socket to be closed on Release")
	}
}

func TestTCPConnSendMessageRejectedBeforeEstablished(t *testing.T) {
	conn, _ := newTestTCPConn(newFakeScheduler())
	_ = conn.Start()
	err := conn.SendMessage(coapmsg.Message{Code: coapmsg.GET})
	eng, ok := err.(*EngineError)
	if !ok || eng.Code != ErrTCPConnClosed {
		t.Fatalf("err = %v, want ErrTCPConnClosed", err)
	}
}
