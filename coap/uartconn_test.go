package coap

import (
	"testing"

	"github.com/lobaro/coap-engine/coapmsg"
)

func TestUARTConnSendMessageRoundTrip(t *testing.T) {
	sock := &fakeSocket{}
	conn := NewUARTConn(sock)

	opts := coapmsg.NewOptions()
	_ = opts.AddString(coapmsg.OptionURIPath, "leds")
	msg := &coapmsg.Message{Type: coapmsg.Confirmable, Code: coapmsg.PUT, Token: coapmsg.Token{0x5}, Options: opts, Payload: []byte("on")}

	if err := conn.SendMessage(msg); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	got, err := coapmsg.ParseUDP(sock.Sent())
	if err != nil {
		t.Fatalf("ParseUDP of sent bytes: %v", err)
	}
	if got.Code != coapmsg.PUT || string(got.Payload) != "on" {
		t.Fatalf("got = %+v", got)
	}
}

func TestUARTConnReceiveStepDispatchesDecodedDatagram(t *testing.T) {
	sock := &fakeSocket{}
	conn := NewUARTConn(sock)

	msg := &coapmsg.Message{Code: coapmsg.Content, Token: coapmsg.Token{0x1}, Payload: []byte("42")}
	buf := make([]byte, 64)
	n, err := coapmsg.SerializeUDP(buf, msg)
	if err != nil {
		t.Fatalf("SerializeUDP: %v", err)
	}
	sock.Feed(buf[:n])

	var got *coapmsg.Message
	conn.Dispatch = func(m coapmsg.Message) { got = &m }

	if err := conn.ReceiveStep(); err != nil {
		t.Fatalf("ReceiveStep: %v", err)
	}
	if got == nil || string(got.Payload) != "42" {
		t.Fatalf("got = %+v", got)
	}
}

func TestUARTConnReceiveStepRejectsMalformedDatagram(t *testing.T) {
	sock := &fakeSocket{}
	conn := NewUARTConn(sock)
	sock.Feed([]byte{0x00, 0x01, 0, 0}) // version bits 0, not 1

	err := conn.ReceiveStep()
	eng, ok := err.(*EngineError)
	if !ok || eng.Code != ErrMalformedMessage {
		t.Fatalf("err = %v, want ErrMalformedMessage", err)
	}
}
