package coap

import "github.com/lobaro/coap-engine/coapmsg"

// UARTConn drives a Context over a UARTSocket: decode each complete
// datagram Recv hands back and dispatch it, and serialize outgoing
// messages back onto the wire. Confirmable retransmission/deduplication
// is an external collaborator's job (spec.md Non-goals), so this is
// exactly the UDP binding's framing — SLIP already delivers whole
// datagrams, so there is no incremental parser to drive here the way
// tcpconn.go needs one.
type UARTConn struct {
	sock Socket

	Dispatch func(msg coapmsg.Message)
}

func NewUARTConn(sock Socket) *UARTConn {
	return &UARTConn{sock: sock}
}

func (c *UARTConn) Start() error {
	return c.sock.Connect()
}

// ReceiveStep blocks for the next complete datagram (serial.Config's
// ReadTimeout bounds how long) and dispatches it.
func (c *UARTConn) ReceiveStep() error {
	buf := make([]byte, 2048)
	n, err := c.sock.Recv(buf)
	if err != nil {
		return err
	}
	if n == 0 {
		return wrapError(ErrConnClosed, nil)
	}
	msg, err := coapmsg.ParseUDP(buf[:n])
	if err != nil {
		return wrapError(ErrMalformedMessage, err)
	}
	if c.Dispatch != nil {
		c.Dispatch(msg)
	}
	return nil
}

func (c *UARTConn) SendMessage(msg *coapmsg.Message) error {
	need := 4 + len(msg.Token) + msg.Options.Len() + 1 + len(msg.Payload)
	buf := make([]byte, need)
	n, err := coapmsg.SerializeUDP(buf, msg)
	if err != nil {
		return err
	}
	_, err = c.sock.Send(buf[:n])
	return err
}

func (c *UARTConn) Close() error {
	return c.sock.Close()
}
