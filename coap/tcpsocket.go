package coap

import (
	"bufio"
	"net"
	"time"
)

// TCPSocket adapts a net.Conn (or, before Connect, a dial target) to the
// Socket interface tcpconn.go drives. HasBufferedData answers "would a
// Recv right now return data without blocking" via hasBufferedData
// (platform-specific, see tcpsocket_linux.go/tcpsocket_other.go);
// Recv itself uses a zero-wait read deadline so a call that would
// otherwise block instead returns (0, nil) — the receive loop only ever
// calls Recv after HasBufferedData said yes, so that (0, nil) path is
// never actually exercised in practice, just a defensive fallback.
type TCPSocket struct {
	addr string
	conn net.Conn
	br   *bufio.Reader
}

// NewTCPSocket returns a socket that dials addr (host:port) on Connect.
func NewTCPSocket(addr string) *TCPSocket {
	return &TCPSocket{addr: addr}
}

// NewTCPSocketFromConn wraps an already-established connection (e.g. one
// accepted by a listener) as a Socket; Connect is then a no-op.
func NewTCPSocketFromConn(conn net.Conn) *TCPSocket {
	return &TCPSocket{conn: conn, br: bufio.NewReader(conn)}
}

func (s *TCPSocket) Connect() error {
	if s.conn != nil {
		return nil
	}
	conn, err := net.Dial("tcp", s.addr)
	if err != nil {
		return err
	}
	s.conn = conn
	s.br = bufio.NewReader(conn)
	return nil
}

func (s *TCPSocket) Send(b []byte) (int, error) {
	return s.conn.Write(b)
}

func (s *TCPSocket) Recv(buf []byte) (int, error) {
	if s.br.Buffered() == 0 {
		if err := s.conn.SetReadDeadline(time.Now()); err != nil {
			return 0, err
		}
		defer s.conn.SetReadDeadline(time.Time{})
	}
	n, err := s.br.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, nil
		}
		return n, err
	}
	return n, nil
}

func (s *TCPSocket) HasBufferedData() bool {
	if s.br.Buffered() > 0 {
		return true
	}
	return hasBufferedData(s.conn, s.br)
}

func (s *TCPSocket) Close() error {
	return s.conn.Close()
}
