//go:build !linux

package coap

import (
	"bufio"
	"net"
	"time"
)

// hasBufferedData has no ioctl-free way to peek a socket's receive queue
// outside Linux, so it falls back to a zero-wait Peek: a timeout means no
// data is queued, anything else (including EOF) is treated as "yes,
// proceed" so Recv can observe and report the close.
func hasBufferedData(conn net.Conn, br *bufio.Reader) bool {
	if err := conn.SetReadDeadline(time.Now()); err != nil {
		return true
	}
	defer conn.SetReadDeadline(time.Time{})
	_, err := br.Peek(1)
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return false
	}
	return true
}
