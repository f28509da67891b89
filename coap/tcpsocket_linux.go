//go:build linux

package coap

import (
	"bufio"
	"net"

	"golang.org/x/sys/unix"
)

// hasBufferedData asks the kernel how many bytes are queued for reading
// on conn's socket via the FIONREAD ioctl — the same syscall family
// raw-socket diagnostic tools use to report queued bytes without
// consuming them — rather than guessing from a speculative read.
// FIONREAD reports 0 both when no data is queued on an open socket and
// when the peer has closed with nothing left queued, so a peer close is
// not reported here as buffered data.
func hasBufferedData(conn net.Conn, _ *bufio.Reader) bool {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return true
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return true
	}
	var n int
	ctlErr := raw.Control(func(fd uintptr) {
		n, err = unix.IoctlGetInt(int(fd), unix.FIONREAD)
	})
	if ctlErr != nil || err != nil {
		return true
	}
	return n > 0
}
