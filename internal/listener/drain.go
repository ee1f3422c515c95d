package listener

import (
	"net"
	"time"
)

// Bounded drain window: after sending a terminal
// ErrorResponse (or an equivalent Gel close), the driver keeps reading
// whatever the peer already had in flight instead of closing immediately,
// so the kernel sends a clean FIN rather than an RST into a peer that's
// mid-write. Adapted from a relay's CloseWrite half-close handling into a
// read-only drain, since this core never has a backend connection to
// relay against.
const (
	drainIdleTimeout     = 100 * time.Millisecond
	drainAbsoluteTimeout = 10 * time.Second
	drainMaxBytes        = 1 << 20
)

// drain reads and discards bytes from conn until the peer goes quiet for
// drainIdleTimeout, drainAbsoluteTimeout elapses, or drainMaxBytes have
// been read — whichever comes first. It restores no deadline afterward;
// the caller is expected to close conn right after.
func drain(conn net.Conn) {
	deadline := time.Now().Add(drainAbsoluteTimeout)
	buf := make([]byte, 4096)
	total := 0

	for total < drainMaxBytes {
		idle := time.Now().Add(drainIdleTimeout)
		if idle.After(deadline) {
			idle = deadline
		}
		if err := conn.SetReadDeadline(idle); err != nil {
			return
		}
		n, err := conn.Read(buf)
		total += n
		if err != nil {
			return
		}
		if !time.Now().Before(deadline) {
			return
		}
	}
}
