//go:build linux

package smbdfs

import (
	"net"

	"golang.org/x/sys/unix"
)

// tuneConn enables keep-alives and bounds how long unacknowledged data may
// sit in the send queue, so dead peers surface as read errors.
func tuneConn(conn net.Conn, cfg *TransportConfig) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if cfg.KeepAlive > 0 {
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(cfg.KeepAlive)
	}
	_ = tcp.SetNoDelay(true)
	if cfg.UserTimeout <= 0 {
		return
	}
	raw, err := tcp.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, int(cfg.UserTimeout.Milliseconds()))
	})
}
