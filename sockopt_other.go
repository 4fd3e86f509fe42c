//go:build !linux

package smbdfs

import "net"

// tuneConn enables keep-alives on TCP connections.
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
}
