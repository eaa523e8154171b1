//go:build windows

package network

import (
	"net"
	"syscall"

	"golang.org/x/sys/windows"
)

// ReuseAddrListenConfig sets SO_REUSEADDR before bind so that a restarted
// process can take its port back immediately. Used for the channel's UDP
// socket and the status API listener.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{Control: reuseAddr}
}

func reuseAddr(_, _ string, c syscall.RawConn) error {
	var opErr error
	if err := c.Control(func(fd uintptr) {
		opErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return opErr
}
