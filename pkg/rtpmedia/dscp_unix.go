//go:build linux || darwin

package rtpmedia

import (
	"net"

	"golang.org/x/sys/unix"
)

// setVoiceDSCP помечает исходящий RTP как EF
func setVoiceDSCP(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, dscpEF<<2)
	})
	if err != nil {
		return err
	}
	return sockErr
}
