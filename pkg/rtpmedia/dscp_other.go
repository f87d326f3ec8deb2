//go:build !linux && !darwin

package rtpmedia

import "net"

func setVoiceDSCP(*net.UDPConn) error { return nil }
