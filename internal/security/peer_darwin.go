//go:build darwin

package security

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func peerCreds(fd int) (PeerInfo, error) {
	pid, err := unix.GetsockoptInt(fd, unix.SOL_LOCAL, unix.LOCAL_PEERPID)
	if err != nil {
		return PeerInfo{}, fmt.Errorf("LOCAL_PEERPID: %w", err)
	}
	xu, err := unix.GetsockoptXucred(fd, unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
	if err != nil {
		return PeerInfo{}, fmt.Errorf("LOCAL_PEERCRED: %w", err)
	}
	pi := PeerInfo{PID: pid, UID: xu.Uid}
	if xu.Ngroups > 0 {
		pi.GID = xu.Groups[0]
	}
	return pi, nil
}
