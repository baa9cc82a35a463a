//go:build linux

package security

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func peerCreds(fd int) (PeerInfo, error) {
	cred, err := unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return PeerInfo{}, fmt.Errorf("SO_PEERCRED: %w", err)
	}
	return PeerInfo{PID: int(cred.Pid), UID: cred.Uid, GID: cred.Gid}, nil
}
