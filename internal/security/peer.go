// Package security identifies the local process on the other end of the
// daemon socket.
package security

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

type PeerInfo struct {
	PID  int    `json:"pid"`
	UID  uint32 `json:"uid"`
	GID  uint32 `json:"gid"`
	Path string `json:"path,omitempty"` // best-effort executable path
}

// PeerFromUnixConn extracts peer credentials from a *net.UnixConn.
func PeerFromUnixConn(conn *net.UnixConn) (PeerInfo, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return PeerInfo{}, err
	}
	var pi PeerInfo
	var serr error

	err = raw.Control(func(fd uintptr) {
		pi, serr = peerCreds(int(fd))
	})
	if err != nil {
		return PeerInfo{}, err
	}
	if serr != nil {
		return PeerInfo{}, serr
	}

	pi.Path = exePathForPID(pi.PID)
	return pi, nil
}

func exePathForPID(pid int) string {
	if pid <= 0 {
		return ""
	}
	switch runtime.GOOS {
	case "linux":
		p := fmt.Sprintf("/proc/%d/exe", pid)
		if target, err := os.Readlink(p); err == nil {
			return target
		}
	case "darwin":
		out, err := exec.Command("/bin/ps", "-o", "comm=", "-p", strconv.Itoa(pid)).Output()
		if err == nil {
			return filepath.Clean(strings.TrimSpace(string(out)))
		}
	}
	return ""
}

// SameUser reports whether the peer runs as the daemon's own user.
func (pi PeerInfo) SameUser() bool {
	return int(pi.UID) == os.Getuid()
}

func (pi PeerInfo) String() string {
	if pi.Path != "" {
		return fmt.Sprintf("PID:%d Path:%s UID:%d GID:%d", pi.PID, pi.Path, pi.UID, pi.GID)
	}
	return fmt.Sprintf("PID:%d UID:%d GID:%d", pi.PID, pi.UID, pi.GID)
}

type peerKey struct{}

// WithPeer stores pi in ctx.
func WithPeer(ctx context.Context, pi PeerInfo) context.Context {
	return context.WithValue(ctx, peerKey{}, pi)
}

// PeerFromContext returns the peer stored by WithPeer.
func PeerFromContext(ctx context.Context) (PeerInfo, bool) {
	pi, ok := ctx.Value(peerKey{}).(PeerInfo)
	return pi, ok
}
