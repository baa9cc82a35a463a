//go:build !linux && !darwin

package security

import (
	"fmt"
	"runtime"
)

func peerCreds(int) (PeerInfo, error) {
	return PeerInfo{}, fmt.Errorf("peer creds unsupported on %s", runtime.GOOS)
}
