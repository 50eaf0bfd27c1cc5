//go:build !windows

package protocol

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// Listen opens the control-channel unix socket with owner-only
// permissions. A stale socket file from a previous run is removed.
func Listen(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating socket dir: %w", err)
	}
	// A leftover socket from an unclean shutdown blocks bind.
	if _, err := os.Stat(path); err == nil {
		if conn, err := net.Dial("unix", path); err == nil {
			_ = conn.Close()
			return nil, fmt.Errorf("socket %s is already in use by a running daemon", path)
		}
		_ = os.Remove(path)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("restricting socket permissions: %w", err)
	}
	return ln, nil
}

// DialPath connects to the control-channel socket.
func DialPath(path string) (net.Conn, error) {
	return net.Dial("unix", path)
}
