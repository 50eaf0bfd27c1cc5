//go:build windows

package protocol

import (
	"net"
	"time"

	"github.com/Microsoft/go-winio"
)

// Listen opens the control-channel named pipe. Pipe ACLs default to the
// creating user, matching the owner-only unix socket.
func Listen(path string) (net.Listener, error) {
	return winio.ListenPipe(path, nil)
}

// DialPath connects to the control-channel named pipe.
func DialPath(path string) (net.Conn, error) {
	timeout := 10 * time.Second
	return winio.DialPipe(path, &timeout)
}
