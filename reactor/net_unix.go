package reactor

import (
	"fmt"
	"syscall"
)

// rawFD extracts the underlying OS descriptor from a net.Conn or
// net.Listener so it can be handed to poll(2), following the same
// SyscallConn/Control pattern socketcan/socketcan.go uses to reach
// down to raw-fd operations from an otherwise idiomatic Go handle.
func rawFD(c syscall.Conn) (int, error) {
	rc, err := c.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("reactor: unable to obtain raw conn: %w", err)
	}

	var fd int
	var ctrlErr error
	err = rc.Control(func(descriptor uintptr) {
		fd = int(descriptor)
	})
	if err != nil {
		ctrlErr = err
	}
	if ctrlErr != nil {
		return -1, fmt.Errorf("reactor: unable to read raw fd: %w", ctrlErr)
	}
	return fd, nil
}
