package reactor

import (
	"fmt"
	"net"
)

// StartListeners opens the JSON-port and NMEA0183-port TCP listeners on
// port and port+1 respectively and registers both with r.
// Go's net package enables SO_REUSEADDR on listening sockets by default,
// so no separate setsockopt call is needed here.
func StartListeners(r *Registry, port int) error {
	jsonLn, err := net.ListenTCP("tcp", &net.TCPAddr{Port: port})
	if err != nil {
		return fmt.Errorf("reactor: unable to open JSON server socket on port %d: %w", port, err)
	}
	if err := registerListener(r, jsonLn, StreamServerJSON); err != nil {
		return err
	}

	nmeaLn, err := net.ListenTCP("tcp", &net.TCPAddr{Port: port + 1})
	if err != nil {
		return fmt.Errorf("reactor: unable to open NMEA0183 server socket on port %d: %w", port+1, err)
	}
	if err := registerListener(r, nmeaLn, StreamServerNMEA0183); err != nil {
		return err
	}
	return nil
}

func registerListener(r *Registry, ln *net.TCPListener, typ StreamType) error {
	fd, err := rawFD(ln)
	if err != nil {
		return fmt.Errorf("reactor: unable to obtain listener fd: %w", err)
	}
	idx, err := r.Register(fd, typ)
	if err != nil {
		_ = ln.Close()
		return err
	}
	r.At(idx).Listener = ln
	return nil
}
