package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

// pollResult records, per stream-table index, whether that slot was
// read-ready and/or write-ready after one poll(2) call.
type pollResult struct {
	readable map[int]bool
	writable map[int]bool
}

// poll is the engine's readiness wait: it
// builds a pollfd set from every registered slot with the requested
// interest bit(s) set and blocks for up to timeoutMS, the same direct-fd
// syscall idiom socketcan/socketcan.go uses
// (unix.Socket/unix.Read/unix.SetsockoptTimeval) applied here to
// unix.Poll instead.
func poll(r *Registry, wantRead, wantWrite bool, timeoutMS int) (pollResult, error) {
	type slot struct {
		idx    int
		events int16
	}
	var slots []slot
	r.ForEach(func(i int, s *Stream) {
		var events int16
		if wantRead && s.readInterest {
			events |= unix.POLLIN
		}
		if wantWrite && s.writeInterest {
			events |= unix.POLLOUT
		}
		if events != 0 {
			slots = append(slots, slot{idx: i, events: events})
		}
	})

	res := pollResult{readable: map[int]bool{}, writable: map[int]bool{}}
	if len(slots) == 0 {
		if timeoutMS > 0 {
			time.Sleep(time.Duration(timeoutMS) * time.Millisecond)
		}
		return res, nil
	}

	fds := make([]unix.PollFd, len(slots))
	for i, sl := range slots {
		fds[i] = unix.PollFd{Fd: int32(r.At(sl.idx).FD()), Events: sl.events}
	}

	for {
		_, err := unix.Poll(fds, timeoutMS)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return res, err
		}
		break
	}

	for i, sl := range slots {
		revents := fds[i].Revents
		if revents&unix.POLLIN != 0 {
			res.readable[sl.idx] = true
		}
		if revents&unix.POLLOUT != 0 {
			res.writable[sl.idx] = true
		}
		// A hangup or error on a descriptor we polled for reading is
		// itself a reason to invoke its read handler, so the resulting
		// Read() surfaces the EOF/error through the normal close path.
		if revents&(unix.POLLHUP|unix.POLLERR) != 0 && fds[i].Events&unix.POLLIN != 0 {
			res.readable[sl.idx] = true
		}
	}
	return res, nil
}
