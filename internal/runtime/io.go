package runtime

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/unicornultrafoundation/wgstack/internal/buffer"
)

// Io is a registered non-blocking datagram socket. Reads are forwarded
// to the registered callback as they drain; writes that would block are
// queued and flushed when the fd reports writable.
type Io struct {
	loop  *Loop
	fd    int
	read  func(*buffer.Slice)
	queue [][]byte
}

// Register adds a non-blocking datagram fd to the poll set. The read
// callback receives one Slice per datagram, on the loop thread.
func (l *Loop) Register(fd int, read func(*buffer.Slice)) *Io {
	io := &Io{loop: l, fd: fd, read: read}
	l.fds = append(l.fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	l.entries = append(l.entries, io)
	return io
}

// Close removes the fd from the poll set and closes it.
func (io *Io) Close() {
	l := io.loop
	for i, e := range l.entries {
		if e == io {
			last := len(l.entries) - 1
			l.entries[i] = l.entries[last]
			l.entries = l.entries[:last]
			l.fds[i] = l.fds[last]
			l.fds = l.fds[:last]
			break
		}
	}
	unix.Close(io.fd)
}

// Write serializes a datagram through f and sends it, queueing the
// bytes if the socket is not ready. Serialization happens exactly once.
func (io *Io) Write(f func(*buffer.Cursor)) error {
	buf := make([]byte, buffer.MTU)
	cur := buffer.NewCursor(buf)
	f(cur)
	return io.send(cur.Bytes())
}

func (io *Io) send(b []byte) error {
	n, err := unix.Write(io.fd, b)
	switch {
	case err == unix.EAGAIN:
		io.queue = append(io.queue, b)
		io.arm(unix.POLLOUT)
		return nil
	case err != nil:
		return fmt.Errorf("send: %w", err)
	case n != len(b):
		return fmt.Errorf("send: short write (%d/%d bytes)", n, len(b))
	}
	return nil
}

func (io *Io) arm(events int16) {
	for i, e := range io.loop.entries {
		if e == io {
			io.loop.fds[i].Events |= events
			return
		}
	}
}

// flushRead drains every pending datagram, wrapping each in a fresh
// Slice truncated to the received length.
func (io *Io) flushRead() error {
	for {
		s := buffer.New(buffer.MTU)
		n, err := unix.Read(io.fd, s.Bytes())
		if err == unix.EAGAIN {
			return nil
		}
		if err != nil {
			return fmt.Errorf("recv: %w", err)
		}
		s.Truncate(n)
		io.read(s)
	}
}

// flushWrite sends queued datagrams until the queue empties or the
// socket blocks again.
func (io *Io) flushWrite() error {
	for len(io.queue) > 0 {
		b := io.queue[0]
		n, err := unix.Write(io.fd, b)
		if err == unix.EAGAIN {
			return nil
		}
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}
		if n != len(b) {
			return fmt.Errorf("send: short write (%d/%d bytes)", n, len(b))
		}
		io.queue = io.queue[1:]
	}
	return nil
}
