package kms

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/guestview/display"
)

// eventLoop reads the card's event stream and dispatches flip completions.
// Dispatch is single threaded: callbacks run on the loop goroutine, one at a
// time.
type eventLoop struct {
	fd     uintptr
	lookup func(userData uint64) *connector
	log    *logrus.Entry

	mu      sync.Mutex
	running bool
	wake    int
	wg      sync.WaitGroup
}

func newEventLoop(fd uintptr, lookup func(uint64) *connector, log *logrus.Entry) *eventLoop {
	return &eventLoop{fd: fd, lookup: lookup, log: log, wake: -1}
}

func (l *eventLoop) start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return errors.Wrap(display.ErrInvalidState, "event loop already started")
	}

	wake, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return errors.Wrap(err, "create wakeup descriptor")
	}
	l.wake = wake
	l.running = true

	l.wg.Add(1)
	go l.run(wake)
	return nil
}

func (l *eventLoop) stop() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	wake := l.wake
	l.mu.Unlock()

	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(wake, one[:]); err != nil {
		return errors.Wrap(err, "wake event loop")
	}
	l.wg.Wait()

	l.mu.Lock()
	l.running = false
	l.wake = -1
	l.mu.Unlock()
	_ = unix.Close(wake)
	return nil
}

func (l *eventLoop) run(wake int) {
	defer l.wg.Done()

	fds := []unix.PollFd{
		{Fd: int32(l.fd), Events: unix.POLLIN},
		{Fd: int32(wake), Events: unix.POLLIN},
	}

	for {
		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			l.log.WithError(err).Error("event poll failed")
			return
		}
		if fds[1].Revents&unix.POLLIN != 0 {
			return
		}
		if fds[0].Revents&unix.POLLIN != 0 {
			l.readEvents()
		}
	}
}

// readEvents drains one batch of events from the card. Each record starts
// with a type and a length; flip completions carry the user data handed to
// the flip call, which is the CRTC id.
func (l *eventLoop) readEvents() {
	var buf [1024]byte
	n, err := unix.Read(int(l.fd), buf[:])
	if err != nil || n < 0 {
		if err != unix.EAGAIN {
			l.log.WithError(err).Error("read display events")
		}
		return
	}

	for off := 0; off+8 <= n; {
		typ := binary.NativeEndian.Uint32(buf[off:])
		length := int(binary.NativeEndian.Uint32(buf[off+4:]))
		if length < 8 || off+length > n {
			return
		}

		if typ == eventFlipComplete && length >= 16 {
			userData := binary.NativeEndian.Uint64(buf[off+8:])
			if conn := l.lookup(userData); conn != nil {
				conn.completeFlip()
			} else {
				l.log.WithField("user_data", userData).Warn("flip event for unknown output")
			}
		}
		off += length
	}
}
