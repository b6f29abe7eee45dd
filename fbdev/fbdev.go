// Package fbdev presents a Linux framebuffer device as a display.
//
// A framebuffer device has no mode-setting engine, so the device exposes a
// single always-connected connector driving the current video mode. Page
// flips copy the frame into the mapped framebuffer and complete through the
// device event loop, preserving the asynchronous completion contract.
package fbdev

import (
	"os"
	"path/filepath"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/guestview/display"
	"github.com/guestview/display/grant"
	"github.com/guestview/display/internal/ioctl"
)

// Device is an open framebuffer device. It implements display.Display.
type Device struct {
	f      *os.File
	log    *logrus.Entry
	mapper grant.Mapper

	info   fixScreenInfo
	screen varScreenInfo
	format display.PixelFormat
	mem    []byte

	conn *connector

	mu         sync.Mutex
	running    bool
	events     chan func()
	quit       chan struct{}
	done       chan struct{}
	nextHandle uintptr
	buffers    map[*buffer]struct{}
}

// Option configures a Device.
type Option func(*Device)

// WithMapper supplies the grant mapper used for guest-backed buffers.
func WithMapper(m grant.Mapper) Option {
	return func(d *Device) { d.mapper = m }
}

// WithLogger overrides the default logger.
func WithLogger(l *logrus.Logger) Option {
	return func(d *Device) { d.log = l.WithField("device", d.f.Name()) }
}

// Open opens a framebuffer device (fbdev) by name, typically /dev/fb[0..x].
func Open(name string, opts ...Option) (*Device, error) {
	f, err := os.OpenFile(name, os.O_RDWR, os.ModeDevice)
	if err != nil {
		return nil, errors.Wrap(err, "open framebuffer device")
	}

	d := &Device{
		f:          f,
		log:        logrus.StandardLogger().WithField("device", name),
		nextHandle: 1,
		buffers:    make(map[*buffer]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	if err = d.ioctl(fbioGetFScreenInfo, unsafe.Pointer(&d.info)); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "query fixed screen info")
	}
	if err = d.ioctl(fbioGetVScreenInfo, unsafe.Pointer(&d.screen)); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "query variable screen info")
	}
	if d.format, err = parsePixelFormat(&d.screen); err != nil {
		_ = f.Close()
		return nil, err
	}

	if d.mem, err = unix.Mmap(int(f.Fd()), 0, int(d.info.SmemLen),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "map framebuffer memory")
	}

	d.conn = &connector{
		dev:  d,
		name: filepath.Base(name),
	}
	d.log.WithFields(logrus.Fields{
		"width":  d.screen.Xres,
		"height": d.screen.Yres,
		"format": d.format,
	}).Debug("opened framebuffer")
	return d, nil
}

func (d *Device) ioctl(cmd uintptr, arg unsafe.Pointer) error {
	return ioctl.Call(d.f.Fd(), cmd, uintptr(arg))
}

// Start implements display.Display.
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return errors.Wrap(display.ErrInvalidState, "event loop already started")
	}
	d.events = make(chan func(), 16)
	d.quit = make(chan struct{})
	d.done = make(chan struct{})
	d.running = true

	go func(events chan func(), quit, done chan struct{}) {
		defer close(done)
		for {
			select {
			case <-quit:
				return
			case f := <-events:
				select {
				case <-quit:
					// Stopped with this completion still queued: drop it.
				default:
					f()
				}
			}
		}
	}(d.events, d.quit, d.done)
	return nil
}

// Stop implements display.Display. Completions queued at stop time are
// dropped, never delivered.
func (d *Device) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	quit, done := d.quit, d.done
	d.mu.Unlock()

	close(quit)
	<-done
	return nil
}

// Close implements display.Display.
func (d *Device) Close() error {
	if d.conn.Initialized() {
		return errors.Wrapf(display.ErrInvalidState, "connector %s not released", d.conn.name)
	}
	_ = d.Stop()

	if err := unix.Munmap(d.mem); err != nil {
		return errors.Wrap(err, "unmap framebuffer memory")
	}
	d.mem = nil
	return d.f.Close()
}

// ZeroCopySupported implements display.Display.
func (d *Device) ZeroCopySupported() bool {
	return d.mapper != nil
}

// Mode returns the device's current resolution and native pixel format.
func (d *Device) Mode() (width, height uint32, format display.PixelFormat) {
	return d.screen.Xres, d.screen.Yres, d.format
}

// Connectors returns the names of the device's outputs. A framebuffer
// device has exactly one.
func (d *Device) Connectors() []string {
	return []string{d.conn.name}
}

// ConnectorByName implements display.Display.
func (d *Device) ConnectorByName(name string) (display.Connector, error) {
	if name != d.conn.name {
		return nil, errors.Wrapf(display.ErrNotFound, "connector %q", name)
	}
	return d.conn, nil
}

// post queues fn for the event loop. Events queued while stopped are
// dropped, matching a stopped completion stream.
func (d *Device) post(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return
	}
	d.events <- fn
}

// show copies one frame into the framebuffer, clipping rows and row length
// to the device dimensions.
func (d *Device) show(fb display.FrameBuffer) {
	src := fb.DisplayBuffer().Buffer()
	srcStride := fb.DisplayBuffer().Stride()
	dstStride := int(d.info.LineLength)

	rows := int(fb.Height())
	if max := int(d.screen.Yres); rows > max {
		rows = max
	}
	for y := 0; y < rows; y++ {
		row := src[y*srcStride:]
		if len(row) > srcStride {
			row = row[:srcStride]
		}
		if len(row) > dstStride {
			row = row[:dstStride]
		}
		copy(d.mem[y*dstStride:], row)
	}
}
