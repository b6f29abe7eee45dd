package kms

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/guestview/display"
	"github.com/guestview/display/grant"
)

// dumbBuffer is a display.DisplayBuffer backed by a driver dumb buffer. For
// guest-backed buffers the guest region holds the grant mapping and Copy
// pulls it into the dumb mapping the driver scans out.
type dumbBuffer struct {
	card   *Card
	handle uint32

	width, height, bpp uint32
	stride             int
	size               int

	data  []byte // dumb buffer mapping
	guest grant.Region

	mu     sync.Mutex
	name   uint32
	named  bool
	closed bool
}

// CreateDisplayBuffer implements display.Display.
func (c *Card) CreateDisplayBuffer(width, height, bpp uint32) (display.DisplayBuffer, error) {
	return c.createBuffer(width, height, bpp, nil)
}

// CreateGuestDisplayBuffer implements display.Display.
func (c *Card) CreateGuestDisplayBuffer(width, height, bpp uint32, domID uint16, refs []grant.Ref) (display.DisplayBuffer, error) {
	if c.mapper == nil {
		return nil, errors.Wrap(display.ErrMappingFailed, "no grant mapper configured")
	}
	if len(refs) == 0 {
		return nil, errors.Wrap(display.ErrMappingFailed, "no grant references")
	}

	region, err := c.mapper.Map(domID, refs)
	if err != nil {
		return nil, errors.Wrapf(display.ErrMappingFailed, "map guest buffer: %v", err)
	}

	buf, err := c.createBuffer(width, height, bpp, region)
	if err != nil {
		_ = region.Close()
		return nil, err
	}
	return buf, nil
}

// ExportGuestDisplayBuffer implements display.Display.
func (c *Card) ExportGuestDisplayBuffer(width, height, bpp uint32, domID uint16) (display.DisplayBuffer, []grant.Ref, error) {
	if c.mapper == nil {
		return nil, nil, errors.Wrap(display.ErrMappingFailed, "no grant mapper configured")
	}

	size := int(height) * int(width*bpp/8)
	region, refs, err := c.mapper.Alloc(domID, grant.Pages(size))
	if err != nil {
		return nil, nil, errors.Wrapf(display.ErrMappingFailed, "alloc guest buffer: %v", err)
	}

	buf, err := c.createBuffer(width, height, bpp, region)
	if err != nil {
		_ = region.Close()
		return nil, nil, err
	}
	return buf, refs, nil
}

func (c *Card) createBuffer(width, height, bpp uint32, guest grant.Region) (*dumbBuffer, error) {
	if width == 0 || height == 0 || bpp == 0 || bpp%8 != 0 {
		return nil, errors.Wrapf(display.ErrInvalidArgument,
			"bad buffer geometry %dx%dx%d", width, height, bpp)
	}

	handle, pitch, size, err := createDumb(c.fd(), width, height, bpp)
	if err != nil {
		return nil, errors.Wrapf(display.ErrMappingFailed, "create dumb buffer: %v", err)
	}

	offset, err := mapDumb(c.fd(), handle)
	if err != nil {
		_ = destroyDumb(c.fd(), handle)
		return nil, errors.Wrapf(display.ErrMappingFailed, "map dumb buffer: %v", err)
	}

	data, err := mmapDumb(c.fd(), offset, int(size))
	if err != nil {
		_ = destroyDumb(c.fd(), handle)
		return nil, errors.Wrapf(display.ErrMappingFailed, "mmap dumb buffer: %v", err)
	}

	b := &dumbBuffer{
		card:   c,
		handle: handle,
		width:  width,
		height: height,
		bpp:    bpp,
		stride: int(pitch),
		size:   int(size),
		data:   data,
		guest:  guest,
	}

	c.mu.Lock()
	c.buffers[b] = struct{}{}
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"handle": handle,
		"size":   size,
		"guest":  guest != nil,
	}).Debug("created display buffer")
	return b, nil
}

func (b *dumbBuffer) Size() int       { return b.size }
func (b *dumbBuffer) Stride() int     { return b.stride }
func (b *dumbBuffer) Handle() uintptr { return uintptr(b.handle) }

// Buffer implements display.DisplayBuffer. For guest-backed buffers it
// returns the mapped guest memory, not the scanout copy.
func (b *dumbBuffer) Buffer() []byte {
	if b.guest != nil {
		return b.guest.Bytes()
	}
	return b.data
}

// ReadName implements display.DisplayBuffer.
func (b *dumbBuffer) ReadName() (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, errors.Wrap(display.ErrInvalidState, "buffer closed")
	}
	if b.named {
		return b.name, nil
	}
	name, err := flinkName(b.card.fd(), b.handle)
	if err != nil {
		return 0, errors.Wrapf(display.ErrMappingFailed, "export buffer name: %v", err)
	}
	b.name = name
	b.named = true
	return name, nil
}

// Copy implements display.DisplayBuffer.
func (b *dumbBuffer) Copy() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.Wrap(display.ErrInvalidState, "buffer closed")
	}
	if b.guest == nil {
		return nil
	}

	src := b.guest.Bytes()
	if len(src) > len(b.data) {
		src = src[:len(b.data)]
	}
	copy(b.data, src)
	return nil
}

// Close implements display.DisplayBuffer.
func (b *dumbBuffer) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.card.forgetBuffer(b)

	var first error
	if err := unix.Munmap(b.data); err != nil {
		first = errors.Wrap(err, "munmap dumb buffer")
	}
	b.data = nil
	if err := destroyDumb(b.card.fd(), b.handle); err != nil && first == nil {
		first = errors.Wrap(err, "destroy dumb buffer")
	}
	if b.guest != nil {
		if err := b.guest.Close(); err != nil && first == nil {
			first = err
		}
		b.guest = nil
	}
	return first
}
