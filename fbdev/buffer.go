package fbdev

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/guestview/display"
	"github.com/guestview/display/grant"
)

// buffer is a display.DisplayBuffer held in ordinary memory. The framebuffer
// device has no buffer objects of its own, so handles and names are assigned
// by the Device and the shadow slice is what show() copies to the screen.
type buffer struct {
	dev    *Device
	handle uintptr

	width, height, bpp uint32
	stride             int

	shadow []byte
	guest  grant.Region

	mu     sync.Mutex
	closed bool
}

// CreateDisplayBuffer implements display.Display.
func (d *Device) CreateDisplayBuffer(width, height, bpp uint32) (display.DisplayBuffer, error) {
	return d.createBuffer(width, height, bpp, nil)
}

// CreateGuestDisplayBuffer implements display.Display.
func (d *Device) CreateGuestDisplayBuffer(width, height, bpp uint32, domID uint16, refs []grant.Ref) (display.DisplayBuffer, error) {
	if d.mapper == nil {
		return nil, errors.Wrap(display.ErrMappingFailed, "no grant mapper configured")
	}
	if len(refs) == 0 {
		return nil, errors.Wrap(display.ErrMappingFailed, "no grant references")
	}

	region, err := d.mapper.Map(domID, refs)
	if err != nil {
		return nil, errors.Wrapf(display.ErrMappingFailed, "map guest buffer: %v", err)
	}

	buf, err := d.createBuffer(width, height, bpp, region)
	if err != nil {
		_ = region.Close()
		return nil, err
	}
	return buf, nil
}

// ExportGuestDisplayBuffer implements display.Display.
func (d *Device) ExportGuestDisplayBuffer(width, height, bpp uint32, domID uint16) (display.DisplayBuffer, []grant.Ref, error) {
	if d.mapper == nil {
		return nil, nil, errors.Wrap(display.ErrMappingFailed, "no grant mapper configured")
	}

	size := int(height) * int(width*bpp/8)
	region, refs, err := d.mapper.Alloc(domID, grant.Pages(size))
	if err != nil {
		return nil, nil, errors.Wrapf(display.ErrMappingFailed, "alloc guest buffer: %v", err)
	}

	buf, err := d.createBuffer(width, height, bpp, region)
	if err != nil {
		_ = region.Close()
		return nil, nil, err
	}
	return buf, refs, nil
}

func (d *Device) createBuffer(width, height, bpp uint32, guest grant.Region) (*buffer, error) {
	if width == 0 || height == 0 || bpp == 0 || bpp%8 != 0 {
		return nil, errors.Wrapf(display.ErrInvalidArgument,
			"bad buffer geometry %dx%dx%d", width, height, bpp)
	}

	stride := int(width * bpp / 8)
	b := &buffer{
		dev:    d,
		width:  width,
		height: height,
		bpp:    bpp,
		stride: stride,
		shadow: make([]byte, stride*int(height)),
		guest:  guest,
	}

	d.mu.Lock()
	b.handle = d.nextHandle
	d.nextHandle++
	d.buffers[b] = struct{}{}
	d.mu.Unlock()
	return b, nil
}

func (b *buffer) Size() int       { return len(b.shadow) }
func (b *buffer) Stride() int     { return b.stride }
func (b *buffer) Handle() uintptr { return b.handle }

// Buffer implements display.DisplayBuffer.
func (b *buffer) Buffer() []byte {
	if b.guest != nil {
		return b.guest.Bytes()
	}
	return b.shadow
}

// ReadName implements display.DisplayBuffer. The device has no driver name
// space; the handle doubles as the exported name.
func (b *buffer) ReadName() (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, errors.Wrap(display.ErrInvalidState, "buffer closed")
	}
	return uint32(b.handle), nil
}

// Copy implements display.DisplayBuffer.
func (b *buffer) Copy() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.Wrap(display.ErrInvalidState, "buffer closed")
	}
	if b.guest == nil {
		return nil
	}

	src := b.guest.Bytes()
	if len(src) > len(b.shadow) {
		src = src[:len(b.shadow)]
	}
	copy(b.shadow, src)
	return nil
}

// Close implements display.DisplayBuffer.
func (b *buffer) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.dev.mu.Lock()
	delete(b.dev.buffers, b)
	b.dev.mu.Unlock()

	b.shadow = nil
	if b.guest != nil {
		err := b.guest.Close()
		b.guest = nil
		return err
	}
	return nil
}
