package kms

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/guestview/display"
)

// frameBuffer is a display.FrameBuffer registered with the driver via the
// fourcc framebuffer call.
type frameBuffer struct {
	card   *Card
	id     uint32
	width  uint32
	height uint32
	format display.PixelFormat
	buf    display.DisplayBuffer

	mu     sync.Mutex
	closed bool
}

// CreateFrameBuffer implements display.Display.
func (c *Card) CreateFrameBuffer(buf display.DisplayBuffer, width, height uint32, format display.PixelFormat) (display.FrameBuffer, error) {
	db, ok := buf.(*dumbBuffer)
	if !ok || db.card != c {
		return nil, errors.Wrap(display.ErrInvalidArgument, "buffer not created by this display")
	}

	bpp := format.BitsPerPixel()
	if bpp == 0 {
		return nil, errors.Wrapf(display.ErrInvalidArgument, "unsupported pixel format %s", format)
	}
	if width > db.width || height > db.height {
		return nil, errors.Wrapf(display.ErrInvalidArgument,
			"frame %dx%d exceeds buffer %dx%d", width, height, db.width, db.height)
	}
	if int(width*bpp/8) > db.stride {
		return nil, errors.Wrapf(display.ErrInvalidArgument,
			"frame row of %d bytes exceeds buffer stride %d", width*bpp/8, db.stride)
	}

	id, err := addFB2(c.fd(), width, height, uint32(format), uint32(db.stride), db.handle)
	if err != nil {
		return nil, errors.Wrapf(display.ErrMappingFailed, "add frame buffer: %v", err)
	}

	return &frameBuffer{
		card:   c,
		id:     id,
		width:  width,
		height: height,
		format: format,
		buf:    buf,
	}, nil
}

func (f *frameBuffer) Handle() uintptr                      { return uintptr(f.id) }
func (f *frameBuffer) Width() uint32                        { return f.width }
func (f *frameBuffer) Height() uint32                       { return f.height }
func (f *frameBuffer) Format() display.PixelFormat          { return f.format }
func (f *frameBuffer) DisplayBuffer() display.DisplayBuffer { return f.buf }

// Close implements display.FrameBuffer.
func (f *frameBuffer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	if err := rmFB(f.card.fd(), f.id); err != nil {
		return errors.Wrap(err, "remove frame buffer")
	}
	return nil
}
