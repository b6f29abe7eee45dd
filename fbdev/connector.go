package fbdev

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/guestview/display"
)

// connector is the device's single output. The framebuffer is always
// attached, so Connected is constant; the flip protocol matches the
// mode-setting backend with the copy standing in for the hardware flip.
type connector struct {
	dev  *Device
	name string

	mu          sync.Mutex
	initialized bool
	current     display.FrameBuffer
	pending     *pendingFlip
}

type pendingFlip struct {
	fb   display.FrameBuffer
	done display.FlipCallback
}

// frameBuffer is a display.FrameBuffer for the framebuffer device.
type frameBuffer struct {
	handle uintptr
	width  uint32
	height uint32
	format display.PixelFormat
	buf    display.DisplayBuffer
}

// CreateFrameBuffer implements display.Display. The device scans out exactly
// one pixel format; frames must use it.
func (d *Device) CreateFrameBuffer(buf display.DisplayBuffer, width, height uint32, format display.PixelFormat) (display.FrameBuffer, error) {
	b, ok := buf.(*buffer)
	if !ok || b.dev != d {
		return nil, errors.Wrap(display.ErrInvalidArgument, "buffer not created by this display")
	}
	if format != d.format {
		return nil, errors.Wrapf(display.ErrInvalidArgument,
			"pixel format %s unsupported by device (native %s)", format, d.format)
	}
	if width > b.width || height > b.height {
		return nil, errors.Wrapf(display.ErrInvalidArgument,
			"frame %dx%d exceeds buffer %dx%d", width, height, b.width, b.height)
	}

	d.mu.Lock()
	handle := d.nextHandle
	d.nextHandle++
	d.mu.Unlock()

	return &frameBuffer{
		handle: handle,
		width:  width,
		height: height,
		format: format,
		buf:    buf,
	}, nil
}

func (f *frameBuffer) Handle() uintptr                      { return f.handle }
func (f *frameBuffer) Width() uint32                        { return f.width }
func (f *frameBuffer) Height() uint32                       { return f.height }
func (f *frameBuffer) Format() display.PixelFormat          { return f.format }
func (f *frameBuffer) DisplayBuffer() display.DisplayBuffer { return f.buf }
func (f *frameBuffer) Close() error                         { return nil }

// Name implements display.Connector.
func (c *connector) Name() string { return c.name }

// Connected implements display.Connector.
func (c *connector) Connected() bool { return true }

// Initialized implements display.Connector.
func (c *connector) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// Current implements display.Connector.
func (c *connector) Current() display.FrameBuffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Init implements display.Connector. The requested mode must match the
// device's current resolution; fbdev cannot switch modes.
func (c *connector) Init(width, height uint32, frameBuffer display.FrameBuffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return errors.Wrapf(display.ErrInvalidState, "%s already initialized", c.name)
	}
	if frameBuffer == nil {
		return errors.Wrap(display.ErrInvalidArgument, "nil frame buffer")
	}
	if width != c.dev.screen.Xres || height != c.dev.screen.Yres {
		return errors.Wrapf(display.ErrInvalidArgument,
			"%s does not support %dx%d (native %dx%d)",
			c.name, width, height, c.dev.screen.Xres, c.dev.screen.Yres)
	}

	c.dev.show(frameBuffer)
	c.initialized = true
	c.current = frameBuffer
	return nil
}

// PageFlip implements display.Connector.
func (c *connector) PageFlip(frameBuffer display.FrameBuffer, done display.FlipCallback) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return errors.Wrapf(display.ErrInvalidState, "%s not initialized", c.name)
	}
	if c.pending != nil {
		return errors.Wrapf(display.ErrInvalidState, "flip already pending on %s", c.name)
	}
	if frameBuffer == nil {
		return errors.Wrap(display.ErrInvalidArgument, "nil frame buffer")
	}

	c.pending = &pendingFlip{fb: frameBuffer, done: done}
	c.dev.post(c.completeFlip)
	return nil
}

// Release implements display.Connector. A pending flip is abandoned without
// invoking its callback.
func (c *connector) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return errors.Wrapf(display.ErrInvalidState, "%s not initialized", c.name)
	}
	c.initialized = false
	c.current = nil
	c.pending = nil
	return nil
}

// completeFlip runs on the event loop: copy the frame out, make it current,
// fire the callback.
func (c *connector) completeFlip() {
	c.mu.Lock()
	p := c.pending
	if p == nil {
		c.mu.Unlock()
		return
	}
	c.pending = nil
	c.current = p.fb
	c.mu.Unlock()

	c.dev.show(p.fb)
	if p.done != nil {
		p.done()
	}
}
