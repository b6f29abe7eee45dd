package displaytest

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/guestview/display"
	"github.com/guestview/display/grant"
)

// Buffer is the in-memory display.DisplayBuffer.
type Buffer struct {
	disp   *Display
	handle uintptr

	width, height uint32
	stride        int

	shadow []byte
	guest  grant.Region

	mu     sync.Mutex
	copies int
	closed bool
}

func (b *Buffer) Size() int       { return len(b.shadow) }
func (b *Buffer) Stride() int     { return b.stride }
func (b *Buffer) Handle() uintptr { return b.handle }

// Buffer implements display.DisplayBuffer.
func (b *Buffer) Buffer() []byte {
	if b.guest != nil {
		return b.guest.Bytes()
	}
	return b.shadow
}

// ReadName implements display.DisplayBuffer.
func (b *Buffer) ReadName() (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, errors.Wrap(display.ErrInvalidState, "buffer closed")
	}
	return uint32(b.handle), nil
}

// Copy implements display.DisplayBuffer.
func (b *Buffer) Copy() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.Wrap(display.ErrInvalidState, "buffer closed")
	}
	b.copies++
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

// Copies reports how many times Copy has been called.
func (b *Buffer) Copies() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.copies
}

// Close implements display.DisplayBuffer.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.guest != nil {
		return b.guest.Close()
	}
	return nil
}

// FrameBuffer is the in-memory display.FrameBuffer.
type FrameBuffer struct {
	handle uintptr
	width  uint32
	height uint32
	format display.PixelFormat
	buf    display.DisplayBuffer
}

func (f *FrameBuffer) Handle() uintptr                      { return f.handle }
func (f *FrameBuffer) Width() uint32                        { return f.width }
func (f *FrameBuffer) Height() uint32                       { return f.height }
func (f *FrameBuffer) Format() display.PixelFormat          { return f.format }
func (f *FrameBuffer) DisplayBuffer() display.DisplayBuffer { return f.buf }
func (f *FrameBuffer) Close() error                         { return nil }

// Connector is the in-memory display.Connector.
type Connector struct {
	disp *Display
	name string

	mu          sync.Mutex
	connected   bool
	initialized bool
	width       uint32
	height      uint32
	current     display.FrameBuffer
	pending     *pendingFlip
}

type pendingFlip struct {
	fb   display.FrameBuffer
	done display.FlipCallback
}

// SetConnected changes the simulated link state, as a hot-plug would.
func (c *Connector) SetConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = connected
}

// Name implements display.Connector.
func (c *Connector) Name() string { return c.name }

// Connected implements display.Connector.
func (c *Connector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Initialized implements display.Connector.
func (c *Connector) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// Current implements display.Connector.
func (c *Connector) Current() display.FrameBuffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Init implements display.Connector.
func (c *Connector) Init(width, height uint32, frameBuffer display.FrameBuffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return errors.Wrapf(display.ErrInvalidState, "%s already initialized", c.name)
	}
	if !c.connected {
		return errors.Wrapf(display.ErrInvalidState, "%s is disconnected", c.name)
	}
	if frameBuffer == nil || width == 0 || height == 0 {
		return errors.Wrap(display.ErrInvalidArgument, "bad mode or frame buffer")
	}

	c.initialized = true
	c.width = width
	c.height = height
	c.current = frameBuffer
	return nil
}

// PageFlip implements display.Connector. The completion is queued and fires
// on the next Pump.
func (c *Connector) PageFlip(frameBuffer display.FrameBuffer, done display.FlipCallback) error {
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
	c.disp.post(c.completeFlip)
	return nil
}

// Release implements display.Connector. A pending flip is abandoned without
// invoking its callback.
func (c *Connector) Release() error {
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

func (c *Connector) completeFlip() {
	c.mu.Lock()
	p := c.pending
	if p == nil {
		c.mu.Unlock()
		return
	}
	c.pending = nil
	c.current = p.fb
	c.mu.Unlock()

	if p.done != nil {
		p.done()
	}
}
