// Package displaytest provides an in-memory display backend.
//
// The fake keeps the contracts of the real backends, including the connector
// state machine and the single pending flip, but delivers completions only
// when the test calls Pump, so event ordering is deterministic.
package displaytest

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/guestview/display"
	"github.com/guestview/display/grant"
)

// Display is an in-memory display.Display.
type Display struct {
	mapper *grant.Memory

	mu         sync.Mutex
	started    bool
	closed     bool
	connectors map[string]*Connector
	order      []string
	queue      []func()
	nextHandle uintptr
}

// New returns a display with no connectors. Add outputs with AddConnector.
func New() *Display {
	return &Display{
		mapper:     grant.NewMemory(),
		connectors: make(map[string]*Connector),
		nextHandle: 1,
	}
}

// Mapper returns the in-process grant mapper backing guest buffers. Tests
// use it to share "guest" memory with the display.
func (d *Display) Mapper() *grant.Memory { return d.mapper }

// AddConnector adds an output with the given name and link state.
func (d *Display) AddConnector(name string, connected bool) *Connector {
	d.mu.Lock()
	defer d.mu.Unlock()

	c := &Connector{disp: d, name: name, connected: connected}
	d.connectors[name] = c
	d.order = append(d.order, name)
	return c
}

// Pump synchronously delivers all queued completion events in submission
// order and reports how many were delivered. Events are delivered only
// between Start and Stop.
func (d *Display) Pump() int {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return 0
	}
	queue := d.queue
	d.queue = nil
	d.mu.Unlock()

	for _, f := range queue {
		f()
	}
	return len(queue)
}

func (d *Display) post(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, f)
}

// Start implements display.Display.
func (d *Display) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.Wrap(display.ErrInvalidState, "display closed")
	}
	if d.started {
		return errors.Wrap(display.ErrInvalidState, "already started")
	}
	d.started = true
	return nil
}

// Stop implements display.Display. Undelivered completions stay queued and
// are dropped, matching a stopped event loop.
func (d *Display) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = false
	d.queue = nil
	return nil
}

// Close implements display.Display.
func (d *Display) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.connectors {
		if c.Initialized() {
			return errors.Wrapf(display.ErrInvalidState, "connector %s not released", c.name)
		}
	}
	d.closed = true
	return nil
}

// ZeroCopySupported implements display.Display.
func (d *Display) ZeroCopySupported() bool { return true }

// Connectors returns the connector names in the order they were added.
func (d *Display) Connectors() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.order...)
}

// ConnectorByName implements display.Display.
func (d *Display) ConnectorByName(name string) (display.Connector, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.connectors[name]
	if !ok {
		return nil, errors.Wrapf(display.ErrNotFound, "connector %q", name)
	}
	return c, nil
}

func (d *Display) handle() uintptr {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.nextHandle
	d.nextHandle++
	return h
}

// CreateDisplayBuffer implements display.Display.
func (d *Display) CreateDisplayBuffer(width, height, bpp uint32) (display.DisplayBuffer, error) {
	return d.createBuffer(width, height, bpp, nil)
}

// CreateGuestDisplayBuffer implements display.Display.
func (d *Display) CreateGuestDisplayBuffer(width, height, bpp uint32, domID uint16, refs []grant.Ref) (display.DisplayBuffer, error) {
	if len(refs) == 0 {
		return nil, errors.Wrap(display.ErrMappingFailed, "no grant references")
	}
	region, err := d.mapper.Map(domID, refs)
	if err != nil {
		return nil, errors.Wrapf(display.ErrMappingFailed, "map guest buffer: %v", err)
	}
	return d.createBuffer(width, height, bpp, region)
}

// ExportGuestDisplayBuffer implements display.Display.
func (d *Display) ExportGuestDisplayBuffer(width, height, bpp uint32, domID uint16) (display.DisplayBuffer, []grant.Ref, error) {
	size := int(height) * int(width*bpp/8)
	region, refs, err := d.mapper.Alloc(domID, grant.Pages(size))
	if err != nil {
		return nil, nil, errors.Wrapf(display.ErrMappingFailed, "alloc guest buffer: %v", err)
	}
	buf, err := d.createBuffer(width, height, bpp, region)
	if err != nil {
		return nil, nil, err
	}
	return buf, refs, nil
}

func (d *Display) createBuffer(width, height, bpp uint32, guest grant.Region) (display.DisplayBuffer, error) {
	if width == 0 || height == 0 || bpp == 0 || bpp%8 != 0 {
		return nil, errors.Wrapf(display.ErrInvalidArgument,
			"bad buffer geometry %dx%dx%d", width, height, bpp)
	}
	stride := int(width * bpp / 8)
	return &Buffer{
		disp:   d,
		handle: d.handle(),
		width:  width,
		height: height,
		stride: stride,
		shadow: make([]byte, stride*int(height)),
		guest:  guest,
	}, nil
}

// CreateFrameBuffer implements display.Display.
func (d *Display) CreateFrameBuffer(buf display.DisplayBuffer, width, height uint32, format display.PixelFormat) (display.FrameBuffer, error) {
	b, ok := buf.(*Buffer)
	if !ok || b.disp != d {
		return nil, errors.Wrap(display.ErrInvalidArgument, "buffer not created by this display")
	}
	if format.BitsPerPixel() == 0 {
		return nil, errors.Wrapf(display.ErrInvalidArgument, "unsupported pixel format %s", format)
	}
	if width > b.width || height > b.height {
		return nil, errors.Wrapf(display.ErrInvalidArgument,
			"frame %dx%d exceeds buffer %dx%d", width, height, b.width, b.height)
	}
	return &FrameBuffer{
		handle: d.handle(),
		width:  width,
		height: height,
		format: format,
		buf:    buf,
	}, nil
}
