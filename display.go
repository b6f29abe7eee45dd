// Package display abstracts presenting guest-produced frames on a host
// display output.
//
// The package defines capability contracts only. Real backends live in the
// kms and fbdev subpackages, an in-memory backend for tests lives in
// displaytest, and guest memory sharing lives in grant.
package display

import (
	"github.com/guestview/display/grant"
)

// FlipCallback is invoked exactly once when a page flip submitted with
// Connector.PageFlip has completed. It runs on the goroutine that drives the
// Display event loop and must not block: completions for other connectors
// are serialized behind it.
type FlipCallback func()

// DisplayBuffer is a single block of pixel memory, optionally backed by
// guest-shared memory.
type DisplayBuffer interface {
	// Size returns the buffer size in bytes.
	Size() int

	// Stride returns the number of bytes per row.
	Stride() int

	// Handle returns the driver-level buffer handle.
	Handle() uintptr

	// Buffer returns the mapped memory backing this buffer. For guest-backed
	// buffers this is a host-side view of guest memory, not a copy.
	Buffer() []byte

	// ReadName exports a driver name for this buffer suitable for
	// mode-setting calls. The name is obtained at most once and cached.
	ReadName() (uint32, error)

	// Copy pulls the current guest content into the representation scanned
	// out by the display driver. It is a no-op for host-only buffers. Callers
	// must invoke it before each flip of a guest-backed buffer.
	Copy() error

	// Close releases the buffer memory and driver handle. The buffer must not
	// be current or pending on any connector.
	Close() error
}

// FrameBuffer binds a DisplayBuffer to the width, height and pixel format
// shown on a connector.
type FrameBuffer interface {
	// Handle returns the driver-level framebuffer handle.
	Handle() uintptr

	// Width returns the framebuffer width in pixels.
	Width() uint32

	// Height returns the framebuffer height in pixels.
	Height() uint32

	// Format returns the pixel format.
	Format() PixelFormat

	// DisplayBuffer returns the backing display buffer.
	DisplayBuffer() DisplayBuffer

	// Close releases the framebuffer. The framebuffer must not be current or
	// pending on any connector.
	Close() error
}

// Connector is one physical or virtual display output.
//
// Callers must serialize calls into the same Connector; confining all calls
// to the event loop goroutine is sufficient.
type Connector interface {
	// Name returns the stable output name, e.g. "HDMI-A-1".
	Name() string

	// Connected reports whether the output has a display attached.
	Connected() bool

	// Initialized reports whether Init has been called and not yet released.
	Initialized() bool

	// Current returns the frame buffer on screen, nil when uninitialized.
	Current() FrameBuffer

	// Init sets the output mode to width×height and shows frameBuffer.
	// It fails with ErrInvalidArgument if the mode is unsupported and with
	// ErrInvalidState if the output is disconnected or already initialized.
	Init(width, height uint32, frameBuffer FrameBuffer) error

	// PageFlip schedules a flip to frameBuffer on the next vertical sync and
	// stores done to be invoked exactly once on completion. At most one flip
	// may be pending; a second PageFlip fails with ErrInvalidState and leaves
	// the pending flip untouched. PageFlip never blocks awaiting completion.
	PageFlip(frameBuffer FrameBuffer, done FlipCallback) error

	// Release disables the output and returns the connector to the
	// uninitialized state. A pending flip is abandoned: its callback is
	// dropped without being invoked.
	Release() error
}

// Display is the aggregate root for one display device: it creates buffers
// and framebuffers, resolves connectors by name, and owns the event loop
// that delivers flip completions.
type Display interface {
	// Start begins dispatching completion events to connector callbacks.
	Start() error

	// Stop halts event dispatch. It is safe to call with flips pending; those
	// completions are never delivered, so callers should Release connectors
	// first in normal shutdown.
	Stop() error

	// Close releases all device resources. All connectors must be released.
	Close() error

	// ZeroCopySupported reports whether guest-backed buffers can be created
	// on this display.
	ZeroCopySupported() bool

	// ConnectorByName returns the connector with the given name, or
	// ErrNotFound.
	ConnectorByName(name string) (Connector, error)

	// CreateDisplayBuffer creates a host-only display buffer.
	CreateDisplayBuffer(width, height, bpp uint32) (DisplayBuffer, error)

	// CreateGuestDisplayBuffer creates a display buffer backed by guest
	// memory already shared through the given grant references. It fails with
	// ErrMappingFailed if refs is empty or mapping for domID is refused.
	CreateGuestDisplayBuffer(width, height, bpp uint32, domID uint16, refs []grant.Ref) (DisplayBuffer, error)

	// ExportGuestDisplayBuffer creates a display buffer whose backing memory
	// is allocated host-side and shared to domID. The produced grant
	// references are returned for the caller to communicate to the guest.
	ExportGuestDisplayBuffer(width, height, bpp uint32, domID uint16) (DisplayBuffer, []grant.Ref, error)

	// CreateFrameBuffer wraps buf for scanout at width×height in the given
	// pixel format. It fails with ErrInvalidArgument if the dimensions exceed
	// the buffer capacity or the format is unsupported by the device.
	CreateFrameBuffer(buf DisplayBuffer, width, height uint32, format PixelFormat) (FrameBuffer, error)
}
