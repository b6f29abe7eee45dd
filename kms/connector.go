package kms

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/guestview/display"
)

// connector is one output of a Card. It owns the initialize, page-flip,
// release lifecycle; the flip completion side runs on the card event loop.
//
// States: uninitialized -> initialized -> (flip pending <-> idle) ->
// released. At most one flip is pending at any time.
type connector struct {
	dev  modeDevice
	log  *logrus.Entry
	id   uint32
	name string

	modes    []modeInfo
	encoders []uint32

	mu          sync.Mutex
	connected   bool // last observed link state
	initialized bool
	crtcID      uint32
	mode        *modeInfo
	current     display.FrameBuffer
	pending     *pendingFlip
}

type pendingFlip struct {
	fb   display.FrameBuffer
	done display.FlipCallback
}

func newConnector(dev modeDevice, info *connectorInfo, log *logrus.Entry) *connector {
	name := connectorName(info.typ, info.typeID)
	return &connector{
		dev:       dev,
		log:       log.WithField("connector", name),
		id:        info.id,
		name:      name,
		modes:     info.modes,
		encoders:  info.encoders,
		connected: info.connection == connStatusConnected,
	}
}

// Name implements display.Connector.
func (c *connector) Name() string { return c.name }

// Connected implements display.Connector. The link state is re-queried so
// hot-unplug is observable; on query failure the last observed state is
// reported.
func (c *connector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if connected, err := c.dev.connection(c.id); err == nil {
		c.connected = connected
	}
	return c.connected
}

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

// Init implements display.Connector.
func (c *connector) Init(width, height uint32, frameBuffer display.FrameBuffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return errors.Wrapf(display.ErrInvalidState, "%s already initialized", c.name)
	}
	if frameBuffer == nil {
		return errors.Wrap(display.ErrInvalidArgument, "nil frame buffer")
	}
	if connected, err := c.dev.connection(c.id); err == nil {
		c.connected = connected
	}
	if !c.connected {
		return errors.Wrapf(display.ErrInvalidState, "%s is disconnected", c.name)
	}

	mode := findMode(c.modes, width, height)
	if mode == nil {
		return errors.Wrapf(display.ErrInvalidArgument,
			"%s does not support %dx%d", c.name, width, height)
	}

	crtcID, err := c.dev.acquireCRTC(c, c.encoders)
	if err != nil {
		return err
	}
	if err := c.dev.setMode(crtcID, c.id, uint32(frameBuffer.Handle()), mode); err != nil {
		c.dev.releaseCRTC(crtcID)
		return errors.Wrapf(err, "set %dx%d mode on %s", width, height, c.name)
	}

	c.initialized = true
	c.crtcID = crtcID
	c.mode = mode
	c.current = frameBuffer
	c.log.WithFields(logrus.Fields{"width": width, "height": height}).Info("initialized")
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

	if err := c.dev.flip(c.crtcID, uint32(frameBuffer.Handle()), uint64(c.crtcID)); err != nil {
		return errors.Wrapf(err, "schedule page flip on %s", c.name)
	}
	c.pending = &pendingFlip{fb: frameBuffer, done: done}
	return nil
}

// Release implements display.Connector. A pending flip is abandoned without
// invoking its callback.
func (c *connector) Release() error {
	c.mu.Lock()

	if !c.initialized {
		c.mu.Unlock()
		return errors.Wrapf(display.ErrInvalidState, "%s not initialized", c.name)
	}

	crtcID := c.crtcID
	c.initialized = false
	c.crtcID = 0
	c.mode = nil
	c.current = nil
	c.pending = nil
	c.mu.Unlock()

	err := c.dev.disableCRTC(crtcID)
	c.dev.releaseCRTC(crtcID)
	c.log.Info("released")
	if err != nil {
		return errors.Wrapf(err, "disable output %s", c.name)
	}
	return nil
}

// completeFlip delivers a flip completion from the event loop: the flipped-to
// frame buffer becomes current and the stored callback fires exactly once,
// with the connector already back in the idle state.
func (c *connector) completeFlip() {
	c.mu.Lock()
	p := c.pending
	if p == nil {
		// Completion after Release abandoned the flip.
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
