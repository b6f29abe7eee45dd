// Package kms presents kernel mode-setting devices as displays.
//
// A Card is one open device node. It resolves the device's outputs into
// connectors, creates dumb-buffer backed display buffers, and runs the event
// loop that turns page-flip events from the card file descriptor into
// completion callbacks.
package kms

import (
	"os"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/guestview/display"
	"github.com/guestview/display/grant"
)

// modeDevice is the slice of card behaviour the connector state machine
// needs. Split out so connector logic is testable without a device node.
type modeDevice interface {
	acquireCRTC(c *connector, encoders []uint32) (uint32, error)
	releaseCRTC(crtcID uint32)
	setMode(crtcID, connID, fbID uint32, mode *modeInfo) error
	disableCRTC(crtcID uint32) error
	flip(crtcID, fbID uint32, userData uint64) error
	connection(connID uint32) (bool, error)
}

// Card is an open mode-setting device. It implements display.Display.
type Card struct {
	f      *os.File
	log    *logrus.Entry
	mapper grant.Mapper
	loop   *eventLoop

	res *resources

	mu         sync.Mutex
	connectors map[string]*connector
	byCRTC     map[uint32]*connector
	usedCRTCs  map[uint32]bool
	buffers    map[*dumbBuffer]struct{}
}

// Option configures a Card.
type Option func(*Card)

// WithMapper supplies the grant mapper used for guest-backed buffers.
// Without one, ZeroCopySupported reports false and guest buffer creation
// fails.
func WithMapper(m grant.Mapper) Option {
	return func(c *Card) { c.mapper = m }
}

// WithLogger overrides the default logger.
func WithLogger(l *logrus.Logger) Option {
	return func(c *Card) { c.log = l.WithField("device", c.f.Name()) }
}

// Open opens the mode-setting device at path, typically a node produced by
// Detect, and resolves its connectors.
func Open(path string, opts ...Option) (*Card, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(err, "open mode-setting device")
	}

	c := &Card{
		f:          f,
		log:        logrus.StandardLogger().WithField("device", path),
		connectors: make(map[string]*connector),
		byCRTC:     make(map[uint32]*connector),
		usedCRTCs:  make(map[uint32]bool),
		buffers:    make(map[*dumbBuffer]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.res, err = getResources(c.fd())
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "query mode-setting resources")
	}

	for _, id := range c.res.connectors {
		info, err := getConnector(c.fd(), id)
		if err != nil {
			_ = f.Close()
			return nil, errors.Wrapf(err, "query connector %d", id)
		}
		conn := newConnector(c, info, c.log)
		c.connectors[conn.name] = conn
		c.log.WithFields(logrus.Fields{
			"connector": conn.name,
			"connected": conn.Connected(),
		}).Debug("resolved connector")
	}

	c.loop = newEventLoop(c.fd(), c.lookupFlip, c.log)
	return c, nil
}

func (c *Card) fd() uintptr { return c.f.Fd() }

// Start implements display.Display.
func (c *Card) Start() error {
	return c.loop.start()
}

// Stop implements display.Display.
func (c *Card) Stop() error {
	return c.loop.stop()
}

// Close implements display.Display. It fails with ErrInvalidState while a
// connector is still initialized.
func (c *Card) Close() error {
	// Snapshot under the card lock, check connector state outside it: Init
	// takes the locks in the opposite order.
	c.mu.Lock()
	conns := make([]*connector, 0, len(c.connectors))
	for _, conn := range c.connectors {
		conns = append(conns, conn)
	}
	buffers := make([]*dumbBuffer, 0, len(c.buffers))
	for b := range c.buffers {
		buffers = append(buffers, b)
	}
	c.mu.Unlock()

	for _, conn := range conns {
		if conn.Initialized() {
			return errors.Wrapf(display.ErrInvalidState,
				"connector %s not released", conn.name)
		}
	}

	_ = c.loop.stop()
	for _, b := range buffers {
		_ = b.Close()
	}
	return c.f.Close()
}

// ZeroCopySupported implements display.Display.
func (c *Card) ZeroCopySupported() bool {
	return c.mapper != nil
}

// Connectors returns the names of the card's outputs.
func (c *Card) Connectors() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.connectors))
	for name := range c.connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ConnectorByName implements display.Display.
func (c *Card) ConnectorByName(name string) (display.Connector, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, ok := c.connectors[name]
	if !ok {
		return nil, errors.Wrapf(display.ErrNotFound, "connector %q", name)
	}
	return conn, nil
}

// lookupFlip resolves a flip event's user data, the CRTC id, to the
// connector owning the flip.
func (c *Card) lookupFlip(userData uint64) *connector {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byCRTC[uint32(userData)]
}

// acquireCRTC picks a free CRTC reachable from one of the connector's
// encoders. The currently attached encoder's CRTC wins when free.
func (c *Card) acquireCRTC(conn *connector, encoders []uint32) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, encID := range encoders {
		enc, err := getEncoder(c.fd(), encID)
		if err != nil {
			continue
		}
		if enc.crtcID != 0 && !c.usedCRTCs[enc.crtcID] {
			return c.takeCRTC(enc.crtcID, conn), nil
		}
		for i, crtcID := range c.res.crtcs {
			if enc.possibleCRTCs&(1<<uint(i)) == 0 || c.usedCRTCs[crtcID] {
				continue
			}
			return c.takeCRTC(crtcID, conn), nil
		}
	}
	return 0, errors.Wrapf(display.ErrMappingFailed, "no free CRTC for %s", conn.name)
}

func (c *Card) takeCRTC(crtcID uint32, conn *connector) uint32 {
	c.usedCRTCs[crtcID] = true
	c.byCRTC[crtcID] = conn
	return crtcID
}

func (c *Card) releaseCRTC(crtcID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.usedCRTCs, crtcID)
	delete(c.byCRTC, crtcID)
}

func (c *Card) setMode(crtcID, connID, fbID uint32, mode *modeInfo) error {
	return setCrtc(c.fd(), crtcID, connID, fbID, mode)
}

func (c *Card) disableCRTC(crtcID uint32) error {
	return setCrtc(c.fd(), crtcID, 0, 0, nil)
}

func (c *Card) flip(crtcID, fbID uint32, userData uint64) error {
	return schedulePageFlip(c.fd(), crtcID, fbID, userData)
}

// connection re-queries the live link state of a connector.
func (c *Card) connection(connID uint32) (bool, error) {
	info, err := getConnector(c.fd(), connID)
	if err != nil {
		return false, err
	}
	return info.connection == connStatusConnected, nil
}

func (c *Card) forgetBuffer(b *dumbBuffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.buffers, b)
}
