package kms

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guestview/display"
)

// stubDevice implements modeDevice in memory and records mode-setting and
// flip calls.
type stubDevice struct {
	connected bool
	crtc      uint32

	acquired int
	released int
	modeSets []uint32 // fb ids passed to setMode
	disabled int
	flips    []uint32 // fb ids passed to flip
	lastUser uint64
}

func (s *stubDevice) acquireCRTC(*connector, []uint32) (uint32, error) {
	s.acquired++
	return s.crtc, nil
}

func (s *stubDevice) releaseCRTC(uint32) { s.released++ }

func (s *stubDevice) setMode(crtcID, connID, fbID uint32, mode *modeInfo) error {
	s.modeSets = append(s.modeSets, fbID)
	return nil
}

func (s *stubDevice) disableCRTC(uint32) error {
	s.disabled++
	return nil
}

func (s *stubDevice) flip(crtcID, fbID uint32, userData uint64) error {
	s.flips = append(s.flips, fbID)
	s.lastUser = userData
	return nil
}

func (s *stubDevice) connection(uint32) (bool, error) { return s.connected, nil }

// stubFrame is a minimal display.FrameBuffer for connector tests.
type stubFrame struct{ id uintptr }

func (f *stubFrame) Handle() uintptr                      { return f.id }
func (f *stubFrame) Width() uint32                        { return 1920 }
func (f *stubFrame) Height() uint32                       { return 1080 }
func (f *stubFrame) Format() display.PixelFormat          { return display.XRGB8888 }
func (f *stubFrame) DisplayBuffer() display.DisplayBuffer { return nil }
func (f *stubFrame) Close() error                         { return nil }

func testConnector(dev *stubDevice) *connector {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return newConnector(dev, &connectorInfo{
		id:         17,
		typ:        11, // HDMI-A
		typeID:     1,
		connection: connStatusConnected,
		modes: []modeInfo{
			{HDisplay: 1920, VDisplay: 1080},
			{HDisplay: 1280, VDisplay: 720},
		},
		encoders: []uint32{5},
	}, logrus.NewEntry(log))
}

func TestConnectorName(t *testing.T) {
	c := testConnector(&stubDevice{connected: true, crtc: 3})
	assert.Equal(t, "HDMI-A-1", c.Name())
}

func TestConnectorInit(t *testing.T) {
	dev := &stubDevice{connected: true, crtc: 3}
	c := testConnector(dev)
	fb := &stubFrame{id: 100}

	require.NoError(t, c.Init(1920, 1080, fb))
	assert.True(t, c.Initialized())
	assert.Same(t, display.FrameBuffer(fb), c.Current())
	assert.Equal(t, []uint32{100}, dev.modeSets)

	err := c.Init(1920, 1080, fb)
	assert.ErrorIs(t, err, display.ErrInvalidState, "double init must be rejected")
}

func TestConnectorInitUnsupportedMode(t *testing.T) {
	c := testConnector(&stubDevice{connected: true, crtc: 3})
	err := c.Init(640, 480, &stubFrame{id: 100})
	require.ErrorIs(t, err, display.ErrInvalidArgument)
	assert.False(t, c.Initialized())
}

func TestConnectorInitDisconnected(t *testing.T) {
	c := testConnector(&stubDevice{connected: false, crtc: 3})
	err := c.Init(1920, 1080, &stubFrame{id: 100})
	require.ErrorIs(t, err, display.ErrInvalidState)
}

func TestConnectorFlipProtocol(t *testing.T) {
	dev := &stubDevice{connected: true, crtc: 3}
	c := testConnector(dev)
	first, second := &stubFrame{id: 100}, &stubFrame{id: 200}
	require.NoError(t, c.Init(1920, 1080, first))

	var fired int
	require.NoError(t, c.PageFlip(second, func() { fired++ }))
	assert.Equal(t, []uint32{200}, dev.flips)
	assert.Equal(t, uint64(3), dev.lastUser, "flip user data must carry the CRTC id")
	assert.Equal(t, 0, fired)

	// Second submission while pending: rejected, pending flip untouched.
	err := c.PageFlip(first, func() { t.Fatal("rejected flip completed") })
	require.ErrorIs(t, err, display.ErrInvalidState)
	assert.Equal(t, []uint32{200}, dev.flips)

	// Hardware completion: callback fires once, frame becomes current.
	c.completeFlip()
	assert.Equal(t, 1, fired)
	assert.Same(t, display.FrameBuffer(second), c.Current())

	// Idle again: next flip is accepted.
	require.NoError(t, c.PageFlip(first, func() { fired++ }))
	c.completeFlip()
	assert.Equal(t, 2, fired)
}

func TestConnectorFlipBeforeInit(t *testing.T) {
	c := testConnector(&stubDevice{connected: true, crtc: 3})
	err := c.PageFlip(&stubFrame{id: 100}, nil)
	require.ErrorIs(t, err, display.ErrInvalidState)
}

func TestConnectorReleaseAbandonsPending(t *testing.T) {
	dev := &stubDevice{connected: true, crtc: 3}
	c := testConnector(dev)
	require.NoError(t, c.Init(1920, 1080, &stubFrame{id: 100}))
	require.NoError(t, c.PageFlip(&stubFrame{id: 200}, func() { t.Fatal("abandoned callback fired") }))

	require.NoError(t, c.Release())
	assert.False(t, c.Initialized())
	assert.Nil(t, c.Current())
	assert.Equal(t, 1, dev.disabled)
	assert.Equal(t, 1, dev.released)

	// A late completion event for the abandoned flip is ignored.
	c.completeFlip()

	err := c.Release()
	assert.ErrorIs(t, err, display.ErrInvalidState)
}

func TestFindMode(t *testing.T) {
	modes := []modeInfo{
		{HDisplay: 1920, VDisplay: 1080},
		{HDisplay: 1280, VDisplay: 720},
	}
	if m := findMode(modes, 1280, 720); m == nil || m.HDisplay != 1280 {
		t.Fatalf("expected 1280x720 mode, got %+v", m)
	}
	if m := findMode(modes, 640, 480); m != nil {
		t.Fatalf("expected no 640x480 mode, got %+v", m)
	}
}

func TestConnectorTypeNames(t *testing.T) {
	for _, test := range []struct {
		typ    uint32
		typeID uint32
		want   string
	}{
		{11, 1, "HDMI-A-1"},
		{14, 1, "eDP-1"},
		{10, 2, "DP-2"},
		{99, 1, "Unknown-1"},
	} {
		if got := connectorName(test.typ, test.typeID); got != test.want {
			t.Errorf("expected connectorName(%d, %d) = %q, got %q", test.typ, test.typeID, test.want, got)
		}
	}
}
