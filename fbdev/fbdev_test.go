package fbdev

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guestview/display"
)

// testDevice builds a Device over plain memory: a 4x4 XRGB8888 screen with
// no device node behind it.
func testDevice() *Device {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return &Device{
		log: log.WithField("device", "test"),
		info: fixScreenInfo{
			LineLength: 16,
			SmemLen:    64,
		},
		screen: varScreenInfo{
			Xres:         4,
			Yres:         4,
			BitsPerPixel: 32,
		},
		format:     display.XRGB8888,
		mem:        make([]byte, 64),
		nextHandle: 1,
		buffers:    make(map[*buffer]struct{}),
	}
}

func testFrame(t *testing.T, d *Device, fill byte) display.FrameBuffer {
	t.Helper()
	buf, err := d.CreateDisplayBuffer(4, 4, 32)
	require.NoError(t, err)
	for i := range buf.Buffer() {
		buf.Buffer()[i] = fill
	}
	fb, err := d.CreateFrameBuffer(buf, 4, 4, display.XRGB8888)
	require.NoError(t, err)
	return fb
}

func waitFlip(t *testing.T, flipped <-chan struct{}) {
	t.Helper()
	select {
	case <-flipped:
	case <-time.After(5 * time.Second):
		t.Fatal("flip completion never delivered")
	}
}

func TestInitShowsFrame(t *testing.T) {
	d := testDevice()
	d.conn = &connector{dev: d, name: "fb0"}

	fb := testFrame(t, d, 0x11)
	require.NoError(t, d.conn.Init(4, 4, fb))
	assert.True(t, d.conn.Initialized())
	assert.Same(t, fb, d.conn.Current())
	assert.Equal(t, byte(0x11), d.mem[0], "frame must be copied to the screen")

	err := d.conn.Init(4, 4, fb)
	assert.ErrorIs(t, err, display.ErrInvalidState, "double init must be rejected")
}

func TestInitRejectsForeignMode(t *testing.T) {
	d := testDevice()
	d.conn = &connector{dev: d, name: "fb0"}

	err := d.conn.Init(8, 8, testFrame(t, d, 0))
	require.ErrorIs(t, err, display.ErrInvalidArgument)
}

func TestPageFlipCompletesThroughLoop(t *testing.T) {
	d := testDevice()
	d.conn = &connector{dev: d, name: "fb0"}
	require.NoError(t, d.Start())
	defer d.Stop()

	first, second := testFrame(t, d, 0x11), testFrame(t, d, 0x22)
	require.NoError(t, d.conn.Init(4, 4, first))

	flipped := make(chan struct{})
	require.NoError(t, d.conn.PageFlip(second, func() { close(flipped) }))
	waitFlip(t, flipped)

	assert.Same(t, second, d.conn.Current())
	assert.Equal(t, byte(0x22), d.mem[0], "flipped frame must be on screen")

	err := d.conn.PageFlip(first, nil)
	require.NoError(t, err, "connector must be idle again after completion")
}

func TestStopDropsQueuedCompletion(t *testing.T) {
	d := testDevice()
	d.conn = &connector{dev: d, name: "fb0"}
	require.NoError(t, d.Start())

	first := testFrame(t, d, 0x11)
	require.NoError(t, d.conn.Init(4, 4, first))

	// Hold the loop inside an event so the flip completion stays queued.
	gate := make(chan struct{})
	entered := make(chan struct{})
	d.post(func() {
		close(entered)
		<-gate
	})
	<-entered

	second := testFrame(t, d, 0x22)
	require.NoError(t, d.conn.PageFlip(second, func() {
		t.Error("completion delivered after Stop")
	}))

	quit, done := d.quit, d.done
	go func() { _ = d.Stop() }()
	<-quit // Stop has committed to shutting down
	close(gate)
	<-done

	assert.Same(t, first, d.conn.Current(), "dropped flip must not become current")
}
