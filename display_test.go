package display_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/guestview/display"
	"github.com/guestview/display/displaytest"
)

func newDisplay(t *testing.T) *displaytest.Display {
	t.Helper()
	d := displaytest.New()
	d.AddConnector("HDMI-A-1", true)
	require.NoError(t, d.Start())
	t.Cleanup(func() { _ = d.Stop() })
	return d
}

func frame(t *testing.T, d display.Display) display.FrameBuffer {
	t.Helper()
	buf, err := d.CreateDisplayBuffer(1920, 1080, 32)
	require.NoError(t, err)
	fb, err := d.CreateFrameBuffer(buf, 1920, 1080, display.XRGB8888)
	require.NoError(t, err)
	return fb
}

func TestInitMakesFrameCurrent(t *testing.T) {
	d := newDisplay(t)
	conn, err := d.ConnectorByName("HDMI-A-1")
	require.NoError(t, err)

	fb := frame(t, d)
	require.False(t, conn.Initialized())
	require.NoError(t, conn.Init(1920, 1080, fb))
	require.True(t, conn.Initialized())
	require.Same(t, fb, conn.Current())

	require.NoError(t, conn.Release())
	require.False(t, conn.Initialized())
	require.Nil(t, conn.Current())
}

func TestPageFlipCompletesOnce(t *testing.T) {
	d := newDisplay(t)
	conn, err := d.ConnectorByName("HDMI-A-1")
	require.NoError(t, err)

	first, second := frame(t, d), frame(t, d)
	require.NoError(t, conn.Init(1920, 1080, first))

	var fired int
	require.NoError(t, conn.PageFlip(second, func() { fired++ }))
	require.Equal(t, 0, fired, "completion must be asynchronous")
	require.Same(t, first, conn.Current())

	require.Equal(t, 1, d.Pump())
	require.Equal(t, 1, fired)
	require.Same(t, second, conn.Current())

	// No stray second completion.
	require.Equal(t, 0, d.Pump())
	require.Equal(t, 1, fired)
	require.NoError(t, conn.Release())
}

func TestSecondFlipWhilePendingRejected(t *testing.T) {
	d := newDisplay(t)
	conn, err := d.ConnectorByName("HDMI-A-1")
	require.NoError(t, err)

	first, second := frame(t, d), frame(t, d)
	require.NoError(t, conn.Init(1920, 1080, first))

	var fired int
	require.NoError(t, conn.PageFlip(second, func() { fired++ }))

	err = conn.PageFlip(first, func() { t.Fatal("rejected flip must not complete") })
	require.ErrorIs(t, err, display.ErrInvalidState)

	// The first flip is untouched and still completes.
	require.Equal(t, 1, d.Pump())
	require.Equal(t, 1, fired)
	require.Same(t, second, conn.Current())
	require.NoError(t, conn.Release())
}

func TestReleaseAbandonsPendingFlip(t *testing.T) {
	d := newDisplay(t)
	conn, err := d.ConnectorByName("HDMI-A-1")
	require.NoError(t, err)

	first, second := frame(t, d), frame(t, d)
	require.NoError(t, conn.Init(1920, 1080, first))
	require.NoError(t, conn.PageFlip(second, func() { t.Fatal("abandoned callback fired") }))
	require.NoError(t, conn.Release())
	require.False(t, conn.Initialized())

	d.Pump()
}

func TestInitDisconnectedFails(t *testing.T) {
	d := displaytest.New()
	d.AddConnector("DP-1", false)
	require.NoError(t, d.Start())

	conn, err := d.ConnectorByName("DP-1")
	require.NoError(t, err)
	err = conn.Init(1920, 1080, frame(t, d))
	require.ErrorIs(t, err, display.ErrInvalidState)
}

func TestConnectorByNameUnknown(t *testing.T) {
	d := newDisplay(t)
	_, err := d.ConnectorByName("VGA-1")
	require.ErrorIs(t, err, display.ErrNotFound)
}

func TestGuestBufferNeedsRefs(t *testing.T) {
	d := newDisplay(t)
	_, err := d.CreateGuestDisplayBuffer(1920, 1080, 32, 1, nil)
	require.ErrorIs(t, err, display.ErrMappingFailed)
}

func TestGuestBufferCopyPullsGuestContent(t *testing.T) {
	d := newDisplay(t)

	guest := make([]byte, 8192)
	for i := range guest {
		guest[i] = byte(i)
	}
	refs := d.Mapper().Share(7, guest)

	buf, err := d.CreateGuestDisplayBuffer(64, 32, 32, 7, refs)
	require.NoError(t, err)
	require.NoError(t, buf.Copy())

	// Guest writes stay visible through the mapping without another copy.
	guest[0] = 0xAA
	require.Equal(t, byte(0xAA), buf.Buffer()[0])
}

func TestExportGuestBufferProducesRefs(t *testing.T) {
	d := newDisplay(t)

	buf, refs, err := d.ExportGuestDisplayBuffer(64, 32, 32, 7)
	require.NoError(t, err)
	require.NotEmpty(t, refs)

	// The refs round-trip through the mapper like a guest would use them.
	region, err := d.Mapper().Map(7, refs)
	require.NoError(t, err)
	region.Bytes()[0] = 0x5A
	require.Equal(t, byte(0x5A), buf.Buffer()[0])
}

func TestOversizedFrameRejected(t *testing.T) {
	d := newDisplay(t)
	buf, err := d.CreateDisplayBuffer(640, 480, 32)
	require.NoError(t, err)

	_, err = d.CreateFrameBuffer(buf, 1920, 1080, display.XRGB8888)
	require.ErrorIs(t, err, display.ErrInvalidArgument)
}

func TestStoppedDisplayDeliversNothing(t *testing.T) {
	d := newDisplay(t)
	conn, err := d.ConnectorByName("HDMI-A-1")
	require.NoError(t, err)

	first, second := frame(t, d), frame(t, d)
	require.NoError(t, conn.Init(1920, 1080, first))
	require.NoError(t, conn.PageFlip(second, func() { t.Fatal("callback after Stop") }))
	require.NoError(t, d.Stop())
	require.Equal(t, 0, d.Pump())

	require.NoError(t, conn.Release())
	require.NoError(t, d.Close())
}
