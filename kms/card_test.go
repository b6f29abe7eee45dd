package kms

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guestview/display"
)

func testCardWith(t *testing.T, conn *connector) *Card {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "card")
	require.NoError(t, err)

	c := &Card{
		f:          f,
		log:        quietLogger().WithField("device", "test"),
		connectors: map[string]*connector{conn.name: conn},
		byCRTC:     make(map[uint32]*connector),
		usedCRTCs:  make(map[uint32]bool),
		buffers:    make(map[*dumbBuffer]struct{}),
	}
	c.loop = newEventLoop(f.Fd(), c.lookupFlip, c.log)
	return c
}

func TestCardCloseRequiresReleasedConnectors(t *testing.T) {
	dev := &stubDevice{connected: true, crtc: 3}
	conn := testConnector(dev)
	card := testCardWith(t, conn)

	require.NoError(t, conn.Init(1920, 1080, &stubFrame{id: 100}))
	err := card.Close()
	require.ErrorIs(t, err, display.ErrInvalidState)
	assert.True(t, conn.Initialized(), "failed close must leave the connector alone")

	require.NoError(t, conn.Release())
	require.NoError(t, card.Close())
}

func TestCardConnectorLookup(t *testing.T) {
	conn := testConnector(&stubDevice{connected: true, crtc: 3})
	card := testCardWith(t, conn)
	defer card.Close()

	assert.Equal(t, []string{"HDMI-A-1"}, card.Connectors())

	got, err := card.ConnectorByName("HDMI-A-1")
	require.NoError(t, err)
	assert.Same(t, display.Connector(conn), got)

	_, err = card.ConnectorByName("DP-1")
	assert.ErrorIs(t, err, display.ErrNotFound)
}
