package kms

import (
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// fakeProbe records every probed node and answers from a table, standing in
// for the open/query-resources/close sequence.
type fakeProbe struct {
	usable map[string]bool
	opened []string
}

func (p *fakeProbe) probe(node string) bool {
	p.opened = append(p.opened, node)
	return p.usable[node]
}

func enumOf(candidates ...candidate) enumerateFunc {
	return func() ([]candidate, error) { return candidates, nil }
}

func TestDetectReturnsFirstUsableCandidate(t *testing.T) {
	// card0 has a full resource set, card1 reports no connectors.
	probe := &fakeProbe{usable: map[string]bool{"/dev/dri/card0": true}}
	node, err := detect(enumOf(
		candidate{node: "/dev/dri/card0", index: 0},
		candidate{node: "/dev/dri/card1", index: 1},
	), probe.probe, quietLogger())

	require.NoError(t, err)
	assert.Equal(t, "/dev/dri/card0", node)
	assert.Equal(t, []string{"/dev/dri/card0"}, probe.opened)
}

func TestDetectScansInEnumerationOrder(t *testing.T) {
	probe := &fakeProbe{usable: map[string]bool{"/dev/dri/card2": true}}
	node, err := detect(enumOf(
		candidate{node: "/dev/dri/card0", index: 0},
		candidate{node: "/dev/dri/card1", index: 1},
		candidate{node: "/dev/dri/card2", index: 2},
	), probe.probe, quietLogger())

	require.NoError(t, err)
	assert.Equal(t, "/dev/dri/card2", node)
	assert.Equal(t, []string{"/dev/dri/card0", "/dev/dri/card1", "/dev/dri/card2"}, probe.opened)
}

func TestDetectSkipsBadCandidatesWithoutOpening(t *testing.T) {
	probe := &fakeProbe{usable: map[string]bool{"/dev/dri/card1": true}}
	node, err := detect(enumOf(
		candidate{node: "", index: 0},                // no device node
		candidate{node: "/dev/dri/card7", index: -1}, // no numeric index
		candidate{node: "/dev/dri/card1", index: 1},
	), probe.probe, quietLogger())

	require.NoError(t, err)
	assert.Equal(t, "/dev/dri/card1", node)
	assert.Equal(t, []string{"/dev/dri/card1"}, probe.opened, "bad candidates must never be opened")
}

func TestDetectNoUsableDevice(t *testing.T) {
	probe := &fakeProbe{}
	node, err := detect(enumOf(
		candidate{node: "/dev/dri/card0", index: 0},
	), probe.probe, quietLogger())

	require.NoError(t, err, "an empty scan is a normal outcome")
	assert.Empty(t, node)
}

func TestDetectEnumerationFailureIsFatal(t *testing.T) {
	enumErr := errors.New("enumeration subsystem unavailable")
	probe := &fakeProbe{}
	_, err := detect(func() ([]candidate, error) {
		return nil, enumErr
	}, probe.probe, quietLogger())

	require.ErrorIs(t, err, enumErr)
	assert.Empty(t, probe.opened)
}

func TestCardPattern(t *testing.T) {
	for name, want := range map[string]bool{
		"card0":          true,
		"card12":         true,
		"card0-HDMI-A-1": false,
		"renderD128":     false,
		"card":           false,
	} {
		if got := cardPattern.MatchString(name); got != want {
			t.Errorf("expected match(%q) = %v, got %v", name, want, got)
		}
	}
}
