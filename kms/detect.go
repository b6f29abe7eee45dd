package kms

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	sysClassDir = "/sys/class/drm"
	devDir      = "/dev/dri"
)

var cardPattern = regexp.MustCompile(`^card([0-9]+)$`)

// candidate is one enumerated display device.
type candidate struct {
	// node is the device node path, empty when the device exposes none.
	node string

	// index is the numeric card index, negative when absent.
	index int
}

type (
	enumerateFunc func() ([]candidate, error)
	probeFunc     func(node string) bool
)

// Detect scans the host for the first display device that exposes a complete
// mode-setting capability set: at least one CRTC, one connector and one
// encoder. It returns the device node path, or "" when no usable device
// exists. The error is non-nil only when enumeration itself fails; an empty
// scan result is a normal outcome, callers may fall back to a configured
// path.
func Detect() (string, error) {
	return detect(enumerateCards, probeCard, logrus.StandardLogger())
}

func detect(enumerate enumerateFunc, probe probeFunc, log *logrus.Logger) (string, error) {
	log.Info("detecting mode-setting device")

	candidates, err := enumerate()
	if err != nil {
		return "", errors.Wrap(err, "enumerate display devices")
	}

	for _, c := range candidates {
		if c.node == "" || c.index < 0 {
			continue
		}
		if !probe(c.node) {
			continue
		}
		log.WithField("device", c.node).Info("using mode-setting device")
		return c.node, nil
	}

	log.Warn("could not detect a mode-setting device")
	return "", nil
}

// enumerateCards lists the numbered card devices of the display subsystem in
// scan order.
func enumerateCards() ([]candidate, error) {
	entries, err := os.ReadDir(sysClassDir)
	if err != nil {
		return nil, err
	}

	var out []candidate
	for _, e := range entries {
		m := cardPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		index, err := strconv.Atoi(m[1])
		if err != nil {
			index = -1
		}
		out = append(out, candidate{
			node:  filepath.Join(devDir, e.Name()),
			index: index,
		})
	}
	return out, nil
}

// probeCard opens the device node and checks its mode-setting resources. The
// node is closed again before returning; any failure just disqualifies this
// candidate.
func probeCard(node string) bool {
	fd, err := unix.Open(node, unix.O_RDWR|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return false
	}
	defer unix.Close(fd)

	res, err := getResources(uintptr(fd))
	if err != nil {
		return false
	}
	return len(res.crtcs) > 0 && len(res.connectors) > 0 && len(res.encoders) > 0
}

// Wait blocks until Detect finds a usable device, watching the device
// directory for changes in between scans. It returns early with the context
// error when ctx is cancelled.
func Wait(ctx context.Context) (string, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return "", errors.Wrap(err, "create device watcher")
	}
	defer watcher.Close()

	// The card directory may not exist yet; watching /dev catches its
	// creation.
	if err := watcher.Add(devDir); err != nil {
		if err := watcher.Add("/dev"); err != nil {
			return "", errors.Wrap(err, "watch device directory")
		}
	}

	for {
		node, err := Detect()
		if err != nil || node != "" {
			return node, err
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-watcher.Events:
			// A device appeared or changed, rescan. Late directory
			// creation is covered by re-adding the watch.
			_ = watcher.Add(devDir)
		case err := <-watcher.Errors:
			return "", errors.Wrap(err, "watch device directory")
		}
	}
}
