// Command display-test cycles a moving color gradient on a display output,
// exercising buffer creation and the page-flip protocol against a real
// device. It drives a mode-setting card by default and a framebuffer device
// with the -fbdev flag.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/guestview/display"
	"github.com/guestview/display/fbdev"
	"github.com/guestview/display/kms"
)

// device is a display backend that can also enumerate its outputs.
type device interface {
	display.Display
	Connectors() []string
}

func main() {
	cardFlag := flag.String("card", "", "Mode-setting device node (default: auto-detect)")
	fbdevFlag := flag.String("fbdev", "", "Use a framebuffer device instead, e.g. /dev/fb0")
	connectorFlag := flag.String("connector", "", "Connector name (default: first connected)")
	widthFlag := flag.Uint("width", 1920, "Mode width")
	heightFlag := flag.Uint("height", 1080, "Mode height")
	framesFlag := flag.Int("frames", 0, "Stop after this many flips (0: run until interrupted)")
	intervalFlag := flag.Duration("interval", 50*time.Millisecond, "Delay between flips")
	debugFlag := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugFlag {
		logrus.SetLevel(logrus.DebugLevel)
	}

	var (
		out    device
		width  = uint32(*widthFlag)
		height = uint32(*heightFlag)
		format = display.XRGB8888
		err    error
	)
	if *fbdevFlag != "" {
		var dev *fbdev.Device
		if dev, err = fbdev.Open(*fbdevFlag); err != nil {
			fatal(err)
		}
		width, height, format = dev.Mode()
		out = dev
	} else {
		node := *cardFlag
		if node == "" {
			if node, err = kms.Detect(); err != nil {
				fatal(err)
			}
			if node == "" {
				fatal(fmt.Errorf("no usable mode-setting device found"))
			}
		}
		fmt.Printf("using device: %s\n", node)
		if out, err = kms.Open(node); err != nil {
			fatal(err)
		}
	}
	defer out.Close()

	conn, err := pickConnector(out, *connectorFlag)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("using connector: %s\n", conn.Name())
	fmt.Printf("using mode: %dx%d %s\n", width, height, format)

	bpp := format.BitsPerPixel()
	var fbs [2]display.FrameBuffer
	for i := range fbs {
		buf, err := out.CreateDisplayBuffer(width, height, bpp)
		if err != nil {
			fatal(err)
		}
		if fbs[i], err = out.CreateFrameBuffer(buf, width, height, format); err != nil {
			fatal(err)
		}
	}

	if err = out.Start(); err != nil {
		fatal(err)
	}
	defer out.Stop()

	drawGradient(fbs[0], 0)
	if err = conn.Init(width, height, fbs[0]); err != nil {
		fatal(err)
	}
	defer conn.Release()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	fmt.Println("hit control-c to stop...")

	var (
		flipped = make(chan struct{}, 1)
		ticker  = time.NewTicker(*intervalFlag)
		back    = 1
	)
	defer ticker.Stop()

	for frame := 1; *framesFlag == 0 || frame <= *framesFlag; frame++ {
		drawGradient(fbs[back], frame)
		if err = conn.PageFlip(fbs[back], func() { flipped <- struct{}{} }); err != nil {
			fatal(err)
		}
		select {
		case <-flipped:
		case <-interrupt:
			fmt.Println("interrupted")
			return
		}
		back = 1 - back

		select {
		case <-ticker.C:
		case <-interrupt:
			fmt.Println("interrupted")
			return
		}
	}
}

// pickConnector resolves the named connector, or the first connected output
// when no name is given.
func pickConnector(out device, name string) (display.Connector, error) {
	if name != "" {
		return out.ConnectorByName(name)
	}
	for _, candidate := range out.Connectors() {
		conn, err := out.ConnectorByName(candidate)
		if err != nil {
			return nil, err
		}
		if conn.Connected() {
			return conn, nil
		}
		fmt.Printf("skipping disconnected connector: %s\n", candidate)
	}
	return nil, fmt.Errorf("no connected connector found")
}

// drawGradient fills the frame with a gradient shifted by offset. The write
// pattern works for any of the 16, 24 and 32 bpp formats; the colors just
// come out differently.
func drawGradient(fb display.FrameBuffer, offset int) {
	var (
		buf    = fb.DisplayBuffer()
		data   = buf.Buffer()
		stride = buf.Stride()
		pixel  = int(fb.Format().BitsPerPixel()) / 8
	)
	for y := 0; y < int(fb.Height()); y++ {
		row := data[y*stride:]
		for x := 0; x < int(fb.Width()); x++ {
			for b := 0; b < pixel; b++ {
				row[x*pixel+b] = uint8(x + y*(b+1) + offset)
			}
		}
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "fatal: "+err.Error())
	os.Exit(1)
}
