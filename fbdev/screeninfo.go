package fbdev

import (
	"github.com/pkg/errors"

	"github.com/guestview/display"
)

const (
	// From <linux/fb.h>
	fbioGetVScreenInfo = 0x4600
	fbioGetFScreenInfo = 0x4602
)

// fixScreenInfo mirrors fb_fix_screeninfo: device constants.
type fixScreenInfo struct {
	ID         [16]byte
	SmemStart  uintptr
	SmemLen    uint32
	Type       uint32
	TypeAux    uint32
	Visual     uint32
	Xpanstep   uint16
	Ypanstep   uint16
	Ywrapstep  uint16
	LineLength uint32
	MmioStart  uintptr
	MmioLen    uint32
	Accel      uint32
	Reserved   [3]uint16
}

// bitField describes the offset and width of one color channel.
type bitField struct {
	Offset   uint32
	Length   uint32
	MsbRight uint32
}

// varScreenInfo mirrors fb_var_screeninfo: the current video mode.
type varScreenInfo struct {
	Xres                    uint32
	Yres                    uint32
	XresVirtual             uint32
	YresVirtual             uint32
	Xoffset                 uint32
	Yoffset                 uint32
	BitsPerPixel            uint32
	Grayscale               uint32
	Red, Green, Blue, Alpha bitField
	Nonstd                  uint32
	Activate                uint32
	Height                  uint32
	Width                   uint32
	AccelFlags              uint32
	Pixclock                uint32
	LeftMargin              uint32
	RightMargin             uint32
	UpperMargin             uint32
	LowerMargin             uint32
	HsyncLen                uint32
	VsyncLen                uint32
	Sync                    uint32
	Vmode                   uint32
	Rotate                  uint32
	Colorspace              uint32
	Reserved                [4]uint32
}

func channels(info *varScreenInfo) [4]bitField {
	return [4]bitField{info.Red, info.Green, info.Blue, info.Alpha}
}

// parsePixelFormat maps the device's channel bitfields to a fourcc pixel
// format.
func parsePixelFormat(info *varScreenInfo) (display.PixelFormat, error) {
	type layout struct {
		bpp      uint32
		channels [4]bitField // r, g, b, a
		format   display.PixelFormat
	}

	layouts := []layout{
		{16, [4]bitField{{11, 5, 0}, {5, 6, 0}, {0, 5, 0}, {0, 0, 0}}, display.RGB565},
		{16, [4]bitField{{0, 5, 0}, {5, 6, 0}, {11, 5, 0}, {0, 0, 0}}, display.BGR565},
		{24, [4]bitField{{16, 8, 0}, {8, 8, 0}, {0, 8, 0}, {0, 0, 0}}, display.RGB888},
		{24, [4]bitField{{0, 8, 0}, {8, 8, 0}, {16, 8, 0}, {0, 0, 0}}, display.BGR888},
		{32, [4]bitField{{16, 8, 0}, {8, 8, 0}, {0, 8, 0}, {0, 0, 0}}, display.XRGB8888},
		{32, [4]bitField{{0, 8, 0}, {8, 8, 0}, {16, 8, 0}, {0, 0, 0}}, display.XBGR8888},
		{32, [4]bitField{{16, 8, 0}, {8, 8, 0}, {0, 8, 0}, {24, 8, 0}}, display.ARGB8888},
		{32, [4]bitField{{0, 8, 0}, {8, 8, 0}, {16, 8, 0}, {24, 8, 0}}, display.ABGR8888},
	}

	have := channels(info)
	for _, l := range layouts {
		if info.BitsPerPixel != l.bpp || have != l.channels {
			continue
		}
		return l.format, nil
	}
	return 0, errors.Wrapf(display.ErrInvalidArgument,
		"unsupported framebuffer color layout at %d bpp", info.BitsPerPixel)
}
