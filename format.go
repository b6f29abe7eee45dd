package display

// PixelFormat is a little-endian fourcc pixel format code as used by the
// kernel mode-setting interface.
type PixelFormat uint32

// FourCC builds a pixel format code from its four character code.
func FourCC(a, b, c, d byte) PixelFormat {
	return PixelFormat(uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24)
}

// Supported pixel formats.
var (
	RGB565   = FourCC('R', 'G', '1', '6') // 16 bpp, no alpha
	BGR565   = FourCC('B', 'G', '1', '6')
	RGB888   = FourCC('R', 'G', '2', '4') // 24 bpp packed
	BGR888   = FourCC('B', 'G', '2', '4')
	XRGB8888 = FourCC('X', 'R', '2', '4') // 32 bpp, padding byte
	XBGR8888 = FourCC('X', 'B', '2', '4')
	ARGB8888 = FourCC('A', 'R', '2', '4') // 32 bpp with alpha
	ABGR8888 = FourCC('A', 'B', '2', '4')
)

// BitsPerPixel returns the storage size of one pixel, or 0 for formats this
// package does not know.
func (f PixelFormat) BitsPerPixel() uint32 {
	switch f {
	case RGB565, BGR565:
		return 16
	case RGB888, BGR888:
		return 24
	case XRGB8888, XBGR8888, ARGB8888, ABGR8888:
		return 32
	default:
		return 0
	}
}

func (f PixelFormat) String() string {
	return string([]byte{
		byte(f),
		byte(f >> 8),
		byte(f >> 16),
		byte(f >> 24),
	})
}
