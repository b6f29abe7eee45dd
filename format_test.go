package display

import "testing"

func TestFormatCodes(t *testing.T) {
	for _, test := range []struct {
		format PixelFormat
		code   uint32
		bpp    uint32
	}{
		{RGB565, 0x36314752, 16},
		{BGR565, 0x36314742, 16},
		{RGB888, 0x34324752, 24},
		{XRGB8888, 0x34325258, 32},
		{XBGR8888, 0x34324258, 32},
		{ARGB8888, 0x34325241, 32},
		{ABGR8888, 0x34324241, 32},
	} {
		if uint32(test.format) != test.code {
			t.Errorf("expected %s to encode as %#08x, got %#08x", test.format, test.code, uint32(test.format))
		}
		if got := test.format.BitsPerPixel(); got != test.bpp {
			t.Errorf("expected %s to have %d bpp, got %d", test.format, test.bpp, got)
		}
	}
}

func TestFormatString(t *testing.T) {
	if s := XRGB8888.String(); s != "XR24" {
		t.Errorf("expected fourcc string XR24, got %q", s)
	}
	if got := PixelFormat(0).BitsPerPixel(); got != 0 {
		t.Errorf("expected unknown format to have 0 bpp, got %d", got)
	}
}
