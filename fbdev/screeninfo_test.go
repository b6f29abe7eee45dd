package fbdev

import (
	"errors"
	"testing"

	"github.com/guestview/display"
)

func TestParsePixelFormat(t *testing.T) {
	tests := []struct {
		name string
		bpp  uint32
		r    bitField
		g    bitField
		b    bitField
		a    bitField
		want display.PixelFormat
	}{
		{"rgb565", 16, bitField{11, 5, 0}, bitField{5, 6, 0}, bitField{0, 5, 0}, bitField{}, display.RGB565},
		{"bgr565", 16, bitField{0, 5, 0}, bitField{5, 6, 0}, bitField{11, 5, 0}, bitField{}, display.BGR565},
		{"rgb888", 24, bitField{16, 8, 0}, bitField{8, 8, 0}, bitField{0, 8, 0}, bitField{}, display.RGB888},
		{"xrgb8888", 32, bitField{16, 8, 0}, bitField{8, 8, 0}, bitField{0, 8, 0}, bitField{}, display.XRGB8888},
		{"argb8888", 32, bitField{16, 8, 0}, bitField{8, 8, 0}, bitField{0, 8, 0}, bitField{24, 8, 0}, display.ARGB8888},
		{"abgr8888", 32, bitField{0, 8, 0}, bitField{8, 8, 0}, bitField{16, 8, 0}, bitField{24, 8, 0}, display.ABGR8888},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			info := &varScreenInfo{
				BitsPerPixel: test.bpp,
				Red:          test.r,
				Green:        test.g,
				Blue:         test.b,
				Alpha:        test.a,
			}
			got, err := parsePixelFormat(info)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != test.want {
				t.Errorf("expected %s, got %s", test.want, got)
			}
		})
	}
}

func TestParsePixelFormatUnsupported(t *testing.T) {
	info := &varScreenInfo{
		BitsPerPixel: 15,
		Red:          bitField{10, 5, 0},
		Green:        bitField{5, 5, 0},
		Blue:         bitField{0, 5, 0},
	}
	if _, err := parsePixelFormat(info); !errors.Is(err, display.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}
