package kms

import "testing"

func TestClampCount(t *testing.T) {
	for _, test := range []struct {
		name   string
		count  uint32
		filled int
		want   uint32
	}{
		{"unchanged", 2, 2, 2},
		{"grown between passes", 2, 1, 1},
		{"shrunk between passes", 1, 4, 1},
		{"nothing allocated", 3, 0, 0},
	} {
		t.Run(test.name, func(t *testing.T) {
			if got := clampCount(test.count, make([]uint32, test.filled)); got != test.want {
				t.Errorf("expected clampCount(%d, len %d) = %d, got %d",
					test.count, test.filled, test.want, got)
			}
		})
	}
}
