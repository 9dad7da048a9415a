package ui

import (
	"bytes"
	"image/png"
	"testing"
)

func TestIconIsPNG(t *testing.T) {
	img, err := png.Decode(bytes.NewReader(iconBytes))
	if err != nil {
		t.Fatalf("icon does not decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 32 || b.Dy() != 32 {
		t.Errorf("icon bounds = %v", b)
	}
	if _, _, _, a := img.At(0, 0).RGBA(); a != 0 {
		t.Error("corner should be transparent")
	}
	if _, _, _, a := img.At(16, 8).RGBA(); a == 0 {
		t.Error("center should be opaque")
	}
}

func TestStatusLine(t *testing.T) {
	tests := []struct {
		active int
		want   string
	}{
		{0, "Idle"},
		{1, "Working on 1 job"},
		{3, "Working on 3 jobs"},
	}
	for _, tt := range tests {
		if got := statusLine(tt.active); got != tt.want {
			t.Errorf("statusLine(%d) = %q, want %q", tt.active, got, tt.want)
		}
	}
}

func TestAvatarsLine(t *testing.T) {
	if got := avatarsLine(2, 2); got != "Avatars: 2" {
		t.Errorf("got %q", got)
	}
	if got := avatarsLine(3, 1); got != "Avatars: 3 (1 ready)" {
		t.Errorf("got %q", got)
	}
}
