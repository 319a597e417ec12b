package videodev

import (
	"testing"
)

func TestFourCC(t *testing.T) {
	if s := FourCC(PixelFormatYUYV); s != "YUYV" {
		t.Fatalf("got %q", s)
	}
	if s := FourCC(PixelFormatMJPEG); s != "MJPG" {
		t.Fatalf("got %q", s)
	}
	if s := FourCC(0x00475089); s != "?PG?" {
		t.Fatalf("got %q", s)
	}
}

func TestVersionString(t *testing.T) {
	if s := versionString(0x060812); s != "6.8.18" {
		t.Fatalf("got %q", s)
	}
}
