// Package videodev talks to Video4Linux2 capture nodes: capability and
// format negotiation, memory-mapped streaming buffers, and readiness polling.
//
// Only the single-planar video capture buffer type with MMAP memory is
// supported, which is what USB video class drivers expose.
package videodev

import (
	"errors"
	"fmt"
	"time"
)

// Pixel formats, as V4L2 fourcc codes.
const (
	PixelFormatYUYV  uint32 = 'Y' | 'U'<<8 | 'Y'<<16 | 'V'<<24 // packed YUV 4:2:2
	PixelFormatMJPEG uint32 = 'M' | 'J'<<8 | 'P'<<16 | 'G'<<24 // motion JPEG
)

var (
	// ErrDeviceGone is returned when the file descriptor no longer refers to
	// a usable device, e.g. after unplugging the camera.
	ErrDeviceGone = errors.New("video device gone")

	// ErrUnsupported is returned by Open on platforms without V4L2.
	ErrUnsupported = errors.New("v4l2 not supported on this platform")
)

// Info describes an opened device.
type Info struct {
	Path    string
	Driver  string
	Card    string
	BusInfo string
	Version string
}

// PixFormat is the single-planar format the driver accepted.
type PixFormat struct {
	Width        uint32
	Height       uint32
	PixelFormat  uint32
	Field        uint32
	BytesPerLine uint32
	SizeImage    uint32
}

// FormatDesc is one entry of the device's format enumeration.
type FormatDesc struct {
	PixelFormat uint32
	Description string
	Compressed  bool
}

// Buffer is what the driver returned for a dequeued buffer.
type Buffer struct {
	Index     uint32
	BytesUsed uint32
	Flags     uint32
	Sequence  uint32
	Timestamp time.Duration // monotonic capture time reported by the driver
}

// FourCC returns the printable form of a pixel format code.
func FourCC(pf uint32) string {
	b := []byte{byte(pf), byte(pf >> 8), byte(pf >> 16), byte(pf >> 24)}
	for i, c := range b {
		if c < 0x20 || c > 0x7e {
			b[i] = '?'
		}
	}
	return string(b)
}

func versionString(v uint32) string {
	return fmt.Sprintf("%d.%d.%d", byte(v>>16), byte(v>>8), byte(v))
}
