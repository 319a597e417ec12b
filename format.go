package uvc

import (
	"fmt"
	"strings"

	"github.com/edgeimpulse/linux-uvc-go/videodev"
	"gopkg.in/yaml.v3"
)

// State is the lifecycle state of a Session.
type State int32

const (
	Idle State = iota
	Opened
	Configured
	Streaming
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Opened:
		return "opened"
	case Configured:
		return "configured"
	case Streaming:
		return "streaming"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Encoding is the pixel encoding requested from the device.
type Encoding int

const (
	Raw        Encoding = iota // packed YUV 4:2:2 (YUYV)
	Compressed                 // MJPEG, decoded to RGB24
)

func (e Encoding) String() string {
	switch e {
	case Raw:
		return "raw"
	case Compressed:
		return "compressed"
	}
	return fmt.Sprintf("encoding(%d)", int(e))
}

// ParseEncoding accepts "raw"/"yuyv" and "compressed"/"mjpeg".
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "raw", "yuyv":
		return Raw, nil
	case "compressed", "mjpeg", "mjpg":
		return Compressed, nil
	}
	return 0, fmt.Errorf("unknown encoding %q", s)
}

func (e *Encoding) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a scalar", n.Line)
	}
	s := n.Value
	v, err := ParseEncoding(s)
	if err != nil {
		return err
	}
	*e = v
	return nil
}

// PixelFormat returns the V4L2 pixel format requested for e.
func (e Encoding) PixelFormat() uint32 {
	if e == Compressed {
		return videodev.PixelFormatMJPEG
	}
	return videodev.PixelFormatYUYV
}

// BytesPerPixel is the size of one pixel in frames delivered to sinks.
func (e Encoding) BytesPerPixel() int {
	if e == Compressed {
		return 3
	}
	return 2
}

// FrameFormat is the negotiated capture format.
type FrameFormat struct {
	Width    int
	Height   int
	Encoding Encoding

	// Stride and SizeImage describe the driver buffers. They are never
	// smaller than what a tightly packed YUYV frame would need.
	Stride    int
	SizeImage int
}

// FrameSize is the length of every frame delivered to sinks: width*height*2
// for raw, width*height*3 for decoded compressed frames.
func (f FrameFormat) FrameSize() int {
	return f.Width * f.Height * f.Encoding.BytesPerPixel()
}

func (f FrameFormat) String() string {
	return fmt.Sprintf("%dx%d %s", f.Width, f.Height, f.Encoding)
}
