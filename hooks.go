package uvc

import (
	"reflect"
	"time"

	"github.com/edgeimpulse/linux-uvc-go/decode"
	"github.com/edgeimpulse/linux-uvc-go/device"
	"github.com/edgeimpulse/linux-uvc-go/videodev"
)

// Driver is an open capture device. *videodev.Device implements it; tests
// substitute a simulated driver.
type Driver interface {
	Info() videodev.Info
	Formats() ([]videodev.FormatDesc, error)
	SetFormat(width, height, pixelFormat uint32) (videodev.PixFormat, error)
	SetFrameRate(fps uint32) error
	RequestBuffers(count uint32) (uint32, error)
	QueryBuffer(index uint32) (length, offset uint32, err error)
	Map(offset, length uint32) ([]byte, error)
	Unmap(b []byte) error
	Queue(index uint32) error
	Dequeue() (videodev.Buffer, error)
	StreamOn() error
	StreamOff() error
	Wait(timeout time.Duration) (bool, error)
	SetAutoExposure(auto bool) error
	SetExposure(level int32) error
	Close() error
}

// Check that the V4L2 device implements Driver.
var _ Driver = (*videodev.Device)(nil)

// Locator resolves a USB identity to a device node path.
type Locator interface {
	Find(id device.Identity) (string, error)
}

var _ Locator = (*device.Locator)(nil)

// Frame is one captured frame as delivered to a FrameSink.
type Frame struct {
	// Data is borrowed for the duration of OnFrame only; the session
	// overwrites it with the next frame.
	Data []byte

	Width    int
	Height   int
	Encoding Encoding // Raw: YUYV, Compressed: RGB24 after decoding

	Sequence  uint32
	Timestamp time.Duration
}

// FrameSink receives frames from the capture loop. OnFrame runs on the
// capture goroutine and must not call back into the Session's Stop, Close
// or Destroy.
type FrameSink interface {
	OnFrame(f Frame)
}

// FrameSinkFunc adapts a function to FrameSink.
type FrameSinkFunc func(f Frame)

func (fn FrameSinkFunc) OnFrame(f Frame) { fn(f) }

// PreviewAdapter displays frames. Update is best effort.
type PreviewAdapter interface {
	Update(data []byte)
	Close() error
}

// Decoder turns compressed frames into RGB24. Start and Stop bracket each
// stream; Close releases it when the format changes or the session closes.
type Decoder interface {
	Start() error
	Convert(data []byte) ([]byte, error)
	Stop() error
	Close() error
}

// DecoderFactory makes a decoder producing width x height frames.
type DecoderFactory func(width, height int) (Decoder, error)

var _ Decoder = (*decode.JPEG)(nil)

func newJPEGDecoder(width, height int) (Decoder, error) {
	d, err := decode.NewJPEG(width, height)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func openDevice(path string) (Driver, error) {
	d, err := videodev.Open(path)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// sameHook reports whether a and b are the same sink or preview. Values of
// types that cannot be compared are never the same.
func sameHook(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	t := reflect.TypeOf(a)
	if t != reflect.TypeOf(b) || !t.Comparable() {
		return false
	}
	return a == b
}
