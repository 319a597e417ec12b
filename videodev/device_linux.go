//go:build linux

package videodev

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vladimirvivien/go4vl/v4l2"
	"golang.org/x/sys/unix"
)

// V4L2_CID_EXPOSURE_ABSOLUTE, not exported by go4vl.
const ctrlExposureAbsolute v4l2.CtrlID = 0x009a0902

// Exposure modes for the auto-exposure control.
const (
	exposureAuto   = 0 // V4L2_EXPOSURE_AUTO
	exposureManual = 1 // V4L2_EXPOSURE_MANUAL
)

// Device is an open V4L2 capture node. It implements v4l2.StreamingDevice
// so the go4vl streaming calls can drive it, but the mapped buffers are
// owned by the caller, not by the device.
type Device struct {
	info  Info
	caps  v4l2.Capability
	fd    int
	count uint32 // buffers last requested
}

var _ v4l2.StreamingDevice = (*Device)(nil)

// Open opens the node read-write and non-blocking and checks that it is a
// streaming video capture device.
func Open(path string) (*Device, error) {
	fd, err := v4l2.OpenDevice(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	caps, err := v4l2.GetCapability(fd)
	if err != nil {
		v4l2.CloseDevice(fd)
		return nil, fmt.Errorf("querying capabilities of %s: %w", path, err)
	}
	if !caps.IsVideoCaptureSupported() {
		v4l2.CloseDevice(fd)
		return nil, fmt.Errorf("%s is not a video capture device", path)
	}
	if !caps.IsStreamingSupported() {
		v4l2.CloseDevice(fd)
		return nil, fmt.Errorf("%s does not support streaming i/o", path)
	}

	d := &Device{
		fd:   int(fd),
		caps: caps,
		info: Info{
			Path:    path,
			Driver:  caps.Driver,
			Card:    caps.Card,
			BusInfo: caps.BusInfo,
			Version: versionString(caps.Version),
		},
	}
	return d, nil
}

// Info returns what the driver reported when the device was opened.
func (d *Device) Info() Info {
	return d.info
}

// Formats enumerates the pixel formats the device can capture.
func (d *Device) Formats() ([]FormatDesc, error) {
	descs, err := v4l2.GetAllFormatDescriptions(d.Fd())
	if err != nil {
		return nil, fmt.Errorf("enumerating formats: %w", err)
	}
	r := make([]FormatDesc, 0, len(descs))
	for _, desc := range descs {
		r = append(r, FormatDesc{
			PixelFormat: uint32(desc.PixelFormat),
			Description: desc.Description,
			Compressed:  desc.Flags&v4l2.FmtDescFlagCompressed != 0,
		})
	}
	return r, nil
}

// SetFormat asks the driver for width x height in the given pixel format
// and returns what it settled on.
func (d *Device) SetFormat(width, height, pixelFormat uint32) (PixFormat, error) {
	err := v4l2.SetPixFormat(d.Fd(), v4l2.PixFormat{
		Width:       width,
		Height:      height,
		PixelFormat: pixelFormat,
		Field:       v4l2.FieldAny,
	})
	if err != nil {
		return PixFormat{}, fmt.Errorf("VIDIOC_S_FMT: %w", classify(err))
	}
	pf, err := v4l2.GetPixFormat(d.Fd())
	if err != nil {
		return PixFormat{}, fmt.Errorf("VIDIOC_G_FMT: %w", classify(err))
	}
	return PixFormat{
		Width:        pf.Width,
		Height:       pf.Height,
		PixelFormat:  pf.PixelFormat,
		Field:        pf.Field,
		BytesPerLine: pf.BytesPerLine,
		SizeImage:    pf.SizeImage,
	}, nil
}

// SetFrameRate requests a frame interval of 1/fps seconds.
func (d *Device) SetFrameRate(fps uint32) error {
	param := v4l2.StreamParam{
		Type: v4l2.BufTypeVideoCapture,
		Capture: v4l2.CaptureParam{
			TimePerFrame: v4l2.Fract{Numerator: 1, Denominator: fps},
		},
	}
	if err := v4l2.SetStreamParam(d.Fd(), v4l2.BufTypeVideoCapture, param); err != nil {
		return fmt.Errorf("VIDIOC_S_PARM: %w", err)
	}
	return nil
}

// RequestBuffers asks for count MMAP buffers and returns how many the driver
// allocated. A count of zero frees the driver's buffers.
func (d *Device) RequestBuffers(count uint32) (uint32, error) {
	d.count = count
	if count == 0 {
		if _, err := v4l2.ResetBuffers(d); err != nil {
			return 0, classify(err)
		}
		return 0, nil
	}
	rb, err := v4l2.InitBuffers(d)
	if err != nil {
		return 0, classify(err)
	}
	return rb.Count, nil
}

// QueryBuffer returns the length and mmap offset of buffer index.
func (d *Device) QueryBuffer(index uint32) (length, offset uint32, err error) {
	b, err := v4l2.GetBuffer(d, index)
	if err != nil {
		return 0, 0, fmt.Errorf("buffer %d: %w", index, classify(err))
	}
	return b.Length, b.Info.Offset, nil
}

// Map maps a driver buffer into process memory. Buffers are mapped one at
// a time so a failure part way can be unwound by the caller.
func (d *Device) Map(offset, length uint32) ([]byte, error) {
	b, err := unix.Mmap(d.fd, int64(offset), int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap offset %d: %w", offset, classify(err))
	}
	return b, nil
}

// Unmap releases a mapping returned by Map.
func (d *Device) Unmap(b []byte) error {
	return unix.Munmap(b)
}

// Queue hands buffer index to the driver for filling.
func (d *Device) Queue(index uint32) error {
	if _, err := v4l2.QueueBuffer(d.Fd(), v4l2.IOTypeMMAP, v4l2.BufTypeVideoCapture, index); err != nil {
		return fmt.Errorf("buffer %d: %w", index, classify(err))
	}
	return nil
}

// Dequeue takes a filled buffer back from the driver. It does not block;
// use Wait first.
func (d *Device) Dequeue() (Buffer, error) {
	b, err := v4l2.DequeueBuffer(d.Fd(), v4l2.IOTypeMMAP, v4l2.BufTypeVideoCapture)
	if err != nil {
		return Buffer{}, classify(err)
	}
	ts := b.Timestamp
	return Buffer{
		Index:     b.Index,
		BytesUsed: b.BytesUsed,
		Flags:     b.Flags,
		Sequence:  b.Sequence,
		Timestamp: time.Duration(ts.Nano()),
	}, nil
}

// StreamOn starts capturing into queued buffers.
func (d *Device) StreamOn() error {
	return classify(v4l2.StreamOn(d))
}

// StreamOff stops capturing. All buffers are returned to userspace,
// including ones that were still queued. It is legal on a queue that was
// never started.
func (d *Device) StreamOff() error {
	return classify(v4l2.StreamOff(d))
}

// Wait blocks until a filled buffer can be dequeued or timeout elapses. It
// reports false on timeout.
func (d *Device) Wait(timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	switch {
	case fds[0].Revents&unix.POLLNVAL != 0:
		return false, fmt.Errorf("poll: %w", ErrDeviceGone)
	case fds[0].Revents&unix.POLLERR != 0:
		return false, errors.New("poll: device reported an error")
	}
	return fds[0].Revents&unix.POLLIN != 0, nil
}

// SetAutoExposure switches between automatic and manual exposure.
func (d *Device) SetAutoExposure(auto bool) error {
	var mode v4l2.CtrlValue = exposureManual
	if auto {
		mode = exposureAuto
	}
	if err := v4l2.SetControlValue(d.Fd(), v4l2.CtrlCameraExposureAuto, mode); err != nil {
		return fmt.Errorf("setting auto exposure: %w", err)
	}
	return nil
}

// SetExposure sets the absolute exposure time, in 100µs units.
func (d *Device) SetExposure(level int32) error {
	if err := v4l2.SetControlValue(d.Fd(), ctrlExposureAbsolute, v4l2.CtrlValue(level)); err != nil {
		return fmt.Errorf("setting exposure: %w", err)
	}
	return nil
}

// Close closes the file descriptor. Mappings must be released first.
func (d *Device) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := v4l2.CloseDevice(d.Fd())
	d.fd = -1
	return err
}

// The methods below complete v4l2.StreamingDevice.

func (d *Device) Name() string                    { return d.info.Path }
func (d *Device) Fd() uintptr                     { return uintptr(d.fd) }
func (d *Device) Capability() v4l2.Capability     { return d.caps }
func (d *Device) MemIOType() v4l2.IOType          { return v4l2.IOTypeMMAP }
func (d *Device) BufferType() v4l2.BufType        { return v4l2.BufTypeVideoCapture }
func (d *Device) BufferCount() uint32             { return d.count }
func (d *Device) Start(ctx context.Context) error { return d.StreamOn() }
func (d *Device) Stop() error                     { return d.StreamOff() }

// Buffers returns nil; mappings belong to the caller of Map.
func (d *Device) Buffers() [][]byte { return nil }

// GetOutput returns nil; frames are read with Wait and Dequeue.
func (d *Device) GetOutput() <-chan []byte { return nil }

// SetInput is a no-op for capture devices.
func (d *Device) SetInput(<-chan []byte) {}

// classify marks errors that mean the device is no longer usable. go4vl
// folds EBADF, ENODEV, ENXIO and EIO into ErrorSystem; vb2 answers EIO
// once the queue is in error after a disconnect.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, v4l2.ErrorSystem) || errors.Is(err, unix.EBADF) || errors.Is(err, unix.ENODEV) || errors.Is(err, unix.ENXIO) {
		return fmt.Errorf("%w: %v", ErrDeviceGone, err)
	}
	return err
}
