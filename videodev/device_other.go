//go:build !linux

package videodev

import (
	"time"
)

// Device is unavailable on this platform; Open always fails.
type Device struct{}

// Open returns ErrUnsupported.
func Open(path string) (*Device, error) {
	return nil, ErrUnsupported
}

func (d *Device) Info() Info                                       { return Info{} }
func (d *Device) Formats() ([]FormatDesc, error)                   { return nil, ErrUnsupported }
func (d *Device) SetFormat(w, h, pf uint32) (PixFormat, error)     { return PixFormat{}, ErrUnsupported }
func (d *Device) SetFrameRate(fps uint32) error                    { return ErrUnsupported }
func (d *Device) RequestBuffers(count uint32) (uint32, error)      { return 0, ErrUnsupported }
func (d *Device) QueryBuffer(index uint32) (uint32, uint32, error) { return 0, 0, ErrUnsupported }
func (d *Device) Map(offset, length uint32) ([]byte, error)        { return nil, ErrUnsupported }
func (d *Device) Unmap(b []byte) error                             { return ErrUnsupported }
func (d *Device) Queue(index uint32) error                         { return ErrUnsupported }
func (d *Device) Dequeue() (Buffer, error)                         { return Buffer{}, ErrUnsupported }
func (d *Device) StreamOn() error                                  { return ErrUnsupported }
func (d *Device) StreamOff() error                                 { return ErrUnsupported }
func (d *Device) Wait(timeout time.Duration) (bool, error)         { return false, ErrUnsupported }
func (d *Device) SetAutoExposure(auto bool) error                  { return ErrUnsupported }
func (d *Device) SetExposure(level int32) error                    { return ErrUnsupported }
func (d *Device) Close() error                                     { return nil }
