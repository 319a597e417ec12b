package uvc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/edgeimpulse/linux-uvc-go/device"
	"github.com/edgeimpulse/linux-uvc-go/videodev"
)

var errAgain = errors.New("resource temporarily unavailable")

const fakePageSize = 4096

// fakeDriver simulates the kernel side of V4L2 streaming: buffer
// allocation, mappings and the queue of buffers owned by the driver.
type fakeDriver struct {
	mu sync.Mutex

	// Behaviour knobs, set before use.
	forcePixfmt  uint32 // driver answers with this pixel format
	bytesPerLine uint32 // reported stride, 0 for tightly packed
	maxWidth     uint32 // driver clamps wider requests, 0 for no limit
	granted      uint32 // buffers granted by REQBUFS, 0 for as requested
	failReqbufs  bool
	failMapAt    int // 1-based buffer number whose mmap fails
	failQueueAt  int // 1-based QBUF call that fails
	failStreamOn bool
	failControl  bool
	paused       bool   // no frames are produced
	frame        []byte // compressed frame content
	gone         bool

	format    videodev.PixFormat
	fps       uint32
	count     uint32
	mapped    map[*byte]uint32
	mem       map[uint32][]byte
	queued    map[uint32]bool
	fifo      []uint32
	streaming bool
	seq       uint32
	qcalls    int

	// Counters for assertions.
	maps, unmaps     int
	queues, dequeues int
	violations       []string
	closes           int
	autoExposure     *bool
	exposure         int32
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		mapped: map[*byte]uint32{},
		mem:    map[uint32][]byte{},
		queued: map[uint32]bool{},
	}
}

func (f *fakeDriver) violate(format string, args ...interface{}) {
	f.violations = append(f.violations, fmt.Sprintf(format, args...))
}

func (f *fakeDriver) Info() videodev.Info {
	return videodev.Info{Path: "/dev/video0", Driver: "fake", Card: "Fake Camera"}
}

func (f *fakeDriver) Formats() ([]videodev.FormatDesc, error) {
	return []videodev.FormatDesc{
		{PixelFormat: videodev.PixelFormatYUYV, Description: "YUYV 4:2:2"},
		{PixelFormat: videodev.PixelFormatMJPEG, Description: "Motion-JPEG", Compressed: true},
	}, nil
}

func (f *fakeDriver) SetFormat(width, height, pixelFormat uint32) (videodev.PixFormat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.streaming || f.count > 0 {
		return videodev.PixFormat{}, errors.New("device busy")
	}
	if f.maxWidth > 0 && width > f.maxWidth {
		width = f.maxWidth
	}
	pf := pixelFormat
	if f.forcePixfmt != 0 {
		pf = f.forcePixfmt
	}
	bpl := f.bytesPerLine
	stride := width * 2
	if bpl > stride {
		stride = bpl
	}
	f.format = videodev.PixFormat{
		Width:        width,
		Height:       height,
		PixelFormat:  pf,
		BytesPerLine: bpl,
		SizeImage:    stride * height,
	}
	return f.format, nil
}

func (f *fakeDriver) SetFrameRate(fps uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fps = fps
	return nil
}

func (f *fakeDriver) RequestBuffers(count uint32) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if count == 0 {
		if len(f.mapped) > 0 {
			return 0, errors.New("device busy: buffers still mapped")
		}
		f.count = 0
		f.queued = map[uint32]bool{}
		f.fifo = nil
		return 0, nil
	}
	if f.failReqbufs {
		return 0, errors.New("out of memory")
	}
	if f.streaming {
		return 0, errors.New("device busy: streaming")
	}
	f.count = count
	if f.granted > 0 {
		f.count = f.granted
	}
	return f.count, nil
}

func (f *fakeDriver) QueryBuffer(index uint32) (uint32, uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if index >= f.count {
		return 0, 0, errors.New("invalid argument")
	}
	return f.format.SizeImage, index * fakePageSize, nil
}

func (f *fakeDriver) Map(offset, length uint32) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	index := offset / fakePageSize
	if index >= f.count {
		f.violate("map of unknown offset %d", offset)
		return nil, errors.New("invalid argument")
	}
	if f.failMapAt == int(index)+1 {
		return nil, errors.New("cannot allocate memory")
	}
	b := make([]byte, length)
	f.mapped[&b[0]] = index
	f.mem[index] = b
	f.maps++
	return b, nil
}

func (f *fakeDriver) Unmap(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(b) == 0 {
		f.violate("unmap of empty slice")
		return errors.New("invalid argument")
	}
	index, ok := f.mapped[&b[0]]
	if !ok {
		f.violate("double unmap")
		return errors.New("invalid argument")
	}
	if f.queued[index] {
		f.violate("unmap of queued buffer %d", index)
	}
	delete(f.mapped, &b[0])
	delete(f.mem, index)
	f.unmaps++
	return nil
}

func (f *fakeDriver) Queue(index uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone {
		return fmt.Errorf("%w: no such device", videodev.ErrDeviceGone)
	}
	if index >= f.count {
		return errors.New("invalid argument")
	}
	f.qcalls++
	if f.qcalls == f.failQueueAt {
		return errors.New("input/output error")
	}
	if f.queued[index] {
		f.violate("buffer %d queued twice", index)
		return errors.New("invalid argument")
	}
	f.queued[index] = true
	f.fifo = append(f.fifo, index)
	f.queues++
	return nil
}

func (f *fakeDriver) Dequeue() (videodev.Buffer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone {
		return videodev.Buffer{}, fmt.Errorf("%w: no such device", videodev.ErrDeviceGone)
	}
	if !f.streaming || f.paused || len(f.fifo) == 0 {
		return videodev.Buffer{}, errAgain
	}
	index := f.fifo[0]
	f.fifo = f.fifo[1:]
	f.queued[index] = false
	f.dequeues++
	f.seq++

	buf := f.mem[index]
	n := f.format.SizeImage
	if f.frame != nil {
		n = uint32(copy(buf, f.frame))
	} else if buf != nil {
		buf[0] = byte(f.seq)
	}
	return videodev.Buffer{
		Index:     index,
		BytesUsed: n,
		Sequence:  f.seq,
		Timestamp: time.Duration(f.seq) * 33 * time.Millisecond,
	}, nil
}

func (f *fakeDriver) StreamOn() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStreamOn {
		return errors.New("no space left on device")
	}
	f.streaming = true
	return nil
}

func (f *fakeDriver) StreamOff() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streaming = false
	f.queued = map[uint32]bool{}
	f.fifo = nil
	return nil
}

func (f *fakeDriver) Wait(timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		f.mu.Lock()
		ready := f.streaming && !f.paused && len(f.fifo) > 0
		gone := f.gone
		f.mu.Unlock()
		if gone {
			return false, fmt.Errorf("poll: %w", videodev.ErrDeviceGone)
		}
		if ready {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (f *fakeDriver) SetAutoExposure(auto bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failControl {
		return errors.New("invalid argument")
	}
	f.autoExposure = &auto
	return nil
}

func (f *fakeDriver) SetExposure(level int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failControl {
		return errors.New("invalid argument")
	}
	f.exposure = level
	return nil
}

func (f *fakeDriver) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	if len(f.mapped) > 0 {
		f.violate("close with %d buffers mapped", len(f.mapped))
	}
	return nil
}

// snapshot returns counters under the lock.
func (f *fakeDriver) snapshot() (maps, unmaps, queues, dequeues int, violations []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maps, f.unmaps, f.queues, f.dequeues, append([]string(nil), f.violations...)
}

func (f *fakeDriver) set(fn func(f *fakeDriver)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type fakeLocator map[device.Identity]string

func (l fakeLocator) Find(id device.Identity) (string, error) {
	if p, ok := l[id]; ok {
		return p, nil
	}
	return "", fmt.Errorf("%w for %s", device.ErrNotFound, id)
}
