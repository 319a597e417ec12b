package uvc

import (
	"errors"
	"fmt"

	"github.com/edgeimpulse/linux-uvc-go/videodev"
	"go.uber.org/zap"
)

// MaxBufferCount is the number of driver buffers a session streams with.
const MaxBufferCount = 4

type bufState int

const (
	bufFree     bufState = iota // owned by the pool, content invalid
	bufQueued                   // owned by the driver
	bufDequeued                 // owned by the engine, content valid
)

type mappedBuffer struct {
	index uint32
	data  []byte // nil once unmapped
	state bufState
}

// BufferPool is a fixed set of memory-mapped driver buffers. It is used by a
// single goroutine at a time: the control goroutine while preparing and
// releasing, the capture loop while streaming.
type BufferPool struct {
	dev      Driver
	log      *zap.Logger
	bufs     []*mappedBuffer
	released bool
}

// PrepareBufferPool requests count buffers from dev and maps each of them.
// Either every buffer is mapped or the pool is torn down again and an error
// wrapping ErrBufferSetupFailed is returned.
func PrepareBufferPool(dev Driver, count uint32, log *zap.Logger) (pool *BufferPool, rerr error) {
	if log == nil {
		log = zap.NewNop()
	}
	if count == 0 || count > MaxBufferCount {
		return nil, fmt.Errorf("%w: buffer count %d out of range 1..%d", ErrBufferSetupFailed, count, MaxBufferCount)
	}

	granted, err := dev.RequestBuffers(count)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBufferSetupFailed, err)
	}
	p := &BufferPool{dev: dev, log: log}

	// Ensure cleanup in case of failure.
	defer func() {
		if rerr != nil {
			p.Release()
		}
	}()

	if granted < count {
		return nil, fmt.Errorf("%w: driver granted %d of %d buffers", ErrBufferSetupFailed, granted, count)
	}
	for i := uint32(0); i < count; i++ {
		length, offset, err := dev.QueryBuffer(i)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBufferSetupFailed, err)
		}
		data, err := dev.Map(offset, length)
		if err != nil {
			return nil, fmt.Errorf("%w: buffer %d: %v", ErrBufferSetupFailed, i, err)
		}
		p.bufs = append(p.bufs, &mappedBuffer{index: i, data: data})
		log.Debug("mapped buffer", zap.Uint32("index", i), zap.Uint32("length", length))
	}
	return p, nil
}

// Len returns the number of buffers in the pool.
func (p *BufferPool) Len() int {
	return len(p.bufs)
}

// MaxLength returns the length of the largest buffer.
func (p *BufferPool) MaxLength() int {
	n := 0
	for _, b := range p.bufs {
		if len(b.data) > n {
			n = len(b.data)
		}
	}
	return n
}

// EnqueueAll hands every free buffer to the driver.
func (p *BufferPool) EnqueueAll() error {
	if p.released {
		return fmt.Errorf("%w: pool released", ErrBufferSetupFailed)
	}
	for _, b := range p.bufs {
		if b.state != bufFree {
			continue
		}
		if err := p.dev.Queue(b.index); err != nil {
			return fmt.Errorf("%w: %v", ErrBufferSetupFailed, err)
		}
		b.state = bufQueued
	}
	return nil
}

// Dequeue takes a filled buffer from the driver. Errors wrap ErrDequeueFatal
// if the device is gone and ErrDequeueFailed otherwise.
func (p *BufferPool) Dequeue() (videodev.Buffer, error) {
	vb, err := p.dev.Dequeue()
	if err != nil {
		if errors.Is(err, videodev.ErrDeviceGone) {
			return videodev.Buffer{}, fmt.Errorf("%w: %v", ErrDequeueFatal, err)
		}
		return videodev.Buffer{}, fmt.Errorf("%w: %v", ErrDequeueFailed, err)
	}
	if int(vb.Index) >= len(p.bufs) {
		return videodev.Buffer{}, fmt.Errorf("%w: driver returned unknown buffer %d", ErrDequeueFailed, vb.Index)
	}
	b := p.bufs[vb.Index]
	if b.state != bufQueued {
		return videodev.Buffer{}, fmt.Errorf("%w: driver returned buffer %d that was not queued", ErrDequeueFailed, vb.Index)
	}
	b.state = bufDequeued
	return vb, nil
}

// Bytes returns the first n bytes of a dequeued buffer. The slice is valid
// until the buffer is requeued.
func (p *BufferPool) Bytes(index uint32, n int) ([]byte, error) {
	if int(index) >= len(p.bufs) {
		return nil, fmt.Errorf("no buffer %d", index)
	}
	b := p.bufs[index]
	if b.state != bufDequeued {
		return nil, fmt.Errorf("buffer %d is not dequeued", index)
	}
	if n > len(b.data) {
		n = len(b.data)
	}
	return b.data[:n], nil
}

// Requeue returns a dequeued buffer to the driver. If queueing fails the
// buffer stays with the pool and is picked up by the next EnqueueAll.
func (p *BufferPool) Requeue(index uint32) error {
	if int(index) >= len(p.bufs) {
		return fmt.Errorf("no buffer %d", index)
	}
	b := p.bufs[index]
	if b.state != bufDequeued {
		return fmt.Errorf("buffer %d is not dequeued", index)
	}
	if err := p.dev.Queue(index); err != nil {
		b.state = bufFree
		return err
	}
	b.state = bufQueued
	return nil
}

// Reclaim marks all buffers free. Call it after the driver has released
// them, i.e. after stream off.
func (p *BufferPool) Reclaim() {
	for _, b := range p.bufs {
		b.state = bufFree
	}
}

// Release unmaps every buffer exactly once and frees the driver's buffers.
// Failures are logged and returned joined; all buffers are still attempted.
func (p *BufferPool) Release() error {
	if p.released {
		return nil
	}
	p.released = true

	var errs []error
	for _, b := range p.bufs {
		if b.data == nil {
			continue
		}
		if b.state == bufQueued {
			p.log.Warn("unmapping buffer still owned by driver", zap.Uint32("index", b.index))
		}
		if err := p.dev.Unmap(b.data); err != nil {
			p.log.Error("unmapping buffer", zap.Uint32("index", b.index), zap.Error(err))
			errs = append(errs, fmt.Errorf("unmapping buffer %d: %v", b.index, err))
		}
		b.data = nil
		b.state = bufFree
	}
	if _, err := p.dev.RequestBuffers(0); err != nil {
		p.log.Error("freeing driver buffers", zap.Error(err))
		errs = append(errs, fmt.Errorf("freeing driver buffers: %v", err))
	}
	return errors.Join(errs...)
}
