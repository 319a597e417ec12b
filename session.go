// Package uvc captures frames from USB video class cameras through the
// V4L2 memory-mapped streaming interface.
//
// A Session walks through the states Idle, Opened, Configured and
// Streaming:
//
//	s := uvc.NewSession(uvc.Options{Logger: logger})
//	defer s.Destroy()
//	s.Open(device.Identity{VendorID: 0x1a86, ProductID: 0x7523})
//	s.ConfigureFormat(1280, 720, uvc.Raw)
//	s.AttachSink(sink)
//	s.Start()
//	...
//	s.Stop()
//
// While streaming, a capture goroutine dequeues filled buffers, copies them
// out (decoding MJPEG to RGB24), hands the copy to the preview and sink, and
// requeues the buffer.
package uvc

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeimpulse/linux-uvc-go/device"
	"github.com/edgeimpulse/linux-uvc-go/videodev"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Defaults for Options.
const (
	DefaultPollTimeout   = 250 * time.Millisecond
	DefaultRawFPS        = 10
	DefaultCompressedFPS = 30
)

// Options has options for a new Session. Zero values select defaults.
type Options struct {
	Logger     *zap.Logger
	Locator    Locator                           // Default: device.NewLocator.
	Open       func(path string) (Driver, error) // Default: videodev.Open.
	NewDecoder DecoderFactory                    // Default: decode.NewJPEG.

	// PollTimeout bounds each wait for a filled buffer, and with it how
	// long Stop takes when no frames arrive.
	PollTimeout time.Duration

	// Frame rates requested per encoding.
	RawFPS        uint32
	CompressedFPS uint32
}

// Session is a capture session for a single device. Control methods may be
// called from any goroutine; they are serialized.
type Session struct {
	opts Options
	log  *zap.Logger

	mu     sync.Mutex   // serializes control operations
	state  atomic.Int32 // State; read by the capture loop
	dev    Driver
	path   string
	format FrameFormat
	dec    Decoder
	stream *stream

	hookMu  sync.Mutex // held by the capture loop while dispatching
	sink    FrameSink
	preview PreviewAdapter

	statsMu sync.Mutex
	stats   Stats
	rate    *RateFilter
}

// stream is the state of one Start/Stop cycle.
type stream struct {
	id      uuid.UUID
	pool    *BufferPool
	stop    chan struct{}
	done    chan struct{}
	out     []byte // raw frames, width*height*2
	staging []byte // compressed frames, copied out before decoding
}

// NewSession returns an idle session.
func NewSession(opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Locator == nil {
		opts.Locator = device.NewLocator(opts.Logger)
	}
	if opts.Open == nil {
		opts.Open = openDevice
	}
	if opts.NewDecoder == nil {
		opts.NewDecoder = newJPEGDecoder
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.RawFPS == 0 {
		opts.RawFPS = DefaultRawFPS
	}
	if opts.CompressedFPS == 0 {
		opts.CompressedFPS = DefaultCompressedFPS
	}
	rate, _ := NewRateFilter(30)
	return &Session{
		opts: opts,
		log:  opts.Logger,
		rate: rate,
	}
}

// State returns the current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Session) check(op string, allowed ...State) error {
	cur := s.State()
	for _, st := range allowed {
		if cur == st {
			return nil
		}
	}
	return &StateError{Op: op, State: cur}
}

// Open finds the device with the given USB identity and opens it.
func (s *Session) Open(id device.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("open", Idle); err != nil {
		return err
	}
	path, err := s.opts.Locator.Find(id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoMatchingDevice, err)
	}
	return s.openPath(path)
}

// OpenPath opens a device node directly, skipping discovery.
func (s *Session) OpenPath(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("open", Idle); err != nil {
		return err
	}
	return s.openPath(path)
}

func (s *Session) openPath(path string) error {
	dev, err := s.opts.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	s.dev = dev
	s.path = path
	s.setState(Opened)
	info := dev.Info()
	s.log.Info("opened device", zap.String("path", path), zap.String("card", info.Card), zap.String("driver", info.Driver))
	return nil
}

// ConfigureFormat negotiates the capture format and frame rate. It may be
// called again while Configured to change the format. For Compressed, a
// decoder producing width x height RGB24 frames is created.
//
// A rejected reconfiguration leaves the session with its previous format,
// re-applied to the device. If that fails too the session drops back to
// Opened.
func (s *Session) ConfigureFormat(width, height int, enc Encoding) (rerr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("configure format", Opened, Configured); err != nil {
		return err
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: invalid size %dx%d", ErrFormatRejected, width, height)
	}
	if enc != Raw && enc != Compressed {
		return fmt.Errorf("%w: invalid encoding %v", ErrFormatRejected, enc)
	}

	// The decoder is made before the device is touched, for the size asked
	// for. It is replaced below if the driver picks another size.
	var dec Decoder
	if enc == Compressed {
		var err error
		dec, err = s.opts.NewDecoder(width, height)
		if err != nil {
			return fmt.Errorf("%w: creating decoder: %v", ErrFormatRejected, err)
		}
	}
	defer func() {
		if rerr == nil {
			return
		}
		if dec != nil {
			if err := dec.Close(); err != nil {
				s.log.Warn("closing decoder", zap.Error(err))
			}
		}
		s.restoreFormat()
	}()

	f, err := s.negotiate(width, height, enc)
	if err != nil {
		return err
	}
	if f.Width != width || f.Height != height {
		s.log.Info("driver adjusted frame size",
			zap.Int("width", width), zap.Int("height", height),
			zap.Int("driverWidth", f.Width), zap.Int("driverHeight", f.Height))
		if dec != nil {
			if err := dec.Close(); err != nil {
				s.log.Warn("closing decoder", zap.Error(err))
			}
			dec = nil
			if dec, err = s.opts.NewDecoder(f.Width, f.Height); err != nil {
				dec = nil
				return fmt.Errorf("%w: creating decoder: %v", ErrFormatRejected, err)
			}
		}
	}

	s.setFrameRate(enc)
	s.closeDecoder()
	s.dec = dec
	s.format = f
	s.setState(Configured)
	s.log.Info("configured format", zap.Stringer("format", f), zap.Int("stride", f.Stride), zap.Int("sizeImage", f.SizeImage))
	return nil
}

// negotiate sets the format on the device and checks what the driver chose.
func (s *Session) negotiate(width, height int, enc Encoding) (FrameFormat, error) {
	want := enc.PixelFormat()
	pf, err := s.dev.SetFormat(uint32(width), uint32(height), want)
	if err != nil {
		return FrameFormat{}, fmt.Errorf("%w: %v", ErrFormatRejected, err)
	}
	if pf.PixelFormat != want {
		return FrameFormat{}, fmt.Errorf("%w: driver chose %s instead of %s", ErrFormatRejected, videodev.FourCC(pf.PixelFormat), videodev.FourCC(want))
	}
	if pf.Width == 0 || pf.Height == 0 {
		return FrameFormat{}, fmt.Errorf("%w: driver returned size %dx%d", ErrFormatRejected, pf.Width, pf.Height)
	}
	f := FrameFormat{
		Width:    int(pf.Width),
		Height:   int(pf.Height),
		Encoding: enc,
	}
	f.Stride = max(int(pf.BytesPerLine), f.Width*2)
	f.SizeImage = max(int(pf.SizeImage), f.Stride*f.Height)
	return f, nil
}

func (s *Session) setFrameRate(enc Encoding) {
	fps := s.opts.RawFPS
	if enc == Compressed {
		fps = s.opts.CompressedFPS
	}
	if err := s.dev.SetFrameRate(fps); err != nil {
		s.log.Warn("setting frame rate", zap.Uint32("fps", fps), zap.Error(err))
	}
}

// restoreFormat puts the device back to the session's current format after
// a rejected reconfiguration. The device only matters once Configured, so
// from Opened there is nothing to restore.
func (s *Session) restoreFormat() {
	if s.State() != Configured {
		return
	}
	prev := s.format
	f, err := s.negotiate(prev.Width, prev.Height, prev.Encoding)
	if err == nil && (f.Width != prev.Width || f.Height != prev.Height) {
		err = fmt.Errorf("driver returned %dx%d", f.Width, f.Height)
	}
	if err != nil {
		s.log.Error("restoring format, session needs configuring again", zap.Stringer("format", prev), zap.Error(err))
		s.closeDecoder()
		s.format = FrameFormat{}
		s.setState(Opened)
		return
	}
	s.format = f
	s.setFrameRate(prev.Encoding)
	s.log.Info("restored format", zap.Stringer("format", f))
}

// Format returns the negotiated format. It is only meaningful once
// configured.
func (s *Session) Format() FrameFormat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// AttachSink sets the sink receiving frames, replacing any previous sink.
// A nil sink detaches. Attaching the current sink again is a no-op.
func (s *Session) AttachSink(sink FrameSink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("attach sink", Configured, Streaming); err != nil {
		return err
	}
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	if sameHook(s.sink, sink) {
		return nil
	}
	s.sink = sink
	return nil
}

// AttachPreview sets the preview receiving frames. A previous preview is
// closed. A nil preview detaches.
func (s *Session) AttachPreview(p PreviewAdapter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("attach preview", Configured, Streaming); err != nil {
		return err
	}
	s.hookMu.Lock()
	old := s.preview
	s.preview = p
	s.hookMu.Unlock()
	if old != nil && !sameHook(old, p) {
		if err := old.Close(); err != nil {
			s.log.Warn("closing preview", zap.Error(err))
		}
	}
	return nil
}

// Start maps the buffer pool, starts streaming and launches the capture
// loop. On failure everything done so far is undone and the session stays
// Configured.
func (s *Session) Start() (rerr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("start", Configured); err != nil {
		return err
	}

	pool, err := PrepareBufferPool(s.dev, MaxBufferCount, s.log)
	if err != nil {
		return err
	}
	// Ensure cleanup in case of failure. Queued buffers only come back
	// through stream off, which is also legal before stream on.
	defer func() {
		if rerr == nil {
			return
		}
		s.returnBuffers(pool)
		pool.Release()
	}()

	if err := pool.EnqueueAll(); err != nil {
		return err
	}
	if err := s.dev.StreamOn(); err != nil {
		return fmt.Errorf("%w: %v", ErrStreamFailed, err)
	}
	if s.dec != nil {
		if err := s.dec.Start(); err != nil {
			return fmt.Errorf("%w: starting decoder: %v", ErrStreamFailed, err)
		}
	}

	st := &stream{
		id:   uuid.New(),
		pool: pool,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if s.format.Encoding == Raw {
		st.out = make([]byte, s.format.FrameSize())
	} else {
		st.staging = make([]byte, pool.MaxLength())
	}
	s.stream = st
	s.resetStats(st.id.String())
	s.setState(Streaming)
	go s.loop(st, s.format, s.dec)

	s.log.Info("streaming", zap.String("stream", st.id.String()), zap.Stringer("format", s.format), zap.Int("buffers", pool.Len()))
	return nil
}

// Stop ends streaming: the capture loop is signalled and joined, then the
// device stops streaming and the buffers are unmapped. The session returns
// to Configured. Teardown failures are logged, not returned.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("stop", Streaming); err != nil {
		return err
	}
	s.stopStream()
	return nil
}

func (s *Session) stopStream() {
	st := s.stream
	s.setState(Configured)
	close(st.stop)
	<-st.done

	s.returnBuffers(st.pool)
	st.pool.Release()
	if s.dec != nil {
		if err := s.dec.Stop(); err != nil {
			s.log.Warn("stopping decoder", zap.Error(err))
		}
	}
	s.stream = nil

	stats := s.Stats()
	s.log.Info("stopped streaming", zap.String("stream", stats.StreamID), zap.Uint64("frames", stats.Frames), zap.Float64("fps", stats.FPS))
}

// Close stops streaming if needed, closes the device and returns to Idle.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("close", Opened, Configured, Streaming); err != nil {
		return err
	}
	return s.teardown()
}

// Destroy tears the session down from any state. It is safe to call more
// than once and never fails.
func (s *Session) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.teardown(); err != nil {
		s.log.Warn("destroy", zap.Error(err))
	}
}

func (s *Session) teardown() error {
	if s.State() == Streaming {
		s.stopStream()
	}
	s.closeDecoder()

	s.hookMu.Lock()
	sink, p := s.sink, s.preview
	s.sink, s.preview = nil, nil
	s.hookMu.Unlock()
	if sink != nil {
		s.log.Debug("released sink")
	}
	var errs []error
	if p != nil {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing preview: %v", err))
		}
	}

	if s.dev != nil {
		if err := s.dev.Close(); err != nil {
			s.log.Error("closing device", zap.String("path", s.path), zap.Error(err))
			errs = append(errs, fmt.Errorf("closing device: %v", err))
		} else {
			s.log.Info("closed device", zap.String("path", s.path))
		}
		s.dev = nil
	}
	s.path = ""
	s.format = FrameFormat{}
	s.setState(Idle)
	return errors.Join(errs...)
}

// returnBuffers takes every buffer back from the driver with stream off.
// If that fails the pool keeps them marked queued, so Release reports them.
func (s *Session) returnBuffers(pool *BufferPool) {
	if err := s.dev.StreamOff(); err != nil {
		s.log.Error("stream off", zap.Error(err))
		return
	}
	pool.Reclaim()
}

func (s *Session) closeDecoder() {
	if s.dec == nil {
		return
	}
	if err := s.dec.Close(); err != nil {
		s.log.Warn("closing decoder", zap.Error(err))
	}
	s.dec = nil
}

// SetAutoExposure enables or disables automatic exposure. Only allowed
// before the format is configured.
func (s *Session) SetAutoExposure(auto bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("set auto exposure", Opened); err != nil {
		return err
	}
	if err := s.dev.SetAutoExposure(auto); err != nil {
		return fmt.Errorf("%w: %v", ErrControlFailed, err)
	}
	return nil
}

// SetExposure sets the absolute exposure time in 100µs units.
func (s *Session) SetExposure(level int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("set exposure", Opened, Configured, Streaming); err != nil {
		return err
	}
	if err := s.dev.SetExposure(level); err != nil {
		return fmt.Errorf("%w: %v", ErrControlFailed, err)
	}
	return nil
}

// Formats lists the pixel formats the device supports.
func (s *Session) Formats() ([]videodev.FormatDesc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("formats", Opened, Configured, Streaming); err != nil {
		return nil, err
	}
	return s.dev.Formats()
}

// Info describes the open device.
func (s *Session) Info() (videodev.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("info", Opened, Configured, Streaming); err != nil {
		return videodev.Info{}, err
	}
	return s.dev.Info(), nil
}
