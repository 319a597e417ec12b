package preview

import (
	"image"
	"sync"
	"time"

	uvc "github.com/edgeimpulse/linux-uvc-go"

	"go.uber.org/zap"
)

// RecorderOpts has options for a new Recorder.
type RecorderOpts struct {
	Logger   *zap.Logger
	Interval time.Duration // Minimum time between images. Zero sends every frame.
}

// Event is a single image (or error) coming from a Recorder.
type Event struct {
	// If set, an error occurred.
	Err error

	// Image of the frame. If Err is set, Image is not valid.
	Image image.Image

	Sequence  uint32
	Timestamp time.Duration
}

// Recorder is a frame sink that turns frames into images, sent on the
// channel returned by Events. Frames arriving while the previous image has
// not been received are dropped.
type Recorder struct {
	opts   RecorderOpts
	log    *zap.Logger
	events chan Event

	mu     sync.Mutex
	last   time.Time
	closed bool
}

// Check that Recorder implements interface FrameSink.
var _ uvc.FrameSink = (*Recorder)(nil)

// NewRecorder returns a recorder. Attach it to a session with AttachSink and
// call Close when done.
func NewRecorder(opts RecorderOpts) *Recorder {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{
		opts:   opts,
		log:    log,
		events: make(chan Event),
	}
}

// Events returns a channel on which Events can be received. It is closed by
// Close.
func (r *Recorder) Events() chan Event {
	return r.events
}

// OnFrame implements uvc.FrameSink.
func (r *Recorder) OnFrame(f uvc.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	now := time.Now()
	if !r.last.IsZero() && now.Sub(r.last) < r.opts.Interval*9/10 {
		return
	}

	ev := Event{Sequence: f.Sequence, Timestamp: f.Timestamp}
	ev.Image, ev.Err = FrameImage(f.Data, f.Width, f.Height, LayoutFor(f.Encoding))
	select {
	case r.events <- ev:
		r.last = now
	default:
		r.log.Debug("dropping image, receiver still busy", zap.Uint32("sequence", f.Sequence))
	}
}

// Close stops sending events and closes the events channel.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
	return nil
}
