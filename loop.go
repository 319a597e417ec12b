package uvc

import (
	"errors"
	"time"

	"go.uber.org/zap"
)

func (s *Session) streaming() bool {
	return s.State() == Streaming
}

// loop is the capture goroutine of one stream. It exits once the session
// leaves Streaming, which Stop observes through st.done.
func (s *Session) loop(st *stream, f FrameFormat, dec Decoder) {
	defer close(st.done)
	log := s.log.With(zap.String("stream", st.id.String()))

	starved := false
	for s.streaming() {
		if starved {
			// A requeue failed earlier; hand the buffer back before waiting.
			if err := st.pool.EnqueueAll(); err != nil {
				log.Warn("requeueing free buffers", zap.Error(err))
			} else {
				starved = false
			}
		}

		ready, err := s.dev.Wait(s.opts.PollTimeout)
		if err != nil {
			log.Warn("waiting for frame", zap.Error(err))
			s.pause(st)
			continue
		}
		if !ready {
			s.count(cntTimeout)
			log.Debug("no frame within poll timeout", zap.Duration("timeout", s.opts.PollTimeout))
			continue
		}

		buf, err := st.pool.Dequeue()
		if err != nil {
			s.count(cntDequeue)
			log.Warn("dequeueing buffer", zap.Error(err))
			if errors.Is(err, ErrDequeueFatal) {
				s.pause(st)
			}
			continue
		}

		s.dispatch(st, f, dec, buf.Index, int(buf.BytesUsed), buf.Sequence, buf.Timestamp, log)

		if err := st.pool.Requeue(buf.Index); err != nil {
			s.count(cntRequeue)
			starved = true
			log.Warn("requeueing buffer", zap.Uint32("index", buf.Index), zap.Error(err))
		}
	}
}

// pause waits one poll interval, or less if the stream is stopped, so a
// failing device does not make the loop spin.
func (s *Session) pause(st *stream) {
	t := time.NewTimer(s.opts.PollTimeout)
	defer t.Stop()
	select {
	case <-st.stop:
	case <-t.C:
	}
}

// dispatch copies a dequeued buffer out of driver memory, decodes it if
// needed, and hands the result to the preview and sink.
func (s *Session) dispatch(st *stream, f FrameFormat, dec Decoder, index uint32, n int, seq uint32, ts time.Duration, log *zap.Logger) {
	if n <= 0 {
		log.Debug("empty buffer", zap.Uint32("index", index))
		return
	}
	data, err := st.pool.Bytes(index, n)
	if err != nil {
		log.Warn("reading buffer", zap.Error(err))
		return
	}

	var out []byte
	switch f.Encoding {
	case Raw:
		copyRaw(st.out, data, f)
		out = st.out
	case Compressed:
		m := copy(st.staging, data)
		out, err = dec.Convert(st.staging[:m])
		if err != nil {
			s.count(cntDecode)
			log.Warn("decoding frame", zap.Uint32("sequence", seq), zap.Error(err))
			return
		}
	}

	s.countFrame(seq, ts)
	frame := Frame{
		Data:      out,
		Width:     f.Width,
		Height:    f.Height,
		Encoding:  f.Encoding,
		Sequence:  seq,
		Timestamp: ts,
	}

	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	if s.preview != nil {
		s.preview.Update(out)
	}
	if s.sink != nil {
		s.sink.OnFrame(frame)
	}
}

// copyRaw copies a YUYV frame into dst, dropping any row padding the driver
// added. Short frames leave the rest of dst from the previous frame.
func copyRaw(dst, src []byte, f FrameFormat) {
	row := f.Width * 2
	if f.Stride == row {
		copy(dst, src)
		return
	}
	for y := 0; y < f.Height; y++ {
		off := y * f.Stride
		if off >= len(src) {
			return
		}
		end := min(off+row, len(src))
		copy(dst[y*row:], src[off:end])
	}
}
