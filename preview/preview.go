// Package preview keeps the latest captured frame and renders it as an
// image, for snapshots, HTTP previews and image recorders.
package preview

import (
	"errors"
	"fmt"
	"image"
	"io"
	"sync"

	uvc "github.com/edgeimpulse/linux-uvc-go"

	"github.com/disintegration/imaging"
)

// Layout is the byte layout of frames passed to Update.
type Layout int

const (
	YUYV  Layout = iota // packed YUV 4:2:2, 2 bytes per pixel
	RGB24               // 3 bytes per pixel
)

// LayoutFor returns the layout of frames a session delivers for enc.
func LayoutFor(enc uvc.Encoding) Layout {
	if enc == uvc.Compressed {
		return RGB24
	}
	return YUYV
}

func (l Layout) bytesPerPixel() int {
	if l == RGB24 {
		return 3
	}
	return 2
}

// ErrNoFrame is returned when no frame has been received yet.
var ErrNoFrame = errors.New("no frame received yet")

// Preview holds a copy of the most recent frame. It implements
// uvc.PreviewAdapter.
type Preview struct {
	width  int
	height int
	layout Layout

	mu      sync.Mutex
	buf     []byte
	frames  uint64
	dropped uint64
	closed  bool
}

var _ uvc.PreviewAdapter = (*Preview)(nil)

// New returns a preview for width x height frames in the given layout.
func New(width, height int, layout Layout) (*Preview, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid size %dx%d", width, height)
	}
	if layout == YUYV && width%2 != 0 {
		return nil, fmt.Errorf("yuyv width must be even, got %d", width)
	}
	return &Preview{width: width, height: height, layout: layout}, nil
}

// Update copies a frame. Frames of the wrong size are counted and dropped.
func (p *Preview) Update(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if len(data) != p.width*p.height*p.layout.bytesPerPixel() {
		p.dropped++
		return
	}
	if p.buf == nil {
		p.buf = make([]byte, len(data))
	}
	copy(p.buf, data)
	p.frames++
}

// Close drops the frame. Further updates are ignored.
func (p *Preview) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.buf = nil
	return nil
}

// Frames returns how many frames were accepted and dropped.
func (p *Preview) Frames() (accepted, dropped uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames, p.dropped
}

// Image returns a copy of the latest frame.
func (p *Preview) Image() (image.Image, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buf == nil {
		return nil, ErrNoFrame
	}
	return FrameImage(p.buf, p.width, p.height, p.layout)
}

// Thumbnail returns the latest frame scaled down to fit maxWidth x
// maxHeight, keeping the aspect ratio. A zero bound keeps the full size.
func (p *Preview) Thumbnail(maxWidth, maxHeight int) (image.Image, error) {
	img, err := p.Image()
	if err != nil {
		return nil, err
	}
	if maxWidth <= 0 || maxHeight <= 0 {
		return img, nil
	}
	return imaging.Fit(img, maxWidth, maxHeight, imaging.Linear), nil
}

// WriteJPEG encodes a thumbnail of the latest frame to w.
func (p *Preview) WriteJPEG(w io.Writer, maxWidth, maxHeight int) error {
	img, err := p.Thumbnail(maxWidth, maxHeight)
	if err != nil {
		return err
	}
	return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(85))
}

// Save writes the latest frame to path, in the format implied by its
// extension.
func (p *Preview) Save(path string) error {
	img, err := p.Image()
	if err != nil {
		return err
	}
	if err := imaging.Save(img, path); err != nil {
		return fmt.Errorf("saving %s: %v", path, err)
	}
	return nil
}

// FrameImage copies a frame into an image: YUYV becomes *image.YCbCr with
// 4:2:2 subsampling, RGB24 becomes *image.NRGBA.
func FrameImage(data []byte, width, height int, layout Layout) (image.Image, error) {
	if len(data) < width*height*layout.bytesPerPixel() {
		return nil, fmt.Errorf("frame has %d bytes, need %d", len(data), width*height*layout.bytesPerPixel())
	}
	if layout == YUYV && width%2 != 0 {
		return nil, fmt.Errorf("yuyv width must be even, got %d", width)
	}
	r := image.Rect(0, 0, width, height)
	switch layout {
	case YUYV:
		img := image.NewYCbCr(r, image.YCbCrSubsampleRatio422)
		for y := 0; y < height; y++ {
			row := data[y*width*2 : (y+1)*width*2]
			yo := y * img.YStride
			co := y * img.CStride
			for x := 0; x < width; x += 2 {
				i := x * 2
				img.Y[yo+x] = row[i]
				img.Y[yo+x+1] = row[i+2]
				img.Cb[co+x/2] = row[i+1]
				img.Cr[co+x/2] = row[i+3]
			}
		}
		return img, nil
	case RGB24:
		img := image.NewNRGBA(r)
		for y := 0; y < height; y++ {
			row := data[y*width*3 : (y+1)*width*3]
			po := y * img.Stride
			for x := 0; x < width; x++ {
				img.Pix[po+x*4] = row[x*3]
				img.Pix[po+x*4+1] = row[x*3+1]
				img.Pix[po+x*4+2] = row[x*3+2]
				img.Pix[po+x*4+3] = 0xff
			}
		}
		return img, nil
	}
	return nil, fmt.Errorf("unknown layout %d", layout)
}
