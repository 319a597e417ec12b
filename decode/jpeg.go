// Package decode turns compressed camera frames into packed RGB24.
package decode

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

var errNotStarted = errors.New("decoder not started")

// JPEG decodes MJPEG frames to RGB24 at a fixed output size. Frames whose
// dimensions differ from the output size are resized.
//
// A JPEG is not safe for concurrent use; the capture loop is its only caller
// while streaming.
type JPEG struct {
	width   int
	height  int
	running bool
	out     []byte // width*height*3, reused for every frame
	fixed   []byte // frame with Huffman tables inserted
}

// NewJPEG returns a decoder producing width x height RGB24 frames.
func NewJPEG(width, height int) (*JPEG, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid output size %dx%d", width, height)
	}
	return &JPEG{
		width:  width,
		height: height,
		out:    make([]byte, width*height*3),
	}, nil
}

// Start enables Convert.
func (j *JPEG) Start() error {
	if j.out == nil {
		return errors.New("decoder closed")
	}
	j.running = true
	return nil
}

// Stop disables Convert until the next Start.
func (j *JPEG) Stop() error {
	j.running = false
	return nil
}

// Close releases the output buffers.
func (j *JPEG) Close() error {
	j.running = false
	j.out = nil
	j.fixed = nil
	return nil
}

// Convert decodes one frame. The returned slice is owned by the decoder
// and is overwritten by the next call.
func (j *JPEG) Convert(data []byte) ([]byte, error) {
	if !j.running {
		return nil, errNotStarted
	}
	src := insertHuffman(j.fixed, data)
	if len(src) > len(data) {
		j.fixed = src
	}
	img, err := imaging.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("decoding jpeg: %v", err)
	}

	var nrgba *image.NRGBA
	b := img.Bounds()
	if b.Dx() != j.width || b.Dy() != j.height {
		nrgba = imaging.Resize(img, j.width, j.height, imaging.Linear)
	} else {
		nrgba = imaging.Clone(img)
	}

	o := 0
	for y := 0; y < j.height; y++ {
		row := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+j.width*4]
		for x := 0; x < len(row); x += 4 {
			j.out[o] = row[x]
			j.out[o+1] = row[x+1]
			j.out[o+2] = row[x+2]
			o += 3
		}
	}
	return j.out, nil
}
