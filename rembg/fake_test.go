package rembg

import (
	"context"
	"image"
	"image/color"
	"sync"
	"sync/atomic"

	"github.com/chaos-io/bgremover/imaging"
)

// fakeRemover 把左半边当作前景，右半边变为透明
type fakeRemover struct {
	calls atomic.Int32
	block chan struct{}

	mu        sync.Mutex
	err       error
	probeErr  error
	lastSize  image.Point
	lastAlpha bool
}

func (f *fakeRemover) Name() string { return "fake" }

func (f *fakeRemover) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeRemover) setProbeErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeErr = err
}

func (f *fakeRemover) Probe(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeErr
}

func (f *fakeRemover) Remove(ctx context.Context, data []byte) ([]byte, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	img, _, err := imaging.Decode(data)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()

	f.mu.Lock()
	f.lastSize = b.Size()
	f.lastAlpha = imaging.HasTransparency(img)
	f.mu.Unlock()

	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			a := uint8(0)
			if x < b.Dx()/2 {
				a = 255
			}
			out.SetNRGBA(x, y, color.NRGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(bl >> 8), A: a})
		}
	}
	return imaging.EncodePNG(out)
}
