package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidNRGBA(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func TestDecode(t *testing.T) {
	t.Parallel()

	pngData, err := EncodePNG(solidNRGBA(4, 3, color.NRGBA{R: 10, A: 255}))
	require.NoError(t, err)

	var jpgBuf bytes.Buffer
	require.NoError(t, jpeg.Encode(&jpgBuf, image.NewRGBA(image.Rect(0, 0, 8, 8)), nil))

	tests := []struct {
		name       string
		data       []byte
		wantFormat string
		wantErr    bool
	}{
		{name: "png", data: pngData, wantFormat: "png"},
		{name: "jpeg", data: jpgBuf.Bytes(), wantFormat: "jpeg"},
		{name: "文本", data: []byte("not an image"), wantErr: true},
		{name: "空数据", data: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			img, format, err := Decode(tt.data)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedImage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantFormat, format)
			assert.NotNil(t, img)
		})
	}
}

func TestResizeWithinMax(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		w, h, max    int
		wantW, wantH int
	}{
		{name: "未超过上限", w: 800, h: 600, max: 2048, wantW: 800, wantH: 600},
		{name: "等于上限", w: 2048, h: 100, max: 2048, wantW: 2048, wantH: 100},
		{name: "横图缩放", w: 4096, h: 3000, max: 2048, wantW: 2048, wantH: 1500},
		{name: "竖图缩放", w: 1000, h: 3000, max: 2048, wantW: 682, wantH: 2048},
		{name: "极窄图片至少 1 像素", w: 5000, h: 1, max: 100, wantW: 100, wantH: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			src := image.NewRGBA(image.Rect(0, 0, tt.w, tt.h))
			got := ResizeWithinMax(src, tt.max)
			assert.Equal(t, tt.wantW, got.Bounds().Dx())
			assert.Equal(t, tt.wantH, got.Bounds().Dy())
		})
	}
}

func TestResizeWithinMax_ReturnsSameImage(t *testing.T) {
	t.Parallel()

	src := image.NewRGBA(image.Rect(0, 0, 10, 10))
	assert.Same(t, src, ResizeWithinMax(src, 2048))
}

func TestFlattenOnWhite(t *testing.T) {
	t.Parallel()

	src := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	src.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 255})
	src.SetNRGBA(1, 0, color.NRGBA{R: 0, G: 0, B: 0, A: 0})

	got := FlattenOnWhite(src)
	assert.Equal(t, color.RGBA{R: 255, A: 255}, got.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{R: 255, G: 255, B: 255, A: 255}, got.RGBAAt(1, 0))
	assert.False(t, HasTransparency(got))
}

func TestFlattenOnWhite_Opaque(t *testing.T) {
	t.Parallel()

	src := image.NewGray(image.Rect(5, 5, 7, 7))
	src.SetGray(5, 5, color.Gray{Y: 100})

	got := FlattenOnWhite(src)
	assert.Equal(t, image.Rect(0, 0, 2, 2), got.Bounds())
	assert.Equal(t, color.RGBA{R: 100, G: 100, B: 100, A: 255}, got.RGBAAt(0, 0))
}

func TestHasTransparency(t *testing.T) {
	t.Parallel()

	assert.False(t, HasTransparency(solidNRGBA(3, 3, color.NRGBA{A: 255})))
	assert.True(t, HasTransparency(solidNRGBA(3, 3, color.NRGBA{A: 128})))
	assert.False(t, HasTransparency(image.NewGray(image.Rect(0, 0, 2, 2))))
}

func TestToNRGBA(t *testing.T) {
	t.Parallel()

	n := solidNRGBA(2, 2, color.NRGBA{G: 1, A: 255})
	assert.Same(t, n, ToNRGBA(n))

	rgba := image.NewRGBA(image.Rect(1, 1, 3, 4))
	got := ToNRGBA(rgba)
	assert.Equal(t, image.Rect(0, 0, 2, 3), got.Bounds())
}

func TestAlphaMask(t *testing.T) {
	t.Parallel()

	img := solidNRGBA(2, 2, color.NRGBA{R: 200, A: 0})
	img.SetNRGBA(1, 1, color.NRGBA{R: 200, A: 180})

	mask := AlphaMask(img)
	assert.Equal(t, uint8(0), mask.GrayAt(0, 0).Y)
	assert.Equal(t, uint8(180), mask.GrayAt(1, 1).Y)
}

func TestTrim(t *testing.T) {
	t.Parallel()

	img := solidNRGBA(10, 10, color.NRGBA{})
	for y := 2; y < 5; y++ {
		for x := 3; x < 8; x++ {
			img.SetNRGBA(x, y, color.NRGBA{B: 255, A: 255})
		}
	}

	got, err := Trim(img, 0.8)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 5, 3), got.Bounds())
	assert.Equal(t, color.NRGBA{B: 255, A: 255}, got.NRGBAAt(0, 0))
}

func TestTrim_NoForeground(t *testing.T) {
	t.Parallel()

	_, err := Trim(solidNRGBA(4, 4, color.NRGBA{A: 100}), 0.8)
	assert.ErrorIs(t, err, ErrNoForeground)
}
