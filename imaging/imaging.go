package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"math"

	"github.com/nfnt/resize"
	xdraw "golang.org/x/image/draw"
)

var (
	ErrUnsupportedImage = errors.New("unsupported image")
	ErrNoForeground     = errors.New("no foreground detected")
)

// Decode 解码 JPG/PNG，返回图片和格式名
func Decode(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	return img, format, nil
}

func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// ResizeWithinMax 最长边超过 maxSide 时按比例缩放（Lanczos3）
func ResizeWithinMax(img image.Image, maxSide int) image.Image {
	w := img.Bounds().Dx()
	h := img.Bounds().Dy()
	longest := max(w, h)

	if maxSide <= 0 || longest <= maxSide {
		return img
	}

	ratio := float64(maxSide) / float64(longest)
	newW := max(1, int(float64(w)*ratio))
	newH := max(1, int(float64(h)*ratio))
	// 最长边固定为 maxSide，避免浮点误差少一个像素
	if w >= h {
		newW = maxSide
	} else {
		newH = maxSide
	}

	return resize.Resize(uint(newW), uint(newH), img, resize.Lanczos3)
}

// HasTransparency 只要存在非 255 的 alpha，就认为图片带透明信息
func HasTransparency(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return !o.Opaque()
	}
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a != 0xffff {
				return true
			}
		}
	}
	return false
}

// FlattenOnWhite 转为不透明 RGB：带透明的图片先铺白底再合成
func FlattenOnWhite(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))

	if !HasTransparency(img) {
		xdraw.Draw(dst, dst.Bounds(), img, b.Min, xdraw.Src)
		return dst
	}

	xdraw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, xdraw.Src)
	xdraw.Draw(dst, dst.Bounds(), img, b.Min, xdraw.Over)
	return dst
}

func ToNRGBA(img image.Image) *image.NRGBA {
	if nrgba, ok := img.(*image.NRGBA); ok && nrgba.Bounds().Min == (image.Point{}) {
		return nrgba
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// AlphaMask 把 alpha 通道导出为灰度蒙版
func AlphaMask(img *image.NRGBA) *image.Gray {
	b := img.Bounds()
	mask := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		row := y * img.Stride
		for x := 0; x < b.Dx(); x++ {
			mask.Pix[y*mask.Stride+x] = img.Pix[row+x*4+3]
		}
	}
	return mask
}

// Trim 裁剪到主体的 bounding box，alpha > threshold*255 的像素视为主体
func Trim(img *image.NRGBA, threshold float64) (*image.NRGBA, error) {
	bbox, err := alphaBBox(img, threshold)
	if err != nil {
		return nil, err
	}
	dst := image.NewNRGBA(image.Rect(0, 0, bbox.Dx(), bbox.Dy()))
	draw.Draw(dst, dst.Bounds(), img, bbox.Min.Add(img.Bounds().Min), draw.Src)
	return dst, nil
}

func alphaBBox(img *image.NRGBA, threshold float64) (image.Rectangle, error) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	th := uint8(math.Max(0, math.Min(1, threshold)) * 255)

	minX, minY := w, h
	maxX, maxY := 0, 0
	found := false

	for y := 0; y < h; y++ {
		row := y * img.Stride
		for x := 0; x < w; x++ {
			if img.Pix[row+x*4+3] <= th {
				continue
			}
			found = true
			minX = min(minX, x)
			minY = min(minY, y)
			maxX = max(maxX, x)
			maxY = max(maxY, y)
		}
	}

	if !found {
		return image.Rectangle{}, ErrNoForeground
	}
	return image.Rect(minX, minY, maxX+1, maxY+1), nil
}
