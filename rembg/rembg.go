// Package rembg removes image backgrounds by delegating segmentation to an
// inference backend (a rembg server running U²-Net, or a ComfyUI workflow)
// and owns everything around the call: normalisation, warm-up, readiness,
// concurrency limits and result caching.
package rembg

import (
	"context"
	"errors"
)

var ErrNotReady = errors.New("background removal service is not available: model not loaded")

// Remover 调用推理后端，输入输出均为编码后的图片
type Remover interface {
	Name() string
	Remove(ctx context.Context, img []byte) ([]byte, error)
}

// Prober 可选接口，用于探测后端是否存活
type Prober interface {
	Probe(ctx context.Context) error
}
