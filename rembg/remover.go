package rembg

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/chaos-io/bgremover/cache"
	"github.com/chaos-io/bgremover/imaging"
	"github.com/chaos-io/bgremover/metrics"
)

const (
	warmupSize = 100
	// 裁剪主体时 alpha 超过该比例视为前景
	trimThreshold = 0.1
)

// Options 每次请求可选的输出形式
type Options struct {
	Mask bool // 只返回灰度 alpha 蒙版
	Trim bool // 裁剪到主体
}

func (o Options) String() string {
	return fmt.Sprintf("mask=%t,trim=%t", o.Mask, o.Trim)
}

type Config struct {
	MaxImageSide   int
	Timeout        time.Duration
	MaxConcurrency int64
	CacheTTL       time.Duration
}

type Option func(*BackgroundRemover)

func WithCache(store cache.Store) Option {
	return func(b *BackgroundRemover) { b.cache = store }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *BackgroundRemover) { b.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(b *BackgroundRemover) { b.logger = l }
}

// BackgroundRemover 背景去除流水线：预处理 -> 推理 -> 输出 RGBA PNG
type BackgroundRemover struct {
	remover Remover
	cfg     Config
	cache   cache.Store
	metrics *metrics.Metrics
	logger  *slog.Logger

	sem    *semaphore.Weighted
	group  singleflight.Group
	loadMu sync.Mutex
	warmed atomic.Bool
	ready  atomic.Bool
}

func New(remover Remover, cfg Config, opts ...Option) *BackgroundRemover {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	b := &BackgroundRemover{
		remover: remover,
		cfg:     cfg,
		logger:  slog.Default(),
		sem:     semaphore.NewWeighted(cfg.MaxConcurrency),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("backend", remover.Name())
	return b
}

// Load 用 100x100 白图做一次推理来预热模型（后端首次使用时会下载模型）
func (b *BackgroundRemover) Load(ctx context.Context) error {
	b.loadMu.Lock()
	defer b.loadMu.Unlock()

	if b.warmed.Load() {
		b.SetReady(true)
		return nil
	}

	b.logger.Info("loading segmentation model")
	input, err := imaging.EncodePNG(whiteImage(warmupSize, warmupSize))
	if err != nil {
		return err
	}

	start := time.Now()
	if _, err := b.infer(ctx, input); err != nil {
		b.logger.Error("failed to initialize model", "error", err)
		return fmt.Errorf("initialize model: %w", err)
	}

	b.warmed.Store(true)
	b.SetReady(true)
	b.logger.Info("segmentation model ready", "elapsed", time.Since(start).Round(time.Millisecond).String())
	return nil
}

func (b *BackgroundRemover) Ready() bool {
	return b.ready.Load()
}

func (b *BackgroundRemover) Warmed() bool {
	return b.warmed.Load()
}

func (b *BackgroundRemover) SetReady(ready bool) {
	b.ready.Store(ready)
	if b.metrics != nil {
		b.metrics.SetModelLoaded(ready)
	}
}

// Backend 返回底层推理后端
func (b *BackgroundRemover) Backend() Remover {
	return b.remover
}

func (b *BackgroundRemover) Close() {
	b.SetReady(false)
	b.logger.Info("background remover closed")
}

// RemoveBackground 输入 JPG/PNG 字节，返回带透明背景的 PNG
func (b *BackgroundRemover) RemoveBackground(ctx context.Context, data []byte, opts Options) ([]byte, error) {
	if !b.Ready() {
		return nil, ErrNotReady
	}

	key := digest(data, opts)
	if out, ok := b.cached(ctx, key); ok {
		return out, nil
	}

	// 相同图片的并发请求只做一次推理；共享的工作不随发起者取消，只受 infer 超时约束，
	// 每个调用方只等待自己的 ctx
	ch := b.group.DoChan(key, func() (any, error) {
		shared := context.WithoutCancel(ctx)
		out, err := b.process(shared, data, opts)
		if err != nil {
			return nil, err
		}
		if b.cache != nil && b.cfg.CacheTTL > 0 {
			if err := b.cache.Set(shared, key, out, b.cfg.CacheTTL); err != nil {
				b.logger.Warn("cache result", "error", err)
			}
		}
		return out, nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("failed to remove background: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			b.logger.Error("error in background removal", "error", res.Err)
			return nil, fmt.Errorf("failed to remove background: %w", res.Err)
		}
		return res.Val.([]byte), nil
	}
}

func (b *BackgroundRemover) cached(ctx context.Context, key string) ([]byte, bool) {
	if b.cache == nil {
		return nil, false
	}
	out, ok, err := b.cache.Get(ctx, key)
	if err != nil {
		b.logger.Warn("cache lookup", "error", err)
		return nil, false
	}
	if b.metrics != nil {
		if ok {
			b.metrics.CacheHits.Inc()
		} else {
			b.metrics.CacheMisses.Inc()
		}
	}
	return out, ok
}

func (b *BackgroundRemover) process(ctx context.Context, data []byte, opts Options) ([]byte, error) {
	img, format, err := imaging.Decode(data)
	if err != nil {
		return nil, err
	}

	src := imaging.ResizeWithinMax(img, b.cfg.MaxImageSide)
	if src != img {
		b.logger.Info("resized image",
			"format", format,
			"from", img.Bounds().Size().String(),
			"to", src.Bounds().Size().String())
	}

	// 推理输入统一为白底 RGB
	input, err := imaging.EncodePNG(imaging.FlattenOnWhite(src))
	if err != nil {
		return nil, err
	}

	raw, err := b.infer(ctx, input)
	if err != nil {
		return nil, err
	}

	res, _, err := imaging.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode backend output: %w", err)
	}
	out := imaging.ToNRGBA(res)

	if opts.Trim {
		if out, err = imaging.Trim(out, trimThreshold); err != nil {
			return nil, err
		}
	}
	if opts.Mask {
		return imaging.EncodePNG(imaging.AlphaMask(out))
	}
	return imaging.EncodePNG(out)
}

// infer 受并发数和超时限制地调用推理后端
func (b *BackgroundRemover) infer(ctx context.Context, input []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	if err := b.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for inference slot: %w", err)
	}
	defer b.sem.Release(1)

	if b.metrics != nil {
		b.metrics.InferenceFlight.Inc()
		defer b.metrics.InferenceFlight.Dec()
		start := time.Now()
		defer func() { b.metrics.InferenceTime.Observe(time.Since(start).Seconds()) }()
	}

	return b.remover.Remove(ctx, input)
}

func digest(data []byte, opts Options) string {
	h := sha256.New()
	h.Write(data)
	h.Write([]byte(opts.String()))
	return hex.EncodeToString(h.Sum(nil))
}

func whiteImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	return img
}
