package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/chaos-io/bgremover/config"
	"github.com/chaos-io/bgremover/metrics"
	"github.com/chaos-io/bgremover/rembg"
)

const ServiceName = "u2net-background-removal"

// Remover is the part of rembg.BackgroundRemover the HTTP layer depends on.
type Remover interface {
	Ready() bool
	RemoveBackground(ctx context.Context, data []byte, opts rembg.Options) ([]byte, error)
}

type Server struct {
	cfg     *config.Config
	remover Remover
	metrics *metrics.Metrics
	logger  *slog.Logger

	engine *gin.Engine
	http   *http.Server
}

func New(cfg *config.Config, remover Remover, m *metrics.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		remover: remover,
		metrics: m,
		logger:  logger.With("component", "http"),
	}
	s.engine = s.routes()
	s.http = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      cfg.InferTimeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.MaxMultipartMemory = s.cfg.MaxUploadBytes
	r.Use(gin.Recovery(), requestID(), accessLog(s.logger))
	if mw := corsMiddleware(s.cfg.CORSOrigins); mw != nil {
		r.Use(mw)
	}

	r.GET("/health", s.health)
	r.POST("/remove-bg", rateLimit(s.cfg.RateLimit, s.cfg.RateBurst, s.metrics), s.removeBackground)
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	return r
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run 绑定 cfg.Addr()，端口被占用时立即返回错误；ctx 结束后优雅退出
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.http.Addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("starting bgremover", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	if len(origins) == 0 {
		return nil
	}

	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Content-Length", "Accept", "Authorization", requestIDHeader},
		ExposeHeaders:    []string{"Content-Disposition", processingTimeHeader, requestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			// 带凭证时不能返回 "*"，改为回显请求的 Origin
			cfg.AllowOriginFunc = func(string) bool { return true }
			return cors.New(cfg)
		}
	}
	cfg.AllowOrigins = origins
	return cors.New(cfg)
}
