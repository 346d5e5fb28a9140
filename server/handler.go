package server

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chaos-io/bgremover/metrics"
	"github.com/chaos-io/bgremover/rembg"
)

const (
	processingTimeHeader = "X-Processing-Time"
	resultFilename       = "bgremoved.png"
)

var allowedContentTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/jpg":  true,
}

type healthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
	Service     string `json:"service"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Status:      "healthy",
		ModelLoaded: s.remover.Ready(),
		Service:     ServiceName,
	})
}

func (s *Server) removeBackground(c *gin.Context) {
	if !s.remover.Ready() {
		s.fail(c, http.StatusServiceUnavailable, metrics.OutcomeUnavailable,
			"Background removal service is not available. Model not loaded.")
		return
	}

	// multipart 头部额外预留 1MB
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxUploadBytes+1<<20)

	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.fail(c, http.StatusBadRequest, metrics.OutcomeInvalid,
				fmt.Sprintf("File too large. Maximum size is %s.", humanSize(s.cfg.MaxUploadBytes)))
			return
		}
		s.fail(c, http.StatusBadRequest, metrics.OutcomeInvalid, "File is required")
		return
	}

	contentType := fh.Header.Get("Content-Type")
	if !allowedContentTypes[contentType] {
		s.fail(c, http.StatusBadRequest, metrics.OutcomeInvalid,
			fmt.Sprintf("Invalid file type. Only JPG and PNG are supported. Got: %s", contentType))
		return
	}

	data, err := readUpload(fh, s.cfg.MaxUploadBytes)
	if err != nil {
		s.fail(c, http.StatusBadRequest, metrics.OutcomeInvalid, "Failed to read uploaded file")
		return
	}
	if int64(len(data)) > s.cfg.MaxUploadBytes {
		s.fail(c, http.StatusBadRequest, metrics.OutcomeInvalid,
			fmt.Sprintf("File too large. Maximum size is %s. Got: %d bytes", humanSize(s.cfg.MaxUploadBytes), fh.Size))
		return
	}

	opts := rembg.Options{
		Mask: queryBool(c, "mask"),
		Trim: queryBool(c, "trim"),
	}

	log := s.logger.With("request_id", c.GetString(requestIDKey))
	log.Info("processing image", "filename", fh.Filename, "size", len(data), "options", opts.String())
	start := time.Now()

	out, err := s.remover.RemoveBackground(c.Request.Context(), data, opts)
	if errors.Is(err, rembg.ErrNotReady) {
		s.fail(c, http.StatusServiceUnavailable, metrics.OutcomeUnavailable,
			"Background removal service is not available. Model not loaded.")
		return
	}
	if err != nil {
		log.Error("error processing image", "error", err)
		s.fail(c, http.StatusInternalServerError, metrics.OutcomeError,
			fmt.Sprintf("Failed to process image: %v", err))
		return
	}

	elapsed := time.Since(start)
	log.Info("background removal completed", "seconds", fmt.Sprintf("%.2f", elapsed.Seconds()))
	s.metrics.ObserveRequest(metrics.OutcomeSuccess)
	s.metrics.ProcessingTime.Observe(elapsed.Seconds())

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", resultFilename))
	c.Header(processingTimeHeader, fmt.Sprintf("%.2f", elapsed.Seconds()))
	c.Data(http.StatusOK, "image/png", out)
}

func (s *Server) fail(c *gin.Context, status int, outcome, detail string) {
	s.metrics.ObserveRequest(outcome)
	c.AbortWithStatusJSON(status, errorResponse{Detail: detail})
}

// readUpload 最多读取 limit+1 字节，用于判断是否超限
func readUpload(fh *multipart.FileHeader, limit int64) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	return io.ReadAll(io.LimitReader(f, limit+1))
}

func queryBool(c *gin.Context, key string) bool {
	v, err := strconv.ParseBool(c.Query(key))
	return err == nil && v
}

func humanSize(n int64) string {
	const mb = 1 << 20
	if n%mb == 0 {
		return fmt.Sprintf("%dMB", n/mb)
	}
	return fmt.Sprintf("%d bytes", n)
}
