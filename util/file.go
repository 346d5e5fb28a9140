package util

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	nhttp "github.com/chaos-io/bgremover/util/http"
)

// IsURL 判断输入是否为 http(s) 地址
func IsURL(src string) bool {
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
}

// LoadImageBytes 从本地路径或 URL 读取图片原始字节，超过 maxBytes 返回错误
func LoadImageBytes(ctx context.Context, src string, maxBytes int64) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if IsURL(src) {
		data, err = DownloadImage(ctx, nhttp.NewHTTPClient(), src, maxBytes)
	} else {
		data, err = OpenImage(src, maxBytes)
	}
	if err != nil {
		return nil, err
	}

	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("image %s too large: %d bytes (max %d)", src, len(data), maxBytes)
	}
	return data, nil
}

// DownloadImage 下载图片，maxBytes > 0 时响应体超过该大小立即停止读取
func DownloadImage(ctx context.Context, cli nhttp.IClient, url string, maxBytes int64) ([]byte, error) {
	var data []byte
	err := cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI:       url,
		Method:           "GET",
		Response:         &data,
		MaxResponseBytes: maxBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	return data, nil
}

// OpenImage 打开本地图片，最多读取 maxBytes+1 字节
func OpenImage(path string, maxBytes int64) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	var r io.Reader = file
	if maxBytes > 0 {
		r = io.LimitReader(file, maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return data, nil
}
