package http

import (
	"context"
	"errors"
	"net/url"
	"time"
)

// ErrResponseTooLarge 响应体超过 RequestParam.MaxResponseBytes
var ErrResponseTooLarge = errors.New("response body too large")

type IClient interface {
	DoHTTPRequest(ctx context.Context, requestParam *RequestParam) error
}

// RequestParam 一次 HTTP 调用的参数
//
//	Body:     nil / io.Reader / []byte 原样发送，其他类型按 JSON 序列化
//	Response: nil 丢弃响应体，*[]byte 保存原始字节，其他类型按 JSON 反序列化
type RequestParam struct {
	RequestURI string
	Method     string
	Query      url.Values
	Header     map[string]string
	Body       interface{}
	Response   interface{}

	Timeout time.Duration
	// MaxResponseBytes 大于 0 时限制响应体大小，超出返回 ErrResponseTooLarge
	MaxResponseBytes int64
}
