package rembg

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"strings"

	nhttp "github.com/chaos-io/bgremover/util/http"
)

const U2NetModel = "u2net"

// ServerRemover 调用 `rembg s` 启动的 HTTP 服务
type ServerRemover struct {
	baseURL string
	model   string
	cli     nhttp.IClient
}

func NewServerRemover(baseURL, model string, cli nhttp.IClient) *ServerRemover {
	if model == "" {
		model = U2NetModel
	}
	if cli == nil {
		cli = nhttp.NewHTTPClient()
	}
	return &ServerRemover{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		cli:     cli,
	}
}

func (s *ServerRemover) Name() string {
	return "rembg:" + s.model
}

/*
	curl -X POST "$BASE_URL/api/remove" \
	  -F "file=@my_image.png" \
	  -F "model=u2net" -o out.png
*/
func (s *ServerRemover) Remove(ctx context.Context, img []byte) ([]byte, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="image.png"`)
	h.Set("Content-Type", "image/png")
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(img); err != nil {
		return nil, fmt.Errorf("write form file: %w", err)
	}
	_ = writer.WriteField("model", s.model)
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	var out []byte
	err = s.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: s.baseURL + "/api/remove",
		Method:     "POST",
		Header:     map[string]string{"Content-Type": writer.FormDataContentType()},
		Body:       body,
		Response:   &out,
	})
	if err != nil {
		return nil, fmt.Errorf("rembg remove: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("rembg remove: empty response")
	}
	return out, nil
}

// Probe rembg 服务在 /api 提供接口文档页面
func (s *ServerRemover) Probe(ctx context.Context) error {
	var discard []byte
	err := s.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: s.baseURL + "/api",
		Method:     "GET",
		Response:   &discard,
	})
	if err != nil {
		return fmt.Errorf("rembg probe: %w", err)
	}
	return nil
}
