package rembg

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/chaos-io/bgremover/config"
	nhttp "github.com/chaos-io/bgremover/util/http"
)

const (
	BiRefNetModel = "BiRefNet"

	// 工作流模板中输入图片的占位符
	workflowInputPlaceholder = config.WorkflowInputPlaceholder
	defaultPollInterval      = 500 * time.Millisecond
)

//go:embed workflow.json
var defaultWorkflow []byte

// ComfyRemover 通过 ComfyUI 工作流（默认 BiRefNet）去除背景
//
//	上传图片 -> 提交 prompt -> 轮询 history -> 下载输出图片
type ComfyRemover struct {
	baseURL      string
	workflow     string
	clientID     string
	pollInterval time.Duration
	cli          nhttp.IClient
}

type ComfyOption func(*ComfyRemover)

// WithWorkflowFile 使用自定义工作流（API 格式导出的 JSON），必须包含 {{input_image}} 占位符
func WithWorkflowFile(path string) ComfyOption {
	return func(c *ComfyRemover) {
		if path == "" {
			return
		}
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Error("read comfyui workflow, using embedded default", "path", path, "error", err)
			return
		}
		c.workflow = string(data)
	}
}

func WithPollInterval(d time.Duration) ComfyOption {
	return func(c *ComfyRemover) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

func WithHTTPClient(cli nhttp.IClient) ComfyOption {
	return func(c *ComfyRemover) {
		c.cli = cli
	}
}

func NewComfyRemover(baseURL string, opts ...ComfyOption) *ComfyRemover {
	c := &ComfyRemover{
		baseURL:      strings.TrimRight(baseURL, "/"),
		workflow:     string(defaultWorkflow),
		clientID:     ksuid.New().String(),
		pollInterval: defaultPollInterval,
		cli:          nhttp.NewHTTPClient(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *ComfyRemover) Name() string {
	return "comfyui:" + BiRefNetModel
}

func (c *ComfyRemover) Remove(ctx context.Context, img []byte) ([]byte, error) {
	uploaded, err := c.uploadImage(ctx, ksuid.New().String()+".png", img)
	if err != nil {
		return nil, err
	}

	promptID, err := c.prompt(ctx, uploaded.path())
	if err != nil {
		return nil, err
	}

	output, err := c.waitOutput(ctx, promptID)
	if err != nil {
		return nil, err
	}

	return c.view(ctx, output)
}

func (c *ComfyRemover) Probe(ctx context.Context) error {
	var stats map[string]any
	err := c.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: c.baseURL + "/api/system_stats",
		Method:     "GET",
		Response:   &stats,
	})
	if err != nil {
		return fmt.Errorf("comfyui probe: %w", err)
	}
	return nil
}

type comfyImage struct {
	Filename  string `json:"filename"`
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

func (i comfyImage) path() string {
	if i.Subfolder == "" {
		return i.Name
	}
	return i.Subfolder + "/" + i.Name
}

/*
	curl -X POST "$BASE_URL/api/upload/image" \
	  -F "image=@my_image.png" \
	  -F "type=input" \
	  -F "overwrite=true"

{"name": "my_image1.png", "subfolder": "", "type": "input"}
*/
func (c *ComfyRemover) uploadImage(ctx context.Context, name string, img []byte) (*comfyImage, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("image", name)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(img); err != nil {
		return nil, fmt.Errorf("write form file: %w", err)
	}

	_ = writer.WriteField("type", "input")
	_ = writer.WriteField("overwrite", "true")
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	resp := &comfyImage{}
	err = c.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: c.baseURL + "/api/upload/image",
		Method:     "POST",
		Header:     map[string]string{"Content-Type": writer.FormDataContentType()},
		Body:       body,
		Response:   resp,
	})
	if err != nil {
		return nil, fmt.Errorf("comfyui upload image: %w", err)
	}
	if resp.Name == "" {
		return nil, errors.New("comfyui upload image: empty name in response")
	}

	slog.Debug("comfyui image uploaded", "name", resp.Name, "subfolder", resp.Subfolder)
	return resp, nil
}

type promptResp struct {
	PromptID   string         `json:"prompt_id"`
	Number     int            `json:"number"`
	NodeErrors map[string]any `json:"node_errors"`
}

/*
	curl -X POST "$BASE_URL/api/prompt" \
	  -H "Content-Type: application/json" \
	  -d '{"prompt": '"$(cat workflow.json)"'}'
*/
func (c *ComfyRemover) prompt(ctx context.Context, image string) (string, error) {
	// 占位符按 JSON 字符串转义后替换，防止文件名破坏工作流
	quoted, err := json.Marshal(image)
	if err != nil {
		return "", fmt.Errorf("marshal image name: %w", err)
	}
	escaped := strings.Trim(string(quoted), `"`)
	if !strings.Contains(c.workflow, workflowInputPlaceholder) {
		return "", fmt.Errorf("comfyui workflow has no %s placeholder", workflowInputPlaceholder)
	}
	workflow := strings.Replace(c.workflow, workflowInputPlaceholder, escaped, 1)

	wk := map[string]any{}
	if err := json.Unmarshal([]byte(workflow), &wk); err != nil {
		return "", fmt.Errorf("unmarshal workflow data: %w", err)
	}

	resp := &promptResp{}
	err = c.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: c.baseURL + "/api/prompt",
		Method:     "POST",
		Body:       map[string]any{"prompt": wk, "client_id": c.clientID},
		Response:   resp,
	})
	if err != nil {
		return "", fmt.Errorf("comfyui prompt: %w", err)
	}
	if len(resp.NodeErrors) > 0 {
		return "", fmt.Errorf("comfyui prompt: node errors %v", resp.NodeErrors)
	}
	if resp.PromptID == "" {
		return "", errors.New("comfyui prompt: empty prompt_id")
	}

	slog.Debug("comfyui prompt queued", "prompt_id", resp.PromptID, "number", resp.Number)
	return resp.PromptID, nil
}

type historyEntry struct {
	Outputs map[string]struct {
		Images []comfyImage `json:"images"`
	} `json:"outputs"`
	Status struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
}

// waitOutput 轮询 history 直到任务产生输出图片、报错或 ctx 结束
func (c *ComfyRemover) waitOutput(ctx context.Context, promptID string) (comfyImage, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		history := map[string]historyEntry{}
		err := c.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
			RequestURI: c.baseURL + "/api/history/" + url.PathEscape(promptID),
			Method:     "GET",
			Response:   &history,
		})
		if err != nil {
			return comfyImage{}, fmt.Errorf("comfyui history: %w", err)
		}

		if entry, ok := history[promptID]; ok {
			if entry.Status.StatusStr == "error" {
				return comfyImage{}, fmt.Errorf("comfyui prompt %s failed", promptID)
			}
			for _, out := range entry.Outputs {
				for _, img := range out.Images {
					if img.Type == "output" {
						return img, nil
					}
				}
			}
			if entry.Status.Completed {
				return comfyImage{}, fmt.Errorf("comfyui prompt %s completed without output image", promptID)
			}
		}

		select {
		case <-ctx.Done():
			return comfyImage{}, fmt.Errorf("comfyui wait prompt %s: %w", promptID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *ComfyRemover) view(ctx context.Context, img comfyImage) ([]byte, error) {
	var out []byte
	err := c.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: c.baseURL + "/api/view",
		Method:     "GET",
		Query: url.Values{
			"filename":  {img.Filename},
			"subfolder": {img.Subfolder},
			"type":      {img.Type},
		},
		Response: &out,
	})
	if err != nil {
		return nil, fmt.Errorf("comfyui view: %w", err)
	}
	return out, nil
}
