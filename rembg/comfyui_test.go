package rembg

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeComfyUI 模拟 ComfyUI 的 upload / prompt / history / view 接口
type fakeComfyUI struct {
	t            *testing.T
	pendingPolls int32
	failPrompt   bool
	status       string

	polls atomic.Int32

	mu         sync.Mutex
	promptBody map[string]any
}

func (f *fakeComfyUI) prompt() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.promptBody
}

func (f *fakeComfyUI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/upload/image", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(f.t, r.ParseMultipartForm(1<<20))
		assert.Equal(f.t, "input", r.FormValue("type"))
		assert.Equal(f.t, "true", r.FormValue("overwrite"))
		file, hdr, err := r.FormFile("image")
		require.NoError(f.t, err)
		defer file.Close()
		data, _ := io.ReadAll(file)
		assert.Equal(f.t, "input-png", string(data))

		_ = json.NewEncoder(w).Encode(map[string]string{"name": hdr.Filename, "subfolder": "bg", "type": "input"})
	})
	mux.HandleFunc("POST /api/prompt", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{}
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.promptBody = body
		f.mu.Unlock()
		if f.failPrompt {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"prompt_id":   "p-1",
				"node_errors": map[string]any{"2": "missing model"},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"prompt_id": "p-1", "number": 7})
	})
	mux.HandleFunc("GET /api/history/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(f.t, "p-1", r.PathValue("id"))
		if f.polls.Add(1) <= f.pendingPolls {
			_, _ = w.Write([]byte(`{}`))
			return
		}
		status := f.status
		if status == "" {
			status = "success"
		}
		outputs := map[string]any{
			"3": map[string]any{"images": []map[string]string{
				{"filename": "bgremover_00001_.png", "subfolder": "", "type": "output"},
			}},
		}
		if status == "error" {
			outputs = map[string]any{}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"p-1": map[string]any{
				"outputs": outputs,
				"status":  map[string]any{"status_str": status, "completed": true},
			},
		})
	})
	mux.HandleFunc("GET /api/view", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(f.t, "bgremover_00001_.png", r.URL.Query().Get("filename"))
		assert.Equal(f.t, "output", r.URL.Query().Get("type"))
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("output-png"))
	})
	mux.HandleFunc("GET /api/system_stats", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"system": {"os": "posix"}, "devices": []}`))
	})
	return mux
}

func TestComfyRemover_Remove(t *testing.T) {
	t.Parallel()

	fake := &fakeComfyUI{t: t, pendingPolls: 2}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	c := NewComfyRemover(server.URL, WithPollInterval(5*time.Millisecond))
	assert.Equal(t, "comfyui:BiRefNet", c.Name())

	out, err := c.Remove(context.Background(), []byte("input-png"))
	require.NoError(t, err)
	assert.Equal(t, []byte("output-png"), out)
	assert.Equal(t, int32(3), fake.polls.Load())

	// LoadImage 节点引用上传后的图片
	body := fake.prompt()
	prompt := body["prompt"].(map[string]any)
	load := prompt["1"].(map[string]any)["inputs"].(map[string]any)
	assert.Regexp(t, `^bg/[0-9A-Za-z]{27}\.png$`, load["image"])
	assert.NotEmpty(t, body["client_id"])
}

func TestComfyRemover_PromptNodeErrors(t *testing.T) {
	t.Parallel()

	fake := &fakeComfyUI{t: t, failPrompt: true}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	_, err := NewComfyRemover(server.URL).Remove(context.Background(), []byte("input-png"))
	assert.ErrorContains(t, err, "node errors")
}

func TestComfyRemover_ExecutionError(t *testing.T) {
	t.Parallel()

	fake := &fakeComfyUI{t: t, status: "error"}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	_, err := NewComfyRemover(server.URL, WithPollInterval(5*time.Millisecond)).Remove(context.Background(), []byte("input-png"))
	assert.ErrorContains(t, err, "comfyui prompt p-1 failed")
}

func TestComfyRemover_WaitRespectsContext(t *testing.T) {
	t.Parallel()

	fake := &fakeComfyUI{t: t, pendingPolls: 1 << 30}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := NewComfyRemover(server.URL, WithPollInterval(10*time.Millisecond)).Remove(ctx, []byte("input-png"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestComfyRemover_WorkflowFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	noPlaceholder := filepath.Join(dir, "static.json")
	require.NoError(t, os.WriteFile(noPlaceholder, []byte(`{"1": {"class_type": "LoadImage", "inputs": {"image": "fixed.png"}}}`), 0o600))

	fake := &fakeComfyUI{t: t}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	_, err := NewComfyRemover(server.URL, WithWorkflowFile(noPlaceholder)).Remove(context.Background(), []byte("input-png"))
	assert.ErrorContains(t, err, "placeholder")

	// 文件不存在时回退到内置工作流
	c := NewComfyRemover(server.URL, WithWorkflowFile(filepath.Join(dir, "missing.json")))
	assert.Equal(t, string(defaultWorkflow), c.workflow)
}

func TestComfyRemover_Probe(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer((&fakeComfyUI{t: t}).handler())
	assert.NoError(t, NewComfyRemover(server.URL).Probe(context.Background()))
	server.Close()

	assert.ErrorContains(t, NewComfyRemover(server.URL).Probe(context.Background()), "comfyui probe")
}

func TestDefaultWorkflowIsValid(t *testing.T) {
	t.Parallel()

	wk := map[string]any{}
	require.NoError(t, json.Unmarshal(defaultWorkflow, &wk))
	assert.Contains(t, string(defaultWorkflow), workflowInputPlaceholder)
}
