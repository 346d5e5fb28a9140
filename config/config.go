package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendRembg   = "rembg"
	BackendComfyUI = "comfyui"

	DefaultPort = 8000

	// WorkflowInputPlaceholder 自定义 ComfyUI 工作流中输入图片的占位符
	WorkflowInputPlaceholder = "{{input_image}}"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config 服务配置，默认值 < YAML 文件 < 环境变量
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
	MaxImageSide   int   `yaml:"max_image_side"`

	Backend         string        `yaml:"backend"`
	RembgURL        string        `yaml:"rembg_url"`
	Model           string        `yaml:"model"`
	ComfyUIURL      string        `yaml:"comfyui_url"`
	ComfyUIWorkflow string        `yaml:"comfyui_workflow"`
	InferTimeout    time.Duration `yaml:"inference_timeout"`
	MaxConcurrency  int           `yaml:"max_concurrency"`
	Warmup          bool          `yaml:"warmup"`

	RedisURL        string        `yaml:"redis_url"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	CacheMaxEntries int           `yaml:"cache_max_entries"`

	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	HealthSchedule  string        `yaml:"health_schedule"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func Default() *Config {
	return &Config{
		Host:            "0.0.0.0",
		Port:            DefaultPort,
		LogLevel:        "info",
		LogFormat:       "text",
		MaxUploadBytes:  10 * 1024 * 1024,
		MaxImageSide:    2048,
		Backend:         BackendRembg,
		RembgURL:        "http://127.0.0.1:7000",
		Model:           "u2net",
		ComfyUIURL:      "http://127.0.0.1:8188",
		InferTimeout:    60 * time.Second,
		MaxConcurrency:  2,
		Warmup:          true,
		CacheTTL:        10 * time.Minute,
		CacheMaxEntries: 256,
		RateBurst:       5,
		HealthSchedule:  "@every 30s",
		CORSOrigins:     []string{"*"},
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load 依次应用默认值、配置文件（path 为空或文件不存在时跳过）和环境变量
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w: %v", path, ErrInvalidConfig, err)
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Addr 监听地址，默认 0.0.0.0:8000
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("%w: max_upload_bytes must be positive", ErrInvalidConfig)
	}
	if c.MaxImageSide <= 0 {
		return fmt.Errorf("%w: max_image_side must be positive", ErrInvalidConfig)
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("%w: max_concurrency must be positive", ErrInvalidConfig)
	}
	if c.InferTimeout <= 0 {
		return fmt.Errorf("%w: inference_timeout must be positive", ErrInvalidConfig)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: shutdown_timeout must be positive", ErrInvalidConfig)
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("%w: cache_ttl must not be negative", ErrInvalidConfig)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("%w: rate_limit must not be negative", ErrInvalidConfig)
	}
	switch c.Backend {
	case BackendRembg, BackendComfyUI:
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, c.Backend)
	}
	if c.Backend == BackendComfyUI && c.ComfyUIWorkflow != "" {
		data, err := os.ReadFile(c.ComfyUIWorkflow)
		if err != nil {
			return fmt.Errorf("%w: comfyui_workflow: %v", ErrInvalidConfig, err)
		}
		if !strings.Contains(string(data), WorkflowInputPlaceholder) {
			return fmt.Errorf("%w: comfyui_workflow %s has no %s placeholder", ErrInvalidConfig, c.ComfyUIWorkflow, WorkflowInputPlaceholder)
		}
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	env := func(key string) (string, bool) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return "", false
		}
		return strings.TrimSpace(v), true
	}

	if v, ok := env("PORT"); ok {
		port, err := parsePort(v)
		if err != nil {
			return err
		}
		c.Port = port
	}

	strs := map[string]*string{
		"HOST":             &c.Host,
		"LOG_LEVEL":        &c.LogLevel,
		"LOG_FORMAT":       &c.LogFormat,
		"REMBG_BACKEND":    &c.Backend,
		"REMBG_URL":        &c.RembgURL,
		"REMBG_MODEL":      &c.Model,
		"COMFYUI_URL":      &c.ComfyUIURL,
		"COMFYUI_WORKFLOW": &c.ComfyUIWorkflow,
		"REDIS_URL":        &c.RedisURL,
		"HEALTH_SCHEDULE":  &c.HealthSchedule,
	}
	for key, dst := range strs {
		if v, ok := env(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"MAX_IMAGE_SIDE":    &c.MaxImageSide,
		"MAX_CONCURRENCY":   &c.MaxConcurrency,
		"CACHE_MAX_ENTRIES": &c.CacheMaxEntries,
		"RATE_BURST":        &c.RateBurst,
	}
	for key, dst := range ints {
		if v, ok := env(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidConfig, key, v)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"INFERENCE_TIMEOUT": &c.InferTimeout,
		"CACHE_TTL":         &c.CacheTTL,
		"SHUTDOWN_TIMEOUT":  &c.ShutdownTimeout,
	}
	for key, dst := range durations {
		if v, ok := env(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%w: %s=%q is not a duration", ErrInvalidConfig, key, v)
			}
			*dst = d
		}
	}

	if v, ok := env("MAX_UPLOAD_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: MAX_UPLOAD_BYTES=%q is not an integer", ErrInvalidConfig, v)
		}
		c.MaxUploadBytes = n
	}
	if v, ok := env("RATE_LIMIT"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: RATE_LIMIT=%q is not a number", ErrInvalidConfig, v)
		}
		c.RateLimit = f
	}
	if v, ok := env("WARMUP"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: WARMUP=%q is not a bool", ErrInvalidConfig, v)
		}
		c.Warmup = b
	}
	if v, ok := env("CORS_ORIGINS"); ok {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.CORSOrigins = origins
	}
	return nil
}

// parsePort PORT 必须是 1-65535 之间的整数
func parsePort(v string) (int, error) {
	port, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: PORT=%q is not an integer", ErrInvalidConfig, v)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("%w: PORT=%d out of range", ErrInvalidConfig, port)
	}
	return port, nil
}
