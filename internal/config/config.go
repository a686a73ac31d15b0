package config

import (
	"fmt"
	"net/url"
	"time"
)

// Config is parsed by kong from flags, falling back to environment
// variables (a .env file is loaded first).
type Config struct {
	Addr             string        `help:"Address to listen on" default:":8888" env:"ADDR"`
	DataDir          string        `help:"Directory for uploaded session images" default:"uploads" env:"DATA_DIR"`
	DBPath           string        `help:"SQLite database for session history (empty disables persistence)" name:"db-path" env:"DB_PATH"`
	DBVerbose        bool          `help:"Log every SQL statement" name:"db-verbose" env:"DB_VERBOSE"`
	Detector         string        `help:"Detection backend" enum:"remote,gcv" default:"remote" env:"DETECTOR_BACKEND"`
	InferenceURL     string        `help:"Base URL of the detection service" default:"http://localhost:8000" env:"INFERENCE_URL"`
	InferenceAPIKey  string        `help:"Bearer token for the detection service" name:"inference-api-key" env:"INFERENCE_API_KEY"`
	SegmenterURL     string        `help:"Base URL of the segmentation service (empty disables segmentation)" env:"SEGMENTER_URL"`
	InferenceTimeout time.Duration `help:"Timeout for one detector call" default:"120s" env:"INFERENCE_TIMEOUT"`
	MaxFailures      int           `help:"Consecutive inference failures that abort a run" default:"1" env:"MAX_CONSECUTIVE_FAILURES"`
	MaxInferenceSide int           `help:"Downscale images whose longest side exceeds this before inference (0 disables)" default:"0" env:"MAX_INFERENCE_SIDE"`
	MaxUploadBytes   int64         `help:"Maximum upload size in bytes" default:"1073741824" env:"MAX_UPLOAD_BYTES"`
	ShutdownTimeout  time.Duration `help:"Grace period for in-flight requests and runs on shutdown" default:"30s" env:"SHUTDOWN_TIMEOUT"`
	LogLevel         string        `help:"Log level" enum:"debug,info,warn,error" default:"info" env:"LOG_LEVEL"`
	LogFormat        string        `help:"Log format" enum:"text,json" default:"text" env:"LOG_FORMAT"`
}

// Validate is called by kong after parsing.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data-dir must not be empty")
	}
	if c.Detector == "remote" {
		if err := validURL(c.InferenceURL); err != nil {
			return fmt.Errorf("inference-url: %w", err)
		}
	}
	if c.SegmenterURL != "" {
		if err := validURL(c.SegmenterURL); err != nil {
			return fmt.Errorf("segmenter-url: %w", err)
		}
	}
	if c.InferenceTimeout <= 0 {
		return fmt.Errorf("inference-timeout must be positive, got %s", c.InferenceTimeout)
	}
	if c.MaxFailures < 1 {
		return fmt.Errorf("max-failures must be at least 1, got %d", c.MaxFailures)
	}
	if c.MaxInferenceSide < 0 {
		return fmt.Errorf("max-inference-side must not be negative, got %d", c.MaxInferenceSide)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("max-upload-bytes must be positive, got %d", c.MaxUploadBytes)
	}
	return nil
}

func validURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme in %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}
