// Package segment calls an external background removal service.
package segment

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alvmarrod/image-weaver/internal/metrics"
)

// maxResponseBytes caps the returned image size
const maxResponseBytes = 50 << 20

// Result is the outcome of a background removal. Path is only set on success.
type Result struct {
	Success bool
	Path    string
}

// Remover strips the background from an image
type Remover interface {
	RemoveBackground(ctx context.Context, imagePath string) (Result, error)
}

// HTTPConfig holds the segmentation endpoint settings
type HTTPConfig struct {
	Endpoint  string
	APIKey    string
	Timeout   time.Duration
	OutputDir string
}

// HTTPRemover posts the raw image to an endpoint that answers with a PNG
type HTTPRemover struct {
	endpoint  string
	apiKey    string
	timeout   time.Duration
	outputDir string
	client    *http.Client
}

// NewHTTPRemover creates a remover. A nil client uses http.DefaultClient.
func NewHTTPRemover(cfg HTTPConfig, client *http.Client) (*HTTPRemover, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("segmentation endpoint is required")
	}
	if cfg.OutputDir == "" {
		return nil, fmt.Errorf("segmentation output dir is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPRemover{
		endpoint:  cfg.Endpoint,
		apiKey:    cfg.APIKey,
		timeout:   cfg.Timeout,
		outputDir: cfg.OutputDir,
		client:    client,
	}, nil
}

// RemoveBackground implements Remover
func (r *HTTPRemover) RemoveBackground(ctx context.Context, imagePath string) (Result, error) {
	res, err := r.remove(ctx, imagePath)
	if err != nil {
		metrics.BackgroundRemovalsTotal.WithLabelValues("error").Inc()
		return Result{}, err
	}
	metrics.BackgroundRemovalsTotal.WithLabelValues("success").Inc()
	return res, nil
}

func (r *HTTPRemover) remove(ctx context.Context, imagePath string) (Result, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	data, err := os.ReadFile(filepath.Clean(imagePath))
	if err != nil {
		return Result{}, fmt.Errorf("failed to read image: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", http.DetectContentType(data))
	req.Header.Set("Accept", "image/png")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("segmentation request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return Result{}, fmt.Errorf("segmentation HTTP %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	_, format, err := image.DecodeConfig(bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("segmentation returned undecodable image: %w", err)
	}
	if format != "png" {
		return Result{}, fmt.Errorf("segmentation returned %s, want png", format)
	}

	out, err := r.write(imagePath, body)
	if err != nil {
		return Result{}, err
	}

	logrus.WithFields(logrus.Fields{
		"source": imagePath,
		"output": out,
	}).Debug("Background removed")

	return Result{Success: true, Path: out}, nil
}

func (r *HTTPRemover) write(imagePath string, body []byte) (string, error) {
	if err := os.MkdirAll(r.outputDir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}
	stem := strings.TrimSuffix(filepath.Base(imagePath), filepath.Ext(imagePath))
	out := filepath.Join(r.outputDir, stem+"_nobg.png")

	// Records sharing a cached asset may remove it concurrently.
	tmp, err := os.CreateTemp(r.outputDir, "."+stem+"_nobg-*.png")
	if err != nil {
		return "", fmt.Errorf("failed to create output: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to write output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to close output: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to chmod output: %w", err)
	}
	if err := os.Rename(tmpName, out); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to move output: %w", err)
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
