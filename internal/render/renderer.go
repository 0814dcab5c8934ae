// Package render wraps the external OpenSCAD command-line tool used by the
// visual inspection strategy. Its absence, reported via Available, is the
// switch that selects the logical strategy instead.
package render

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/modelsmith/cad-orchestrator/internal/model"
)

// Config controls how the renderer invokes the tool.
type Config struct {
	// Binary is the renderer executable, looked up on PATH when not absolute.
	Binary string
	// OutputDir receives temporary .scad sources and rendered .png images.
	OutputDir string
	// Timeout bounds a single render invocation.
	Timeout time.Duration
	// ImageSize is the rendered image edge length in pixels.
	ImageSize int
}

// Renderer shells out to OpenSCAD to produce a preview image of an artifact.
type Renderer struct {
	cfg       Config
	available bool
	log       *zap.Logger
}

// New probes for the renderer binary and returns a renderer whose Available
// method reports the capability flag.
func New(cfg Config, log *zap.Logger) *Renderer {
	if cfg.Binary == "" {
		cfg.Binary = "openscad"
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "output"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.ImageSize <= 0 {
		cfg.ImageSize = 800
	}

	_, err := exec.LookPath(cfg.Binary)
	if err != nil {
		log.Warn("rendering tool not found, visual inspection disabled",
			zap.String("binary", cfg.Binary))
	}
	return &Renderer{cfg: cfg, available: err == nil, log: log}
}

// Available reports whether the rendering tool can be invoked.
func (r *Renderer) Available() bool {
	return r.available
}

// Render writes the source to disk and renders it to a PNG, returning the
// image path. Compile failures and tool failures are distinguished through
// RenderError so the inspector can map them to findings or a strategy switch.
func (r *Renderer) Render(ctx context.Context, source string) (string, error) {
	if !r.available {
		return "", &model.RenderError{Err: fmt.Errorf("renderer %q not installed", r.cfg.Binary)}
	}

	if err := os.MkdirAll(r.cfg.OutputDir, 0o755); err != nil {
		return "", &model.RenderError{Err: fmt.Errorf("create output dir: %w", err)}
	}

	scadPath := filepath.Join(r.cfg.OutputDir, "model.scad")
	imagePath := filepath.Join(r.cfg.OutputDir, "model.png")
	if err := os.WriteFile(scadPath, []byte(source), 0o644); err != nil {
		return "", &model.RenderError{Err: fmt.Errorf("write source: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	size := fmt.Sprintf("%d,%d", r.cfg.ImageSize, r.cfg.ImageSize)
	cmd := exec.CommandContext(ctx, r.cfg.Binary,
		"-o", imagePath,
		"--imgsize", size,
		scadPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	r.log.Debug("render finished",
		zap.Duration("elapsed", time.Since(start)),
		zap.Bool("ok", err == nil))

	if err != nil {
		output := stderr.String()
		if isCompileFailure(output) {
			return "", &model.RenderError{Compile: true, Output: output, Err: err}
		}
		return "", &model.RenderError{Output: output, Err: err}
	}
	return imagePath, nil
}

// isCompileFailure distinguishes rejected source from a broken tool based on
// the diagnostics OpenSCAD prints.
func isCompileFailure(output string) bool {
	return strings.Contains(output, "ERROR:") ||
		strings.Contains(output, "Parser error") ||
		strings.Contains(output, "syntax error")
}
