// Package compose hands the final asset of a record to its output location.
package compose

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/alvmarrod/image-weaver/internal/records"
)

// Job is everything a composer receives for one record
type Job struct {
	AssetPath   string
	Record      records.Record
	Query       string
	OutputPath  string
	Placeholder bool
}

// Composer produces the final output for a record
type Composer interface {
	Compose(ctx context.Context, job Job) error
}

// OutputPath returns the output location for a record's asset:
// <dir>/<index>_<asset file name>.
func OutputPath(dir string, index int, assetPath string) string {
	return filepath.Join(dir, strconv.Itoa(index)+"_"+filepath.Base(assetPath))
}

// CopyComposer places the asset at the output path unchanged
type CopyComposer struct{}

// Compose implements Composer
func (CopyComposer) Compose(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if job.AssetPath == "" || job.OutputPath == "" {
		return fmt.Errorf("asset and output paths are required")
	}
	return copyFile(job.AssetPath, job.OutputPath)
}

func copyFile(src, dst string) error {
	in, err := os.Open(filepath.Clean(src))
	if err != nil {
		return fmt.Errorf("failed to open asset: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+strings.TrimPrefix(filepath.Base(dst), ".")+".*")
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to copy asset: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close output: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move output: %w", err)
	}
	return nil
}
