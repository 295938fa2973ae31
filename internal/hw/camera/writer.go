package camera

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
)

// DefaultLabel prefixes scan image names.
const DefaultLabel = "Image Single Scan"

// Writer saves captures as PNG files named "<label> <index>.png".
type Writer struct {
	dir   string
	label string
}

// NewWriter creates a writer into dir. An empty label uses DefaultLabel.
func NewWriter(dir, label string) *Writer {
	if label == "" {
		label = DefaultLabel
	}
	return &Writer{dir: dir, label: label}
}

// Filename returns the file name of capture index.
func (w *Writer) Filename(index int) string {
	return fmt.Sprintf("%s %d.png", w.label, index)
}

// Save encodes img and returns the path written.
func (w *Writer) Save(index int, img image.Image) (string, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(w.dir, w.Filename(index))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return "", fmt.Errorf("encode %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}
