package datasets

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
	".webp": true,
}

// isImageFile reports whether path has one of the decodable image extensions.
func isImageFile(path string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(path))]
}

func parseFloat32(s string) (float32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty string")
	}
	v, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return 0, err
	}
	return float32(v), nil
}

// ParseFloats parses a comma separated list such as "0.5,0.5,0.5".
func ParseFloats(s string) ([]float32, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		v, err := parseFloat32(p)
		if err != nil {
			return nil, fmt.Errorf("%w: value %d of %q: %v", ErrInvalidConfig, i, s, err)
		}
		out[i] = v
	}
	return out, nil
}

// countImages counts the image files below dir.
func countImages(dir string) (int, error) {
	count := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isImageFile(path) {
			count++
		}
		return nil
	})
	return count, err
}

// Auto-discovery helpers

// FindDatasetRoot returns the first candidate directory holding a folder named
// name with at least one image below it.
func FindDatasetRoot(candidates []string, name string) (string, error) {
	for _, c := range candidates {
		root := filepath.Join(c, name)
		if st, err := os.Stat(root); err != nil || !st.IsDir() {
			continue
		}
		if n, err := countImages(root); err == nil && n > 0 {
			return root, nil
		}
	}
	return "", fmt.Errorf("no dataset %q found in %v", name, candidates)
}
