package files

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathNotAllowed is returned for paths outside every allowed root.
var ErrPathNotAllowed = errors.New("path is not allowed")

// Resolver validates paths against a set of allowed roots. Relative paths are
// taken relative to the first root. Symlinks are resolved before the check so
// a link cannot point outside the roots.
type Resolver struct {
	Roots []string
}

// Resolve returns the absolute, cleaned path when it lies within a root.
func (r Resolver) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	if len(r.Roots) == 0 {
		return "", fmt.Errorf("%w: no readable paths are configured", ErrPathNotAllowed)
	}

	target := clean
	if !filepath.IsAbs(target) {
		target = filepath.Join(r.Roots[0], target)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if real, err := filepath.EvalSymlinks(targetAbs); err == nil {
		targetAbs = real
	}

	for _, root := range r.Roots {
		rootAbs, err := filepath.Abs(strings.TrimSpace(root))
		if err != nil {
			continue
		}
		if real, err := filepath.EvalSymlinks(rootAbs); err == nil {
			rootAbs = real
		}
		rel, err := filepath.Rel(rootAbs, targetAbs)
		if err != nil {
			continue
		}
		if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
			continue
		}
		return targetAbs, nil
	}
	return "", fmt.Errorf("%w: %s", ErrPathNotAllowed, clean)
}
