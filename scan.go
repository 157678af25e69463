package promptmeta

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
)

// imageExtensions lists the file extensions a scan picks up.
var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
}

// Scan walks dir and extracts every image, at most cfg.ScanConcurrency at a
// time. Results keep walk order.
func (e *engine) Scan(ctx context.Context, dir string) ([]ScanResult, error) {
	paths, err := imageFiles(dir)
	if err != nil {
		return nil, err
	}

	results := make([]ScanResult, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.ScanConcurrency)

	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := e.ExtractFile(gctx, path)
			results[i] = ScanResult{Path: path, Result: res, Err: err}
			if err != nil {
				results[i].Error = err.Error()
				slog.Debug("scan: skipped image", "path", path, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var matched int
	for _, r := range results {
		if r.Err == nil {
			matched++
		}
	}
	slog.Info("scan complete", "dir", dir, "images", len(paths), "matched", matched)
	return results, nil
}

// imageFiles returns the PNG and JPEG files below dir in lexical order.
func imageFiles(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if imageExtensions[strings.ToLower(filepath.Ext(path))] {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", dir, err)
	}
	return paths, nil
}
